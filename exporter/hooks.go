/*
 * Path filters and content rewriters
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"regexp"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	shellquote "github.com/kballard/go-shellquote"
)

// PathFilter decides whether a branch-relative path takes part in the
// conversion at all.
type PathFilter interface {
	Keep(branch string, relpath string) bool
}

// ContentRewriter transforms file content before it is interned. An
// error aborts the conversion unless the rewriter is a fallbackRewriter.
type ContentRewriter interface {
	Rewrite(branch string, relpath string, data []byte) ([]byte, error)
}

// fallbackRewriter is a rewriter whose failures are survivable: the
// original content is used instead.
type fallbackRewriter interface {
	ContentRewriter
	fallsBack() bool
}

// Visual Studio source control binding files.
var vsSccRE = regexp.MustCompile(`(?i)\.vs[sp]scc$`)

// ignoreFilter drops paths matching any of a set of regexps.
type ignoreFilter struct {
	patterns []*regexp.Regexp
}

func newIgnoreFilter(patterns []string, vsScc bool) (*ignoreFilter, error) {
	f := new(ignoreFilter)
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %v", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	if vsScc {
		f.patterns = append(f.patterns, vsSccRE)
	}
	return f, nil
}

func (f *ignoreFilter) Keep(branch string, relpath string) bool {
	for _, re := range f.patterns {
		if re.MatchString(relpath) {
			return false
		}
	}
	return true
}

// vsSolutionRewriter removes the source control provider section from
// Visual Studio solution files, which would otherwise keep binding the
// converted tree to the old server.
type vsSolutionRewriter struct{}

var vsBindingRE = regexp.MustCompile(`(?s)\s+GlobalSection\(TeamFoundationVersionControl\).*?EndGlobalSection`)

func (vsSolutionRewriter) Rewrite(branch string, relpath string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(strings.ToLower(relpath), ".sln") {
		return data, nil
	}
	return vsBindingRE.ReplaceAll(data, nil), nil
}

// RewriteRule runs matching files through an external filter command,
// content on stdin, replacement on stdout.
type RewriteRule struct {
	Glob     string `yaml:"glob"`
	Command  string `yaml:"command"`
	Fallback string `yaml:"fallback"`
}

type commandRewriter struct {
	glob     string
	argv     []string
	fallback bool
}

func newCommandRewriter(rule RewriteRule) (*commandRewriter, error) {
	if _, err := path.Match(rule.Glob, ""); err != nil {
		return nil, fmt.Errorf("rewrite glob %q: %v", rule.Glob, err)
	}
	argv, err := shlex.Split(rule.Command, true)
	if err != nil {
		return nil, fmt.Errorf("preparing %q for execution: %v", rule.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("rewrite rule has an empty command")
	}
	switch rule.Fallback {
	case "", "fail", "keep":
	default:
		return nil, fmt.Errorf("rewrite fallback must be fail or keep, not %q", rule.Fallback)
	}
	return &commandRewriter{glob: rule.Glob, argv: argv, fallback: rule.Fallback == "keep"}, nil
}

func (cr *commandRewriter) matches(relpath string) bool {
	if cr.glob == "" {
		return true
	}
	if ok, _ := path.Match(cr.glob, relpath); ok {
		return true
	}
	ok, _ := path.Match(cr.glob, path.Base(relpath))
	return ok
}

func (cr *commandRewriter) Rewrite(branch string, relpath string, data []byte) ([]byte, error) {
	if !cr.matches(relpath) {
		return data, nil
	}
	logit(logCOMMANDS, "filtering %s:%s through %s", branch, relpath, shellquote.Join(cr.argv...))
	cmd := exec.Command(cr.argv[0], cr.argv[1:]...)
	cmd.Env = append(cmd.Environ(), "TFSEXPORT_BRANCH="+branch, "TFSEXPORT_PATH="+relpath)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %v %s", shellquote.Join(cr.argv...), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (cr *commandRewriter) fallsBack() bool {
	return cr.fallback
}

// rewriteChain applies rewriters in order.
type rewriteChain []ContentRewriter

// apply runs the chain. A failure of a rewriter that falls back is
// reported through the fellBack callback and leaves the content as it
// was before that rewriter; any other failure wraps ErrRewrite.
func (chain rewriteChain) apply(branch string, relpath string, data []byte, fellBack func(error)) ([]byte, error) {
	for _, rw := range chain {
		out, err := rw.Rewrite(branch, relpath, data)
		if err != nil {
			if fb, ok := rw.(fallbackRewriter); ok && fb.fallsBack() {
				fellBack(err)
				continue
			}
			return nil, fmt.Errorf("%w: %s:%s: %v", ErrRewrite, branch, relpath, err)
		}
		data = out
	}
	return data, nil
}
