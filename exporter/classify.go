/*
 * Branch classification: which logical branch a server path belongs to
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type classKind uint8

const (
	classUnmapped   classKind = iota // no branch claims the path
	classPath                        // an ordinary path on a branch
	classNewBranch                   // the branch starts here from nothing
	classBranchFrom                  // the branch is a copy of FromBranch at FromVersion
)

// Classification is a classifier's verdict on one server path. For
// classBranchFrom a zero FromVersion means "as of just before this
// changeset".
type Classification struct {
	Kind        classKind
	Branch      string
	RelPath     string
	FromBranch  string
	FromVersion changesetID
}

func (c Classification) mapped() bool {
	return c.Kind != classUnmapped
}

// BranchClassifier decides which branch a normalized server path is on.
// The branch signals are only acted on when the branch is not live.
type BranchClassifier interface {
	Classify(path string, cs changesetID) Classification
}

// BranchRule is one line of branch configuration. Exactly one of Prefix
// and Pattern is set. A Pattern must be anchored by its author and
// should have a "branch" or "relpath" named group, or a Name template.
type BranchRule struct {
	Prefix      string      `yaml:"prefix"`
	Pattern     string      `yaml:"pattern"`
	Name        string      `yaml:"name"`
	Parent      string      `yaml:"parent"`
	FromVersion changesetID `yaml:"from-version"`
	Orphan      bool        `yaml:"orphan"`
}

type compiledRule struct {
	BranchRule
	re *regexp.Regexp
}

// ruleClassifier is the stock classifier. Prefix rules are matched by
// longest prefix over path segments and take precedence over patterns,
// which are tried in order.
type ruleClassifier struct {
	prefixes map[string]*compiledRule
	patterns []*compiledRule
}

func newRuleClassifier(rules []BranchRule) (*ruleClassifier, error) {
	rc := &ruleClassifier{prefixes: make(map[string]*compiledRule)}
	for i, rule := range rules {
		cr := &compiledRule{BranchRule: rule}
		switch {
		case rule.Prefix != "" && rule.Pattern != "":
			return nil, fmt.Errorf("branch rule %d: prefix and pattern are exclusive", i+1)
		case rule.Prefix != "":
			prefix := normalizeServerPath(rule.Prefix)
			if cr.Name == "" {
				cr.Name = prefix[strings.LastIndex(prefix, pathSep)+1:]
			}
			rc.prefixes[strings.ToLower(prefix)] = cr
		case rule.Pattern != "":
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("branch rule %d: %v", i+1, err)
			}
			if cr.Name == "" && re.SubexpIndex("branch") < 0 {
				return nil, fmt.Errorf("branch rule %d: pattern needs a name or a (?P<branch>...) group", i+1)
			}
			cr.re = re
			rc.patterns = append(rc.patterns, cr)
		default:
			return nil, errors.New("branch rule " + fmt.Sprint(i+1) + ": needs a prefix or a pattern")
		}
	}
	return rc, nil
}

func (rc *ruleClassifier) Classify(path string, cs changesetID) Classification {
	segments := strings.Split(path, pathSep)
	for i := len(segments); i > 0; i-- {
		key := strings.ToLower(strings.Join(segments[:i], pathSep))
		if rule, ok := rc.prefixes[key]; ok {
			return rule.verdict(rule.Name, strings.Join(segments[i:], pathSep))
		}
	}
	for _, rule := range rc.patterns {
		m := rule.re.FindStringSubmatchIndex(path)
		if m == nil {
			continue
		}
		var name []byte
		if rule.Name != "" {
			name = rule.re.ExpandString(nil, rule.Name, path, m)
		} else {
			name = rule.re.ExpandString(nil, "${branch}", path, m)
		}
		var relpath string
		if idx := rule.re.SubexpIndex("relpath"); idx >= 0 && m[2*idx] >= 0 {
			relpath = path[m[2*idx]:m[2*idx+1]]
		}
		if len(name) == 0 {
			continue
		}
		return rule.verdict(string(name), strings.Trim(relpath, pathSep))
	}
	return Classification{Kind: classUnmapped}
}

func (rule *compiledRule) verdict(branch string, relpath string) Classification {
	c := Classification{Kind: classPath, Branch: branch, RelPath: relpath}
	if rule.Orphan {
		c.Kind = classNewBranch
	} else if rule.Parent != "" {
		c.Kind = classBranchFrom
		c.FromBranch = rule.Parent
		c.FromVersion = rule.FromVersion
	}
	return c
}
