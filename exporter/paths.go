/*
 * Server path and ref name mapping
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"regexp"
	"strings"
)

// The server stores paths with a few characters substituted, probably to
// simplify its LIKE queries, and with backslash separators.
var serverUnmangler = strings.NewReplacer(">", "_", `"`, "-", "|", "%", `\`, "/")

// normalizeServerPath undoes the server's path mangling and converts
// separators, so "$\proj\trunk\" and "$/proj/trunk" compare equal.
func normalizeServerPath(p string) string {
	p = serverUnmangler.Replace(p)
	for strings.HasSuffix(p, pathSep) {
		p = p[:len(p)-1]
	}
	return p
}

// joinRel joins branch-relative path components, either of which may be
// empty.
func joinRel(dir string, name string) string {
	if dir == "" {
		return name
	}
	if name == "" {
		return dir
	}
	return dir + pathSep + name
}

// relativeTo returns the part of path below dir, and whether path is dir
// or lies below it.
func relativeTo(path string, dir string) (string, bool) {
	if dir == "" {
		return path, true
	}
	if path == dir {
		return "", true
	}
	if strings.HasPrefix(path, dir+pathSep) {
		return path[len(dir)+1:], true
	}
	return "", false
}

var badRefChars = regexp.MustCompile(`[\x00-\x20\x7f~^:?*\[\\]+`)

// mangleRefName turns a branch or label name into something git
// check-ref-format accepts.
func mangleRefName(name string) string {
	name = badRefChars.ReplaceAllString(name, "_")
	name = strings.ReplaceAll(name, "@{", "@_")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	parts := make([]string, 0)
	for _, component := range strings.Split(name, "/") {
		component = strings.TrimLeft(component, ".")
		for strings.HasSuffix(component, ".lock") {
			component = strings.TrimSuffix(component, ".lock")
		}
		if component != "" {
			parts = append(parts, component)
		}
	}
	name = strings.TrimRight(strings.Join(parts, "/"), ".")
	if name == "" || name == "@" {
		return "_"
	}
	return name
}

func branchRef(name string) string {
	return "refs/heads/" + mangleRefName(name)
}

func tagRef(name string) string {
	return "refs/tags/" + mangleRefName(name)
}
