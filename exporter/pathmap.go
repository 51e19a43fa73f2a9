/*
 * Copy-on-write tree snapshots
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"sort"
	"strings"
)

const pathSep = "/"

// fileEntry is what a tree snapshot knows about one file: which blob
// holds its content and whether it is executable.
type fileEntry struct {
	mark       markidx
	executable bool
}

func (e fileEntry) mode() string {
	if e.executable {
		return "755"
	}
	return "644"
}

func (e fileEntry) String() string {
	return fmt.Sprintf(":%d/%s", e.mark, e.mode())
}

// A PathMap maps the branch-relative file paths of one branch to their
// content. Snapshots share storage with the map they were taken from;
// a shared subtree is copied the first time either side modifies it, so
// keeping a snapshot per commit for branch seeding stays cheap.
type PathMap struct {
	dirs   map[string]*PathMap
	blobs  map[string]fileEntry
	shared bool
}

func newPathMap() *PathMap {
	pm := new(PathMap)
	pm.dirs = make(map[string]*PathMap)
	pm.blobs = make(map[string]fileEntry)
	return pm
}

// _markShared sets the shared attribute on all PathMaps in the hierarchy.
// shared is never reset to false, so a subtree already marked need not
// be descended into.
func (pm *PathMap) _markShared() {
	if !pm.shared {
		pm.shared = true
		for _, v := range pm.dirs {
			v._markShared()
		}
	}
}

// snapshot returns an immutable-by-convention copy of the current state.
func (pm *PathMap) snapshot() *PathMap {
	r := new(PathMap)
	r._inplaceSnapshot(pm)
	return r
}

func (pm *PathMap) _inplaceSnapshot(source *PathMap) {
	dirs := make(map[string]*PathMap, len(source.dirs))
	blobs := make(map[string]fileEntry, len(source.blobs))
	for k, v := range source.dirs {
		dirs[k] = v
		v._markShared()
	}
	for k, v := range source.blobs {
		blobs[k] = v
	}
	pm.dirs = dirs
	pm.blobs = blobs
}

func (pm *PathMap) _unshare() *PathMap {
	if pm.shared {
		return pm.snapshot()
	}
	return pm
}

// _createTree ensures the hierarchy contains the directory whose path is
// given as a slice of components, unsharing along the way.
func (pm *PathMap) _createTree(path []string) *PathMap {
	tree := pm
	for _, component := range path {
		subtree, ok := tree.dirs[component]
		if ok {
			subtree = subtree._unshare()
		} else {
			subtree = newPathMap()
		}
		tree.dirs[component] = subtree
		tree = subtree
	}
	return tree
}

// _lookupDir returns the directory at path, or nil. The empty path is pm.
func (pm *PathMap) _lookupDir(path string) *PathMap {
	if path == "" {
		return pm
	}
	tree := pm
	for _, component := range strings.Split(path, pathSep) {
		var ok bool
		if tree, ok = tree.dirs[component]; !ok {
			return nil
		}
	}
	return tree
}

func splitPath(path string) ([]string, string) {
	parts := strings.Split(path, pathSep)
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// get returns the entry stored at path, if any.
func (pm *PathMap) get(path string) (fileEntry, bool) {
	parent := pm
	for {
		i := strings.Index(path, pathSep)
		if i < 0 {
			break
		}
		component := path[:i]
		path = path[i+1:]
		var ok bool
		if parent, ok = parent.dirs[component]; !ok {
			return fileEntry{}, false
		}
	}
	element, ok := parent.blobs[path]
	return element, ok
}

// set adds a file to the map.
func (pm *PathMap) set(path string, value fileEntry) {
	dir, name := splitPath(path)
	pm._createTree(dir).blobs[name] = value
}

// remove removes a file, or all descendants of a directory, from the map.
func (pm *PathMap) remove(path string) {
	components := strings.SplitN(path, pathSep, 2)
	component := components[0]
	if len(components) == 1 {
		delete(pm.dirs, component)
		delete(pm.blobs, component)
		return
	}
	subtree, ok := pm.dirs[component]
	if !ok {
		logit(logFILEMAP, "component %q to be deleted is missing", component)
		return
	}
	subtree = subtree._unshare()
	pm.dirs[component] = subtree
	subtree.remove(components[1])
	// Do not keep empty subdirectories around
	if subtree.isEmpty() {
		delete(pm.dirs, component)
	}
}

// pathsUnder lists the files at or below path: the file itself if path
// names a file, every descendant if it names a directory, everything
// when path is empty. Results are sorted.
func (pm *PathMap) pathsUnder(path string) []string {
	out := make([]string, 0)
	if path != "" {
		if _, ok := pm.get(path); ok {
			out = append(out, path)
		}
	}
	if dir := pm._lookupDir(path); dir != nil {
		prefix := []string{}
		if path != "" {
			prefix = strings.Split(path, pathSep)
		}
		dir._iter(&prefix, func(name string, _ fileEntry) {
			out = append(out, name)
		})
	}
	sort.Strings(out)
	return out
}

// iter calls the hook for each (path, entry) pair in the PathMap
func (pm *PathMap) iter(hook func(string, fileEntry)) {
	pm._iter(&[]string{}, hook)
}

func (pm *PathMap) _iter(prefix *[]string, hook func(string, fileEntry)) {
	pos := len(*prefix)
	*prefix = append(*prefix, "")
	for component, subdir := range pm.dirs {
		(*prefix)[pos] = component
		subdir._iter(prefix, hook)
	}
	for component, elt := range pm.blobs {
		(*prefix)[pos] = component
		hook(strings.Join(*prefix, pathSep), elt)
	}
	*prefix = (*prefix)[:pos]
}

func (pm *PathMap) size() int {
	size := len(pm.blobs)
	for _, subdir := range pm.dirs {
		size += subdir.size()
	}
	return size
}

// isEmpty returns true iff the PathMap contains no file
func (pm *PathMap) isEmpty() bool {
	return len(pm.dirs)+len(pm.blobs) == 0
}

func (pm *PathMap) String() string {
	var out strings.Builder
	out.WriteByte('{')
	names := pm.pathnames()
	lastIdx := len(names) - 1
	for idx, name := range names {
		value, _ := pm.get(name)
		fmt.Fprintf(&out, "%s: %v", name, value)
		if idx != lastIdx {
			out.WriteString(", ")
		}
	}
	out.WriteByte('}')
	return out.String()
}

// pathnames returns a sorted list of the pathnames in the map
func (pm *PathMap) pathnames() []string {
	return pm.pathsUnder("")
}
