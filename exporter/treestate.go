/*
 * Tree tracking: turning a branch's share of a changeset into a file delta
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"strconv"
	"strings"
)

// FileOp is one line of a commit's file delta, M or D.
type FileOp struct {
	op    rune
	path  string
	entry fileEntry
}

func (op FileOp) String() string {
	if op.op == 'D' {
		return "D " + quotePath(op.path)
	}
	return fmt.Sprintf("M %s :%d %s", op.entry.mode(), op.entry.mark, quotePath(op.path))
}

// FileDelta is a commit's file operations: deletions first, then
// modifications, each in the order the changeset first touched them.
type FileDelta []FileOp

func (fd FileDelta) String() string {
	lines := make([]string, len(fd))
	for i, op := range fd {
		lines[i] = op.String()
	}
	return strings.Join(lines, "\n")
}

type preImage struct {
	entry   fileEntry
	present bool
}

// treeTracker applies routed actions to branch trees.
type treeTracker struct {
	topo      *Topology
	store     *ContentStore
	rewriters rewriteChain
	noContent bool
	oversize  int64
}

// versionKey is the content-store version of an action.
func versionKey(a *FileAction, cs changesetID) string {
	if a.Version != "" {
		return a.Version
	}
	return strconv.FormatInt(int64(cs), 10)
}

// provider wraps an action's raw content source with validation and the
// rewrite chain.
func (tt *treeTracker) provider(b *Branch, ra *routedAction, cs changesetID, diags *Diagnostics) ContentProvider {
	return func() ([]byte, error) {
		data := []byte{}
		if !tt.noContent {
			if ra.content == nil {
				return nil, fmt.Errorf("%w: changeset %d: no content for %s", ErrConsistency, cs, ra.Path)
			}
			raw, err := ra.content()
			if err != nil {
				return nil, err
			}
			if ra.Length > 0 && int64(len(raw)) != ra.Length {
				return nil, fmt.Errorf("%w: changeset %d: %s is %d bytes, ledger says %d",
					ErrConsistency, cs, ra.Path, len(raw), ra.Length)
			}
			data = raw
		}
		if tt.oversize > 0 && int64(len(data)) >= tt.oversize {
			diags.warn(cs, diagOversize, "%s is %d bytes", ra.Path, len(data))
		}
		return tt.rewriters.apply(b.name, ra.relpath, data, func(err error) {
			diags.warn(cs, diagRewriteFallback, "%s: %v", ra.Path, err)
		})
	}
}

// apply updates the branch tree for one work item and returns the net
// change. Paths touched several times contribute one operation at most.
func (tt *treeTracker) apply(w *branchWork, cs *Changeset, diags *Diagnostics) (FileDelta, error) {
	tree := w.branch.tree
	pre := make(map[string]preImage)
	touched := make([]string, 0)
	touch := func(p string) {
		if _, ok := pre[p]; !ok {
			e, ok := tree.get(p)
			pre[p] = preImage{e, ok}
			touched = append(touched, p)
		}
	}
	place := func(target string, entries []carriedEntry) {
		for _, ce := range entries {
			p := joinRel(target, ce.suffix)
			touch(p)
			tree.set(p, ce.entry)
		}
	}
	writes := make(map[string]int)
	intern := func(ra *routedAction) error {
		key := versionKey(ra.FileAction, cs.ID)
		if n := writes[ra.serverPath]; n > 0 && ra.Version == "" {
			key += "#" + strconv.Itoa(n)
		}
		writes[ra.serverPath]++
		mark, err := tt.store.internFor(ra.serverPath, key, tt.provider(w.branch, ra, cs.ID, diags))
		if err != nil {
			return err
		}
		for _, p := range tree.pathsUnder(ra.relpath) {
			touch(p)
		}
		tree.remove(ra.relpath)
		touch(ra.relpath)
		tree.set(ra.relpath, fileEntry{mark, ra.Executable})
		return nil
	}
	approx := make(map[branchSource]bool)

	for _, ra := range w.actions {
		switch ra.Kind {
		case actAdd, actEdit:
			if err := intern(ra); err != nil {
				return nil, err
			}
		case actDelete:
			paths := tree.pathsUnder(ra.relpath)
			if len(paths) == 0 {
				logit(logFILEMAP, "changeset %d deletes absent %s", cs.ID, ra.Path)
				continue
			}
			for _, p := range paths {
				touch(p)
			}
			tree.remove(ra.relpath)
		case actRename:
			var moved []carriedEntry
			if ra.copied {
				moved = ra.carried
			} else if ra.moveWithin {
				moved = carry(tree, ra.fromRel)
				for _, p := range tree.pathsUnder(ra.fromRel) {
					touch(p)
				}
				tree.remove(ra.fromRel)
			}
			if len(moved) > 0 {
				place(ra.relpath, moved)
			} else if ra.content != nil {
				if err := intern(ra); err != nil {
					return nil, err
				}
			} else if !ra.reported {
				diags.warn(cs.ID, diagMissingSource, "rename source %s not found", ra.FromPath)
			}
		case actBranch:
			entries := tt.branchSource(ra, cs, approx, diags)
			if len(entries) > 0 {
				place(ra.relpath, entries)
			} else if ra.content != nil {
				if err := intern(ra); err != nil {
					return nil, err
				}
			} else {
				diags.warn(cs.ID, diagMissingSource, "branch source %s@%d not found", ra.FromPath, ra.FromVersion)
			}
		}
	}

	deletes := make(FileDelta, 0)
	mods := make(FileDelta, 0)
	for _, p := range touched {
		before := pre[p]
		after, ok := tree.get(p)
		switch {
		case before.present && !ok:
			deletes = append(deletes, FileOp{op: 'D', path: p})
		case ok && (!before.present || before.entry != after):
			mods = append(mods, FileOp{op: 'M', path: p, entry: after})
		}
	}
	return append(deletes, mods...), nil
}

// branchSource looks up what a branch action copies. An approximate
// lookup is reported once per source and version.
func (tt *treeTracker) branchSource(ra *routedAction, cs *Changeset, approx map[branchSource]bool, diags *Diagnostics) []carriedEntry {
	if ra.fromBranch == "" {
		return nil
	}
	src := tt.topo.lookup(ra.fromBranch)
	if src == nil {
		return nil
	}
	ver := ra.FromVersion
	if ver == 0 {
		ver = cs.ID - 1
	}
	rec, exact := src.snapshotAt(ver)
	if rec == nil {
		return nil
	}
	if !exact {
		key := branchSource{ra.fromBranch, ver}
		if !approx[key] {
			approx[key] = true
			diags.warn(cs.ID, diagApproxSeed, "%s@%d is unavailable; copying from changeset %d",
				ra.fromBranch, ver, rec.changeset)
		}
	}
	return carry(rec.tree, ra.fromRel)
}
