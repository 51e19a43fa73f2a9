/*
 * Branch topology: mapping server paths onto branches over time
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"sort"
)

// snapshotRecord is the state of a branch just after one of its commits.
type snapshotRecord struct {
	changeset changesetID
	tree      *PathMap
	commit    *Commit
}

// Branch is one identity of a logical branch. Deleting and recreating a
// branch yields a new Branch with the same name; renaming keeps the
// Branch and changes its name.
type Branch struct {
	name        string
	ref         string
	seq         int
	created     changesetID
	deleted     bool
	deletedAt   changesetID
	tree        *PathMap // the live snapshot, owned by this branch alone
	base        *Commit  // what the first commit descends from, if seeded
	tip         *Commit
	history     []snapshotRecord
	trimmed     bool
	predecessor *Branch
}

func (b *Branch) String() string {
	return fmt.Sprintf("%s#%d", b.name, b.seq)
}

// sameLineage reports whether b is other or a recreation of it.
func (b *Branch) sameLineage(other *Branch) bool {
	for x := b; x != nil; x = x.predecessor {
		if x == other {
			return true
		}
	}
	return false
}

// snapshotAt returns the recorded state of the branch as of changeset
// ver: the newest record no later than ver. exact is false when no such
// record is retained and the oldest retained one is returned instead,
// or when ver is past the branch's deletion.
func (b *Branch) snapshotAt(ver changesetID) (*snapshotRecord, bool) {
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].changeset <= ver {
			return &b.history[i], !(b.deleted && ver >= b.deletedAt)
		}
	}
	if len(b.history) == 0 {
		return nil, false
	}
	return &b.history[0], false
}

// carriedEntry is one file copied into a branch from somewhere else,
// with its path below the copy root.
type carriedEntry struct {
	suffix string
	entry  fileEntry
}

func carry(tree *PathMap, rel string) []carriedEntry {
	out := make([]carriedEntry, 0)
	for _, p := range tree.pathsUnder(rel) {
		suffix, _ := relativeTo(p, rel)
		entry, _ := tree.get(p)
		out = append(out, carriedEntry{suffix, entry})
	}
	return out
}

// routedAction is a file action assigned to a branch.
type routedAction struct {
	*FileAction
	serverPath string
	relpath    string
	moveWithin bool   // rename inside the branch, from fromRel
	fromBranch string // branch-from source
	fromRel    string
	carried    []carriedEntry // content of a cross-branch rename
	copied     bool
	reported   bool // source problem already diagnosed
}

type branchSource struct {
	branch  string
	version changesetID
}

// branchWork is what one changeset does to one branch.
type branchWork struct {
	name       string
	class      Classification
	branch     *Branch
	actions    []*routedAction
	sources    []branchSource
	created    bool
	deleteRoot bool
}

// deletesBranch says whether the branch is gone after this changeset:
// its root was deleted, or the changeset only deleted and nothing is
// left.
func (w *branchWork) deletesBranch() bool {
	if w.deleteRoot {
		return true
	}
	if len(w.actions) == 0 || !w.branch.tree.isEmpty() {
		return false
	}
	for _, ra := range w.actions {
		if ra.Kind != actDelete {
			return false
		}
	}
	return true
}

// Topology owns the branch table.
type Topology struct {
	classifier BranchClassifier
	filter     PathFilter
	branches   map[string]*Branch
	formerly   map[string]*Branch // names given up by renames
	order      []*Branch
	retention  changesetID
	seq        int
}

func newTopology(classifier BranchClassifier, filter PathFilter, retention changesetID) *Topology {
	return &Topology{
		classifier: classifier,
		filter:     filter,
		branches:   make(map[string]*Branch),
		formerly:   make(map[string]*Branch),
		retention:  retention,
	}
}

// classify maps a raw server path to a branch.
func (t *Topology) classify(serverPath string, cs changesetID) Classification {
	return t.classifier.Classify(normalizeServerPath(serverPath), cs)
}

// lookup returns the current identity of a branch, live or deleted.
func (t *Topology) lookup(name string) *Branch {
	return t.branches[name]
}

// resolve is lookup that also knows names given up by renames.
func (t *Topology) resolve(name string) *Branch {
	if b, ok := t.branches[name]; ok {
		return b
	}
	return t.formerly[name]
}

// live returns the branches not deleted, in creation order.
func (t *Topology) live() []*Branch {
	out := make([]*Branch, 0)
	for _, b := range t.order {
		if !b.deleted && t.branches[b.name] == b {
			out = append(out, b)
		}
	}
	return out
}

// plan classifies a changeset's actions and groups them by branch in
// order of first appearance, creating or renaming branches as needed.
func (t *Topology) plan(cs *Changeset, diags *Diagnostics) ([]*branchWork, error) {
	works := make(map[string]*branchWork)
	order := make([]*branchWork, 0)
	get := func(c Classification) *branchWork {
		w, ok := works[c.Branch]
		if !ok {
			w = &branchWork{name: c.Branch, class: c}
			works[c.Branch] = w
			order = append(order, w)
		} else if w.class.Kind == classPath && c.Kind != classPath {
			w.class = c
		}
		return w
	}
	for _, a := range cs.Actions {
		c := t.classify(a.Path, cs.ID)
		if !c.mapped() {
			diags.warn(cs.ID, diagUnmappedPath, "%s %s", a.Kind, a.Path)
			continue
		}
		if c.RelPath == "" {
			// An operation on a branch root directory.
			switch a.Kind {
			case actDelete:
				get(c).deleteRoot = true
				continue
			case actRename:
				if t.rename(cs, a, c) {
					continue
				}
				fallthrough
			default:
				w := get(c)
				if a.FromPath != "" {
					if src := t.classify(a.FromPath, cs.ID); src.mapped() {
						w.sources = append(w.sources, branchSource{src.Branch, a.FromVersion})
					}
				}
				continue
			}
		}
		if !t.filter.Keep(c.Branch, c.RelPath) {
			diags.info(cs.ID, diagFilteredPath, "%s %s", a.Kind, a.Path)
			continue
		}
		w := get(c)
		ra := &routedAction{FileAction: a, serverPath: normalizeServerPath(a.Path), relpath: c.RelPath}
		switch a.Kind {
		case actRename:
			src := t.classify(a.FromPath, cs.ID)
			if src.mapped() && src.Branch == c.Branch {
				ra.moveWithin = true
				ra.fromRel = src.RelPath
			} else if sb := t.lookup(src.Branch); src.mapped() && sb != nil && !sb.deleted {
				ra.carried = carry(sb.tree, src.RelPath)
				ra.copied = true
				sw := get(src)
				sw.actions = append(sw.actions, &routedAction{
					FileAction: &FileAction{Kind: actDelete, Path: a.FromPath},
					serverPath: normalizeServerPath(a.FromPath),
					relpath:    src.RelPath,
				})
			} else if !src.mapped() {
				diags.warn(cs.ID, diagUnmappedPath, "rename source %s", a.FromPath)
				ra.reported = true
			}
		case actBranch:
			if src := t.classify(a.FromPath, cs.ID); src.mapped() {
				ra.fromBranch = src.Branch
				ra.fromRel = src.RelPath
				w.sources = append(w.sources, branchSource{src.Branch, a.FromVersion})
			}
		}
		w.actions = append(w.actions, ra)
	}
	for _, w := range order {
		t.open(w, cs, diags)
	}
	return order, nil
}

// rename handles a rename of a whole branch. It reports false if the
// operation is not one, and the caller treats it as a copy.
func (t *Topology) rename(cs *Changeset, a *FileAction, to Classification) bool {
	src := t.classify(a.FromPath, cs.ID)
	if !src.mapped() || src.RelPath != "" || src.Branch == to.Branch {
		return false
	}
	b := t.lookup(src.Branch)
	if b == nil || b.deleted {
		return false
	}
	if other := t.lookup(to.Branch); other != nil && !other.deleted {
		return false
	}
	delete(t.branches, src.Branch)
	t.formerly[src.Branch] = b
	logit(logTOPOLOGY, "changeset %d renames branch %s to %s", cs.ID, b.name, to.Branch)
	b.name = to.Branch
	b.ref = branchRef(to.Branch)
	t.branches[to.Branch] = b
	return true
}

// open attaches a work item to its branch, creating the branch if it is
// not live.
func (t *Topology) open(w *branchWork, cs *Changeset, diags *Diagnostics) {
	if b := t.lookup(w.name); b != nil && !b.deleted {
		w.branch = b
		return
	}
	if w.deleteRoot && len(w.actions) == 0 {
		logit(logTOPOLOGY, "changeset %d deletes %s, which is not live", cs.ID, w.name)
		return
	}
	t.seq++
	nb := &Branch{
		name:    w.name,
		ref:     branchRef(w.name),
		seq:     t.seq,
		created: cs.ID,
		tree:    newPathMap(),
	}
	if old := t.lookup(w.name); old != nil {
		nb.predecessor = old
		diags.info(cs.ID, diagBranchRecreated, "%s was deleted in changeset %d", w.name, old.deletedAt)
	}
	switch w.class.Kind {
	case classNewBranch:
		logit(logTOPOLOGY, "changeset %d starts branch %s", cs.ID, w.name)
	case classBranchFrom:
		ver := w.class.FromVersion
		if ver == 0 {
			ver = w.inferVersion(cs)
		}
		t.seed(nb, w.class.FromBranch, ver, cs, diags)
	default:
		names := make(map[string]bool)
		for _, s := range w.sources {
			names[s.branch] = true
		}
		if len(names) == 1 {
			src := w.sources[0].branch
			ver := w.inferVersion(cs)
			diags.info(cs.ID, diagInferredBranch, "%s branches from %s at changeset %d", w.name, src, ver)
			t.seed(nb, src, ver, cs, diags)
		} else {
			logit(logTOPOLOGY, "changeset %d creates branch %s from nothing", cs.ID, w.name)
		}
	}
	t.branches[w.name] = nb
	delete(t.formerly, w.name)
	t.order = append(t.order, nb)
	w.branch = nb
	w.created = true
}

// inferVersion is the newest branch source version named by the work,
// or the changeset before this one.
func (w *branchWork) inferVersion(cs *Changeset) changesetID {
	var ver changesetID
	for _, s := range w.sources {
		if s.version > ver {
			ver = s.version
		}
	}
	if ver == 0 {
		ver = cs.ID - 1
	}
	return ver
}

// seed initializes a new branch from another branch's state at ver.
func (t *Topology) seed(nb *Branch, from string, ver changesetID, cs *Changeset, diags *Diagnostics) {
	src := t.lookup(from)
	if src == nil {
		diags.warn(cs.ID, diagApproxSeed, "%s branches from unknown branch %s; starting empty", nb.name, from)
		return
	}
	rec, exact := src.snapshotAt(ver)
	if rec == nil {
		diags.warn(cs.ID, diagApproxSeed, "%s branches from %s@%d, which has no recorded state; starting empty", nb.name, from, ver)
		return
	}
	if !exact {
		diags.warn(cs.ID, diagApproxSeed, "%s branches from %s@%d, which is unavailable; seeded from changeset %d", nb.name, from, ver, rec.changeset)
	}
	nb.tree = rec.tree.snapshot()
	nb.base = rec.commit
	logit(logTOPOLOGY, "changeset %d branches %s from %s@%d", cs.ID, nb.name, from, rec.changeset)
}

// record remembers the state of a branch after one of its commits.
func (t *Topology) record(b *Branch, cs changesetID, commit *Commit) {
	b.history = append(b.history, snapshotRecord{cs, b.tree.snapshot(), commit})
	b.tip = commit
}

// retire marks a branch deleted. Its history stays readable until
// released by collect.
func (t *Topology) retire(b *Branch, cs changesetID) {
	b.deleted = true
	b.deletedAt = cs
	logit(logTOPOLOGY, "changeset %d deletes branch %s", cs, b.name)
}

// collect releases snapshots older than the retention window. The
// newest record of a live branch is always kept; deleted branches
// past the window are forgotten entirely.
func (t *Topology) collect(cs changesetID) {
	if t.retention <= 0 {
		return
	}
	cutoff := cs - t.retention
	kept := t.order[:0]
	for _, b := range t.order {
		if b.deleted && b.deletedAt < cutoff {
			if t.branches[b.name] == b {
				delete(t.branches, b.name)
			}
			for name, old := range t.formerly {
				if old == b {
					delete(t.formerly, name)
				}
			}
			logit(logTOPOLOGY, "releasing deleted branch %s", b)
			b.history = nil
			continue
		}
		kept = append(kept, b)
		n := sort.Search(len(b.history), func(i int) bool {
			return b.history[i].changeset >= cutoff
		})
		if n == len(b.history) {
			n--
		}
		if n > 0 {
			b.history = append([]snapshotRecord(nil), b.history[n:]...)
			b.trimmed = true
		}
	}
	t.order = kept
}
