/*
 * Commit graph construction
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"sort"
	"strings"

	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
	"golang.org/x/text/encoding"
)

// Commit is one emitted commit. Parents[0], when present, is the first
// parent: the previous commit on the same branch, or the commit a new
// branch was seeded from.
type Commit struct {
	mark      markidx
	changeset changesetID
	branch    *Branch
	ref       string
	author    *Attribution // nil when the same as the committer
	committer Attribution
	comment   string
	parents   []*Commit
	fileops   FileDelta
	preserve  *Branch // a deleted predecessor whose tip needs a tag
}

func (c *Commit) String() string {
	return fmt.Sprintf(":%d (changeset %d on %s)", c.mark, c.changeset, c.ref)
}

// parentMarks lists the marks of the parents in order.
func (c *Commit) parentMarks() []markidx {
	out := make([]markidx, len(c.parents))
	for i, p := range c.parents {
		out[i] = p.mark
	}
	return out
}

// commitIndex finds commits by changeset and by branch. It is the view
// merge strategies resolve against.
type commitIndex struct {
	topo        *Topology
	byChangeset map[changesetID][]*Commit
	byBranch    map[*Branch][]*Commit
}

func newCommitIndex(topo *Topology) *commitIndex {
	return &commitIndex{
		topo:        topo,
		byChangeset: make(map[changesetID][]*Commit),
		byBranch:    make(map[*Branch][]*Commit),
	}
}

func (ci *commitIndex) add(c *Commit) {
	ci.byChangeset[c.changeset] = append(ci.byChangeset[c.changeset], c)
	ci.byBranch[c.branch] = append(ci.byBranch[c.branch], c)
}

func (ci *commitIndex) produced(cs changesetID) []*Commit {
	return ci.byChangeset[cs]
}

func (ci *commitIndex) onBranch(cs changesetID, b *Branch) *Commit {
	for _, c := range ci.byChangeset[cs] {
		if b.sameLineage(c.branch) {
			return c
		}
	}
	return nil
}

func (ci *commitIndex) nearest(b *Branch, cs changesetID) *Commit {
	var best *Commit
	for x := b; x != nil; x = x.predecessor {
		commits := ci.byBranch[x]
		i := sort.Search(len(commits), func(i int) bool {
			return commits[i].changeset > cs
		})
		if i > 0 && (best == nil || commits[i-1].changeset > best.changeset) {
			best = commits[i-1]
		}
	}
	return best
}

func (ci *commitIndex) branchOf(serverPath string, cs changesetID) *Branch {
	c := ci.topo.classify(serverPath, cs)
	if !c.mapped() {
		return nil
	}
	return ci.topo.resolve(c.Branch)
}

// graphBuilder makes commits out of deltas and wires their parents.
type graphBuilder struct {
	marks      *markAllocator
	index      *commitIndex
	strategy   MergeStrategy
	identities *identityResolver
	decoder    *encoding.Decoder
	maxParents int
	consumed   map[MergeSource]bool
	reported   map[MergeSource]bool
}

func newGraphBuilder(marks *markAllocator, index *commitIndex, strategy MergeStrategy, identities *identityResolver) *graphBuilder {
	return &graphBuilder{
		marks:      marks,
		index:      index,
		strategy:   strategy,
		identities: identities,
	}
}

func (g *graphBuilder) beginChangeset(cs *Changeset) {
	g.consumed = make(map[MergeSource]bool)
	g.reported = make(map[MergeSource]bool)
}

// endChangeset reports merge references that no commit of the
// changeset could take.
func (g *graphBuilder) endChangeset(cs *Changeset, diags *Diagnostics) {
	for _, m := range cs.Merges {
		if !g.consumed[m] && !g.reported[m] {
			g.reported[m] = true
			target := m.TargetPath
			if target == "" {
				target = "any branch"
			}
			diags.warn(cs.ID, diagMergeLost, "merge from changeset %d: no commit on %s", m.Changeset, target)
		}
	}
}

// relevantMerges picks the merge references that apply to a branch.
func (g *graphBuilder) relevantMerges(cs *Changeset, b *Branch) []MergeSource {
	out := make([]MergeSource, 0)
	for _, m := range cs.Merges {
		if m.TargetPath != "" && g.index.branchOf(m.TargetPath, cs.ID) != b {
			continue
		}
		g.consumed[m] = true
		out = append(out, m)
	}
	return out
}

func (g *graphBuilder) message(cs *Changeset) string {
	text := decodeComment(g.decoder, cs.Comment)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// buildCommit makes the commit for one branch's share of a changeset.
// It returns nil when there is nothing to record: no file change, no
// merge, and the branch is not new.
func (g *graphBuilder) buildCommit(w *branchWork, cs *Changeset, delta FileDelta, diags *Diagnostics) (*Commit, error) {
	b := w.branch
	first := b.tip
	if first == nil {
		first = b.base
	}
	parents := orderedset.New()
	if first != nil {
		parents.Add(first)
	}

	candidates, lost := g.strategy.Resolve(cs, b, g.relevantMerges(cs, b), g.index)
	for _, u := range lost {
		if !g.reported[u.source] {
			g.reported[u.source] = true
			diags.warn(cs.ID, diagMergeLost, "merge into %s: %s", b.name, u.reason)
		}
	}
	extra := 0
	for _, p := range candidates {
		if parents.Contains(p) {
			continue
		}
		if b.sameLineage(p.branch) {
			diags.info(cs.ID, diagRedundantMerge, "%s already descends from %s", b.name, p)
			continue
		}
		if g.maxParents > 0 && extra >= g.maxParents {
			diags.warn(cs.ID, diagMergeLost, "merge from %s into %s: over the limit of %d merge parents", p, b.name, g.maxParents)
			continue
		}
		parents.Add(p)
		extra++
	}

	if len(delta) == 0 && extra == 0 && !w.created {
		diags.info(cs.ID, diagEmptyChangeset, "nothing to commit on %s", b.name)
		return nil, nil
	}

	commit := &Commit{
		changeset: cs.ID,
		branch:    b,
		ref:       b.ref,
		comment:   g.message(cs),
		fileops:   delta,
	}
	commit.committer = g.identities.attribution(cs.Committer, cs.Date, cs.ID, diags)
	if cs.Owner.Login != "" || cs.Owner.DisplayName != "" {
		author := g.identities.attribution(cs.Owner, cs.Date, cs.ID, diags)
		if !author.sameIdentity(commit.committer) {
			commit.author = &author
		}
	}
	commit.mark = g.marks.next(markCommit)
	for _, v := range parents.Values() {
		p := v.(*Commit)
		if p.mark >= commit.mark {
			return nil, fmt.Errorf("%w: changeset %d: parent %s is not older than %s", ErrCycle, cs.ID, p, commit)
		}
		commit.parents = append(commit.parents, p)
	}
	if b.tip == nil && b.predecessor != nil {
		commit.preserve = b.predecessor
	}
	g.index.add(commit)
	logit(logMERGE, "%s has parents %v", commit, commit.parentMarks())
	return commit, nil
}
