package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// stubView answers merge queries from fixed tables.
type stubView struct {
	byChangeset map[changesetID][]*Commit
	byBranch    map[changesetID]*Commit
	newest      *Commit
	branches    map[string]*Branch
}

func (v *stubView) produced(cs changesetID) []*Commit {
	return v.byChangeset[cs]
}

func (v *stubView) onBranch(cs changesetID, b *Branch) *Commit {
	return v.byBranch[cs]
}

func (v *stubView) nearest(b *Branch, cs changesetID) *Commit {
	return v.newest
}

func (v *stubView) branchOf(serverPath string, cs changesetID) *Branch {
	return v.branches[serverPath]
}

func TestResolveMerges(t *testing.T) {
	trunk := &Branch{name: "trunk", ref: "refs/heads/trunk"}
	c1 := &Commit{mark: 2, changeset: 10, branch: trunk}
	c2 := &Commit{mark: 4, changeset: 45, branch: trunk}
	view := &stubView{
		byChangeset: map[changesetID][]*Commit{10: {c1}},
		byBranch:    map[changesetID]*Commit{},
		newest:      c2,
		branches:    map[string]*Branch{"/proj/trunk": trunk},
	}
	cs := &Changeset{ID: 50}
	merges := []MergeSource{
		{Changeset: 60},
		{Changeset: 0},
		{Changeset: 10},
		{Changeset: 20},
		{Changeset: 30, SourcePath: "/nowhere"},
		{Changeset: 0, SourcePath: "/proj/trunk"},
		{Changeset: 40, SourcePath: "/proj/trunk"},
	}

	parents, lost := exactMerges{}.Resolve(cs, trunk, merges, view)
	if len(parents) != 2 || parents[0] != c1 || parents[1] != c2 {
		t.Errorf("exact: unexpected parents %v", parents)
	}
	assertIntEqual(t, len(lost), 5)
	for i, want := range []string{
		"not older than 50",
		"no source given",
		"changeset 20 produced no commit",
		"/nowhere is on no known branch",
		"changeset 40 produced no commit on trunk",
	} {
		if !strings.Contains(lost[i].reason, want) {
			t.Errorf("lost[%d]: expected %q in %q", i, want, lost[i].reason)
		}
	}

	parents, lost = nearestMerges{}.Resolve(cs, trunk, merges, view)
	assertIntEqual(t, len(parents), 3)
	assertIntEqual(t, len(lost), 4)
	if parents[2] != c2 {
		t.Errorf("nearest: expected fallback to %s, saw %s", c2, parents[2])
	}
}

func TestMergeStrategyNames(t *testing.T) {
	for _, name := range []string{"", "exact"} {
		s, err := newMergeStrategy(name)
		assertTrue(t, err == nil)
		_, ok := s.(exactMerges)
		assertTrue(t, ok)
	}
	s, err := newMergeStrategy("nearest")
	assertTrue(t, err == nil)
	_, ok := s.(nearestMerges)
	assertTrue(t, ok)
	_, err = newMergeStrategy("closest")
	assertTrue(t, err != nil)
}

func TestSnapshotAt(t *testing.T) {
	b := &Branch{name: "trunk"}
	rec, exact := b.snapshotAt(10)
	assertTrue(t, rec == nil)
	assertBool(t, exact, false)

	b.history = []snapshotRecord{{changeset: 10}, {changeset: 20}, {changeset: 30}}
	cases := []struct {
		ver   changesetID
		found changesetID
		exact bool
	}{
		{25, 20, true},
		{30, 30, true},
		{99, 30, true},
		{5, 10, false},
	}
	for _, c := range cases {
		rec, exact := b.snapshotAt(c.ver)
		assertIntEqual(t, int(rec.changeset), int(c.found))
		assertBool(t, exact, c.exact)
	}

	b.deleted = true
	b.deletedAt = 40
	rec, exact = b.snapshotAt(35)
	assertIntEqual(t, int(rec.changeset), 30)
	assertBool(t, exact, true)
	rec, exact = b.snapshotAt(45)
	assertIntEqual(t, int(rec.changeset), 30)
	assertBool(t, exact, false)
}

func TestLineageAndNearest(t *testing.T) {
	old := &Branch{name: "feature", seq: 1}
	recreated := &Branch{name: "feature", seq: 2, predecessor: old}
	other := &Branch{name: "trunk"}
	assertBool(t, recreated.sameLineage(old), true)
	assertBool(t, recreated.sameLineage(recreated), true)
	assertBool(t, old.sameLineage(recreated), false)
	assertBool(t, other.sameLineage(old), false)

	ci := newCommitIndex(nil)
	c10 := &Commit{mark: 1, changeset: 10, branch: old}
	c20 := &Commit{mark: 2, changeset: 20, branch: old}
	c40 := &Commit{mark: 3, changeset: 40, branch: recreated}
	for _, c := range []*Commit{c10, c20, c40} {
		ci.add(c)
	}
	assertTrue(t, ci.nearest(recreated, 30) == c20)
	assertTrue(t, ci.nearest(recreated, 50) == c40)
	assertTrue(t, ci.nearest(old, 5) == nil)
	assertTrue(t, ci.onBranch(20, recreated) == c20)
	assertTrue(t, ci.onBranch(40, old) == nil)
}

func newTestGraph(strategy MergeStrategy) (*graphBuilder, *commitIndex, *markAllocator) {
	marks := new(markAllocator)
	index := newCommitIndex(nil)
	return newGraphBuilder(marks, index, strategy, testIdentities()), index, marks
}

func TestMergeParentLimit(t *testing.T) {
	g, index, marks := newTestGraph(exactMerges{})
	g.maxParents = 1
	a := &Branch{name: "a", ref: "refs/heads/a"}
	b := &Branch{name: "b", ref: "refs/heads/b"}
	ca := &Commit{mark: marks.next(markCommit), changeset: 10, branch: a}
	cb := &Commit{mark: marks.next(markCommit), changeset: 20, branch: b}
	index.add(ca)
	index.add(cb)

	target := &Branch{name: "octopus", ref: "refs/heads/octopus"}
	cs := changeset(30, "merge")
	cs.Merges = []MergeSource{{Changeset: 10}, {Changeset: 20}}
	diags := new(Diagnostics)
	g.beginChangeset(cs)
	c, err := g.buildCommit(&branchWork{branch: target, created: true}, cs, nil, diags)
	if err != nil {
		t.Fatalf("buildCommit: %v", err)
	}
	assertIntEqual(t, int(c.mark), 3)
	assertParents(t, c, 1)
	assertEqual(t, c.comment, "merge\n")
	assertTrue(t, c.author == nil)
	assertIntEqual(t, diags.count(diagMergeLost, 30), 1)
	g.endChangeset(cs, diags)
	assertIntEqual(t, diags.count(diagMergeLost, 30), 1)
}

// fixedMerges resolves every changeset to the same commit.
type fixedMerges struct {
	commit *Commit
}

func (f fixedMerges) Resolve(cs *Changeset, target *Branch, merges []MergeSource, view mergeView) ([]*Commit, []unresolvedMerge) {
	return []*Commit{f.commit}, nil
}

func TestCycleRejected(t *testing.T) {
	elsewhere := &Branch{name: "elsewhere"}
	future := &Commit{mark: 99, changeset: 5, branch: elsewhere}
	g, _, _ := newTestGraph(fixedMerges{future})
	cs := changeset(30, "loop")
	g.beginChangeset(cs)
	_, err := g.buildCommit(&branchWork{branch: &Branch{name: "trunk"}, created: true}, cs, nil, new(Diagnostics))
	assertTrue(t, errors.Is(err, ErrCycle))
}

func TestNothingToCommit(t *testing.T) {
	g, index, marks := newTestGraph(exactMerges{})
	trunk := &Branch{name: "trunk", ref: "refs/heads/trunk"}
	trunk.tip = &Commit{mark: marks.next(markCommit), changeset: 10, branch: trunk}
	index.add(trunk.tip)

	cs := changeset(20, "again")
	cs.Merges = []MergeSource{{Changeset: 10}}
	diags := new(Diagnostics)
	g.beginChangeset(cs)
	c, err := g.buildCommit(&branchWork{branch: trunk}, cs, nil, diags)
	assertTrue(t, err == nil)
	assertTrue(t, c == nil)
	assertIntEqual(t, diags.count(diagEmptyChangeset, 20), 1)
	assertIntEqual(t, int(marks.last()), 1)
}

func TestQuotePath(t *testing.T) {
	assertEqual(t, quotePath("dir/a b.txt"), "dir/a b.txt")
	assertEqual(t, quotePath(`back\slash`), `back\slash`)
	assertEqual(t, quotePath("a\nb"), `"a\nb"`)
	assertEqual(t, quotePath(`"quoted`), `"\"quoted"`)
	assertEqual(t, quotePath("x\n\ty\\"), `"x\n\011y\\"`)
}

func TestWriterRecords(t *testing.T) {
	var out bytes.Buffer
	fw := newFastImportWriter(&out, false)
	target := &Commit{mark: 7}
	tagger := Attribution{fullname: "Alice", email: "alice@example.com", date: epoch}
	fw.emitTag("v1.0", target, tagger, "release")
	fw.emitReset("refs/heads/x", target)
	_, ok := fw.realized["refs/heads/x"]
	assertTrue(t, ok)
	fw.emitReset("refs/heads/x", nil)
	_, ok = fw.realized["refs/heads/x"]
	assertBool(t, ok, false)
	fw.emitProgress("changeset %d", 10)
	if err := fw.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	assertStreamEqual(t, out.String(), `tag v1.0
from :7
tagger Alice <alice@example.com> 1577836800 +0000
data 7
release
reset refs/heads/x
from :7

reset refs/heads/x
progress changeset 10
`)
	assertIntEqual(t, int(fw.byteCount), out.Len())
	assertIntEqual(t, fw.tags, 1)

	fw.emitBlob(8, []byte("x"))
	assertTrue(t, errors.Is(fw.flush(), ErrConsistency))
}

func TestDryWriter(t *testing.T) {
	var out bytes.Buffer
	fw := newFastImportWriter(&out, true)
	fw.emitBlob(1, []byte("abc"))
	fw.state = stateIdle
	assertTrue(t, fw.flush() == nil)
	assertIntEqual(t, out.Len(), 0)
	assertIntEqual(t, fw.blobs, 1)
	assertIntEqual(t, int(fw.byteCount), len("blob\nmark :1\ndata 3\nabc\n"))
}
