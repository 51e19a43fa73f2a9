/*
 * Merge resolution: which existing commits a changeset's merge history
 * points at
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
)

// unresolvedMerge is a merge reference no commit could be found for.
type unresolvedMerge struct {
	source MergeSource
	reason string
}

// mergeView is the read-only part of the commit index a strategy sees.
type mergeView interface {
	// produced lists the commits a changeset produced, in order.
	produced(cs changesetID) []*Commit
	// onBranch is the commit a changeset produced on a branch, or nil.
	onBranch(cs changesetID, b *Branch) *Commit
	// nearest is the newest commit on a branch no later than cs, or nil.
	nearest(b *Branch, cs changesetID) *Commit
	// branchOf maps a server path to the branch it named at cs.
	branchOf(serverPath string, cs changesetID) *Branch
}

// MergeStrategy maps merge references to parent commits. It must be a
// pure function of its arguments: parents come back in the order of the
// references that produced them.
type MergeStrategy interface {
	Resolve(cs *Changeset, target *Branch, merges []MergeSource, view mergeView) ([]*Commit, []unresolvedMerge)
}

// exactMerges only accepts a commit the source changeset itself
// produced.
type exactMerges struct{}

// nearestMerges falls back to the newest commit on the source branch at
// or before the source changeset.
type nearestMerges struct{}

func (exactMerges) Resolve(cs *Changeset, target *Branch, merges []MergeSource, view mergeView) ([]*Commit, []unresolvedMerge) {
	return resolveMerges(cs, merges, view, false)
}

func (nearestMerges) Resolve(cs *Changeset, target *Branch, merges []MergeSource, view mergeView) ([]*Commit, []unresolvedMerge) {
	return resolveMerges(cs, merges, view, true)
}

func newMergeStrategy(name string) (MergeStrategy, error) {
	switch name {
	case "", "exact":
		return exactMerges{}, nil
	case "nearest":
		return nearestMerges{}, nil
	}
	return nil, fmt.Errorf("unknown merge heuristic %q", name)
}

func resolveMerges(cs *Changeset, merges []MergeSource, view mergeView, nearest bool) ([]*Commit, []unresolvedMerge) {
	parents := make([]*Commit, 0)
	lost := make([]unresolvedMerge, 0)
	for _, m := range merges {
		if m.Changeset >= cs.ID {
			lost = append(lost, unresolvedMerge{m, fmt.Sprintf("source changeset %d is not older than %d", m.Changeset, cs.ID)})
			continue
		}
		if m.SourcePath == "" {
			if m.Changeset <= 0 {
				lost = append(lost, unresolvedMerge{m, "no source given"})
				continue
			}
			found := view.produced(m.Changeset)
			if len(found) == 0 {
				lost = append(lost, unresolvedMerge{m, fmt.Sprintf("changeset %d produced no commit", m.Changeset)})
				continue
			}
			parents = append(parents, found...)
			continue
		}
		ver := m.Changeset
		if ver <= 0 {
			ver = cs.ID - 1
		}
		sb := view.branchOf(m.SourcePath, ver)
		if sb == nil {
			lost = append(lost, unresolvedMerge{m, fmt.Sprintf("%s is on no known branch", m.SourcePath)})
			continue
		}
		var c *Commit
		if m.Changeset > 0 {
			c = view.onBranch(m.Changeset, sb)
		}
		if c == nil && (nearest || m.Changeset <= 0) {
			c = view.nearest(sb, ver)
		}
		if c == nil {
			lost = append(lost, unresolvedMerge{m, fmt.Sprintf("changeset %d produced no commit on %s", m.Changeset, sb.name)})
			continue
		}
		parents = append(parents, c)
	}
	return parents, lost
}
