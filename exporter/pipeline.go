/*
 * The conversion pipeline
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// exportOptions are the per-run switches of fast-export.
type exportOptions struct {
	dry       bool
	noContent bool
	noTags    bool
	progress  bool
	stopAfter changesetID
	serial    bool
}

// PipelineState is everything one conversion run knows. It is built
// fresh for every run and passed explicitly; nothing in it is global.
type PipelineState struct {
	cfg        *Config
	opts       exportOptions
	marks      *markAllocator
	store      *ContentStore
	topo       *Topology
	tracker    *treeTracker
	index      *commitIndex
	graph      *graphBuilder
	identities *identityResolver
	diags      *Diagnostics
	out        *fastImportWriter
	lastID     changesetID
	commits    []*Commit
	converted  int
	elapsed    time.Duration
}

func newPipelineState(cfg *Config, opts exportOptions, identities *identityResolver, spill SpillStore, out io.Writer) (*PipelineState, error) {
	classifier, err := cfg.classifier()
	if err != nil {
		return nil, err
	}
	filter, err := cfg.pathFilter()
	if err != nil {
		return nil, err
	}
	rewriters, err := cfg.rewriteChain()
	if err != nil {
		return nil, err
	}
	strategy, err := newMergeStrategy(cfg.MergeHeuristic)
	if err != nil {
		return nil, err
	}
	decoder, err := newCommentDecoder(cfg.CommentEncoding)
	if err != nil {
		return nil, err
	}
	ps := &PipelineState{
		cfg:        cfg,
		opts:       opts,
		marks:      new(markAllocator),
		identities: identities,
		diags:      new(Diagnostics),
		out:        newFastImportWriter(out, opts.dry),
	}
	ps.store = newContentStore(ps.marks, spill, opts.dry)
	ps.topo = newTopology(classifier, filter, cfg.SnapshotRetention)
	ps.tracker = &treeTracker{
		topo:      ps.topo,
		store:     ps.store,
		rewriters: rewriters,
		noContent: opts.noContent,
		oversize:  cfg.OversizeWarning,
	}
	ps.index = newCommitIndex(ps.topo)
	ps.graph = newGraphBuilder(ps.marks, ps.index, strategy, identities)
	ps.graph.decoder = decoder
	ps.graph.maxParents = cfg.MaxMergeParents
	return ps, nil
}

// run converts the ledger's history and writes the stream.
func (ps *PipelineState) run(ctx context.Context, ledger Ledger) error {
	start := time.Now()
	workers := ps.cfg.PrefetchWorkers
	if ps.opts.serial {
		workers = 1
	}
	pf, err := startPrefetch(ctx, ledger, ps.identities, workers, ps.cfg.PrefetchQueue)
	if err != nil {
		return err
	}
	defer pf.stop()
	control.baton.startcounter(" %d changesets", 0)
	for {
		if err := ctx.Err(); err != nil {
			control.baton.endcounter()
			return err
		}
		cs, err := pf.next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			control.baton.endcounter()
			return err
		}
		if ps.opts.stopAfter > 0 && cs.ID > ps.opts.stopAfter {
			break
		}
		if err := ps.convert(cs); err != nil {
			control.baton.endcounter()
			return err
		}
		control.baton.bumpcounter(strconv.FormatInt(int64(cs.ID), 10))
	}
	control.baton.endcounter()
	if !ps.opts.noTags {
		if err := ps.exportLabels(ctx, ledger); err != nil {
			return err
		}
	}
	ps.elapsed = time.Since(start)
	return ps.out.flush()
}

// checkChangeset rejects input the conversion cannot trust.
func (ps *PipelineState) checkChangeset(cs *Changeset) error {
	if cs.ID <= ps.lastID {
		return fmt.Errorf("%w: changeset %d follows changeset %d", ErrConsistency, cs.ID, ps.lastID)
	}
	for _, a := range cs.Actions {
		if a.FromVersion < 0 {
			return fmt.Errorf("%w: changeset %d: %s has source version %d", ErrConsistency, cs.ID, a.Path, a.FromVersion)
		}
		if v, err := strconv.ParseInt(a.Version, 10, 64); err == nil && v < 0 {
			return fmt.Errorf("%w: changeset %d: %s has version %d", ErrConsistency, cs.ID, a.Path, v)
		}
	}
	for _, m := range cs.Merges {
		if m.Changeset < 0 {
			return fmt.Errorf("%w: changeset %d merges from changeset %d", ErrConsistency, cs.ID, m.Changeset)
		}
	}
	return nil
}

// convert runs one changeset through topology, tree tracking, graph
// building and serialization.
func (ps *PipelineState) convert(cs *Changeset) error {
	if err := ps.checkChangeset(cs); err != nil {
		return err
	}
	ps.lastID = cs.ID
	works, err := ps.topo.plan(cs, ps.diags)
	if err != nil {
		return err
	}
	ps.graph.beginChangeset(cs)
	for _, w := range works {
		if w.branch == nil {
			continue
		}
		delta, err := ps.tracker.apply(w, cs, ps.diags)
		if err != nil {
			return err
		}
		commit, err := ps.graph.buildCommit(w, cs, delta, ps.diags)
		if err != nil {
			return err
		}
		if commit != nil {
			logit(logEXTRACT, "changeset %d on %s: %d file operations", cs.ID, w.branch.name, len(delta))
			if err := ps.out.emitCommit(commit, ps.store); err != nil {
				return err
			}
			ps.topo.record(w.branch, cs.ID, commit)
			ps.commits = append(ps.commits, commit)
		}
		if w.deletesBranch() {
			ps.topo.retire(w.branch, cs.ID)
		}
	}
	ps.graph.endChangeset(cs, ps.diags)
	if err := ps.store.settle(); err != nil {
		return err
	}
	ps.topo.collect(cs.ID)
	if ps.opts.progress {
		ps.out.emitProgress("changeset %d", cs.ID)
	}
	ps.converted++
	return nil
}

// exportLabels turns labels into annotated tags. A label is tagged once
// per branch it touches, and only when it pins that branch to a single
// changeset.
func (ps *PipelineState) exportLabels(ctx context.Context, ledger Ledger) error {
	labels, err := ledger.Labels(ctx)
	if err != nil {
		return err
	}
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		byBranch := make(map[string]map[changesetID]bool)
		order := make([]string, 0)
		for _, entry := range label.Entries {
			c := ps.topo.classify(entry.Path, entry.Changeset)
			if !c.mapped() || (c.RelPath != "" && !ps.topo.filter.Keep(c.Branch, c.RelPath)) {
				continue
			}
			if byBranch[c.Branch] == nil {
				byBranch[c.Branch] = make(map[changesetID]bool)
				order = append(order, c.Branch)
			}
			byBranch[c.Branch][entry.Changeset] = true
		}
		if len(order) == 0 {
			ps.diags.warn(0, diagLabelSkipped, "label %q names no converted path", label.Name)
			continue
		}
		for _, name := range order {
			if len(byBranch[name]) > 1 {
				ps.diags.warn(0, diagLabelSkipped, "label %q spans %d changesets on %s", label.Name, len(byBranch[name]), name)
				continue
			}
			var at changesetID
			for id := range byBranch[name] {
				at = id
			}
			b := ps.topo.resolve(name)
			var target *Commit
			if b != nil {
				target = ps.index.nearest(b, at)
			}
			if target == nil {
				ps.diags.warn(at, diagLabelSkipped, "label %q: no commit on %s at changeset %d", label.Name, name, at)
				continue
			}
			tagname := label.Name
			if len(order) > 1 {
				tagname += "-" + name
			}
			tagger := ps.identities.attribution(label.Owner, label.Date, at, ps.diags)
			comment := decodeComment(ps.graph.decoder, label.Comment)
			ps.out.emitTag(tagname, target, tagger, comment)
			logit(logEXTRACT, "label %q tags %s", label.Name, target)
		}
	}
	return nil
}

// commitsByMark indexes the emitted commits by mark.
func (ps *PipelineState) commitsByMark() map[markidx]*Commit {
	out := make(map[markidx]*Commit, len(ps.commits))
	for _, c := range ps.commits {
		out[c.mark] = c
	}
	return out
}

// writeMarks writes the marks file: what each mark of the run stands
// for, in mark order. Blobs that never reached the stream are left out.
func (ps *PipelineState) writeMarks(w io.Writer) error {
	commits := ps.commitsByMark()
	for m := markidx(1); m <= ps.marks.last(); m++ {
		var err error
		switch ps.marks.kind(m) {
		case markBlob:
			if !ps.store.written(m) {
				continue
			}
			hash, _ := ps.store.hashOf(m)
			_, err = fmt.Fprintf(w, ":%d blob %s\n", m, hash)
		case markCommit:
			c := commits[m]
			if c == nil {
				return fmt.Errorf("%w: commit mark :%d was never emitted", ErrConsistency, m)
			}
			_, err = fmt.Fprintf(w, ":%d commit %d %s\n", m, c.changeset, c.ref)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// report summarizes the run for the user.
func (ps *PipelineState) report() string {
	warnings, infos := ps.diags.summary()
	msg := fmt.Sprintf("%d changesets, %d commits, %d blobs (%d fused), %d tags; %d warnings, %d notes",
		ps.converted, ps.out.commits, ps.store.blobCount(), ps.store.fused, ps.out.tags, warnings, infos)
	if !control.flagOptions["quiet"] && ps.elapsed > 0 {
		msg += fmt.Sprintf(" in %s", ps.elapsed.Round(time.Millisecond))
	}
	return msg
}
