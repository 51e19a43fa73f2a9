/*
 * Inventory reports over a ledger
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
)

// firstLine trims a comment to its first line for one-line listings.
func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i]) + " ..."
	}
	return text
}

// eachChangeset walks the ledger in order, hydrating as it goes.
func eachChangeset(ctx context.Context, ledger Ledger, hook func(*Changeset) error) error {
	it, err := ledger.Changesets(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		cs, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		if err := hydrate(ctx, ledger, cs); err != nil {
			return err
		}
		if err := hook(cs); err != nil {
			return err
		}
	}
}

// listBranchesInfo does a dry conversion and reports how the ledger's
// paths were distributed over branches.
func listBranchesInfo(ctx context.Context, cfg *Config, ledger Ledger, identities *identityResolver, w io.Writer) error {
	ps, err := newPipelineState(cfg, exportOptions{dry: true, noTags: true}, identities, newMemStore(), nil)
	if err != nil {
		return err
	}
	if err := ps.run(ctx, ledger); err != nil {
		return err
	}
	fmt.Fprintln(w, "found branches:")
	for _, b := range ps.topo.order {
		state := ""
		if b.deleted {
			state = fmt.Sprintf(", deleted in %d", b.deletedAt)
		}
		fmt.Fprintf(w, "   %s (%s, created in %d%s)\n", b.name, b.ref, b.created, state)
	}
	fmt.Fprintln(w, "assigned files:")
	for _, b := range ps.topo.order {
		names := b.tree.pathnames()
		if len(names) == 0 {
			fmt.Fprintf(w, "   %s - <no files !!>\n", b.name)
		}
		for _, name := range names {
			fmt.Fprintf(w, "   %s - %s\n", b.name, name)
		}
	}
	for _, section := range []struct {
		title string
		kind  string
	}{
		{"ignored files:", diagFilteredPath},
		{"oversized files:", diagOversize},
		{"unassigned paths:", diagUnmappedPath},
	} {
		fmt.Fprintln(w, section.title)
		seen := orderedset.New()
		for _, d := range ps.diags.Entries() {
			if d.Kind == section.kind {
				seen.Add(d.Message)
			}
		}
		for _, v := range seen.Values() {
			fmt.Fprintf(w, "   %s\n", v)
		}
	}
	return nil
}

// listCommits prints the raw changeset history.
func listCommits(ctx context.Context, ledger Ledger, noFiles bool, w io.Writer) error {
	return eachChangeset(ctx, ledger, func(cs *Changeset) error {
		fmt.Fprintf(w, "%d / %s / %s / %s: %s\n", cs.ID, rfc3339(cs.Date), cs.Owner, cs.Committer, firstLine(cs.Comment))
		for _, m := range cs.Merges {
			fmt.Fprintf(w, "   merged from %d", m.Changeset)
			if m.SourcePath != "" {
				fmt.Fprintf(w, " %s", m.SourcePath)
			}
			if m.TargetPath != "" {
				fmt.Fprintf(w, " into %s", m.TargetPath)
			}
			fmt.Fprintln(w)
		}
		if noFiles {
			return nil
		}
		for _, a := range cs.Actions {
			switch a.Kind {
			case actRename:
				fmt.Fprintf(w, "   %s %s <- %s\n", a.Kind, a.Path, a.FromPath)
			case actBranch:
				fmt.Fprintf(w, "   %s %s <- %s@%d\n", a.Kind, a.Path, a.FromPath, a.FromVersion)
			case actDelete:
				fmt.Fprintf(w, "   %s %s\n", a.Kind, a.Path)
			default:
				fmt.Fprintf(w, "   %s %s: %d\n", a.Kind, a.Path, a.Length)
			}
		}
		return nil
	})
}

// listLabels prints the labels with the newest changeset each pins.
func listLabels(ctx context.Context, ledger Ledger, w io.Writer) error {
	labels, err := ledger.Labels(ctx)
	if err != nil {
		return err
	}
	for _, label := range labels {
		var newest changesetID
		changesets := make(map[changesetID]bool)
		for _, e := range label.Entries {
			changesets[e.Changeset] = true
			if e.Changeset > newest {
				newest = e.Changeset
			}
		}
		fmt.Fprintf(w, "%d / %s / %s: %s", newest, rfc3339(label.Date), label.Owner, label.Name)
		if len(changesets) > 1 {
			fmt.Fprintf(w, " (spans %d changesets)", len(changesets))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// listUsers prints every account that owns or committed a changeset,
// as the identity map resolves it.
func listUsers(ctx context.Context, ledger Ledger, identities *identityResolver, showIDs bool, w io.Writer) error {
	users := orderedset.New()
	byKey := make(map[string]User)
	err := eachChangeset(ctx, ledger, func(cs *Changeset) error {
		for _, u := range []User{cs.Owner, cs.Committer} {
			key := strings.ToLower(u.qualifiedLogin())
			if !users.Contains(key) {
				users.Add(key)
				byKey[key] = u
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, v := range users.Values() {
		u := byKey[v.(string)]
		id := identities.resolve(u)
		tz := "<undef>"
		if id.Zone != nil && !id.fallback {
			tz = id.Zone.String()
		}
		line := fmt.Sprintf("%s / %s / tz=%s", id.Name, id.Email, tz)
		if showIDs {
			line += fmt.Sprintf(" / %d", u.ID)
		}
		if id.fallback {
			line += " / unmapped " + u.qualifiedLogin()
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
