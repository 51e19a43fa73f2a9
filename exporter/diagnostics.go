/*
 * Diagnostics: the record of everything the conversion could not carry
 * over exactly.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"fmt"
	"io"
)

type severity uint8

const (
	sevInfo severity = iota
	sevWarn
)

func (s severity) String() string {
	if s == sevWarn {
		return "warn"
	}
	return "info"
}

// Diagnostic kinds. Each lossy or ambiguous decision records exactly one
// entry of one of these.
const (
	diagUnmappedPath    = "unmapped path"
	diagMergeLost       = "merge edge lost"
	diagApproxSeed      = "approximate seed"
	diagFilteredPath    = "filtered path"
	diagIdentity        = "identity fallback"
	diagRewriteFallback = "rewrite fallback"
	diagOversize        = "oversized file"
	diagLabelSkipped    = "label skipped"
	diagRedundantMerge  = "redundant merge"
	diagEmptyChangeset  = "empty changeset"
	diagInferredBranch  = "inferred branch point"
	diagBranchRecreated = "branch recreated"
	diagMissingSource   = "missing copy source"
)

// Diagnostic is one finding. Changeset is 0 for run-level findings.
type Diagnostic struct {
	Severity  severity
	Changeset changesetID
	Kind      string
	Message   string
}

func (d Diagnostic) String() string {
	if d.Changeset == 0 {
		return fmt.Sprintf("%s: %s: %s", d.Severity, d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s: changeset %d: %s", d.Severity, d.Kind, d.Changeset, d.Message)
}

// Diagnostics accumulates findings in the order they were made. It is
// append-only and owned by the pipeline goroutine.
type Diagnostics struct {
	entries []Diagnostic
	once    map[string]bool
}

func (d *Diagnostics) add(sev severity, cs changesetID, kind string, msg string, args ...interface{}) {
	entry := Diagnostic{sev, cs, kind, fmt.Sprintf(msg, args...)}
	d.entries = append(d.entries, entry)
	if sev == sevWarn {
		logit(logWARN, "%s", entry)
	} else {
		logit(logEXTRACT, "%s", entry)
	}
}

func (d *Diagnostics) warn(cs changesetID, kind string, msg string, args ...interface{}) {
	d.add(sevWarn, cs, kind, msg, args...)
}

func (d *Diagnostics) info(cs changesetID, kind string, msg string, args ...interface{}) {
	d.add(sevInfo, cs, kind, msg, args...)
}

// warnOnce records a warning only the first time key is seen in this
// run.
func (d *Diagnostics) warnOnce(key string, cs changesetID, kind string, msg string, args ...interface{}) {
	if d.once == nil {
		d.once = make(map[string]bool)
	}
	if d.once[kind+"\x00"+key] {
		return
	}
	d.once[kind+"\x00"+key] = true
	d.warn(cs, kind, msg, args...)
}

// Entries returns the findings so far.
func (d *Diagnostics) Entries() []Diagnostic {
	return d.entries
}

func (d *Diagnostics) Len() int {
	return len(d.entries)
}

// count reports how many findings of a kind were recorded, optionally
// restricted to one changeset.
func (d *Diagnostics) count(kind string, cs changesetID) int {
	n := 0
	for _, e := range d.entries {
		if e.Kind == kind && (cs == 0 || e.Changeset == cs) {
			n++
		}
	}
	return n
}

// summary tallies findings by severity.
func (d *Diagnostics) summary() (warnings int, infos int) {
	for _, e := range d.entries {
		if e.Severity == sevWarn {
			warnings++
		} else {
			infos++
		}
	}
	return
}

// write dumps the findings as a report, one per line.
func (d *Diagnostics) write(w io.Writer) error {
	for _, e := range d.entries {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return err
		}
	}
	return nil
}
