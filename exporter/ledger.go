/*
 * The changeset ledger: what the conversion reads
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Short types for these save space in the large per-run tables.
type markidx uint32    // Mark indices
type changesetID int64 // Source changeset numbers

type actionKind uint8

const (
	actAdd actionKind = iota
	actEdit
	actDelete
	actRename
	actBranch
)

var actionNames = [...]string{"add", "edit", "delete", "rename", "branch"}

func (k actionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("action(%d)", k)
}

func parseActionKind(s string) (actionKind, error) {
	for i, name := range actionNames {
		if strings.EqualFold(s, name) {
			return actionKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown file action %q", s)
}

// ContentProvider fetches the raw bytes of one file version. It is only
// invoked when the content store has not seen that version before.
type ContentProvider func() ([]byte, error)

// User is a source-system account.
type User struct {
	ID          int    `json:"id"`
	Domain      string `json:"domain"`
	Login       string `json:"login"`
	DisplayName string `json:"name"`
}

func (u User) qualifiedLogin() string {
	if u.Domain == "" {
		return u.Login
	}
	return u.Domain + `\` + u.Login
}

func (u User) String() string {
	if u.DisplayName != "" {
		return u.DisplayName + " (" + u.qualifiedLogin() + ")"
	}
	return u.qualifiedLogin()
}

// FileAction is one path-level operation of a changeset. Paths are raw
// server paths. FromPath is the source of a rename or branch; FromVersion
// is the changeset a branch copies from.
type FileAction struct {
	Kind        actionKind
	Path        string
	FromPath    string
	FromVersion changesetID
	Version     string
	Length      int64
	Executable  bool
	content     ContentProvider
}

// MergeSource names a changeset this one merges from. Either path may be
// empty: SourcePath picks the source branch, TargetPath restricts which
// of this changeset's commits gets the edge.
type MergeSource struct {
	Changeset  changesetID
	SourcePath string
	TargetPath string
}

// Changeset is one atomic change on the server. Actions and Merges are
// filled in by Ledger.Hydrate.
type Changeset struct {
	ID        changesetID
	Owner     User
	Committer User
	Date      time.Time
	Comment   string
	Actions   []*FileAction
	Merges    []MergeSource
	hydrated  bool
	raw       json.RawMessage
}

func (cs *Changeset) String() string {
	return fmt.Sprintf("changeset %d", cs.ID)
}

// LabelEntry pins one path of a label to a changeset.
type LabelEntry struct {
	Path      string      `json:"path"`
	Changeset changesetID `json:"changeset"`
}

// Label is a server-side label; exported as annotated tags.
type Label struct {
	Name    string       `json:"name"`
	Comment string       `json:"comment"`
	Owner   User         `json:"owner"`
	Date    time.Time    `json:"date"`
	Entries []LabelEntry `json:"entries"`
}

// ChangesetIterator yields changesets in ascending id order, then io.EOF.
type ChangesetIterator interface {
	Next(ctx context.Context) (*Changeset, error)
	Close() error
}

// Ledger is the source of history. Changesets may be called again to
// restart from the beginning; there is no mid-stream resume. Read
// failures are reported wrapping ErrLedgerUnavailable.
type Ledger interface {
	Changesets(ctx context.Context) (ChangesetIterator, error)
	Hydrate(ctx context.Context, cs *Changeset) error
	Labels(ctx context.Context) ([]*Label, error)
	Close() error
}

// hydrate is a convenience wrapper that skips changesets already loaded.
func hydrate(ctx context.Context, ledger Ledger, cs *Changeset) error {
	if cs.hydrated {
		return nil
	}
	if err := ledger.Hydrate(ctx, cs); err != nil {
		return err
	}
	cs.hydrated = true
	return nil
}

/*
 * In-memory ledger, for tests and for callers that build histories
 * programmatically.
 */

type memoryLedger struct {
	changesets []*Changeset
	labels     []*Label
	failAfter  int // fail with ErrLedgerUnavailable after this many reads; 0 = never
}

func newMemoryLedger(changesets ...*Changeset) *memoryLedger {
	for _, cs := range changesets {
		cs.hydrated = true
	}
	return &memoryLedger{changesets: changesets}
}

type memoryIterator struct {
	ledger *memoryLedger
	pos    int
}

func (ml *memoryLedger) Changesets(ctx context.Context) (ChangesetIterator, error) {
	return &memoryIterator{ledger: ml}, nil
}

func (it *memoryIterator) Next(ctx context.Context) (*Changeset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.ledger.failAfter > 0 && it.pos >= it.ledger.failAfter {
		return nil, fmt.Errorf("%w: connection reset after %d changesets", ErrLedgerUnavailable, it.pos)
	}
	if it.pos >= len(it.ledger.changesets) {
		return nil, io.EOF
	}
	cs := it.ledger.changesets[it.pos]
	it.pos++
	return cs, nil
}

func (it *memoryIterator) Close() error { return nil }

func (ml *memoryLedger) Hydrate(ctx context.Context, cs *Changeset) error { return nil }

func (ml *memoryLedger) Labels(ctx context.Context) ([]*Label, error) {
	return ml.labels, nil
}

func (ml *memoryLedger) Close() error { return nil }

/*
 * JSON-lines dump ledger. Each line is an object with a "type" of
 * "changeset" or "label". Changeset headers are decoded while
 * iterating; file actions and merges are decoded by Hydrate, which is
 * where the prefetch workers spend their time. File content is inline
 * (base64) or in a file named relative to the dump.
 */

type jsonAction struct {
	Kind        string      `json:"kind"`
	Path        string      `json:"path"`
	FromPath    string      `json:"from"`
	FromVersion changesetID `json:"fromVersion"`
	Version     string      `json:"version"`
	Length      int64       `json:"length"`
	Executable  bool        `json:"exec"`
	Content     []byte      `json:"content"`
	File        string      `json:"file"`
}

type jsonMerge struct {
	Changeset changesetID `json:"changeset"`
	Source    string      `json:"source"`
	Target    string      `json:"target"`
}

type jsonRecord struct {
	Type      string          `json:"type"`
	ID        changesetID     `json:"id"`
	Owner     User            `json:"owner"`
	Committer *User           `json:"committer"`
	Date      time.Time       `json:"date"`
	Comment   string          `json:"comment"`
	Actions   json.RawMessage `json:"actions"`
	Merges    json.RawMessage `json:"merges"`
	Name      string          `json:"name"`
	Entries   []LabelEntry    `json:"entries"`
}

type jsonLedger struct {
	path string
	dir  string
}

func newJSONLedger(path string) (*jsonLedger, error) {
	if !exists(path) {
		return nil, fmt.Errorf("%w: no such dump %s", ErrLedgerUnavailable, path)
	}
	return &jsonLedger{path: path, dir: filepath.Dir(path)}, nil
}

type jsonIterator struct {
	fp     *os.File
	rd     *bufio.Reader
	lineno int
	want   string
}

func (jl *jsonLedger) open(want string) (*jsonIterator, error) {
	fp, err := os.Open(jl.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return &jsonIterator{fp: fp, rd: bufio.NewReaderSize(fp, 1<<20), want: want}, nil
}

// nextRecord returns the next record of the wanted type.
func (it *jsonIterator) nextRecord(ctx context.Context) (*jsonRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := it.rd.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrLedgerUnavailable, it.fp.Name(), it.lineno, err)
		}
		if len(line) == 0 && err == io.EOF {
			return nil, io.EOF
		}
		it.lineno++
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		rec := new(jsonRecord)
		if jerr := json.Unmarshal(line, rec); jerr != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrLedgerUnavailable, it.fp.Name(), it.lineno, jerr)
		}
		if rec.Type == "" {
			rec.Type = "changeset"
		}
		if rec.Type == it.want {
			return rec, nil
		}
	}
}

func (jl *jsonLedger) Changesets(ctx context.Context) (ChangesetIterator, error) {
	return jl.open("changeset")
}

func (it *jsonIterator) Next(ctx context.Context) (*Changeset, error) {
	rec, err := it.nextRecord(ctx)
	if err != nil {
		return nil, err
	}
	cs := &Changeset{
		ID:      rec.ID,
		Owner:   rec.Owner,
		Date:    rec.Date,
		Comment: rec.Comment,
	}
	if rec.Committer != nil {
		cs.Committer = *rec.Committer
	} else {
		cs.Committer = rec.Owner
	}
	// Keep the undecoded remainder for Hydrate.
	cs.raw, _ = json.Marshal(struct {
		Actions json.RawMessage `json:"actions,omitempty"`
		Merges  json.RawMessage `json:"merges,omitempty"`
	}{rec.Actions, rec.Merges})
	logit(logLEDGER, "read header of changeset %d at line %d", cs.ID, it.lineno)
	return cs, nil
}

func (it *jsonIterator) Close() error {
	return it.fp.Close()
}

func (jl *jsonLedger) Hydrate(ctx context.Context, cs *Changeset) error {
	var body struct {
		Actions []jsonAction `json:"actions"`
		Merges  []jsonMerge  `json:"merges"`
	}
	if len(cs.raw) > 0 {
		if err := json.Unmarshal(cs.raw, &body); err != nil {
			return fmt.Errorf("%w: changeset %d: %v", ErrLedgerUnavailable, cs.ID, err)
		}
	}
	cs.Actions = make([]*FileAction, 0, len(body.Actions))
	for _, ja := range body.Actions {
		kind, err := parseActionKind(ja.Kind)
		if err != nil {
			return fmt.Errorf("%w: changeset %d: %v", ErrConsistency, cs.ID, err)
		}
		action := &FileAction{
			Kind:        kind,
			Path:        ja.Path,
			FromPath:    ja.FromPath,
			FromVersion: ja.FromVersion,
			Version:     ja.Version,
			Length:      ja.Length,
			Executable:  ja.Executable,
		}
		action.content = jl.provider(ja)
		cs.Actions = append(cs.Actions, action)
	}
	for _, jm := range body.Merges {
		cs.Merges = append(cs.Merges, MergeSource{jm.Changeset, jm.Source, jm.Target})
	}
	cs.raw = nil
	logit(logLEDGER, "hydrated changeset %d: %d actions, %d merges", cs.ID, len(cs.Actions), len(cs.Merges))
	return nil
}

// provider returns nil for an action that carries no content of its
// own, so a copy whose source is missing is not mistaken for an empty
// file.
func (jl *jsonLedger) provider(ja jsonAction) ContentProvider {
	if ja.File == "" && ja.Content == nil {
		return nil
	}
	if ja.File != "" {
		name := ja.File
		if !filepath.IsAbs(name) {
			name = filepath.Join(jl.dir, name)
		}
		return func() ([]byte, error) {
			data, err := os.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
			}
			return data, nil
		}
	}
	content := ja.Content
	return func() ([]byte, error) {
		return content, nil
	}
}

func (jl *jsonLedger) Labels(ctx context.Context) ([]*Label, error) {
	it, err := jl.open("label")
	if err != nil {
		return nil, err
	}
	defer it.Close()
	labels := make([]*Label, 0)
	for {
		rec, err := it.nextRecord(ctx)
		if errors.Is(err, io.EOF) {
			return labels, nil
		} else if err != nil {
			return nil, err
		}
		labels = append(labels, &Label{
			Name:    rec.Name,
			Comment: rec.Comment,
			Owner:   rec.Owner,
			Date:    rec.Date,
			Entries: rec.Entries,
		})
	}
}

func (jl *jsonLedger) Close() error { return nil }
