/*
 * Fast-import stream serialization
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// quotePath C-quotes a path when fast-import would misread it raw.
func quotePath(p string) string {
	if !strings.ContainsAny(p, "\n") && !strings.HasPrefix(p, `"`) {
		return p
	}
	var out strings.Builder
	out.WriteByte('"')
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '"':
			out.WriteString(`\"`)
		case '\\':
			out.WriteString(`\\`)
		case '\n':
			out.WriteString(`\n`)
		default:
			if c < ' ' {
				fmt.Fprintf(&out, `\%03o`, c)
			} else {
				out.WriteByte(c)
			}
		}
	}
	out.WriteByte('"')
	return out.String()
}

type writerState uint8

const (
	stateIdle writerState = iota
	stateBlobs
	stateCommit
)

// fastImportWriter writes the stream. Each commit is preceded by the
// blobs it introduces, so nothing is ever referenced before it is
// defined. A dry writer produces no output but walks the same states.
type fastImportWriter struct {
	w         *bufio.Writer
	dry       bool
	state     writerState
	realized  map[string]markidx // ref positions within this stream
	blobs     int
	commits   int
	tags      int
	byteCount int64
}

func newFastImportWriter(w io.Writer, dry bool) *fastImportWriter {
	if dry || w == nil {
		w = io.Discard
	}
	return &fastImportWriter{
		w:        bufio.NewWriterSize(w, 1<<16),
		dry:      dry,
		realized: make(map[string]markidx),
	}
}

func (fw *fastImportWriter) printf(format string, args ...interface{}) {
	n, _ := fmt.Fprintf(fw.w, format, args...)
	fw.byteCount += int64(n)
}

func (fw *fastImportWriter) data(payload []byte) {
	fw.printf("data %d\n", len(payload))
	n, _ := fw.w.Write(payload)
	fw.byteCount += int64(n)
	fw.w.WriteByte('\n')
	fw.byteCount++
}

// emitBlob writes one blob record.
func (fw *fastImportWriter) emitBlob(mark markidx, content []byte) {
	fw.state = stateBlobs
	fw.printf("blob\nmark :%d\n", mark)
	fw.data(content)
	fw.blobs++
}

// emitCommit writes the pending blobs of a commit, then the commit.
// Blob content is read back from the store and released once written.
func (fw *fastImportWriter) emitCommit(c *Commit, store *ContentStore) error {
	for _, op := range c.fileops {
		if op.op != 'M' || !store.pending(op.entry.mark) {
			continue
		}
		if !fw.dry {
			content, err := store.content(op.entry.mark)
			if err != nil {
				return err
			}
			fw.emitBlob(op.entry.mark, content)
		} else {
			fw.state = stateBlobs
			fw.blobs++
		}
		if err := store.emitted(op.entry.mark); err != nil {
			return err
		}
	}
	if c.preserve != nil && c.preserve.tip != nil {
		fw.emitReset(tagRef(fmt.Sprintf("%s-deleted-c%d", c.preserve.name, c.preserve.deletedAt)), c.preserve.tip)
	}
	if _, ok := fw.realized[c.ref]; ok && len(c.parents) == 0 {
		fw.emitReset(c.ref, nil)
	}
	fw.state = stateCommit
	fw.printf("commit %s\nmark :%d\n", c.ref, c.mark)
	if c.author != nil {
		fw.printf("author %s\n", c.author)
	}
	fw.printf("committer %s\n", c.committer)
	fw.printf("data %d\n%s", len(c.comment), c.comment)
	for i, p := range c.parents {
		if i == 0 {
			fw.printf("from :%d\n", p.mark)
		} else {
			fw.printf("merge :%d\n", p.mark)
		}
	}
	for _, op := range c.fileops {
		fw.printf("%s\n", op)
	}
	fw.printf("\n")
	fw.realized[c.ref] = c.mark
	fw.commits++
	fw.state = stateIdle
	// The delta is in the stream; the tree snapshots keep what is needed.
	c.fileops = nil
	return nil
}

// emitReset points a ref at a commit, or clears it when from is nil.
func (fw *fastImportWriter) emitReset(ref string, from *Commit) {
	fw.printf("reset %s\n", ref)
	if from != nil {
		fw.printf("from :%d\n\n", from.mark)
		fw.realized[ref] = from.mark
	} else {
		delete(fw.realized, ref)
	}
}

// emitTag writes an annotated tag.
func (fw *fastImportWriter) emitTag(name string, target *Commit, tagger Attribution, comment string) {
	fw.printf("tag %s\n", mangleRefName(name))
	fw.printf("from :%d\n", target.mark)
	fw.printf("tagger %s\n", tagger)
	fw.printf("data %d\n%s\n", len(comment), comment)
	fw.tags++
}

// emitProgress writes a progress line fast-import echoes to its output.
func (fw *fastImportWriter) emitProgress(format string, args ...interface{}) {
	fw.printf("progress "+format+"\n", args...)
}

func (fw *fastImportWriter) flush() error {
	if fw.state != stateIdle {
		return fmt.Errorf("%w: stream ends inside a record", ErrConsistency)
	}
	return fw.w.Flush()
}
