/*
 * Content store: blob deduplication and mark allocation
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// markKind tells what a mark was issued for.
type markKind uint8

const (
	markBlob markKind = iota
	markCommit
)

// markAllocator issues the run's marks: dense, starting at 1, never
// reissued. It remembers what each was issued for so that two runs can
// be compared and the marks file can be written.
type markAllocator struct {
	issued []markKind
}

func (ma *markAllocator) next(kind markKind) markidx {
	ma.issued = append(ma.issued, kind)
	return markidx(len(ma.issued))
}

func (ma *markAllocator) last() markidx {
	return markidx(len(ma.issued))
}

func (ma *markAllocator) kind(m markidx) markKind {
	return ma.issued[m-1]
}

type contentHash [32]byte

func (h contentHash) String() string {
	return hex.EncodeToString(h[:])
}

type contentKey struct {
	path    string
	version string
}

type blobRecord struct {
	mark       markidx
	hash       contentHash
	size       int
	keys       []contentKey
	emitted    bool
	superseded bool
}

// ContentStore maps file versions to blob marks. Two versions share a
// mark only when their bytes, after content rewriting, are identical.
type ContentStore struct {
	marks  *markAllocator
	spill  SpillStore
	dry    bool
	byKey  map[contentKey]markidx
	byHash map[contentHash]*blobRecord
	byMark map[markidx]*blobRecord
	fresh  []markidx // interned since the last settle
	// Statistics
	fetches    int
	fused      int
	superseded int
}

func newContentStore(marks *markAllocator, spill SpillStore, dry bool) *ContentStore {
	return &ContentStore{
		marks:  marks,
		spill:  spill,
		dry:    dry,
		byKey:  make(map[contentKey]markidx),
		byHash: make(map[contentHash]*blobRecord),
		byMark: make(map[markidx]*blobRecord),
	}
}

// internFor returns the mark of the content at (path, version). The
// provider is only called for a key not seen before; it must return the
// content as it is to be emitted, rewrite hooks already applied.
func (s *ContentStore) internFor(path string, version string, provider ContentProvider) (markidx, error) {
	key := contentKey{path, version}
	if mark, ok := s.byKey[key]; ok {
		return mark, nil
	}
	data, err := provider()
	if err != nil {
		return 0, err
	}
	s.fetches++
	hash := contentHash(blake3.Sum256(data))
	if rec, ok := s.byHash[hash]; ok {
		s.byKey[key] = rec.mark
		if !rec.emitted {
			rec.keys = append(rec.keys, key)
		}
		s.fused++
		logit(logSTORE, "%s@%s fused with :%d", path, version, rec.mark)
		return rec.mark, nil
	}
	rec := &blobRecord{mark: s.marks.next(markBlob), hash: hash, size: len(data), keys: []contentKey{key}}
	if !s.dry {
		if err := s.spill.Put(spillKey(rec.mark), data); err != nil {
			return 0, fmt.Errorf("spilling %s@%s: %w", path, version, err)
		}
	}
	s.byKey[key] = rec.mark
	s.byHash[hash] = rec
	s.byMark[rec.mark] = rec
	s.fresh = append(s.fresh, rec.mark)
	logit(logSTORE, "%s@%s interned as :%d (%d bytes)", path, version, rec.mark, rec.size)
	return rec.mark, nil
}

func spillKey(mark markidx) string {
	return strconv.FormatUint(uint64(mark), 10)
}

// pending reports whether a blob mark still has to be written to the
// stream.
func (s *ContentStore) pending(mark markidx) bool {
	rec, ok := s.byMark[mark]
	return ok && !rec.emitted && !rec.superseded
}

// content reads back the bytes of a pending blob.
func (s *ContentStore) content(mark markidx) ([]byte, error) {
	rec, ok := s.byMark[mark]
	if !ok {
		return nil, fmt.Errorf("%w: :%d is not a blob", ErrConsistency, mark)
	}
	data, err := s.spill.Get(spillKey(mark))
	if err != nil {
		return nil, fmt.Errorf("reading back :%d: %w", mark, err)
	}
	if len(data) != rec.size {
		return nil, fmt.Errorf("%w: :%d came back with %d bytes, expected %d", ErrConsistency, mark, len(data), rec.size)
	}
	return data, nil
}

// emitted records that a blob is in the stream and releases its spill.
func (s *ContentStore) emitted(mark markidx) error {
	rec, ok := s.byMark[mark]
	if !ok {
		return fmt.Errorf("%w: :%d is not a blob", ErrConsistency, mark)
	}
	rec.emitted = true
	rec.keys = nil
	if s.dry {
		return nil
	}
	return s.spill.Delete(spillKey(mark))
}

// settle retires the blobs interned since the last call that no commit
// wrote, such as an earlier write of a path the same changeset wrote
// again. Their spill is released and neither their version nor their
// bytes resolve to the old mark afterwards.
func (s *ContentStore) settle() error {
	fresh := s.fresh
	s.fresh = nil
	for _, mark := range fresh {
		rec := s.byMark[mark]
		if rec.emitted || rec.superseded {
			continue
		}
		rec.superseded = true
		s.superseded++
		if s.byHash[rec.hash] == rec {
			delete(s.byHash, rec.hash)
		}
		for _, key := range rec.keys {
			if s.byKey[key] == mark {
				delete(s.byKey, key)
			}
		}
		logit(logSTORE, "blob :%d superseded before it was written", mark)
		if s.dry {
			continue
		}
		if err := s.spill.Delete(spillKey(mark)); err != nil {
			return fmt.Errorf("releasing :%d: %w", mark, err)
		}
	}
	return nil
}

// written reports whether a blob mark went into the stream, or will
// when its commit is written.
func (s *ContentStore) written(mark markidx) bool {
	rec, ok := s.byMark[mark]
	return ok && !rec.superseded
}

// hashOf returns the content hash of a blob mark.
func (s *ContentStore) hashOf(mark markidx) (contentHash, bool) {
	rec, ok := s.byMark[mark]
	if !ok {
		return contentHash{}, false
	}
	return rec.hash, true
}

func (s *ContentStore) blobCount() int {
	return len(s.byMark) - s.superseded
}
