// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package versionlog implements the durable, crash-consistent per-path
// record of version transitions that backs a path's current head and
// completion state.
package versionlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Entry mirrors the information recorded by a VersionAdded record.
type Entry struct {
	ID        [16]byte
	TypeName  string
	Timestamp time.Time
}

// ErrConflict is returned by AddVersion when id is already known with a different TypeName.
var ErrConflict = errors.New("versionlog: id exists with a different type")

// ErrUnknownVersion is returned by CompleteVersion when id has never been added.
var ErrUnknownVersion = errors.New("versionlog: unknown version id")

// ErrHeadNotCompleted is returned by SetHead when id is not (yet) completed.
var ErrHeadNotCompleted = errors.New("versionlog: setHead requires a completed version")

const filePerm = 0o644
const dirPerm = 0o755

// Log is the durable version history of a single path. Every method takes
// mu, so a Log is safe for concurrent use; PathManager, its only writer,
// also confines it to its own processing goroutine.
type Log struct {
	mu sync.Mutex

	f    *os.File
	path string

	entries   []Entry
	completed map[[16]byte]bool
	head      *[16]byte

	// Truncated is 1 if Open found a torn tail and truncated the file at
	// the last good record, and 0 otherwise, purely for diagnostics. The
	// discarded bytes are not parsed, so they are not counted record by
	// record.
	Truncated int
}

// Open opens or creates the VersionLog file at dir/version.log, recovering
// its in-memory index by replaying every well-formed record and discarding
// anything after the first torn record.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("versionlog: mkdir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "version.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("versionlog: open %q: %w", path, err)
	}

	l := &Log{
		f:         f,
		path:      path,
		completed: make(map[[16]byte]bool),
	}
	if err := l.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// recover replays every well-formed record from the start of the file,
// truncating the file at the first torn (partially-written or corrupt)
// record boundary so that subsequent appends start from a clean tail.
func (l *Log) recover() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("versionlog: seek: %w", err)
	}
	offset := int64(0)
	for {
		rec, n, err := readFramed(l.f)
		if err == io.EOF {
			break
		}
		if err != nil {
			klog.Warningf("versionlog %q: truncating torn tail at offset %d: %v", l.path, offset, err)
			l.Truncated++
			break
		}
		l.apply(rec)
		offset += int64(n)
	}
	if err := l.f.Truncate(offset); err != nil {
		return fmt.Errorf("versionlog: truncate to %d: %w", offset, err)
	}
	if _, err := l.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("versionlog: seek to tail: %w", err)
	}
	return nil
}

func (l *Log) apply(rec record) {
	switch rec.kind {
	case kindVersionAdded:
		l.entries = append(l.entries, Entry{ID: rec.id, TypeName: rec.typeName, Timestamp: recordTimestamp(rec.timestamp)})
	case kindVersionCompleted:
		l.completed[rec.id] = true
	case kindHeadSet:
		id := rec.id
		l.head = &id
	case kindHeadCleared:
		l.head = nil
	}
}

func (l *Log) findLocked(id [16]byte) (Entry, bool) {
	for _, e := range l.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Find returns the VersionAdded entry for id, if any.
func (l *Log) Find(id [16]byte) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(id)
}

// IsCompleted reports whether id has a durable VersionCompleted record.
func (l *Log) IsCompleted(id [16]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[id]
}

// Current returns the entry for the current head, if any.
func (l *Log) Current() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return Entry{}, false
	}
	return l.findLocked(*l.head)
}

// AddVersion appends a VersionAdded record for id. It is idempotent: if id
// already exists with the same typeName this is a no-op; if it exists with
// a different typeName, ErrConflict is returned.
func (l *Log) AddVersion(id [16]byte, typeName string, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.findLocked(id); ok {
		if existing.TypeName == typeName {
			return nil
		}
		return fmt.Errorf("%w: existing=%s new=%s", ErrConflict, existing.TypeName, typeName)
	}
	rec := record{kind: kindVersionAdded, id: id, typeName: typeName, timestamp: ts.UnixNano()}
	if err := l.appendLocked(rec); err != nil {
		return err
	}
	l.entries = append(l.entries, Entry{ID: id, TypeName: typeName, Timestamp: ts})
	return nil
}

// CompleteVersion appends a VersionCompleted record for id. Errors if id is
// unknown. Idempotent if already completed.
func (l *Log) CompleteVersion(id [16]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.findLocked(id); !ok {
		return ErrUnknownVersion
	}
	if l.completed[id] {
		return nil
	}
	if err := l.appendLocked(record{kind: kindVersionCompleted, id: id}); err != nil {
		return err
	}
	l.completed[id] = true
	return nil
}

// SetHead appends a HeadSet record for id. Requires id to be completed.
func (l *Log) SetHead(id [16]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.completed[id] {
		return ErrHeadNotCompleted
	}
	if err := l.appendLocked(record{kind: kindHeadSet, id: id}); err != nil {
		return err
	}
	idCopy := id
	l.head = &idCopy
	return nil
}

// ClearHead appends a HeadCleared record. Idempotent.
func (l *Log) ClearHead() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		return nil
	}
	if err := l.appendLocked(record{kind: kindHeadCleared}); err != nil {
		return err
	}
	l.head = nil
	return nil
}

// appendLocked writes and fsyncs one record. Every mutator commits this way
// so that a crash after the call returns guarantees the record is visible
// on restart.
func (l *Log) appendLocked(rec record) error {
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("versionlog: seek end: %w", err)
	}
	if _, err := writeFramed(l.f, rec); err != nil {
		return fmt.Errorf("versionlog: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("versionlog: fsync: %w", err)
	}
	return nil
}

// PeekHead opens the VersionLog at dir read-only just long enough to replay
// it and read its current head entry, then closes it. It never creates,
// writes or truncates the file: replay stops at the first torn record,
// which is left in place for the owning Log to recover. It lets a caller
// that only needs to know a path's head version - not append to it - avoid
// holding a Log (or a full Manager) open for the lifetime of that knowledge.
func PeekHead(dir string) (Entry, bool, error) {
	f, err := os.Open(filepath.Join(dir, "version.log"))
	if err != nil {
		return Entry{}, false, err
	}
	defer f.Close()
	l := &Log{completed: make(map[[16]byte]bool)}
	for rec, _, err := readFramed(f); err == nil; rec, _, err = readFramed(f) {
		l.apply(rec)
	}
	e, ok := l.Current()
	return e, ok, nil
}

// Close flushes and releases the log's file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
