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

package pathmanager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nihdb/vfs/internal/resourcestore"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	builder := resourcestore.NewBuilder(resourcestore.NewLocalEngine())
	m, err := New(t.TempDir(), []string{"a", "b"}, builder, fixedClock{t: time.Now()}, nil, nil, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestCreateTerminal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sid := uuid.New()

	results, err := m.Ingest(ctx, []OffsetMessage{{
		Offset: 0,
		Ingest: &IngestMessage{
			WriteAs:   []string{"acct"},
			Data:      [][]byte{[]byte(`{"x":1}`)},
			StreamRef: StreamRef{Kind: StreamCreate, StreamID: sid, Terminal: true},
		},
	}}, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	cur, ok, err := m.CurrentVersion(ctx)
	if err != nil || !ok || cur.ID != sid {
		t.Fatalf("CurrentVersion = %+v, %v, %v; want %x", cur, ok, err, sid)
	}

	h, err := m.Read(ctx, ReadRequest{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Kind != ResourceProjection {
		t.Fatalf("Read kind = %v, want projection", h.Kind)
	}
	if got := h.Projection.RecordCount(); got != 1 {
		t.Fatalf("RecordCount = %d, want 1", got)
	}
}

func TestReplaceSupersedesAndArchivedStillReadable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sid1, sid2 := uuid.New(), uuid.New()

	if _, err := m.Ingest(ctx, []OffsetMessage{{Ingest: &IngestMessage{
		WriteAs: []string{"acct"}, Data: [][]byte{[]byte(`{"x":1}`)},
		StreamRef: StreamRef{Kind: StreamCreate, StreamID: sid1, Terminal: true},
	}}}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ingest(ctx, []OffsetMessage{{Ingest: &IngestMessage{
		WriteAs: []string{"acct"}, Data: [][]byte{[]byte(`{"x":2}`)},
		StreamRef: StreamRef{Kind: StreamReplace, StreamID: sid2, Terminal: true},
	}}}, nil); err != nil {
		t.Fatal(err)
	}

	cur, ok, err := m.CurrentVersion(ctx)
	if err != nil || !ok || cur.ID != sid2 {
		t.Fatalf("CurrentVersion = %+v, %v, %v; want %x", cur, ok, err, sid2)
	}

	h, err := m.Read(ctx, ReadRequest{Archived: true, ArchiveID: sid1})
	if err != nil {
		t.Fatalf("Read archived: %v", err)
	}
	if h.Projection.RecordCount() != 1 {
		t.Fatalf("archived RecordCount = %d, want 1", h.Projection.RecordCount())
	}
}

func TestAppendChainStartsFreshVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	// Mirrors what the VFS's default allow-all PermissionsFinder yields for
	// an API key: a populated, wildcard-authority grant, not an absent or
	// empty permissions set.
	perms := map[string][]WritePermission{"": {{Authorities: nil}}}

	for i := 0; i < 3; i++ {
		results, err := m.Ingest(ctx, []OffsetMessage{{
			Offset: uint64(10 + i),
			Ingest: &IngestMessage{
				WriteAs:   []string{"acct"},
				Data:      [][]byte{[]byte("part")},
				StreamRef: StreamRef{Kind: StreamAppend},
			},
		}}, perms)
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if !results[0].Success {
			t.Fatalf("Ingest %d failed: %+v", i, results[0])
		}
	}

	h, err := m.Read(ctx, ReadRequest{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := h.Projection.RecordCount(); got != 3 {
		t.Fatalf("RecordCount = %d, want 3", got)
	}
}

func TestStoreFileAppendIsIllegal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	results, err := m.Ingest(ctx, []OffsetMessage{{StoreFile: &StoreFileMessage{
		WriteAs:   []string{"acct"},
		MimeType:  "text/plain",
		Content:   []byte("hi"),
		StreamRef: StreamRef{Kind: StreamAppend},
	}}}, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if results[0].Success {
		t.Fatal("expected StoreFile Append to fail")
	}
	perr, ok := results[0].Err.(*Error)
	if !ok || perr.Kind != KindIllegalWriteRequest {
		t.Fatalf("err = %v, want KindIllegalWriteRequest", results[0].Err)
	}
}

func TestArchiveClearsHead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sid := uuid.New()

	if _, err := m.Ingest(ctx, []OffsetMessage{{Ingest: &IngestMessage{
		WriteAs: []string{"acct"}, Data: [][]byte{[]byte(`{"x":1}`)},
		StreamRef: StreamRef{Kind: StreamCreate, StreamID: sid, Terminal: true},
	}}}, nil); err != nil {
		t.Fatal(err)
	}

	results, err := m.Ingest(ctx, []OffsetMessage{{Archive: &ArchiveMessage{}}}, nil)
	if err != nil || !results[0].Success {
		t.Fatalf("archive: %v, %+v", err, results)
	}

	if _, ok, _ := m.CurrentVersion(ctx); ok {
		t.Fatal("expected no current version after archive")
	}
	if _, err := m.Read(ctx, ReadRequest{}); err == nil {
		t.Fatal("expected Read(Current) to fail after archive")
	}
	if _, err := m.Read(ctx, ReadRequest{Archived: true, ArchiveID: sid}); err != nil {
		t.Fatalf("Read(Archived) after archive: %v", err)
	}
}

func TestCreateWithoutPermissionStillAllowedPerOpenQuestion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	sid := uuid.New()

	// No WritePermission is supplied at all; Create/Replace trust the
	// stream-ref and do not consult permissions (see the ingest state
	// machine for Append, which does check).
	results, err := m.Ingest(ctx, []OffsetMessage{{Ingest: &IngestMessage{
		WriteAs: []string{"acct"}, Data: [][]byte{[]byte(`{"x":1}`)},
		StreamRef: StreamRef{Kind: StreamCreate, StreamID: sid, Terminal: true},
	}}}, map[string][]WritePermission{})
	if err != nil || !results[0].Success {
		t.Fatalf("Create without permission: %v, %+v", err, results)
	}
}

func TestAppendDeniedWithoutPermission(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	results, err := m.Ingest(ctx, []OffsetMessage{{Ingest: &IngestMessage{
		APIKey:    "k",
		WriteAs:   []string{"acct"},
		Data:      [][]byte{[]byte("x")},
		StreamRef: StreamRef{Kind: StreamAppend},
	}}}, map[string][]WritePermission{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Success {
		t.Fatal("expected Append without permission to fail")
	}
	perr, ok := results[0].Err.(*Error)
	if !ok || perr.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want KindPermissionDenied", results[0].Err)
	}
}
