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

package pathrouter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nihdb/vfs/internal/pathmanager"
	"github.com/nihdb/vfs/internal/resourcestore"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestRouter(t *testing.T, maxOpen int) *Router {
	t.Helper()
	r, err := New(Config{
		BaseDir:               t.TempDir(),
		MaxOpenPaths:          maxOpen,
		Builder:               resourcestore.NewBuilder(resourcestore.NewLocalEngine()),
		Clock:                 fixedClock{t: time.Now()},
		QuiescenceTimeout:     time.Hour,
		ProjectionReadTimeout: 5 * time.Second,
		SliceIngestTimeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func TestIngestAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, 8)
	sid := uuid.New()

	results, err := r.IngestData(ctx, []IngestItem{{
		PathSegments: []string{"a", "b"},
		Message: pathmanager.OffsetMessage{Ingest: &pathmanager.IngestMessage{
			WriteAs:   []string{"acct"},
			Data:      [][]byte{[]byte(`{"x":1}`)},
			StreamRef: pathmanager.StreamRef{Kind: pathmanager.StreamCreate, StreamID: sid, Terminal: true},
		}},
	}})
	if err != nil {
		t.Fatalf("IngestData: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	h, err := r.Read(ctx, []string{"a", "b"}, pathmanager.ReadRequest{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Kind != pathmanager.ResourceProjection {
		t.Fatalf("kind = %v", h.Kind)
	}
}

func TestIngestGroupsMultiplePaths(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, 8)

	items := []IngestItem{
		{PathSegments: []string{"p1"}, Message: pathmanager.OffsetMessage{Ingest: &pathmanager.IngestMessage{
			Data: [][]byte{[]byte("a")}, StreamRef: pathmanager.StreamRef{Kind: pathmanager.StreamCreate, StreamID: uuid.New(), Terminal: true},
		}}},
		{PathSegments: []string{"p2"}, Message: pathmanager.OffsetMessage{Ingest: &pathmanager.IngestMessage{
			Data: [][]byte{[]byte("b")}, StreamRef: pathmanager.StreamRef{Kind: pathmanager.StreamCreate, StreamID: uuid.New(), Terminal: true},
		}}},
	}
	results, err := r.IngestData(ctx, items)
	if err != nil {
		t.Fatalf("IngestData: %v", err)
	}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("item %d failed: %+v", i, res)
		}
	}
}

func TestFindChildrenDoesNotMaterializeManager(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, 8)

	if _, err := r.IngestData(ctx, []IngestItem{{
		PathSegments: []string{"parent", "child"},
		Message: pathmanager.OffsetMessage{Ingest: &pathmanager.IngestMessage{
			Data: [][]byte{[]byte("v")}, StreamRef: pathmanager.StreamRef{Kind: pathmanager.StreamCreate, StreamID: uuid.New(), Terminal: true},
		}},
	}}); err != nil {
		t.Fatal(err)
	}

	children, err := r.FindChildren([]string{"parent"})
	if err != nil {
		t.Fatalf("FindChildren: %v", err)
	}
	if len(children) != 1 || children[0].PathSegments[len(children[0].PathSegments)-1] != "child" {
		t.Fatalf("children = %+v", children)
	}
	if _, ok := r.managers[pathKey([]string{"parent"})]; ok {
		t.Fatal("FindChildren materialized a manager for the parent path")
	}
}

func TestLRUEvictionQuiescesWithoutLosingManager(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, 1)

	for _, p := range [][]string{{"one"}, {"two"}} {
		if _, err := r.IngestData(ctx, []IngestItem{{
			PathSegments: p,
			Message: pathmanager.OffsetMessage{Ingest: &pathmanager.IngestMessage{
				Data: [][]byte{[]byte("v")}, StreamRef: pathmanager.StreamRef{Kind: pathmanager.StreamCreate, StreamID: uuid.New(), Terminal: true},
			}},
		}}); err != nil {
			t.Fatal(err)
		}
	}

	// "one" was evicted from the LRU by "two", but its manager must still
	// be reachable and correct on the next access.
	h, err := r.Read(ctx, []string{"one"}, pathmanager.ReadRequest{})
	if err != nil {
		t.Fatalf("Read after eviction: %v", err)
	}
	if h.Projection.RecordCount() != 1 {
		t.Fatalf("RecordCount after eviction = %d, want 1", h.Projection.RecordCount())
	}
}
