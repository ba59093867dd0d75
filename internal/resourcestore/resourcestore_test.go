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

package resourcestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProjectionCreateAppendReopen(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(NewLocalEngine())
	dir := filepath.Join(t.TempDir(), "v1")

	store, err := b.CreateProjection(ctx, dir, []string{"acct"})
	if err != nil {
		t.Fatalf("CreateProjection: %v", err)
	}
	if err := store.Append(ctx, [][]byte{[]byte(`{"x":1}`), []byte(`{"x":2}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !b.IsProjection(dir) {
		t.Fatal("expected IsProjection true")
	}
	auths, err := b.ProjectionAuthorities(dir)
	if err != nil {
		t.Fatalf("ProjectionAuthorities: %v", err)
	}
	if len(auths) != 1 || auths[0] != "acct" {
		t.Fatalf("authorities = %v", auths)
	}

	reopened, err := b.OpenProjection(ctx, dir)
	if err != nil {
		t.Fatalf("OpenProjection: %v", err)
	}
	defer reopened.Close(ctx)
	if got := reopened.RecordCount(); got != 2 {
		t.Fatalf("RecordCount = %d, want 2", got)
	}

	cur, err := reopened.NewCursor(ctx)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	defer cur.Close()
	var got []string
	for cur.Next(ctx) {
		got = append(got, string(cur.Value()))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	want := []string{`{"x":1}`, `{"x":2}`}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("cursor values = %v, want %v", got, want)
	}
}

func TestOpenProjectionNotFound(t *testing.T) {
	b := NewBuilder(NewLocalEngine())
	_, err := b.OpenProjection(context.Background(), t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenProjection on empty dir: got %v, want ErrNotFound", err)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	b := NewBuilder(NewLocalEngine())
	dir := filepath.Join(t.TempDir(), "v2")
	payload := []byte(strings.Repeat("hello world ", 10000))

	meta, err := b.CreateBlob(context.Background(), dir, "text/plain", []string{"acct"}, bytes.NewReader(payload), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	if meta.Size != int64(len(payload)) {
		t.Fatalf("meta.Size = %d, want %d", meta.Size, len(payload))
	}

	reread, err := b.OpenBlob(dir)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	if reread.MimeType != "text/plain" || reread.Size != int64(len(payload)) {
		t.Fatalf("reread meta = %+v", reread)
	}

	r, err := b.OpenBlobData(dir)
	if err != nil {
		t.Fatalf("OpenBlobData: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("round-tripped blob bytes differ from input")
	}
	if !b.IsBlob(dir) {
		t.Fatal("expected IsBlob true")
	}
}

func TestOpenBlobMissingMetadata(t *testing.T) {
	b := NewBuilder(NewLocalEngine())
	_, err := b.OpenBlob(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenBlob on empty dir: got %v, want ErrNotFound", err)
	}
}
