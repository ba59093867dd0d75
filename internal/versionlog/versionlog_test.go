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

package versionlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func mustID(b byte) [16]byte {
	var id [16]byte
	id[0] = b
	return id
}

func TestAddCompleteSetHead(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	id := mustID(1)
	if err := l.AddVersion(id, "projection", time.Now()); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}
	if err := l.SetHead(id); !errors.Is(err, ErrHeadNotCompleted) {
		t.Fatalf("SetHead before complete: got %v, want ErrHeadNotCompleted", err)
	}
	if err := l.CompleteVersion(id); err != nil {
		t.Fatalf("CompleteVersion: %v", err)
	}
	if err := l.SetHead(id); err != nil {
		t.Fatalf("SetHead: %v", err)
	}
	cur, ok := l.Current()
	if !ok || cur.ID != id {
		t.Fatalf("Current = %+v, %v; want %x, true", cur, ok, id)
	}
}

func TestAddVersionIdempotentAndConflict(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	id := mustID(2)
	if err := l.AddVersion(id, "blob", time.Now()); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}
	if err := l.AddVersion(id, "blob", time.Now()); err != nil {
		t.Fatalf("AddVersion repeat same type: %v", err)
	}
	if err := l.AddVersion(id, "projection", time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("AddVersion conflicting type: got %v, want ErrConflict", err)
	}
}

func TestClearHeadIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.ClearHead(); err != nil {
		t.Fatalf("ClearHead on empty log: %v", err)
	}
	id := mustID(3)
	if err := l.AddVersion(id, "blob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := l.CompleteVersion(id); err != nil {
		t.Fatal(err)
	}
	if err := l.SetHead(id); err != nil {
		t.Fatal(err)
	}
	if err := l.ClearHead(); err != nil {
		t.Fatalf("ClearHead: %v", err)
	}
	if _, ok := l.Current(); ok {
		t.Fatal("expected no current head after ClearHead")
	}
	if err := l.ClearHead(); err != nil {
		t.Fatalf("second ClearHead: %v", err)
	}
}

func TestRecoverAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustID(4)
	if err := l.AddVersion(id, "projection", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := l.CompleteVersion(id); err != nil {
		t.Fatal(err)
	}
	if err := l.SetHead(id); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	cur, ok := l2.Current()
	if !ok || cur.ID != id {
		t.Fatalf("Current after reopen = %+v, %v; want %x, true", cur, ok, id)
	}
	if l2.Truncated != 0 {
		t.Fatalf("Truncated = %d, want 0", l2.Truncated)
	}
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustID(5)
	if err := l.AddVersion(id, "blob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write by appending a few garbage bytes that look
	// like the start of a length-prefixed record but aren't complete.
	path := filepath.Join(dir, "version.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x10, 0x00, 0xAB, 0xCD}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	defer l2.Close()
	if l2.Truncated == 0 {
		t.Fatal("expected torn tail to be detected and truncated")
	}
	if _, ok := l2.Find(id); !ok {
		t.Fatal("expected the well-formed record before the torn tail to survive")
	}

	// And the log must still be appendable after truncation.
	if err := l2.CompleteVersion(id); err != nil {
		t.Fatalf("CompleteVersion after recovery: %v", err)
	}
}

func TestEntrySurvivesReopenByteForByte(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := mustID(6)
	ts := time.Now().Truncate(time.Second)
	if err := l.AddVersion(id, "projection", ts); err != nil {
		t.Fatal(err)
	}
	want, ok := l.Find(id)
	if !ok {
		t.Fatal("Find: not present after AddVersion")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	got, ok := l2.Find(id)
	if !ok {
		t.Fatal("Find: not present after reopen")
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("Entry mismatch after reopen (-want +got):\n%s", diff)
	}
}

func TestCompleteUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if err := l.CompleteVersion(mustID(9)); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("CompleteVersion unknown: got %v, want ErrUnknownVersion", err)
	}
}
