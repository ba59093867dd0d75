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

package pathutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nihdb/vfs/internal/versionlog"
)

func TestEscapeRoundTrip(t *testing.T) {
	for _, seg := range []string{"a", "a.b", ".", "..", "weird\x01name", ""} {
		enc := EscapeSegment(seg)
		if got := UnescapeSegment(enc); got != seg {
			t.Errorf("EscapeSegment(%q) = %q, UnescapeSegment -> %q, want %q", seg, enc, got, seg)
		}
	}
}

func TestPathDirDeterministic(t *testing.T) {
	a := PathDir("/base", []string{"a", "b"})
	b := PathDir("/base", []string{"a", "b"})
	if a != b {
		t.Fatalf("PathDir not deterministic: %q != %q", a, b)
	}
	if filepath.Base(a) != "b" {
		t.Fatalf("PathDir = %q, want final segment b", a)
	}
}

func TestFindChildrenMissingDirReturnsEmpty(t *testing.T) {
	children, err := FindChildren(t.TempDir(), []string{"nope"})
	if err != nil {
		t.Fatalf("FindChildren: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children, got %v", children)
	}
}

func TestFindChildrenListsImmediateDirs(t *testing.T) {
	base := t.TempDir()
	parent := PathDir(base, []string{"a"})
	if err := os.MkdirAll(filepath.Join(parent, EscapeSegment("b")), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(parent, EscapeSegment("c")), 0o755); err != nil {
		t.Fatal(err)
	}
	children, err := FindChildren(base, []string{"a"})
	if err != nil {
		t.Fatalf("FindChildren: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2: %+v", len(children), children)
	}
}

func TestIsBlobAndProjectionDir(t *testing.T) {
	dir := t.TempDir()
	if IsBlobDir(dir) || IsProjectionDir(dir) {
		t.Fatal("empty dir should be neither blob nor projection")
	}
	if err := os.WriteFile(filepath.Join(dir, BlobMarkerName), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsBlobDir(dir) {
		t.Fatal("expected IsBlobDir true after writing marker")
	}
}

func TestFindChildrenClassifiesByVersionLogHeadNotDirOrder(t *testing.T) {
	base := t.TempDir()
	parent := PathDir(base, []string{"a"})
	childDir := filepath.Join(parent, EscapeSegment("child"))
	if err := os.MkdirAll(childDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var headID, otherID [16]byte
	headID[0] = 0x01
	otherID[0] = 0xff // sorts after headID as a directory name

	headDir := VersionDir(childDir, uuid.UUID(headID).String())
	otherDir := VersionDir(childDir, uuid.UUID(otherID).String())
	if err := os.MkdirAll(headDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(otherDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(headDir, ProjectionMarkerName), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(otherDir, BlobMarkerName), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	log, err := versionlog.Open(childDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.AddVersion(otherID, "blob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := log.AddVersion(headID, "projection", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := log.CompleteVersion(headID); err != nil {
		t.Fatal(err)
	}
	if err := log.SetHead(headID); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	children, err := FindChildren(base, []string{"a"})
	if err != nil {
		t.Fatalf("FindChildren: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("got %d children, want 1: %+v", len(children), children)
	}
	c := children[0]
	if !c.IsProj || c.IsBlob {
		t.Fatalf("classified IsBlob=%v IsProj=%v, want the VersionLog head's type (projection), not the alphabetically-last version directory (blob)", c.IsBlob, c.IsProj)
	}
}
