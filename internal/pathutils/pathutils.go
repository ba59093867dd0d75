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

// Package pathutils maps logical VFS paths onto on-disk directories, and
// walks those directories back into logical children.
package pathutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nihdb/vfs/internal/versionlog"
)

// VersionsDirName is the fixed subdirectory of a path's directory holding
// one directory per version id.
const VersionsDirName = "versions"

// VersionLogName is the file name of a path's VersionLog.
const VersionLogName = "version.log"

// BlobMarkerName is the file present in a version directory that identifies
// it as a blob.
const BlobMarkerName = "blob_metadata"

// ProjectionMarkerName is the file present in a version directory that
// identifies it as a projection.
const ProjectionMarkerName = ".projection"

// escapePrefix marks a segment that was escaped because it collided with a
// reserved character sequence or was otherwise unsafe as a directory name.
const escapePrefix = "_"

// EscapeSegment renders one logical path segment as a safe directory name:
// "", ".", ".." and any segment already starting with the escape prefix are
// prefixed with it (and otherwise kept as-is); in every other segment "%",
// "/", "\" and any control character are percent-escaped.
func EscapeSegment(seg string) string {
	if seg == "." || seg == ".." || seg == "" || strings.HasPrefix(seg, escapePrefix) {
		return escapePrefix + seg
	}
	var b strings.Builder
	needsEscape := false
	for _, r := range seg {
		if r < 0x20 || r == '/' || r == '\\' || r == '%' {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return seg
	}
	for _, r := range seg {
		if r < 0x20 || r == '/' || r == '\\' || r == '%' {
			fmt.Fprintf(&b, "%%%02x", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeSegment reverses EscapeSegment. Segments that were never escaped
// are returned unchanged.
func UnescapeSegment(enc string) string {
	if strings.HasPrefix(enc, escapePrefix) {
		return strings.TrimPrefix(enc, escapePrefix)
	}
	if !strings.Contains(enc, "%") {
		return enc
	}
	var b strings.Builder
	for i := 0; i < len(enc); i++ {
		if enc[i] == '%' && i+2 < len(enc) {
			var v int
			if _, err := fmt.Sscanf(enc[i+1:i+3], "%02x", &v); err == nil {
				b.WriteRune(rune(v))
				i += 2
				continue
			}
		}
		b.WriteByte(enc[i])
	}
	return b.String()
}

// PathDir returns the on-disk directory for a logical path's segments,
// rooted at baseDir.
func PathDir(baseDir string, segments []string) string {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, baseDir)
	for _, s := range segments {
		parts = append(parts, EscapeSegment(s))
	}
	return filepath.Join(parts...)
}

// VersionsSubdir returns the versions/ directory beneath a path directory.
func VersionsSubdir(pathDir string) string {
	return filepath.Join(pathDir, VersionsDirName)
}

// VersionDir returns the directory for a specific version id beneath a path directory.
func VersionDir(pathDir, versionID string) string {
	return filepath.Join(VersionsSubdir(pathDir), versionID)
}

// VersionLogPath returns the VersionLog file path beneath a path directory.
func VersionLogPath(pathDir string) string {
	return filepath.Join(pathDir, VersionLogName)
}

// ChildEntry is one immediate child discovered by FindChildren.
type ChildEntry struct {
	Segment    string // decoded logical segment name
	Dir        string // absolute on-disk directory
	IsBlob     bool
	IsProj     bool
	HasContent bool // true if the entry looks like a valid path directory
}

// FindChildren lists the immediate children of the directory corresponding
// to parentSegments under baseDir. Entries that don't decode to a valid
// escaped segment are skipped. It is a plain directory listing: a snapshot
// safe to take concurrently with writers under sibling subtrees.
func FindChildren(baseDir string, parentSegments []string) ([]ChildEntry, error) {
	dir := PathDir(baseDir, parentSegments)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ChildEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if EscapeSegment(UnescapeSegment(e.Name())) != e.Name() {
			continue
		}
		childDir := filepath.Join(dir, e.Name())
		isBlob, isProj := inspectCurrentVersion(childDir)
		out = append(out, ChildEntry{
			Segment:    UnescapeSegment(e.Name()),
			Dir:        childDir,
			IsBlob:     isBlob,
			IsProj:     isProj,
			HasContent: true,
		})
	}
	return out, nil
}

// inspectCurrentVersion classifies a path directory's current version by
// reading its VersionLog head directly, rather than guessing from directory
// listing order: version directories are named by UUID, so an entry's
// position in a listing carries no relationship to which one is current.
func inspectCurrentVersion(pathDir string) (isBlob, isProj bool) {
	if _, err := os.Stat(VersionLogPath(pathDir)); err != nil {
		// No VersionLog yet: don't let a read-only listing create one.
		return false, false
	}
	head, ok, err := versionlog.PeekHead(pathDir)
	if err != nil || !ok {
		return false, false
	}
	vdir := VersionDir(pathDir, uuid.UUID(head.ID).String())
	if _, err := os.Stat(filepath.Join(vdir, BlobMarkerName)); err == nil {
		return true, false
	}
	if _, err := os.Stat(filepath.Join(vdir, ProjectionMarkerName)); err == nil {
		return false, true
	}
	return false, false
}

// IsBlobDir reports whether dir carries the blob marker.
func IsBlobDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, BlobMarkerName))
	return err == nil
}

// IsProjectionDir reports whether dir carries the projection marker.
func IsProjectionDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ProjectionMarkerName))
	return err == nil
}
