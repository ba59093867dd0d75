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

// Package vfs provides a versioned, path-addressed virtual file system for
// ingesting and serving two kinds of resource - append-only columnar
// projections and opaque binary blobs - backed by local disk.
package vfs

import "strings"

// Path is a hierarchical logical identifier, rooted at "/". It is an ordered
// sequence of non-empty segments.
type Path struct {
	segments []string
}

// RootPath is the path with no segments.
var RootPath = Path{}

// NewPath parses a "/"-separated path into its segments. Leading, trailing
// and repeated slashes are ignored, so "/a/b/", "a/b" and "//a//b" are
// equivalent.
func NewPath(s string) Path {
	parts := strings.Split(s, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		segs = append(segs, p)
	}
	return Path{segments: segs}
}

// PathOf builds a Path directly from its segments.
func PathOf(segments ...string) Path {
	segs := make([]string, len(segments))
	copy(segs, segments)
	return Path{segments: segs}
}

// Segments returns the path's segments. The returned slice must not be mutated.
func (p Path) Segments() []string {
	return p.segments
}

// IsRoot reports whether p has no segments.
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// String renders the path in its canonical "/"-prefixed form.
func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}

// Child returns a new Path with name appended as the final segment.
func (p Path) Child(name string) Path {
	segs := make([]string, len(p.segments)+1)
	copy(segs, p.segments)
	segs[len(p.segments)] = name
	return Path{segments: segs}
}

// Parent returns the path with its final segment removed, and true, unless p
// is already the root, in which case it returns the root path and false.
func (p Path) Parent() (Path, bool) {
	if p.IsRoot() {
		return p, false
	}
	return Path{segments: p.segments[:len(p.segments)-1]}, true
}

// Name returns the final segment of the path, or "" if p is the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// HasPrefix reports whether other is equal to, or an ancestor of, p.
func (p Path) HasPrefix(other Path) bool {
	if len(other.segments) > len(p.segments) {
		return false
	}
	for i, s := range other.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}

// TrimPrefix strips the other prefix from p and returns the remaining
// relative path, along with true if other was in fact a prefix of p.
func (p Path) TrimPrefix(other Path) (Path, bool) {
	if !p.HasPrefix(other) {
		return Path{}, false
	}
	return Path{segments: p.segments[len(other.segments):]}, true
}

// Equal reports whether p and other denote the same path.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}
