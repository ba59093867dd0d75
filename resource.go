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

package vfs

import (
	"context"
	"io"
	"time"
)

// Resource is the tagged union of the two kinds of versioned content the VFS
// stores under a path. A given VersionEntry resolves to exactly one of
// ProjectionResource or BlobResource, according to its Type.
type Resource struct {
	Projection ProjectionResource
	Blob       BlobResource
}

// ProjectionResource is an append-only columnar store ("NIHDB") of structured
// values ingested for one version. The storage engine behind it is pluggable
// and opaque to the VFS core - the core only needs to append, close and read
// it back.
type ProjectionResource interface {
	// Append adds values to the projection. It is only valid while the
	// version is open (not yet marked terminal).
	Append(ctx context.Context, values []Value) error
	// Close closes the underlying store handle. It does not complete the
	// version or change the path's head.
	Close(ctx context.Context) error
	// Cursor returns an iterator over the projection's stored values, in
	// insertion order.
	Cursor(ctx context.Context) (ValueCursor, error)
}

// ValueCursor iterates the values held by a ProjectionResource.
type ValueCursor interface {
	// Next advances the cursor and reports whether a value is available.
	Next(ctx context.Context) bool
	// Value returns the value at the cursor's current position. Only valid
	// after a call to Next returned true.
	Value() Value
	// Err returns the first error encountered during iteration, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}

// BlobResource is a single immutable byte stream together with metadata
// describing it. Unlike a projection it is written whole: data first, then
// metadata, so that a reader never observes metadata pointing at a
// half-written payload.
type BlobResource interface {
	// Open returns a reader over the blob's bytes. The caller must Close it.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Metadata returns the blob's content metadata.
	Metadata(ctx context.Context) (BlobMetadata, error)
}

// BlobMetadata describes a BlobResource's payload.
type BlobMetadata struct {
	MimeType string
	Size     int64
	Written  time.Time
}

// PathMetadata summarizes a path's current state, for FindPathMetadata.
type PathMetadata struct {
	Path          Path
	Head          *VersionEntry // nil if the path has no current head
	DirectChild   bool          // true if returned as an entry of FindDirectChildren
	HasChildren   bool
	ChildrenCount int
}
