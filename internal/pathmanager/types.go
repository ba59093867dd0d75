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

// Package pathmanager implements the single-writer ingest state machine for
// one logical path: it owns that path's VersionLog and its open resources,
// and applies the create/replace/append stream protocol to them.
package pathmanager

import (
	"context"
	"time"

	"github.com/nihdb/vfs/internal/resourcestore"
)

// StreamKind mirrors the three stream-reference protocols at the package boundary.
type StreamKind int

const (
	StreamCreate StreamKind = iota
	StreamReplace
	StreamAppend
)

// StreamRef tags one ingest/store-file message with its stream protocol.
type StreamRef struct {
	Kind     StreamKind
	StreamID [16]byte
	Terminal bool
}

// IngestMessage appends or creates a projection version from a batch of values.
type IngestMessage struct {
	APIKey    string
	WriteAs   []string
	Data      [][]byte
	JobID     string
	StreamRef StreamRef
}

// StoreFileMessage creates or replaces a blob version from raw content.
type StoreFileMessage struct {
	APIKey    string
	WriteAs   []string
	MimeType  string
	Content   []byte
	JobID     string
	StreamRef StreamRef
}

// ArchiveMessage clears the current head of the manager's path.
type ArchiveMessage struct {
	APIKey    string
	JobID     string
	Timestamp int64
}

// OffsetMessage is one message in an ingest batch, tagged with its offset
// within that batch for ordering.
type OffsetMessage struct {
	Offset    uint64
	Ingest    *IngestMessage
	StoreFile *StoreFileMessage
	Archive   *ArchiveMessage
}

// VersionEntry mirrors one VersionLog record, at the package boundary.
type VersionEntry struct {
	ID        [16]byte
	TypeName  string
	Timestamp time.Time
}

// ResourceKind tags a ResourceHandle's variant.
type ResourceKind int

const (
	ResourceProjection ResourceKind = iota
	ResourceBlob
)

// ResourceHandle is what a read resolves to: either an open ProjectionStore
// or a blob's directory and parsed metadata, left for the caller to open.
type ResourceHandle struct {
	Kind       ResourceKind
	Projection resourcestore.ProjectionStore
	BlobDir    string
	BlobMeta   resourcestore.BlobMetadata
}

// WriteResult is the manager's reply to one message within an ingest batch.
type WriteResult struct {
	Success bool
	Err     error
}

// WritePermission mirrors the public WritePermission shape without this
// package importing the root package; the facade translates each public
// WritePermission into this type.
type WritePermission struct {
	PathSegments []string
	Authorities  []string
}

// Clock supplies wall-clock time, substitutable in tests.
type Clock interface {
	Now() time.Time
}

// JobTracker records job progress, if a message names a JobID.
type JobTracker interface {
	JobUpdated(ctx context.Context, jobID string, pathSegments []string, status string) error
}

// ArchiveNotifier is the manager's back-reference to the router, used only
// to fire the non-awaited cache-invalidation side effect. It is a
// send-only capability, not shared state.
type ArchiveNotifier interface {
	NotifyArchive(pathSegments []string)
}
