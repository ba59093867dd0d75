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

import "encoding/json"

// Authorities is the non-empty set of account identifiers credited with a write.
type Authorities []string

// Value is a single ingested data value destined for a projection.
type Value = json.RawMessage

// StreamKind distinguishes the three stream-reference protocols.
type StreamKind int

const (
	// StreamCreate establishes a new version, optionally closing it in this message.
	StreamCreate StreamKind = iota
	// StreamReplace supersedes any current head with this new version.
	StreamReplace
	// StreamAppend appends to the current head version, starting one if none exists.
	StreamAppend
)

// StreamRef tags an EventMessage with the create/replace/append protocol to apply.
type StreamRef struct {
	Kind     StreamKind
	StreamID VersionID // meaningful for StreamCreate and StreamReplace only
	Terminal bool      // meaningful for StreamCreate and StreamReplace only
}

// Create returns a StreamRef establishing a new version under id.
func Create(id VersionID, terminal bool) StreamRef {
	return StreamRef{Kind: StreamCreate, StreamID: id, Terminal: terminal}
}

// Replace returns a StreamRef superseding any current head with id.
func Replace(id VersionID, terminal bool) StreamRef {
	return StreamRef{Kind: StreamReplace, StreamID: id, Terminal: terminal}
}

// Append returns a StreamRef appending to (or starting) the current head version.
func Append() StreamRef {
	return StreamRef{Kind: StreamAppend}
}

// Content is the raw byte payload of a StoreFile message.
type Content struct {
	Bytes    []byte
	MimeType string
}

// EventMessage is the tagged union of ingest operations the VFS accepts.
// Exactly one of Ingest, StoreFile or Archive is non-nil.
type EventMessage struct {
	Ingest    *IngestMessage
	StoreFile *StoreFileMessage
	Archive   *ArchiveMessage
}

// IngestMessage appends or creates a projection version from a batch of values.
type IngestMessage struct {
	APIKey    string
	Path      Path
	WriteAs   Authorities
	Data      []Value
	JobID     string // optional
	StreamRef StreamRef
}

// StoreFileMessage creates or replaces a blob version from raw content.
type StoreFileMessage struct {
	APIKey    string
	Path      Path
	WriteAs   Authorities
	Content   Content
	JobID     string // optional
	StreamRef StreamRef
}

// ArchiveMessage clears the current head of a path, leaving prior versions
// reachable only via an explicit archived-version read.
type ArchiveMessage struct {
	APIKey    string
	Path      Path
	JobID     string // optional
	Timestamp int64
}

// Offset identifies an EventMessage's position within the ordering contract:
// within one IngestData batch for one path, messages apply in offset order;
// across batches, FIFO by arrival.
type Offset uint64

// OffsetMessage pairs an EventMessage with its offset for IngestData.
type OffsetMessage struct {
	Offset  Offset
	Message EventMessage
}

// Path returns the logical path targeted by the message, regardless of its variant.
func (m EventMessage) Path() Path {
	switch {
	case m.Ingest != nil:
		return m.Ingest.Path
	case m.StoreFile != nil:
		return m.StoreFile.Path
	case m.Archive != nil:
		return m.Archive.Path
	default:
		return RootPath
	}
}
