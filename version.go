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
	"time"

	"github.com/google/uuid"
)

// VersionID is an opaque 128-bit identifier for one version of a path's content.
type VersionID uuid.UUID

// NewVersionID returns a fresh, randomly generated VersionID, suitable for use
// when a StreamRef doesn't supply one of its own (the Append case).
func NewVersionID() VersionID {
	return VersionID(uuid.New())
}

// ParseVersionID parses the canonical hex-dashed rendering of a VersionID.
func ParseVersionID(s string) (VersionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return VersionID{}, err
	}
	return VersionID(id), nil
}

// String renders the VersionID in its canonical hex-dashed form. This is also
// the name used for the version's directory on disk.
func (v VersionID) String() string {
	return uuid.UUID(v).String()
}

// ResourceType names which kind of resource a version holds.
type ResourceType string

const (
	// ResourceProjection identifies a columnar append-only projection ("NIHDB").
	ResourceProjection ResourceType = "projection"
	// ResourceBlob identifies an opaque binary blob.
	ResourceBlob ResourceType = "blob"
)

// VersionEntry is one record in a path's VersionLog.
type VersionEntry struct {
	ID        VersionID
	Type      ResourceType
	Timestamp time.Time
}
