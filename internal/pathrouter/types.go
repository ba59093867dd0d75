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

// Package pathrouter maintains the bounded set of live per-path managers
// and demultiplexes client requests onto them, creating managers lazily
// and evicting the least recently used ones to bound file-descriptor and
// memory pressure.
package pathrouter

import (
	"context"
	"time"

	"github.com/nihdb/vfs/internal/pathmanager"
)

// PermissionsFinder resolves the write permissions associated with an API
// key. The facade wraps the public vfs.PermissionsFinder in an adapter that
// satisfies this interface, translating each WritePermission, so this
// package does not import the root package.
type PermissionsFinder interface {
	FindPermissions(ctx context.Context, apiKey string) ([]pathmanager.WritePermission, error)
}

// IngestItem is one message destined for one path, as handed to the router
// by the facade after it has computed the path's on-disk segments.
type IngestItem struct {
	PathSegments []string
	APIKey       string
	Message      pathmanager.OffsetMessage
}

// PathMetadata mirrors the public vfs.PathMetadata at the package boundary.
type PathMetadata struct {
	PathSegments  []string
	Head          *pathmanager.VersionEntry
	HasChildren   bool
	ChildrenCount int
	IsBlob        bool
	IsProjection  bool
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}
