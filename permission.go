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
	"time"
)

// WritePermission grants writing under any path equal-to-or-below Path,
// producing writes credited to Authorities.
type WritePermission struct {
	Path        Path
	Authorities Authorities
}

// Grants reports whether this permission covers a write to path crediting as.
// A permission with no Authorities of its own is a wildcard: it covers any
// authority.
func (w WritePermission) Grants(path Path, as Authorities) bool {
	if !path.HasPrefix(w.Path) {
		return false
	}
	if len(w.Authorities) == 0 {
		return true
	}
	for _, want := range as {
		found := false
		for _, have := range w.Authorities {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PermissionsFinder resolves the write permissions associated with an API key.
// It is a pluggable external collaborator: the VFS core never interprets
// credentials directly, and implementations are expected to be safe for
// concurrent use since the router may call this for several distinct keys
// within one batch.
type PermissionsFinder interface {
	FindPermissions(ctx context.Context, apiKey string) ([]WritePermission, error)
}

// JobTracker records the progress of an optional job associated with an
// ingest message. It is a pluggable external collaborator; an empty JobID on
// a message means no tracking is requested.
type JobTracker interface {
	JobUpdated(ctx context.Context, jobID string, path Path, status string) error
}

// Clock supplies wall-clock time to the VFS core, so that tests can
// substitute a deterministic source.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// noopJobTracker silently discards job updates; used when no JobTracker is configured.
type noopJobTracker struct{}

func (noopJobTracker) JobUpdated(context.Context, string, Path, string) error { return nil }

// allowAllPermissions grants every write; used when no PermissionsFinder is configured,
// which is appropriate for embedding systems that enforce authorization upstream.
type allowAllPermissions struct{}

func (allowAllPermissions) FindPermissions(context.Context, string) ([]WritePermission, error) {
	return []WritePermission{{Path: RootPath, Authorities: nil}}, nil
}
