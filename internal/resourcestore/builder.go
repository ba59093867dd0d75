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

package resourcestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// blobChunkSize is the fixed chunk size streamed blob writes are pulled
	// at, backpressured by the input stream's own pacing.
	blobChunkSize = 100 * 1024

	projectionMarkerName = ".projection"
	blobMarkerName       = "blob_metadata"
	blobDataName         = "data"
)

// ErrNotFound means the requested directory doesn't carry the marker this
// builder was asked to open.
var ErrNotFound = errors.New("resourcestore: not found")

// ErrMalformed means on-disk metadata exists but could not be parsed.
var ErrMalformed = errors.New("resourcestore: malformed metadata")

// BlobMetadata is the JSON sidecar persisted alongside a blob's raw bytes.
type BlobMetadata struct {
	MimeType    string    `json:"mimeType"`
	Size        int64     `json:"size"`
	Created     time.Time `json:"created"`
	Authorities []string  `json:"authorities"`
}

// Builder is a pure factory over version directories: it knows how to lay
// out a projection or a blob on disk, and how to reopen one that already
// exists. It holds no per-path state of its own.
type Builder struct {
	engine ProjectionEngine
}

// NewBuilder returns a Builder using engine to back projection resources.
func NewBuilder(engine ProjectionEngine) *Builder {
	if engine == nil {
		engine = NewLocalEngine()
	}
	return &Builder{engine: engine}
}

// CreateProjection creates dir, initializes an empty store, and persists
// authorities under the projection marker.
func (b *Builder) CreateProjection(ctx context.Context, dir string, authorities []string) (ProjectionStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("resourcestore: mkdir %q: %w", dir, err)
	}
	marker, err := json.Marshal(struct {
		Authorities []string `json:"authorities"`
	}{Authorities: authorities})
	if err != nil {
		return nil, err
	}
	if err := writeFileExclusive(filepath.Join(dir, projectionMarkerName), marker); err != nil {
		return nil, fmt.Errorf("resourcestore: write projection marker: %w", err)
	}
	store, err := b.engine.Create(ctx, dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenProjection opens an existing projection. Returns ErrNotFound if dir
// lacks the projection marker.
func (b *Builder) OpenProjection(ctx context.Context, dir string) (ProjectionStore, error) {
	if !b.IsProjection(dir) {
		return nil, ErrNotFound
	}
	return b.engine.Open(ctx, dir)
}

// ProjectionAuthorities reads back the authorities persisted by CreateProjection.
func (b *Builder) ProjectionAuthorities(dir string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, projectionMarkerName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resourcestore: read projection marker: %w", err)
	}
	var m struct {
		Authorities []string `json:"authorities"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m.Authorities, nil
}

// CreateBlob creates dir, streams src to dir/data in fixed-size chunks, and
// writes dir/blob_metadata only once the stream completes successfully so
// that a reader never observes metadata pointing at a half-written payload.
// On a mid-stream error the partial data file is left behind uncleaned and
// metadata is never written, leaving the blob unreadable.
func (b *Builder) CreateBlob(_ context.Context, dir, mimeType string, authorities []string, src io.Reader, now time.Time) (BlobMetadata, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return BlobMetadata{}, fmt.Errorf("resourcestore: mkdir %q: %w", dir, err)
	}
	dataPath := filepath.Join(dir, blobDataName)
	out, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("resourcestore: create %q: %w", dataPath, err)
	}

	var size int64
	buf := make([]byte, blobChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				_ = out.Close()
				return BlobMetadata{}, fmt.Errorf("resourcestore: write blob data: %w", werr)
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = out.Close()
			return BlobMetadata{}, fmt.Errorf("resourcestore: read blob source: %w", rerr)
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return BlobMetadata{}, fmt.Errorf("resourcestore: fsync blob data: %w", err)
	}
	if err := out.Close(); err != nil {
		return BlobMetadata{}, fmt.Errorf("resourcestore: close blob data: %w", err)
	}

	meta := BlobMetadata{MimeType: mimeType, Size: size, Created: now, Authorities: authorities}
	raw, err := json.Marshal(meta)
	if err != nil {
		return BlobMetadata{}, err
	}
	if err := writeFileAtomic(filepath.Join(dir, blobMarkerName), raw); err != nil {
		return BlobMetadata{}, fmt.Errorf("resourcestore: write blob metadata: %w", err)
	}
	return meta, nil
}

// OpenBlob parses blob_metadata. Returns ErrNotFound or ErrMalformed.
func (b *Builder) OpenBlob(dir string) (BlobMetadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, blobMarkerName))
	if err != nil {
		if os.IsNotExist(err) {
			return BlobMetadata{}, ErrNotFound
		}
		return BlobMetadata{}, fmt.Errorf("resourcestore: read blob metadata: %w", err)
	}
	var meta BlobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return BlobMetadata{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return meta, nil
}

// OpenBlobData returns a reader over a blob's raw bytes.
func (b *Builder) OpenBlobData(dir string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, blobDataName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// IsBlob reports whether dir carries the blob marker.
func (b *Builder) IsBlob(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, blobMarkerName))
	return err == nil
}

// IsProjection reports whether dir carries the projection marker.
func (b *Builder) IsProjection(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, projectionMarkerName))
	return err == nil
}

// writeFileExclusive atomically creates p, failing if it already exists.
// The temp file is fsync'd before it is linked into place, and the parent
// directory is fsync'd after, so that a crash after this call returns
// guarantees p is durably visible on restart - matching VersionLog's own
// appendLocked durability contract.
func writeFileExclusive(p string, d []byte) error {
	dir, name := filepath.Split(p)
	tmp, err := os.CreateTemp(dir, name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			klog.Warningf("resourcestore: cleanup temp file %q: %v", tmpName, err)
		}
	}()
	if _, err := tmp.Write(d); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("resourcestore: fsync temp file %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, p); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	return nil
}

// writeFileAtomic atomically creates-or-replaces p. The temp file is
// fsync'd before it is renamed into place, and the parent directory is
// fsync'd after, matching writeFileExclusive's durability contract.
func writeFileAtomic(p string, d []byte) error {
	dir := filepath.Dir(p)
	tmp := p + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("resourcestore: create temp file %q: %w", tmp, err)
	}
	if _, err := out.Write(d); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("resourcestore: write temp file %q: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("resourcestore: fsync temp file %q: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("resourcestore: close temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("resourcestore: rename temp file to %q: %w", p, err)
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	return nil
}

// fsyncDir fsyncs a directory's inode so that a new or replaced entry
// within it (a link or rename target) is durable on restart, not just the
// file's own contents.
func fsyncDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("resourcestore: open dir %q for fsync: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("resourcestore: fsync dir %q: %w", dir, err)
	}
	return nil
}
