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
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/nihdb/vfs/internal/asyncwriter"
	"github.com/nihdb/vfs/internal/pathmanager"
	"github.com/nihdb/vfs/internal/pathrouter"
	"github.com/nihdb/vfs/internal/resourcestore"
	"github.com/nihdb/vfs/internal/telemetry"
)

// VFS is the client-facing entry point: a versioned, path-addressed store
// of projection and blob resources, rooted at one directory on local disk.
type VFS struct {
	router  *pathrouter.Router
	builder *resourcestore.Builder
	metrics *telemetry.Recorder
	async   *asyncwriter.Writer

	shutdownTimeout time.Duration
}

// NewVFS opens (or creates) a VFS rooted at baseDir.
func NewVFS(ctx context.Context, baseDir string, opts ...Option) (*VFS, error) {
	o := resolveOptions(opts...)

	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("vfs: telemetry: %w", err)
	}
	builder := resourcestore.NewBuilder(resourcestore.NewLocalEngine())

	router, err := pathrouter.New(pathrouter.Config{
		BaseDir:               baseDir,
		MaxOpenPaths:          o.maxOpenPaths,
		Builder:               builder,
		Clock:                 clockAdapter{o.clock},
		Jobs:                  jobTrackerAdapter{o.jobTracker},
		Permissions:           permissionsFinderAdapter{o.permissionsFinder},
		QuiescenceTimeout:     o.quiescenceTimeout,
		ProjectionReadTimeout: o.projectionReadTimeout,
		SliceIngestTimeout:    o.sliceIngestTimeout,
		Metrics:               metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("vfs: new router: %w", err)
	}

	v := &VFS{router: router, builder: builder, metrics: metrics, shutdownTimeout: o.shutdownTimeout}
	v.async = asyncwriter.New(ctx, o.asyncBatchMaxAge, o.asyncBatchMaxSize, v.flushAsyncBatch)
	return v, nil
}

// flushAsyncBatch is the asyncwriter.FlushFunc backing WriteAll: it
// reassembles the buffered pathrouter.IngestItems and forwards them to the
// router in one IngestData call, logging (never returning) failures.
func (v *VFS) flushAsyncBatch(ctx context.Context, items []any) {
	batch := make([]pathrouter.IngestItem, 0, len(items))
	for _, it := range items {
		item, ok := it.(pathrouter.IngestItem)
		if !ok {
			continue
		}
		batch = append(batch, item)
	}
	if _, err := v.router.IngestData(ctx, batch); err != nil {
		klog.Warningf("vfs: async WriteAll batch failed and was swallowed: %v", err)
	}
}

// Close releases the VFS's resources: the async writer is drained, every
// live PathManager is closed, and the telemetry pipeline is shut down.
func (v *VFS) Close(ctx context.Context) error {
	if err := v.async.Close(ctx); err != nil {
		klog.Warningf("vfs: close async writer: %v", err)
	}
	sctx, cancel := context.WithTimeout(ctx, v.shutdownTimeout)
	defer cancel()
	if err := v.router.Shutdown(sctx); err != nil {
		return err
	}
	return v.metrics.Shutdown(ctx)
}

// RecentLatencyAverage reports the moving average of recent ingest
// latencies in seconds, for cheap health-check reporting.
func (v *VFS) RecentLatencyAverage() float64 {
	return v.metrics.RecentLatencyAverage()
}

// permissionsFinderAdapter bridges the public PermissionsFinder to
// pathrouter's equivalent, translating the WritePermission shape.
type permissionsFinderAdapter struct {
	finder PermissionsFinder
}

func (a permissionsFinderAdapter) FindPermissions(ctx context.Context, apiKey string) ([]pathmanager.WritePermission, error) {
	perms, err := a.finder.FindPermissions(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	out := make([]pathmanager.WritePermission, len(perms))
	for i, p := range perms {
		out[i] = pathmanager.WritePermission{PathSegments: p.Path.Segments(), Authorities: []string(p.Authorities)}
	}
	return out, nil
}

// jobTrackerAdapter bridges the public JobTracker to pathmanager.JobTracker.
type jobTrackerAdapter struct {
	tracker JobTracker
}

func (a jobTrackerAdapter) JobUpdated(ctx context.Context, jobID string, pathSegments []string, status string) error {
	return a.tracker.JobUpdated(ctx, jobID, PathOf(pathSegments...), status)
}

// clockAdapter bridges the public Clock to pathmanager.Clock.
type clockAdapter struct{ c Clock }

func (a clockAdapter) Now() time.Time { return a.c.Now() }

// WriteAll submits data for ingestion and returns as soon as it is
// buffered, without waiting for any path's result. Submissions are
// coalesced by the VFS's async writer and flushed to the router in
// batches; failures are only visible through the ambient telemetry or a
// subsequent WriteAllSync call for the same path.
func (v *VFS) WriteAll(data []OffsetMessage) {
	for _, item := range toIngestItems(data) {
		v.async.Add(item)
	}
}

// WriteAllSync submits data for ingestion and waits for every path's
// result. It returns one WriteResult per input message, in input order,
// and a CompoundError aggregating every failure - not just the first one
// encountered.
func (v *VFS) WriteAllSync(ctx context.Context, data []OffsetMessage) ([]WriteResult, error) {
	items := toIngestItems(data)
	results, err := v.router.IngestData(ctx, items)
	if err != nil {
		return nil, IOError(RootPath, err)
	}
	// results follow the offset order toIngestItems sorted items into; map
	// each one back to its input position with the same stable sort.
	order := make([]int, len(data))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return data[order[a]].Offset < data[order[b]].Offset })
	out := make([]WriteResult, len(data))
	var errs []error
	for k, res := range results {
		i := order[k]
		path := data[i].Message.Path()
		if res.Success {
			out[i] = UpdateSuccess(path)
			continue
		}
		rerr := toResourceError(path, res.Err)
		out[i] = PathOpFailure(path, rerr)
		errs = append(errs, rerr)
	}
	return out, newCompoundError(errs...)
}

func toIngestItems(data []OffsetMessage) []pathrouter.IngestItem {
	sorted := make([]OffsetMessage, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	items := make([]pathrouter.IngestItem, len(sorted))
	for i, om := range sorted {
		path := om.Message.Path()
		apiKey, msg := toInternalMessage(om)
		items[i] = pathrouter.IngestItem{
			PathSegments: path.Segments(),
			APIKey:       apiKey,
			Message:      msg,
		}
	}
	return items
}

func toInternalMessage(om OffsetMessage) (string, pathmanager.OffsetMessage) {
	switch {
	case om.Message.Ingest != nil:
		m := om.Message.Ingest
		values := make([][]byte, len(m.Data))
		for i, val := range m.Data {
			values[i] = []byte(val)
		}
		return m.APIKey, pathmanager.OffsetMessage{
			Offset: uint64(om.Offset),
			Ingest: &pathmanager.IngestMessage{
				APIKey:    m.APIKey,
				WriteAs:   []string(m.WriteAs),
				Data:      values,
				JobID:     m.JobID,
				StreamRef: toInternalStreamRef(m.StreamRef),
			},
		}
	case om.Message.StoreFile != nil:
		m := om.Message.StoreFile
		return m.APIKey, pathmanager.OffsetMessage{
			Offset: uint64(om.Offset),
			StoreFile: &pathmanager.StoreFileMessage{
				APIKey:    m.APIKey,
				WriteAs:   []string(m.WriteAs),
				MimeType:  m.Content.MimeType,
				Content:   m.Content.Bytes,
				JobID:     m.JobID,
				StreamRef: toInternalStreamRef(m.StreamRef),
			},
		}
	case om.Message.Archive != nil:
		m := om.Message.Archive
		return m.APIKey, pathmanager.OffsetMessage{
			Offset:  uint64(om.Offset),
			Archive: &pathmanager.ArchiveMessage{APIKey: m.APIKey, JobID: m.JobID, Timestamp: m.Timestamp},
		}
	default:
		return "", pathmanager.OffsetMessage{Offset: uint64(om.Offset)}
	}
}

func toInternalStreamRef(s StreamRef) pathmanager.StreamRef {
	var kind pathmanager.StreamKind
	switch s.Kind {
	case StreamCreate:
		kind = pathmanager.StreamCreate
	case StreamReplace:
		kind = pathmanager.StreamReplace
	default:
		kind = pathmanager.StreamAppend
	}
	return pathmanager.StreamRef{Kind: kind, StreamID: [16]byte(uuid.UUID(s.StreamID)), Terminal: s.Terminal}
}

func toResourceError(path Path, err error) error {
	if err == nil {
		return nil
	}
	pmErr, ok := err.(*pathmanager.Error)
	if !ok {
		return IOError(path, err)
	}
	switch pmErr.Kind {
	case pathmanager.KindNotFound:
		return NotFound(path)
	case pathmanager.KindCorrupt:
		return Corrupt(path, pmErr.Unwrap())
	case pathmanager.KindIllegalWriteRequest:
		reason := "illegal write request"
		if u := pmErr.Unwrap(); u != nil {
			reason = u.Error()
		}
		return IllegalWriteRequest(path, reason)
	case pathmanager.KindPermissionDenied:
		return PermissionDenied(path)
	case pathmanager.KindExtractorError:
		return ExtractorError(path, pmErr.Unwrap())
	case pathmanager.KindConflict:
		return Conflict(path, pmErr.Unwrap())
	default:
		return IOError(path, pmErr.Unwrap())
	}
}

// VersionSelector chooses between a path's current head and a specific
// archived version.
type VersionSelector struct {
	archived bool
	id       VersionID
}

// CurrentVersionSelector resolves to the path's current head.
func CurrentVersionSelector() VersionSelector { return VersionSelector{} }

// ArchivedVersionSelector resolves to a specific, possibly non-head, version.
func ArchivedVersionSelector(id VersionID) VersionSelector {
	return VersionSelector{archived: true, id: id}
}

// ReadResource resolves path to its current or an archived Resource.
func (v *VFS) ReadResource(ctx context.Context, path Path, version VersionSelector) (Resource, error) {
	rr := pathmanager.ReadRequest{}
	if version.archived {
		rr = pathmanager.ReadRequest{Archived: true, ArchiveID: [16]byte(uuid.UUID(version.id))}
	}
	h, err := v.router.Read(ctx, path.Segments(), rr)
	if err != nil {
		return Resource{}, toResourceError(path, err)
	}
	return v.toResource(path, h), nil
}

func (v *VFS) toResource(path Path, h pathmanager.ResourceHandle) Resource {
	if h.Kind == pathmanager.ResourceProjection {
		return Resource{Projection: &projectionAdapter{path: path, store: h.Projection}}
	}
	return Resource{Blob: &blobAdapter{path: path, builder: v.builder, dir: h.BlobDir, meta: h.BlobMeta}}
}

// FindDirectChildren lists path's immediate children without materializing
// their PathManagers.
func (v *VFS) FindDirectChildren(ctx context.Context, path Path) ([]PathMetadata, error) {
	children, err := v.router.FindChildren(path.Segments())
	if err != nil {
		return nil, toResourceError(path, err)
	}
	out := make([]PathMetadata, len(children))
	for i, c := range children {
		out[i] = PathMetadata{Path: PathOf(c.PathSegments...), DirectChild: true}
	}
	return out, nil
}

// FindPathMetadata returns path's current metadata.
func (v *VFS) FindPathMetadata(ctx context.Context, path Path) (PathMetadata, error) {
	md, err := v.router.FindPathMetadata(ctx, path.Segments())
	if err != nil {
		return PathMetadata{}, toResourceError(path, err)
	}
	out := PathMetadata{Path: path, HasChildren: md.HasChildren, ChildrenCount: md.ChildrenCount}
	if md.Head != nil {
		entry := toPublicVersionEntry(*md.Head)
		out.Head = &entry
	}
	return out, nil
}

// CurrentVersion returns path's current head entry, if any.
func (v *VFS) CurrentVersion(ctx context.Context, path Path) (VersionEntry, bool, error) {
	e, ok, err := v.router.CurrentVersion(ctx, path.Segments())
	if err != nil {
		return VersionEntry{}, false, toResourceError(path, err)
	}
	if !ok {
		return VersionEntry{}, false, nil
	}
	return toPublicVersionEntry(e), true, nil
}

func toPublicVersionEntry(e pathmanager.VersionEntry) VersionEntry {
	rt := ResourceBlob
	if e.TypeName == "projection" {
		rt = ResourceProjection
	}
	return VersionEntry{ID: VersionID(e.ID), Type: rt, Timestamp: e.Timestamp}
}

// projectionAdapter adapts an internal resourcestore.ProjectionStore to the
// public ProjectionResource interface.
type projectionAdapter struct {
	path  Path
	store resourcestore.ProjectionStore
}

func (p *projectionAdapter) Append(ctx context.Context, values []Value) error {
	raw := make([][]byte, len(values))
	for i, val := range values {
		raw[i] = []byte(val)
	}
	if err := p.store.Append(ctx, raw); err != nil {
		return IOError(p.path, err)
	}
	return nil
}

func (p *projectionAdapter) Close(ctx context.Context) error {
	if err := p.store.Close(ctx); err != nil {
		return IOError(p.path, err)
	}
	return nil
}

func (p *projectionAdapter) Cursor(ctx context.Context) (ValueCursor, error) {
	c, err := p.store.NewCursor(ctx)
	if err != nil {
		return nil, IOError(p.path, err)
	}
	return &valueCursorAdapter{cursor: c}, nil
}

type valueCursorAdapter struct {
	cursor resourcestore.Cursor
}

func (c *valueCursorAdapter) Next(ctx context.Context) bool { return c.cursor.Next(ctx) }
func (c *valueCursorAdapter) Value() Value                  { return Value(c.cursor.Value()) }
func (c *valueCursorAdapter) Err() error                    { return c.cursor.Err() }
func (c *valueCursorAdapter) Close() error                  { return c.cursor.Close() }

// blobAdapter adapts an internal blob directory and metadata to the public
// BlobResource interface, opening the data file lazily on Open.
type blobAdapter struct {
	path    Path
	builder *resourcestore.Builder
	dir     string
	meta    resourcestore.BlobMetadata
}

func (b *blobAdapter) Open(context.Context) (io.ReadCloser, error) {
	r, err := b.builder.OpenBlobData(b.dir)
	if err != nil {
		return nil, IOError(b.path, err)
	}
	return r, nil
}

func (b *blobAdapter) Metadata(context.Context) (BlobMetadata, error) {
	return BlobMetadata{MimeType: b.meta.MimeType, Size: b.meta.Size, Written: b.meta.Created}, nil
}
