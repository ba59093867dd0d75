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

package pathmanager

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/nihdb/vfs/internal/resourcestore"
	"github.com/nihdb/vfs/internal/versionlog"
)

// ScriptMimeType is the content type that, when created as a terminal blob,
// triggers a best-effort archive of the path's companion ".cached" sibling.
const ScriptMimeType = "application/x-script"

// ReadRequest selects which version of the manager's path to resolve.
type ReadRequest struct {
	Archived  bool
	ArchiveID [16]byte
}

type requestKind int

const (
	reqIngest requestKind = iota
	reqRead
	reqCurrentVersion
	reqQuiesce
	reqShutdown
)

type request struct {
	kind  requestKind
	read  ReadRequest
	batch ingestBatch
	reply chan any
}

type ingestBatch struct {
	messages []OffsetMessage
	perms    map[string][]WritePermission
}

// Manager is the single-writer authority for one path. All public methods
// enqueue a request onto its mailbox and block for the reply; the
// processing goroutine is the only thing that ever touches the VersionLog
// or open resources.
type Manager struct {
	dir     string
	log     *versionlog.Log
	builder *resourcestore.Builder
	clock   Clock
	jobs    JobTracker
	notify  ArchiveNotifier

	pathSegments []string

	mailbox chan request
	done    chan struct{}

	openProjections map[[16]byte]resourcestore.ProjectionStore

	quiescenceTimeout time.Duration
}

// New opens dir's VersionLog (creating it if absent) and starts the
// manager's processing goroutine.
func New(dir string, pathSegments []string, builder *resourcestore.Builder, clock Clock, jobs JobTracker, notify ArchiveNotifier, quiescenceTimeout time.Duration) (*Manager, error) {
	log, err := versionlog.Open(dir)
	if err != nil {
		return nil, newError(KindIOError, err)
	}
	m := &Manager{
		dir:               dir,
		log:               log,
		builder:           builder,
		clock:             clock,
		jobs:              jobs,
		notify:            notify,
		pathSegments:      pathSegments,
		mailbox:           make(chan request, 64),
		done:              make(chan struct{}),
		openProjections:   make(map[[16]byte]resourcestore.ProjectionStore),
		quiescenceTimeout: quiescenceTimeout,
	}
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	timer := time.NewTimer(m.quiescenceTimeout)
	defer timer.Stop()
	for {
		select {
		case req, ok := <-m.mailbox:
			if !ok {
				return
			}
			resetTimer(timer, m.quiescenceTimeout)
			m.dispatch(req)
			if req.kind == reqShutdown {
				return
			}
		case <-timer.C:
			m.quiesce(context.Background())
			timer.Reset(m.quiescenceTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Manager) dispatch(req request) {
	switch req.kind {
	case reqIngest:
		req.reply <- m.handleIngest(context.Background(), req.batch)
	case reqRead:
		h, err := m.handleRead(context.Background(), req.read)
		req.reply <- readReply{handle: h, err: err}
	case reqCurrentVersion:
		e, ok := m.log.Current()
		req.reply <- currentVersionReply{entry: toVersionEntry(e), ok: ok}
	case reqQuiesce:
		m.quiesce(context.Background())
	case reqShutdown:
		req.reply <- m.shutdown(context.Background())
	}
}

type readReply struct {
	handle ResourceHandle
	err    error
}

type currentVersionReply struct {
	entry VersionEntry
	ok    bool
}

func toVersionEntry(e versionlog.Entry) VersionEntry {
	return VersionEntry{ID: e.ID, TypeName: e.TypeName, Timestamp: e.Timestamp}
}

// Ingest submits a batch of messages destined for this path and blocks for
// one WriteResult per message, in order.
func (m *Manager) Ingest(ctx context.Context, messages []OffsetMessage, perms map[string][]WritePermission) ([]WriteResult, error) {
	reply := make(chan any, 1)
	select {
	case m.mailbox <- request{kind: reqIngest, batch: ingestBatch{messages: messages, perms: perms}, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.([]WriteResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read resolves the manager's current or an archived version into a ResourceHandle.
func (m *Manager) Read(ctx context.Context, rr ReadRequest) (ResourceHandle, error) {
	reply := make(chan any, 1)
	select {
	case m.mailbox <- request{kind: reqRead, read: rr, reply: reply}:
	case <-ctx.Done():
		return ResourceHandle{}, ctx.Err()
	}
	select {
	case r := <-reply:
		rep := r.(readReply)
		return rep.handle, rep.err
	case <-ctx.Done():
		return ResourceHandle{}, ctx.Err()
	}
}

// CurrentVersion returns the manager's current head entry, if any.
func (m *Manager) CurrentVersion(ctx context.Context) (VersionEntry, bool, error) {
	reply := make(chan any, 1)
	select {
	case m.mailbox <- request{kind: reqCurrentVersion, reply: reply}:
	case <-ctx.Done():
		return VersionEntry{}, false, ctx.Err()
	}
	select {
	case r := <-reply:
		rep := r.(currentVersionReply)
		return rep.entry, rep.ok, nil
	case <-ctx.Done():
		return VersionEntry{}, false, ctx.Err()
	}
}

// Quiesce asynchronously signals the manager to flush its open projections.
// It does not wait for the flush to complete.
func (m *Manager) Quiesce() {
	select {
	case m.mailbox <- request{kind: reqQuiesce}:
	default:
		// mailbox full; a pending message will itself reset the idle timer
		// and quiescence will happen on the next natural lull.
	}
}

// Shutdown closes every open resource and the version log, within timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	reply := make(chan any, 1)
	select {
	case m.mailbox <- request{kind: reqShutdown, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-reply:
		if r == nil {
			return nil
		}
		return r.(error)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) quiesce(ctx context.Context) {
	for id, p := range m.openProjections {
		if err := p.Quiesce(ctx); err != nil {
			klog.Warningf("pathmanager %q: quiesce version %x: %v", m.dir, id, err)
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) error {
	var firstErr error
	for id, p := range m.openProjections {
		if err := p.Close(ctx); err != nil {
			klog.Warningf("pathmanager %q: close version %x: %v", m.dir, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := m.log.Close(); err != nil {
		klog.Warningf("pathmanager %q: close version log: %v", m.dir, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) versionDir(id [16]byte) string {
	return filepath.Join(m.dir, "versions", uuid.UUID(id).String())
}

func (m *Manager) handleIngest(ctx context.Context, batch ingestBatch) []WriteResult {
	results := make([]WriteResult, len(batch.messages))
	for i, msg := range batch.messages {
		results[i] = m.handleOne(ctx, msg, batch.perms)
	}
	return results
}

func canCreate(pathSegments []string, perms []WritePermission, writeAs []string) bool {
	for _, p := range perms {
		if !hasPrefix(pathSegments, p.PathSegments) {
			continue
		}
		if grantsAuthorities(p.Authorities, writeAs) {
			return true
		}
	}
	return false
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, s := range prefix {
		if path[i] != s {
			return false
		}
	}
	return true
}

// grantsAuthorities reports whether a permission listing have as its granted
// authorities covers every authority in want. A permission with no
// Authorities of its own is a wildcard: it covers any authority, matching
// the documented "no PermissionsFinder configured" default of allowing
// every write.
func grantsAuthorities(have, want []string) bool {
	if len(have) == 0 {
		return true
	}
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
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

func (m *Manager) handleOne(ctx context.Context, msg OffsetMessage, perms map[string][]WritePermission) WriteResult {
	switch {
	case msg.Ingest != nil:
		return m.handleIngestMessage(ctx, msg.Ingest, perms[msg.Ingest.APIKey])
	case msg.StoreFile != nil:
		return m.handleStoreFileMessage(ctx, msg.StoreFile, perms[msg.StoreFile.APIKey])
	case msg.Archive != nil:
		return m.handleArchiveMessage(ctx, msg.Archive)
	default:
		return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("empty event message"))}
	}
}

func (m *Manager) handleArchiveMessage(ctx context.Context, msg *ArchiveMessage) WriteResult {
	if err := m.log.ClearHead(); err != nil {
		return WriteResult{Success: false, Err: newError(KindIOError, err)}
	}
	if msg.JobID != "" && m.jobs != nil {
		if err := m.jobs.JobUpdated(ctx, msg.JobID, m.pathSegments, "archived"); err != nil {
			klog.Warningf("pathmanager %q: job update: %v", m.dir, err)
		}
	}
	return WriteResult{Success: true}
}

// handleIngestMessage applies one IngestMessage. Ordering within a batch is
// the caller's responsibility (messages must already be sorted by offset);
// this method trusts call order.
func (m *Manager) handleIngestMessage(ctx context.Context, msg *IngestMessage, perms []WritePermission) WriteResult {
	switch msg.StreamRef.Kind {
	case StreamCreate:
		createIfAbsent := !m.hasCurrent() && !m.log.IsCompleted(msg.StreamRef.StreamID)
		return m.persistProjection(ctx, createIfAbsent, msg.StreamRef.StreamID, msg.StreamRef.Terminal, msg.WriteAs, msg.Data, msg.JobID)
	case StreamReplace:
		createIfAbsent := !m.log.IsCompleted(msg.StreamRef.StreamID)
		return m.persistProjection(ctx, createIfAbsent, msg.StreamRef.StreamID, msg.StreamRef.Terminal, msg.WriteAs, msg.Data, msg.JobID)
	case StreamAppend:
		var sid [16]byte
		fresh := false
		if cur, ok := m.log.Current(); ok {
			sid = cur.ID
		} else {
			sid = uuid.New()
			fresh = true
		}
		if fresh && !canCreate(m.pathSegments, perms, msg.WriteAs) {
			return WriteResult{Success: false, Err: newError(KindPermissionDenied, fmt.Errorf("not permitted to create a version under this path for %v", msg.WriteAs))}
		}
		res := m.persistProjection(ctx, true, sid, false, msg.WriteAs, msg.Data, msg.JobID)
		if !res.Success {
			return res
		}
		if err := m.log.CompleteVersion(sid); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
		if err := m.log.SetHead(sid); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
		return WriteResult{Success: true}
	default:
		return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("unknown stream kind"))}
	}
}

func (m *Manager) hasCurrent() bool {
	_, ok := m.log.Current()
	return ok
}

func (m *Manager) persistProjection(ctx context.Context, createIfAbsent bool, sid [16]byte, terminal bool, writeAs []string, data [][]byte, jobID string) WriteResult {
	if _, found := m.log.Find(sid); found {
		store, err := m.openProjection(ctx, sid)
		if err != nil {
			return WriteResult{Success: false, Err: err}
		}
		if err := store.Append(ctx, data); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
		if terminal {
			if err := m.log.CompleteVersion(sid); err != nil {
				return WriteResult{Success: false, Err: newError(KindIOError, err)}
			}
			if err := m.log.SetHead(sid); err != nil {
				return WriteResult{Success: false, Err: newError(KindIOError, err)}
			}
		}
		m.trackJob(ctx, jobID, "updated")
		return WriteResult{Success: true}
	}
	if createIfAbsent {
		return m.performCreateProjection(ctx, sid, writeAs, terminal, data, jobID)
	}
	return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("version %x absent and createIfAbsent=false", sid))}
}

func (m *Manager) performCreateProjection(ctx context.Context, sid [16]byte, writeAs []string, terminal bool, seed [][]byte, jobID string) WriteResult {
	if err := m.log.AddVersion(sid, "projection", m.clock.Now()); err != nil {
		return WriteResult{Success: false, Err: newError(KindConflict, err)}
	}
	dir := m.versionDir(sid)
	store, err := m.builder.CreateProjection(ctx, dir, writeAs)
	if err != nil {
		return WriteResult{Success: false, Err: newError(KindIOError, err)}
	}
	if len(seed) > 0 {
		if err := store.Append(ctx, seed); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
	}
	m.openProjections[sid] = store
	if terminal {
		if err := m.log.CompleteVersion(sid); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
		if err := m.log.SetHead(sid); err != nil {
			return WriteResult{Success: false, Err: newError(KindIOError, err)}
		}
	}
	m.trackJob(ctx, jobID, "created")
	return WriteResult{Success: true}
}

func (m *Manager) handleStoreFileMessage(ctx context.Context, msg *StoreFileMessage, perms []WritePermission) WriteResult {
	switch msg.StreamRef.Kind {
	case StreamCreate:
		createIfAbsent := !m.hasCurrent() && !m.log.IsCompleted(msg.StreamRef.StreamID)
		return m.persistBlob(ctx, createIfAbsent, msg)
	case StreamReplace:
		createIfAbsent := !m.log.IsCompleted(msg.StreamRef.StreamID)
		return m.persistBlob(ctx, createIfAbsent, msg)
	case StreamAppend:
		return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("append is not supported for blobs"))}
	default:
		return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("unknown stream kind"))}
	}
}

// persistBlob only supports the createIfAbsent path: blobs are written
// whole, so a message whose createIfAbsent resolved to false (a Create on a
// path that already has a head, or a Create/Replace naming an already
// completed version) is rejected with KindIllegalWriteRequest.
func (m *Manager) persistBlob(ctx context.Context, createIfAbsent bool, msg *StoreFileMessage) WriteResult {
	if !createIfAbsent {
		return WriteResult{Success: false, Err: newError(KindIllegalWriteRequest, fmt.Errorf("blob version %x already completed", msg.StreamRef.StreamID))}
	}
	sid := msg.StreamRef.StreamID
	if err := m.log.AddVersion(sid, "blob", m.clock.Now()); err != nil {
		return WriteResult{Success: false, Err: newError(KindConflict, err)}
	}
	dir := m.versionDir(sid)
	meta, err := m.builder.CreateBlob(ctx, dir, msg.MimeType, msg.WriteAs, bytes.NewReader(msg.Content), m.clock.Now())
	if err != nil {
		return WriteResult{Success: false, Err: newError(KindIOError, err)}
	}
	if !msg.StreamRef.Terminal {
		klog.Warningf("pathmanager %q: accepted non-terminal blob create for %x; no continuation protocol exists, stream is logged as-is", m.dir, sid)
		m.trackJob(ctx, msg.JobID, "created")
		return WriteResult{Success: true}
	}
	if err := m.log.CompleteVersion(sid); err != nil {
		return WriteResult{Success: false, Err: newError(KindIOError, err)}
	}
	if err := m.log.SetHead(sid); err != nil {
		return WriteResult{Success: false, Err: newError(KindIOError, err)}
	}
	m.maybeInvalidateCache(meta)
	m.trackJob(ctx, msg.JobID, "created")
	return WriteResult{Success: true}
}

// maybeInvalidateCache fires an Archive notification at the path's
// companion ".cached" sibling when a terminal script blob is created. This
// is a side-effect only: errors and slow delivery are not observed by the
// caller of persistBlob.
func (m *Manager) maybeInvalidateCache(meta resourcestore.BlobMetadata) {
	if meta.MimeType != ScriptMimeType || m.notify == nil {
		return
	}
	cached := append(append([]string{}, m.pathSegments...), ".cached")
	m.notify.NotifyArchive(cached)
}

func (m *Manager) trackJob(ctx context.Context, jobID, status string) {
	if jobID == "" || m.jobs == nil {
		return
	}
	if err := m.jobs.JobUpdated(ctx, jobID, m.pathSegments, status); err != nil {
		klog.Warningf("pathmanager %q: job update: %v", m.dir, err)
	}
}

func (m *Manager) openProjection(ctx context.Context, sid [16]byte) (resourcestore.ProjectionStore, *Error) {
	if store, ok := m.openProjections[sid]; ok {
		return store, nil
	}
	if _, found := m.log.Find(sid); !found {
		return nil, newError(KindCorrupt, fmt.Errorf("version %x not in log", sid))
	}
	dir := m.versionDir(sid)
	if !m.builder.IsProjection(dir) {
		return nil, newError(KindCorrupt, fmt.Errorf("version %x directory %q missing projection marker", sid, dir))
	}
	store, err := m.builder.OpenProjection(ctx, dir)
	if err != nil {
		return nil, newError(KindIOError, err)
	}
	m.openProjections[sid] = store
	return store, nil
}

func (m *Manager) handleRead(ctx context.Context, rr ReadRequest) (ResourceHandle, error) {
	var sid [16]byte
	if rr.Archived {
		sid = rr.ArchiveID
		if _, found := m.log.Find(sid); !found {
			return ResourceHandle{}, newError(KindNotFound, fmt.Errorf("version %x not found", sid))
		}
	} else {
		cur, ok := m.log.Current()
		if !ok {
			return ResourceHandle{}, newError(KindNotFound, fmt.Errorf("path has no current version"))
		}
		sid = cur.ID
	}
	return m.openResource(ctx, sid)
}

func (m *Manager) openResource(ctx context.Context, sid [16]byte) (ResourceHandle, error) {
	dir := m.versionDir(sid)
	switch {
	case m.builder.IsBlob(dir):
		meta, err := m.builder.OpenBlob(dir)
		if err != nil {
			return ResourceHandle{}, newError(KindExtractorError, err)
		}
		return ResourceHandle{Kind: ResourceBlob, BlobDir: dir, BlobMeta: meta}, nil
	case m.builder.IsProjection(dir):
		store, mErr := m.openProjection(ctx, sid)
		if mErr != nil {
			return ResourceHandle{}, mErr
		}
		return ResourceHandle{Kind: ResourceProjection, Projection: store}, nil
	default:
		return ResourceHandle{}, newError(KindCorrupt, fmt.Errorf("version %x directory %q has no resource marker", sid, dir))
	}
}

// Dir returns the path's on-disk directory, for diagnostics.
func (m *Manager) Dir() string { return m.dir }
