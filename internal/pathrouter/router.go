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

package pathrouter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/nihdb/vfs/internal/pathmanager"
	"github.com/nihdb/vfs/internal/pathutils"
	"github.com/nihdb/vfs/internal/resourcestore"
	"github.com/nihdb/vfs/internal/telemetry"
)

// Router owns the bounded set of live PathManagers and the base directory
// they're rooted under. Its only shared mutable state - the manager map and
// the LRU - is guarded by mu; everything else it does is either read-only
// directory inspection or delegation to a manager's own mailbox.
type Router struct {
	mu       sync.Mutex
	baseDir  string
	managers map[string]*pathmanager.Manager
	lru      *lru.Cache[string, struct{}]

	builder               *resourcestore.Builder
	clock                 pathmanager.Clock
	jobs                  pathmanager.JobTracker
	permissions           PermissionsFinder
	quiescenceTimeout     time.Duration
	projectionReadTimeout time.Duration
	sliceIngestTimeout    time.Duration
	metrics               *telemetry.Recorder
}

// Config collects the Router's construction-time dependencies.
type Config struct {
	BaseDir               string
	MaxOpenPaths          int
	Builder               *resourcestore.Builder
	Clock                 pathmanager.Clock
	Jobs                  pathmanager.JobTracker
	Permissions           PermissionsFinder
	QuiescenceTimeout     time.Duration
	ProjectionReadTimeout time.Duration
	SliceIngestTimeout    time.Duration
	Metrics               *telemetry.Recorder // nil is valid; every Recorder method no-ops on a nil receiver
}

// New constructs a Router. The manager LRU is sized cfg.MaxOpenPaths;
// eviction quiesces (does not kill) the evicted manager.
func New(cfg Config) (*Router, error) {
	r := &Router{
		baseDir:               cfg.BaseDir,
		managers:              make(map[string]*pathmanager.Manager),
		builder:               cfg.Builder,
		clock:                 cfg.Clock,
		jobs:                  cfg.Jobs,
		permissions:           cfg.Permissions,
		quiescenceTimeout:     cfg.QuiescenceTimeout,
		projectionReadTimeout: cfg.ProjectionReadTimeout,
		sliceIngestTimeout:    cfg.SliceIngestTimeout,
		metrics:               cfg.Metrics,
	}
	cache, err := lru.NewWithEvict[string, struct{}](cfg.MaxOpenPaths, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("pathrouter: new LRU: %w", err)
	}
	r.lru = cache
	return r, nil
}

// onEvict is called by the LRU, under r.mu, whenever a path falls out of
// the bounded live set. It sends the manager a quiesce signal; the manager
// keeps running until the embedding process shuts the whole VFS down.
func (r *Router) onEvict(key string, _ struct{}) {
	if m, ok := r.managers[key]; ok {
		m.Quiesce()
		r.metrics.RecordEviction(context.Background())
	}
}

func pathKey(segments []string) string {
	return strings.Join(segments, "/")
}

func (r *Router) getOrCreateManager(segments []string) (*pathmanager.Manager, error) {
	key := pathKey(segments)

	r.mu.Lock()
	if m, ok := r.managers[key]; ok {
		r.lru.Add(key, struct{}{})
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	dir := pathutils.PathDir(r.baseDir, segments)
	m, err := pathmanager.New(dir, segments, r.builder, r.clock, r.jobs, r, r.quiescenceTimeout)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.managers[key]; ok {
		// Lost a race with a concurrent caller; discard our manager's log
		// handle in favor of the one already registered.
		go func() { _ = m.Shutdown(context.Background()) }()
		r.lru.Add(key, struct{}{})
		return existing, nil
	}
	r.managers[key] = m
	r.lru.Add(key, struct{}{})
	return m, nil
}

// FindChildren lists the immediate children of segments without
// materializing any PathManager. Each child's PathSegments are relative to
// segments: the requested prefix is stripped, leaving the child's own name.
func (r *Router) FindChildren(segments []string) ([]PathMetadata, error) {
	children, err := pathutils.FindChildren(r.baseDir, segments)
	if err != nil {
		return nil, fmt.Errorf("pathrouter: find children: %w", err)
	}
	out := make([]PathMetadata, 0, len(children))
	for _, c := range children {
		out = append(out, PathMetadata{
			PathSegments: []string{c.Segment},
			IsBlob:       c.IsBlob,
			IsProjection: c.IsProj,
		})
	}
	return out, nil
}

// FindPathMetadata resolves a single node's metadata, materializing its
// manager if necessary. A path with no on-disk directory yields a
// KindNotFound error and no manager is created for it.
func (r *Router) FindPathMetadata(ctx context.Context, segments []string) (PathMetadata, error) {
	if _, err := os.Stat(pathutils.PathDir(r.baseDir, segments)); os.IsNotExist(err) {
		return PathMetadata{}, &pathmanager.Error{Kind: pathmanager.KindNotFound}
	}
	m, err := r.getOrCreateManager(segments)
	if err != nil {
		return PathMetadata{}, err
	}
	cur, ok, err := m.CurrentVersion(ctx)
	if err != nil {
		return PathMetadata{}, err
	}
	children, err := pathutils.FindChildren(r.baseDir, segments)
	if err != nil {
		return PathMetadata{}, err
	}
	md := PathMetadata{PathSegments: segments, HasChildren: len(children) > 0, ChildrenCount: len(children)}
	if ok {
		entry := cur
		md.Head = &entry
	}
	return md, nil
}

// Read resolves segments' current or an archived version.
func (r *Router) Read(ctx context.Context, segments []string, rr pathmanager.ReadRequest) (pathmanager.ResourceHandle, error) {
	m, err := r.getOrCreateManager(segments)
	if err != nil {
		return pathmanager.ResourceHandle{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.projectionReadTimeout)
	defer cancel()
	return m.Read(ctx, rr)
}

// CurrentVersion resolves segments' current head, if any.
func (r *Router) CurrentVersion(ctx context.Context, segments []string) (pathmanager.VersionEntry, bool, error) {
	m, err := r.getOrCreateManager(segments)
	if err != nil {
		return pathmanager.VersionEntry{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.projectionReadTimeout)
	defer cancel()
	return m.CurrentVersion(ctx)
}

// IngestData groups items by path, resolves permissions for the distinct
// API keys present in the batch with a single FindPermissions call per key,
// and delivers each path's messages to its manager concurrently. The
// returned slice has one WriteResult-shaped entry per input item, in the
// same order items was given.
func (r *Router) IngestData(ctx context.Context, items []IngestItem) ([]pathmanager.WriteResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	perms, err := r.resolvePermissions(ctx, items)
	if err != nil {
		return nil, err
	}

	type group struct {
		segments []string
		indices  []int
		messages []pathmanager.OffsetMessage
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for i, item := range items {
		key := pathKey(item.PathSegments)
		g, ok := groups[key]
		if !ok {
			g = &group{segments: item.PathSegments}
			groups[key] = g
			order = append(order, key)
		}
		g.indices = append(g.indices, i)
		g.messages = append(g.messages, item.Message)
	}

	results := make([]pathmanager.WriteResult, len(items))
	var eg errgroup.Group
	for _, key := range order {
		g := groups[key]
		eg.Go(func() error {
			m, err := r.getOrCreateManager(g.segments)
			if err != nil {
				for _, idx := range g.indices {
					results[idx] = pathmanager.WriteResult{Success: false, Err: err}
				}
				return nil
			}
			ictx, cancel := context.WithTimeout(ctx, r.sliceIngestTimeout)
			defer cancel()
			start := time.Now()
			groupResults, err := m.Ingest(ictx, g.messages, perms)
			r.metrics.RecordIngest(ctx, pathKey(g.segments), time.Since(start).Seconds(), err != nil)
			if err != nil {
				for _, idx := range g.indices {
					results[idx] = pathmanager.WriteResult{Success: false, Err: err}
				}
				return nil
			}
			for j, idx := range g.indices {
				results[idx] = groupResults[j]
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results, nil
}

func (r *Router) resolvePermissions(ctx context.Context, items []IngestItem) (map[string][]pathmanager.WritePermission, error) {
	if r.permissions == nil {
		return nil, nil
	}
	keys := make(map[string]struct{})
	for _, it := range items {
		if it.APIKey != "" {
			keys[it.APIKey] = struct{}{}
		}
	}
	out := make(map[string][]pathmanager.WritePermission, len(keys))
	for k := range keys {
		perms, err := r.permissions.FindPermissions(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("pathrouter: resolve permissions for key: %w", err)
		}
		out[k] = perms
	}
	return out, nil
}

// NotifyArchive implements pathmanager.ArchiveNotifier: it best-effort
// delivers an Archive message to segments, retrying transient failures a
// few times and then logging and swallowing, since this is a
// cache-invalidation side effect and never observed by the original
// caller.
func (r *Router) NotifyArchive(segments []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.sliceIngestTimeout)
		defer cancel()
		err := retry.Do(
			func() error {
				results, err := r.IngestData(ctx, []IngestItem{{
					PathSegments: segments,
					Message:      pathmanager.OffsetMessage{Archive: &pathmanager.ArchiveMessage{}},
				}})
				if err != nil {
					return err
				}
				if len(results) == 1 && !results[0].Success {
					return results[0].Err
				}
				return nil
			},
			retry.Attempts(3),
			retry.Context(ctx),
		)
		if err != nil {
			klog.Warningf("pathrouter: cache invalidation for %q failed and was swallowed: %v", pathKey(segments), err)
		}
	}()
}

// Shutdown closes every live manager within timeout.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*pathmanager.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var eg errgroup.Group
	for _, m := range managers {
		eg.Go(func() error {
			if err := m.Shutdown(ctx); err != nil {
				klog.Warningf("pathrouter: shutdown manager %q: %v", m.Dir(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
