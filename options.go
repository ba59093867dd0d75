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

import "time"

const (
	// DefaultMaxOpenPaths bounds the PathRouter's live-manager LRU.
	DefaultMaxOpenPaths = 4096
	// DefaultQuiescenceTimeout is how long a path may sit idle before its
	// open projections are flushed.
	DefaultQuiescenceTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds how long a manager is granted to close.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultProjectionReadTimeout bounds router-to-manager read/metadata requests.
	DefaultProjectionReadTimeout = 5 * time.Second
	// DefaultSliceIngestTimeout bounds router-to-manager write requests.
	DefaultSliceIngestTimeout = 30 * time.Second
	// DefaultAsyncBatchMaxAge bounds how long a WriteAll submission may sit
	// buffered before being flushed to the router.
	DefaultAsyncBatchMaxAge = 200 * time.Millisecond
	// DefaultAsyncBatchMaxSize bounds how many WriteAll items accumulate
	// before triggering an early flush.
	DefaultAsyncBatchMaxSize = 256
)

// options collects the VFS's tunables, resolved from functional Option values.
type options struct {
	maxOpenPaths          int
	quiescenceTimeout     time.Duration
	shutdownTimeout       time.Duration
	projectionReadTimeout time.Duration
	sliceIngestTimeout    time.Duration
	asyncBatchMaxAge      time.Duration
	asyncBatchMaxSize     uint
	permissionsFinder     PermissionsFinder
	jobTracker            JobTracker
	clock                 Clock
}

func defaultOptions() *options {
	return &options{
		maxOpenPaths:          DefaultMaxOpenPaths,
		quiescenceTimeout:     DefaultQuiescenceTimeout,
		shutdownTimeout:       DefaultShutdownTimeout,
		projectionReadTimeout: DefaultProjectionReadTimeout,
		sliceIngestTimeout:    DefaultSliceIngestTimeout,
		asyncBatchMaxAge:      DefaultAsyncBatchMaxAge,
		asyncBatchMaxSize:     DefaultAsyncBatchMaxSize,
		permissionsFinder:     allowAllPermissions{},
		jobTracker:            noopJobTracker{},
		clock:                 systemClock{},
	}
}

// Option configures a VFS instance at construction time.
type Option func(*options)

// WithMaxOpenPaths bounds how many PathManagers the router keeps live at once.
func WithMaxOpenPaths(n int) Option {
	return func(o *options) { o.maxOpenPaths = n }
}

// WithQuiescenceTimeout sets how long a path may be idle before its open
// projections are flushed.
func WithQuiescenceTimeout(d time.Duration) Option {
	return func(o *options) { o.quiescenceTimeout = d }
}

// WithShutdownTimeout bounds how long a manager is granted to close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithProjectionReadTimeout bounds router-to-manager read and metadata requests.
func WithProjectionReadTimeout(d time.Duration) Option {
	return func(o *options) { o.projectionReadTimeout = d }
}

// WithSliceIngestTimeout bounds router-to-manager write requests.
func WithSliceIngestTimeout(d time.Duration) Option {
	return func(o *options) { o.sliceIngestTimeout = d }
}

// WithAsyncBatchMaxAge bounds how long WriteAll submissions may sit
// buffered before being flushed to the router.
func WithAsyncBatchMaxAge(d time.Duration) Option {
	return func(o *options) { o.asyncBatchMaxAge = d }
}

// WithAsyncBatchMaxSize bounds how many WriteAll items accumulate before
// triggering an early flush, independent of asyncBatchMaxAge.
func WithAsyncBatchMaxSize(n uint) Option {
	return func(o *options) { o.asyncBatchMaxSize = n }
}

// WithPermissionsFinder supplies the pluggable permission lookup collaborator.
// Without it, every message carrying a non-empty API key is granted a
// wildcard permission on every path. Permissions are never looked up for an
// empty API key, so such a message has none, and an Append from it that
// would start a new version is denied.
func WithPermissionsFinder(f PermissionsFinder) Option {
	return func(o *options) { o.permissionsFinder = f }
}

// WithJobTracker supplies the pluggable job-progress collaborator. Without
// it, job updates are silently discarded.
func WithJobTracker(t JobTracker) Option {
	return func(o *options) { o.jobTracker = t }
}

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func resolveOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
