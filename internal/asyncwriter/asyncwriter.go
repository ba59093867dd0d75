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

// Package asyncwriter buffers fire-and-forget submissions by size or age
// and flushes them in batches, so a burst of individual WriteAll callers
// doesn't turn into one goroutine and one router round-trip per call.
package asyncwriter

import (
	"context"
	"sync"
	"time"

	"github.com/globocom/go-buffer"
	"k8s.io/klog/v2"
)

// FlushFunc processes one flushed batch. Errors are the flush function's
// own responsibility to log; Writer has no error channel back to callers
// of Add, since the whole point is fire-and-forget submission.
type FlushFunc func(ctx context.Context, items []any)

// Writer accumulates items pushed by Add and flushes them to f whenever
// maxAge elapses since the oldest buffered item, or maxSize items have
// accumulated, whichever comes first.
type Writer struct {
	buf   *buffer.Buffer
	flush FlushFunc

	work chan []any
	done <-chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New starts a Writer backed by a background flush goroutine. The
// goroutine runs until Close is called.
func New(ctx context.Context, maxAge time.Duration, maxSize uint, f FlushFunc) *Writer {
	ctx, cancel := context.WithCancel(ctx)
	w := &Writer{
		flush: f,
		work:  make(chan []any, 1),
		done:  ctx.Done(),
	}

	// The underlying buffer blocks further Pushes during a flush callback,
	// so hand the flushed batch to a worker goroutine immediately and let
	// it do the (potentially slow) actual write.
	toWork := func(items []interface{}) {
		batch := make([]any, len(items))
		copy(batch, items)
		w.work <- batch
	}
	w.buf = buffer.New(
		buffer.WithSize(maxSize),
		buffer.WithFlushInterval(maxAge),
		buffer.WithFlusher(buffer.FlusherFunc(toWork)),
	)

	go func(ctx context.Context) {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case items, ok := <-w.work:
				if !ok {
					return
				}
				w.flush(ctx, items)
			}
		}
	}(ctx)
	return w
}

// Add enqueues item for a future flush. It never blocks on I/O.
func (w *Writer) Add(item any) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		klog.Warningf("asyncwriter: add called after close, dropping item")
		return
	}
	if err := w.buf.Push(item); err != nil {
		klog.Warningf("asyncwriter: push failed, dropping item: %v", err)
	}
}

// Close flushes any buffered items and stops the background goroutine,
// waiting for the final flush to complete.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.buf.Close(); err != nil {
		return err
	}
	close(w.work)
	<-w.done
	return nil
}
