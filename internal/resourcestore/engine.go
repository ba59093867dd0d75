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

// Package resourcestore opens and creates the two kinds of resource a
// version directory can hold. The projection engine itself - batch
// compaction, columnar layout, block iteration - is treated as an opaque
// collaborator behind the ProjectionEngine interface; this package supplies
// only a default local-disk implementation of it.
package resourcestore

import "context"

// ProjectionStore is the opaque append-only columnar store behind one
// projection version. Implementations are free to buffer internally;
// Quiesce is the signal to flush that buffering without closing the store.
type ProjectionStore interface {
	Append(ctx context.Context, values [][]byte) error
	Close(ctx context.Context) error
	Quiesce(ctx context.Context) error
	NewCursor(ctx context.Context) (Cursor, error)
	RecordCount() int
}

// Cursor iterates the values held by a ProjectionStore, in insertion order.
type Cursor interface {
	Next(ctx context.Context) bool
	Value() []byte
	Err() error
	Close() error
}

// ProjectionEngine creates and reopens ProjectionStores rooted at a version
// directory. It is pluggable so that the default local-disk engine can be
// swapped for a real columnar store without touching PathManager.
type ProjectionEngine interface {
	Create(ctx context.Context, dir string) (ProjectionStore, error)
	Open(ctx context.Context, dir string) (ProjectionStore, error)
}
