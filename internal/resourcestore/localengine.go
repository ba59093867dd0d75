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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// dataFileName holds the projection's values, each framed as a big-endian
// uint32 length prefix followed by the raw value bytes - the same framing
// idiom used for the path's version log.
const dataFileName = "projection.data"

// LocalEngine is the default ProjectionEngine: values are appended to a
// flat file on local disk, fsynced on every Append and on Quiesce, and
// re-read from the start on NewCursor.
type LocalEngine struct{}

// NewLocalEngine returns the default local-disk ProjectionEngine.
func NewLocalEngine() *LocalEngine { return &LocalEngine{} }

func (LocalEngine) Create(_ context.Context, dir string) (ProjectionStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("resourcestore: mkdir %q: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_CREATE|os.O_RDWR|os.O_EXCL, filePerm)
	if err != nil {
		return nil, fmt.Errorf("resourcestore: create %q: %w", dir, err)
	}
	return &localStore{f: f, dir: dir}, nil
}

func (LocalEngine) Open(_ context.Context, dir string) (ProjectionStore, error) {
	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("resourcestore: open %q: %w", dir, err)
	}
	count, err := countRecords(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("resourcestore: scan %q: %w", dir, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &localStore{f: f, dir: dir, count: count}, nil
}

type localStore struct {
	mu    sync.Mutex
	f     *os.File
	dir   string
	count int
}

func (s *localStore) Append(_ context.Context, values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if err := writeFramedValue(s.f, v); err != nil {
			return fmt.Errorf("resourcestore: append: %w", err)
		}
		s.count++
	}
	return s.f.Sync()
}

func (s *localStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Quiesce flushes any OS-buffered writes without closing the file handle,
// so a later reopen-on-demand doesn't need to redo work.
func (s *localStore) Quiesce(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

func (s *localStore) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *localStore) NewCursor(_ context.Context) (Cursor, error) {
	f, err := os.Open(filepath.Join(s.dir, dataFileName))
	if err != nil {
		return nil, err
	}
	return &localCursor{f: f}, nil
}

type localCursor struct {
	f   *os.File
	cur []byte
	err error
}

func (c *localCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	v, err := readFramedValue(c.f)
	if err == io.EOF {
		return false
	}
	if err != nil {
		c.err = err
		return false
	}
	c.cur = v
	return true
}

func (c *localCursor) Value() []byte { return c.cur }
func (c *localCursor) Err() error    { return c.err }
func (c *localCursor) Close() error  { return c.f.Close() }

func writeFramedValue(w io.Writer, v []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(v)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

func readFramedValue(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func countRecords(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	n := 0
	for {
		if _, err := readFramedValue(f); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
