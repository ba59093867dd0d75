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

// nihvfsd is a command line tool for storing a batch of local files as
// blob versions under a single VFS path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	vfs "github.com/nihdb/vfs"
)

var (
	storageDir = flag.String("storage_dir", "", "Root directory to store VFS data.")
	path       = flag.String("path", "", "Target VFS path, e.g. /imports/batch1.")
	files      = flag.String("files", "", "File path glob of files to store as blob versions.")
	mimeType   = flag.String("mime_type", "application/octet-stream", "MIME type recorded against each stored file.")
	authority  = flag.String("write_as", "nihvfsd", "Authority credited with the write.")
	numWorkers = flag.Int("num_workers", 16, "Number of concurrent storage workers.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *storageDir == "" {
		klog.Exit("Supply a storage directory with --storage_dir")
	}
	if *path == "" {
		klog.Exit("Supply a target VFS path with --path")
	}

	ctx := context.Background()
	v, err := vfs.NewVFS(ctx, *storageDir)
	if err != nil {
		klog.Exitf("Failed to open VFS at %q: %v", *storageDir, err)
	}
	defer func() {
		if err := v.Close(ctx); err != nil {
			klog.Warningf("Failed to close VFS cleanly: %v", err)
		}
	}()

	toAdd, err := filepath.Glob(*files)
	if err != nil {
		klog.Exitf("Failed to glob files %q: %v", *files, err)
	}
	klog.V(1).Infof("toAdd: %v", toAdd)
	if len(toAdd) == 0 {
		klog.Exit("nihvfsd must be run with at least one matching file")
	}

	target := vfs.NewPath(*path)

	type fileInfo struct {
		name string
		data []byte
	}
	work := make(chan fileInfo, 100)
	go func() {
		for _, fp := range toAdd {
			b, err := os.ReadFile(fp)
			if err != nil {
				klog.Exitf("Failed to read file %q: %v", fp, err)
			}
			work <- fileInfo{name: fp, data: b}
		}
		close(work)
	}()

	workers := *numWorkers
	if l := len(toAdd); l < workers {
		workers = l
	}

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range work {
				msg := vfs.OffsetMessage{Message: vfs.EventMessage{StoreFile: &vfs.StoreFileMessage{
					Path:      target,
					WriteAs:   vfs.Authorities{*authority},
					Content:   vfs.Content{Bytes: f.data, MimeType: *mimeType},
					StreamRef: vfs.Create(vfs.NewVersionID(), true),
				}}}
				results, err := v.WriteAllSync(context.Background(), []vfs.OffsetMessage{msg})
				if err != nil {
					klog.Exitf("failed to store %q: %v", f.name, err)
				}
				if !results[0].Success {
					klog.Exitf("failed to store %q: %v", f.name, results[0].Err)
				}
				fmt.Printf("%s -> %s\n", f.name, target)
			}
		}()
	}
	wg.Wait()
}
