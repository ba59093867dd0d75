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

// WriteResult is a PathManager's reply to one message of an IngestData
// delivery for its path.
type WriteResult struct {
	Path    Path
	Success bool
	Err     error // non-nil iff !Success; always a *ResourceError
}

// UpdateSuccess builds a successful WriteResult for path.
func UpdateSuccess(path Path) WriteResult {
	return WriteResult{Path: path, Success: true}
}

// PathOpFailure builds a failed WriteResult for path.
func PathOpFailure(path Path, err error) WriteResult {
	return WriteResult{Path: path, Success: false, Err: err}
}
