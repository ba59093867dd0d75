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

import "fmt"

// Kind enumerates the manager-level error taxonomy, mirrored onto the
// public ResourceError kinds by the facade.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindCorrupt
	KindIllegalWriteRequest
	KindPermissionDenied
	KindIOError
	KindExtractorError
	KindConflict
)

// Error is the error type every manager operation returns on failure.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("pathmanager: %v", e.cause)
	}
	return fmt.Sprintf("pathmanager: kind %d", e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error) *Error { return &Error{Kind: kind, cause: cause} }
