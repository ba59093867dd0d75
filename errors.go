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
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Kind enumerates the taxonomy of errors this package returns, so that callers
// can branch on failure class without string matching.
type Kind int

const (
	// KindUnknown is the zero value and should never be observed on a non-nil ResourceError.
	KindUnknown Kind = iota
	// KindNotFound means the path, version, or resource referenced does not exist.
	KindNotFound
	// KindCorrupt means a version is referenced by the log but its on-disk directory
	// is missing or malformed.
	KindCorrupt
	// KindIllegalWriteRequest means a stream-ref policy was violated, e.g. appending
	// to a blob, or a Create on a path that already has a head without Replace semantics.
	KindIllegalWriteRequest
	// KindPermissionDenied means the write's authorities are not covered by any granted permission.
	KindPermissionDenied
	// KindIOError wraps a filesystem or underlying-engine failure.
	KindIOError
	// KindExtractor means on-disk metadata could not be parsed.
	KindExtractor
	// KindConflict means a version id was reused for a different resource type.
	KindConflict
	// KindCompound aggregates errors from a multi-path batch operation.
	KindCompound
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorrupt:
		return "Corrupt"
	case KindIllegalWriteRequest:
		return "IllegalWriteRequest"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindIOError:
		return "IOError"
	case KindExtractor:
		return "ExtractorError"
	case KindConflict:
		return "Conflict"
	case KindCompound:
		return "Compound"
	default:
		return "Unknown"
	}
}

// ResourceError is the error type returned across the VFS's public surface.
type ResourceError struct {
	Kind  Kind
	Path  Path
	cause error
}

func (e *ResourceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Path, e.cause)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Path)
}

func (e *ResourceError) Unwrap() error {
	return e.cause
}

// Is allows errors.Is(err, NotFound(path)) style checks: two ResourceErrors
// match when their Kinds are equal, whatever their paths and causes.
func (e *ResourceError) Is(target error) bool {
	var other *ResourceError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, path Path, cause error) *ResourceError {
	return &ResourceError{Kind: kind, Path: path, cause: cause}
}

// NotFound constructs a KindNotFound ResourceError.
func NotFound(path Path) *ResourceError { return newErr(KindNotFound, path, nil) }

// Corrupt constructs a KindCorrupt ResourceError.
func Corrupt(path Path, cause error) *ResourceError { return newErr(KindCorrupt, path, cause) }

// IllegalWriteRequest constructs a KindIllegalWriteRequest ResourceError.
func IllegalWriteRequest(path Path, reason string) *ResourceError {
	return newErr(KindIllegalWriteRequest, path, errors.New(reason))
}

// PermissionDenied constructs a KindPermissionDenied ResourceError.
func PermissionDenied(path Path) *ResourceError { return newErr(KindPermissionDenied, path, nil) }

// IOError constructs a KindIOError ResourceError.
func IOError(path Path, cause error) *ResourceError { return newErr(KindIOError, path, cause) }

// ExtractorError constructs a KindExtractor ResourceError.
func ExtractorError(path Path, cause error) *ResourceError {
	return newErr(KindExtractor, path, cause)
}

// Conflict constructs a KindConflict ResourceError.
func Conflict(path Path, cause error) *ResourceError { return newErr(KindConflict, path, cause) }

// IsKind reports whether err is a *ResourceError of the given Kind.
func IsKind(err error, kind Kind) bool {
	var re *ResourceError
	if !errors.As(err, &re) {
		return false
	}
	return re.Kind == kind
}

// CompoundError aggregates the errors produced by a multi-path batch write.
// It is built on top of multierr so that every failure in the batch survives,
// not just the first - writeAllSync callers need the full picture to decide
// which paths to retry.
type CompoundError struct {
	err error
}

// newCompoundError builds a CompoundError from zero or more errors, discarding
// nils. Returns nil if there is nothing to report.
func newCompoundError(errs ...error) error {
	var combined error
	for _, e := range errs {
		if e == nil {
			continue
		}
		combined = multierr.Append(combined, e)
	}
	if combined == nil {
		return nil
	}
	return &CompoundError{err: combined}
}

func (c *CompoundError) Error() string {
	return fmt.Sprintf("%s: %v", KindCompound, c.err)
}

func (c *CompoundError) Unwrap() []error {
	return multierr.Errors(c.err)
}

// Errors returns the individual errors making up this compound error, in the
// order they were recorded.
func (c *CompoundError) Errors() []error {
	return multierr.Errors(c.err)
}
