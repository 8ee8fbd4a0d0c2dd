/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExistedTransaction is returned when a propagated confirm or cancel
	// finds no record: the branch already completed and was removed.
	ErrNoExistedTransaction = errors.New("no existed transaction")

	// ErrIllegalStatusTransition is returned when a record would re-enter
	// TRYING or switch between CONFIRMING and CANCELLING.
	ErrIllegalStatusTransition = errors.New("illegal transaction status transition")
)

// ErrorKind tags a failure so it can be matched without reflecting on its type.
type ErrorKind string

// KindSystem tags configuration and wiring errors. They are never retried.
const KindSystem ErrorKind = "system"

// SystemError is a programmer or wiring error surfaced to the caller as is.
type SystemError struct {
	msg string
	err error
}

// NewSystemError returns a SystemError, optionally wrapping a cause.
func NewSystemError(err error, format string, args ...any) *SystemError {
	return &SystemError{
		msg: fmt.Sprintf(format, args...),
		err: err,
	}
}

func (e *SystemError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *SystemError) Unwrap() error {
	return e.err
}

func (e *SystemError) Kind() ErrorKind {
	return KindSystem
}

// IsSystemError reports whether err is or wraps a SystemError.
func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// KindError attaches an ErrorKind to a business error.
type KindError struct {
	kind ErrorKind
	err  error
}

// WithKind tags err with kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{kind: kind, err: err}
}

func (e *KindError) Error() string {
	return e.err.Error()
}

func (e *KindError) Unwrap() error {
	return e.err
}

func (e *KindError) Kind() ErrorKind {
	return e.kind
}

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind carried directly by err, without unwrapping.
func KindOf(err error) (ErrorKind, bool) {
	if k, ok := err.(kinded); ok {
		return k.Kind(), true
	}
	return "", false
}

// RootCause follows the Unwrap chain down to the innermost error.
// Errors joining several causes stop the walk.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// MatchesKind reports whether err, or its root cause, carries one of kinds.
// A KindError wrapping the root cause counts for the root cause as well.
func MatchesKind(err error, kinds ...ErrorKind) bool {
	if err == nil || len(kinds) == 0 {
		return false
	}
	candidates := make([]ErrorKind, 0, 2)
	if k, ok := KindOf(err); ok {
		candidates = append(candidates, k)
	}
	if k, ok := rootKind(err); ok {
		candidates = append(candidates, k)
	}
	for _, c := range candidates {
		for _, k := range kinds {
			if c == k {
				return true
			}
		}
	}
	return false
}

// rootKind returns the kind of the root cause: either the root itself is
// kinded, or its direct wrapper is a KindError tagging it.
func rootKind(err error) (ErrorKind, bool) {
	var parent error
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		parent, err = err, next
	}
	if k, ok := KindOf(err); ok {
		return k, true
	}
	if ke, ok := parent.(*KindError); ok {
		return ke.kind, true
	}
	return "", false
}
