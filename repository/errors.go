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

package repository

import (
	"errors"
	"fmt"

	"github.com/dapr/tcc-coordinator/transaction"
)

// ConflictError reports that the stored Version moved since the caller read
// the record, or that the record is gone.
type ConflictError struct {
	xid transaction.Xid
	err error
}

// NewConflictError returns a ConflictError for xid wrapping an optional cause.
func NewConflictError(xid transaction.Xid, err error) *ConflictError {
	return &ConflictError{xid: xid, err: err}
}

func (e *ConflictError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("optimistic lock conflict for transaction %s: %s", e.xid, e.err)
	}
	return fmt.Sprintf("optimistic lock conflict for transaction %s", e.xid)
}

func (e *ConflictError) Unwrap() error {
	return e.err
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IOError is the single failure kind for transport, storage and
// serialization problems, whatever the backend.
type IOError struct {
	Op  string
	err error
}

// NewIOError wraps a backend error raised by op.
func NewIOError(op string, err error) *IOError {
	return &IOError{Op: op, err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transaction repository %s failed: %s", e.Op, e.err)
}

func (e *IOError) Unwrap() error {
	return e.err
}

// IsIOError reports whether err is or wraps an IOError.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
