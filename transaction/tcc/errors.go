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

package tcc

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/dapr/tcc-coordinator/transaction"
)

// CompletionError reports the participants whose confirm or cancel step
// failed. The record is left in place so the step can be retried.
type CompletionError struct {
	Xid    transaction.Xid
	Status transaction.Status
	err    error
}

func newCompletionError(tx *transaction.Transaction, err error) *CompletionError {
	return &CompletionError{
		Xid:    tx.Xid,
		Status: tx.Status,
		err:    err,
	}
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("transaction %s: %d participant(s) failed while %s: %s",
		e.Xid, len(e.Errors()), e.Status, e.err)
}

func (e *CompletionError) Unwrap() error {
	return e.err
}

// Errors returns one error per failed participant.
func (e *CompletionError) Errors() []error {
	return multierr.Errors(e.err)
}

// IsCompletionError reports whether err is or wraps a CompletionError.
func IsCompletionError(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce)
}
