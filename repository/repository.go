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
	"context"
	"io"
	"time"

	"github.com/dapr/tcc-coordinator/metadata"
	"github.com/dapr/tcc-coordinator/transaction"
)

// Repository is the durable store of transaction records.
//
// Update and Delete are optimistic: the record passed in carries the Version
// the caller last observed, and the write is rejected with a *ConflictError
// if the stored Version moved. A successful Update bumps the record's Version
// by one and refreshes UpdatedAt in place.
// Backend failures other than the outcomes above are returned as *IOError.
type Repository interface {
	// Create stores a new record. It reports created == false, with a nil
	// error, if a record with the same Xid already exists.
	Create(ctx context.Context, tx *transaction.Transaction) (created bool, err error)
	Update(ctx context.Context, tx *transaction.Transaction) error
	Delete(ctx context.Context, tx *transaction.Transaction) error
	// FindOne returns nil, nil if there is no record for xid.
	FindOne(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error)
	// FindAllUnmodifiedSince returns every record last updated before cutoff.
	FindAllUnmodifiedSince(ctx context.Context, cutoff time.Time) ([]*transaction.Transaction, error)
}

// Store is a Repository backend that must be initialized and closed.
type Store interface {
	Repository
	Init(ctx context.Context, metadata Metadata) error
	io.Closer
}

// Metadata contains a repository specific set of metadata properties.
type Metadata struct {
	metadata.Base `json:",inline" yaml:",inline"`
}

// initialVersion is the Version of a freshly created record.
const initialVersion int64 = 1

// PrepareCreate stamps a record about to be created.
func PrepareCreate(tx *transaction.Transaction, now time.Time) {
	if tx.Version == 0 {
		tx.Version = initialVersion
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
}

// PrepareUpdate returns a copy of tx carrying the next Version and now as its
// update time. The caller applies it to tx only after the write succeeded.
func PrepareUpdate(tx *transaction.Transaction, now time.Time) *transaction.Transaction {
	next := tx.Clone()
	next.Version = tx.Version + 1
	next.UpdatedAt = now
	return next
}

// ApplyUpdate copies the bookkeeping fields of a successful write back onto tx.
func ApplyUpdate(tx, written *transaction.Transaction) {
	tx.Version = written.Version
	tx.UpdatedAt = written.UpdatedAt
}
