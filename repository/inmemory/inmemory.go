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

package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

// Repository keeps transaction records in process memory.
// It is meant for tests and single process deployments: records do not
// survive a restart, so recovery only covers failures of the call path.
type Repository struct {
	items map[transaction.Xid]*transaction.Transaction
	lock  sync.RWMutex
	log   logger.Logger
	clock clock.PassiveClock
}

// Option configures the in-memory repository.
type Option func(*Repository)

// WithClock sets the clock used to stamp records.
func WithClock(clk clock.PassiveClock) Option {
	return func(r *Repository) {
		r.clock = clk
	}
}

// NewInMemoryRepository returns a new in-memory transaction repository.
func NewInMemoryRepository(log logger.Logger, opts ...Option) *Repository {
	r := &Repository{
		items: map[transaction.Xid]*transaction.Transaction{},
		log:   log,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init accepts no metadata.
func (r *Repository) Init(_ context.Context, _ repository.Metadata) error {
	r.log.Warn("Using the in-memory transaction repository: records are lost when the process stops")
	return nil
}

func (r *Repository) Close() error {
	// release memory reference
	r.lock.Lock()
	defer r.lock.Unlock()
	r.items = map[transaction.Xid]*transaction.Transaction{}

	return nil
}

func (r *Repository) Create(_ context.Context, tx *transaction.Transaction) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.items[tx.Xid]; ok {
		return false, nil
	}

	repository.PrepareCreate(tx, r.clock.Now())
	r.items[tx.Xid] = tx.Clone()
	return true, nil
}

func (r *Repository) Update(_ context.Context, tx *transaction.Transaction) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.doValidateVersion(tx); err != nil {
		return err
	}

	next := repository.PrepareUpdate(tx, r.clock.Now())
	r.items[tx.Xid] = next
	repository.ApplyUpdate(tx, next)
	return nil
}

func (r *Repository) Delete(_ context.Context, tx *transaction.Transaction) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if err := r.doValidateVersion(tx); err != nil {
		return err
	}

	delete(r.items, tx.Xid)
	return nil
}

// doValidateVersion must be called with the write lock held.
func (r *Repository) doValidateVersion(tx *transaction.Transaction) error {
	stored, ok := r.items[tx.Xid]
	if !ok {
		return repository.NewConflictError(tx.Xid, fmt.Errorf("record not exist for xid=%s", tx.Xid))
	}
	if stored.Version != tx.Version {
		return repository.NewConflictError(tx.Xid, fmt.Errorf(
			"version not match for xid=%s: current=%d, expect=%d", tx.Xid, stored.Version, tx.Version))
	}
	return nil
}

func (r *Repository) FindOne(_ context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.items[xid].Clone(), nil
}

func (r *Repository) FindAllUnmodifiedSince(_ context.Context, cutoff time.Time) ([]*transaction.Transaction, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	res := make([]*transaction.Transaction, 0)
	for _, tx := range r.items {
		if tx.UpdatedAt.Before(cutoff) {
			res = append(res, tx.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	return res, nil
}
