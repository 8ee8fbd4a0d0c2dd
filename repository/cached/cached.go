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

package cached

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

const (
	defaultSize = 1024
	defaultTTL  = 5 * time.Minute
)

// Options configures the cache.
type Options struct {
	// Maximum number of records kept. Defaults to 1024.
	Size int `mapstructure:"cacheSize"`
	// Time after which a cached record is dropped. Defaults to 5 minutes.
	TTL time.Duration `mapstructure:"cacheTTL"`
}

// Repository is a read-through cache in front of another Repository.
// It never decides conflicts: every write goes to the wrapped repository and
// the cached entry is dropped before the write and refreshed after it.
type Repository struct {
	inner repository.Repository
	cache *expirable.LRU[transaction.Xid, *transaction.Transaction]

	// gen counts writes. A read only populates the cache if no write
	// started while it was loading, so a slow read cannot resurrect an old
	// version.
	lock sync.Mutex
	gen  uint64
}

// New wraps inner with a cache.
func New(inner repository.Repository, opts Options) *Repository {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Repository{
		inner: inner,
		cache: expirable.NewLRU[transaction.Xid, *transaction.Transaction](opts.Size, nil, opts.TTL),
	}
}

// invalidate drops the entry and starts a write.
func (r *Repository) invalidate(xid transaction.Xid) {
	r.lock.Lock()
	r.gen++
	r.cache.Remove(xid)
	r.lock.Unlock()
}

func (r *Repository) store(tx *transaction.Transaction) {
	r.lock.Lock()
	r.cache.Add(tx.Xid, tx.Clone())
	r.lock.Unlock()
}

func (r *Repository) Create(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	r.invalidate(tx.Xid)
	created, err := r.inner.Create(ctx, tx)
	if err != nil || !created {
		return created, err
	}
	r.store(tx)
	return true, nil
}

func (r *Repository) Update(ctx context.Context, tx *transaction.Transaction) error {
	r.invalidate(tx.Xid)
	err := r.inner.Update(ctx, tx)
	if err != nil {
		return err
	}
	r.store(tx)
	return nil
}

func (r *Repository) Delete(ctx context.Context, tx *transaction.Transaction) error {
	r.invalidate(tx.Xid)
	err := r.inner.Delete(ctx, tx)
	r.invalidate(tx.Xid)
	return err
}

func (r *Repository) FindOne(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	r.lock.Lock()
	cached, ok := r.cache.Get(xid)
	gen := r.gen
	r.lock.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	tx, err := r.inner.FindOne(ctx, xid)
	if err != nil || tx == nil {
		return tx, err
	}

	r.lock.Lock()
	if r.gen == gen {
		r.cache.Add(xid, tx.Clone())
	}
	r.lock.Unlock()
	return tx, nil
}

// FindAllUnmodifiedSince always reads the wrapped repository.
func (r *Repository) FindAllUnmodifiedSince(ctx context.Context, cutoff time.Time) ([]*transaction.Transaction, error) {
	return r.inner.FindAllUnmodifiedSince(ctx, cutoff)
}

// Len returns the number of cached records.
func (r *Repository) Len() int {
	return r.cache.Len()
}

// Purge drops every cached record.
func (r *Repository) Purge() {
	r.lock.Lock()
	r.gen++
	r.cache.Purge()
	r.lock.Unlock()
}

// Close purges the cache and closes the wrapped repository if it is closable.
func (r *Repository) Close() error {
	r.Purge()
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
