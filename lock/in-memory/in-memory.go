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
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/lock"
)

type inMemoryLockStore struct {
	items map[string]*inMemoryLockItem
	lock  sync.Mutex
	log   logger.Logger
	clock clock.PassiveClock
}

type inMemoryLockItem struct {
	owner  string
	expire time.Time
}

// NewInMemoryLockStore returns a lock store scoped to the current process.
func NewInMemoryLockStore(log logger.Logger) lock.Store {
	return newLockStore(log, clock.RealClock{})
}

func newLockStore(log logger.Logger, clk clock.PassiveClock) *inMemoryLockStore {
	return &inMemoryLockStore{
		items: map[string]*inMemoryLockItem{},
		log:   log,
		clock: clk,
	}
}

func (store *inMemoryLockStore) InitLockStore(_ context.Context, _ lock.Metadata) error {
	return nil
}

func (store *inMemoryLockStore) TryLock(_ context.Context, req *lock.TryLockRequest) (*lock.TryLockResponse, error) {
	if req.ResourceID == "" || req.LockOwner == "" {
		return nil, errors.New("resourceId and lockOwner are required")
	}
	if req.ExpiryInSeconds <= 0 {
		return nil, errors.New("expiryInSeconds must be positive")
	}

	store.lock.Lock()
	defer store.lock.Unlock()

	now := store.clock.Now()
	if item, ok := store.items[req.ResourceID]; ok && now.Before(item.expire) {
		return &lock.TryLockResponse{Success: false}, nil
	}

	store.items[req.ResourceID] = &inMemoryLockItem{
		owner:  req.LockOwner,
		expire: now.Add(time.Duration(req.ExpiryInSeconds) * time.Second),
	}
	return &lock.TryLockResponse{Success: true}, nil
}

func (store *inMemoryLockStore) Unlock(_ context.Context, req *lock.UnlockRequest) (*lock.UnlockResponse, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	item, ok := store.items[req.ResourceID]
	if !ok || !store.clock.Now().Before(item.expire) {
		delete(store.items, req.ResourceID)
		return &lock.UnlockResponse{Status: lock.LockDoesNotExist}, nil
	}
	if item.owner != req.LockOwner {
		return &lock.UnlockResponse{Status: lock.LockBelongsToOthers}, nil
	}

	delete(store.items, req.ResourceID)
	return &lock.UnlockResponse{Status: lock.Success}, nil
}

func (store *inMemoryLockStore) Close() error {
	// release memory reference
	store.lock.Lock()
	defer store.lock.Unlock()
	clear(store.items)

	return nil
}
