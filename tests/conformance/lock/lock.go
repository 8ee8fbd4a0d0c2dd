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


package conformance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapr/tcc-coordinator/lock"
	"github.com/dapr/tcc-coordinator/metadata"
)

// AdvanceFunc moves the store's notion of time forward by d.
type AdvanceFunc func(d time.Duration)

// ConformanceTests runs the shared lock store tests. The store is
// initialized with props; advance is used to let leases run out.
func ConformanceTests(t *testing.T, props map[string]string, store lock.Store, advance AdvanceFunc) {
	key := strings.ReplaceAll(uuid.New().String(), "-", "")
	t.Logf("Base key for test: %s", key)

	t.Run("init", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
		defer cancel()
		err := store.InitLockStore(ctx, lock.Metadata{Base: metadata.Base{
			Properties: props,
		}})
		require.NoError(t, err)
	})
	if t.Failed() {
		t.Fatal("Init failed, stopping further tests")
	}

	const owner = "sweeper-a"
	sweepKey := key + "-sweep"
	shortKey := key + "-short"

	tryLock := func(t *testing.T, resource, owner string, expiry int32) bool {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()
		res, err := store.TryLock(ctx, &lock.TryLockRequest{
			ResourceID:      resource,
			LockOwner:       owner,
			ExpiryInSeconds: expiry,
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		return res.Success
	}
	unlock := func(t *testing.T, resource, owner string) lock.Status {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()
		res, err := store.Unlock(ctx, &lock.UnlockRequest{
			ResourceID: resource,
			LockOwner:  owner,
		})
		require.NoError(t, err)
		require.NotNil(t, res)
		return res.Status
	}

	t.Run("TryLock", func(t *testing.T) {
		t.Run("acquire", func(t *testing.T) {
			assert.True(t, tryLock(t, sweepKey, owner, 60))
			assert.True(t, tryLock(t, shortKey, owner, 3))
		})

		t.Run("held lock is not granted to another owner", func(t *testing.T) {
			assert.False(t, tryLock(t, sweepKey, "sweeper-b", 60))
		})

		t.Run("held lock is not granted twice", func(t *testing.T) {
			assert.False(t, tryLock(t, sweepKey, owner, 60))
		})
	})

	t.Run("Unlock", func(t *testing.T) {
		t.Run("nonexistent resource", func(t *testing.T) {
			assert.Equal(t, lock.LockDoesNotExist, unlock(t, key+"-nonexistent", owner))
		})

		t.Run("wrong owner", func(t *testing.T) {
			assert.Equal(t, lock.LockBelongsToOthers, unlock(t, sweepKey, "sweeper-b"))
		})

		t.Run("owner releases", func(t *testing.T) {
			assert.Equal(t, lock.Success, unlock(t, sweepKey, owner))
			assert.True(t, tryLock(t, sweepKey, "sweeper-b", 60))
		})
	})

	t.Run("lease expires", func(t *testing.T) {
		advance(4 * time.Second)
		assert.True(t, tryLock(t, shortKey, "sweeper-b", 3), "lease was not released after expiry")
	})
}
