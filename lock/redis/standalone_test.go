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

package redis

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/lock"
	"github.com/dapr/tcc-coordinator/metadata"
	conformance "github.com/dapr/tcc-coordinator/tests/conformance/lock"
)

const resourceID = "tcc-recovery"

func newLockMetadata(props map[string]string) lock.Metadata {
	return lock.Metadata{Base: metadata.Base{Properties: props}}
}

func TestStandaloneRedisLock_InitError(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
		msg   string
	}{
		{"no host", map[string]string{"redisHost": ""}, "redisHost is empty"},
		{"cluster", map[string]string{"redisHost": "127.0.0.1:6379", "redisType": "cluster"}, "does not support connecting to Redis Cluster"},
		{"failover", map[string]string{"redisHost": "127.0.0.1:26379", "failover": "true", "sentinelMasterName": "mymaster"}, "does not support connecting to Redis with failover"},
		{"connection fails", map[string]string{"redisHost": "127.0.0.1:9999", "redisMaxRetries": "-1"}, "error connecting to redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := NewStandaloneRedisLock(logger.NewLogger("test"))
			defer comp.Close()

			err := comp.InitLockStore(t.Context(), newLockMetadata(tt.props))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func newTestLock(t *testing.T, props map[string]string) (lock.Store, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	if props == nil {
		props = map[string]string{}
	}
	props["redisHost"] = s.Addr()

	comp := NewStandaloneRedisLock(logger.NewLogger("test"))
	t.Cleanup(func() {
		comp.Close()
	})
	require.NoError(t, comp.InitLockStore(t.Context(), newLockMetadata(props)))
	return comp, s
}

func TestStandaloneRedisLock_TryLock(t *testing.T) {
	comp, s := newTestLock(t, nil)

	// 1. client1 trylock
	owner1 := uuid.New().String()
	resp, err := comp.TryLock(t.Context(), &lock.TryLockRequest{
		ResourceID:      resourceID,
		LockOwner:       owner1,
		ExpiryInSeconds: 10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	// 2. client2 trylock fails
	owner2 := uuid.New().String()
	resp, err = comp.TryLock(t.Context(), &lock.TryLockRequest{
		ResourceID:      resourceID,
		LockOwner:       owner2,
		ExpiryInSeconds: 10,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	// 3. client2 gets the lock once it expires
	s.FastForward(11 * time.Second)
	resp, err = comp.TryLock(t.Context(), &lock.TryLockRequest{
		ResourceID:      resourceID,
		LockOwner:       owner2,
		ExpiryInSeconds: 10,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, "client2 failed to get lock")
}

func TestStandaloneRedisLock_Unlock(t *testing.T) {
	comp, s := newTestLock(t, map[string]string{"keyPrefix": "orders"})

	ownerID := uuid.New().String()
	_, err := comp.TryLock(t.Context(), &lock.TryLockRequest{
		ResourceID:      resourceID,
		LockOwner:       ownerID,
		ExpiryInSeconds: 10,
	})
	require.NoError(t, err)
	assert.True(t, s.Exists("orders||"+resourceID))

	tests := []struct {
		name   string
		req    *lock.UnlockRequest
		status lock.Status
	}{
		{"non-existent lock", &lock.UnlockRequest{ResourceID: "other", LockOwner: ownerID}, lock.LockDoesNotExist},
		{"wrong owner", &lock.UnlockRequest{ResourceID: resourceID, LockOwner: "wrong-owner"}, lock.LockBelongsToOthers},
		{"owner", &lock.UnlockRequest{ResourceID: resourceID, LockOwner: ownerID}, lock.Success},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := comp.Unlock(t.Context(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestConformance(t *testing.T) {
	s := miniredis.RunT(t)
	comp := NewStandaloneRedisLock(logger.NewLogger("test"))
	t.Cleanup(func() {
		comp.Close()
	})
	conformance.ConformanceTests(t, map[string]string{"redisHost": s.Addr()}, comp, s.FastForward)
}
