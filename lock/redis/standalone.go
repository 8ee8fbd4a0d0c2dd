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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dapr/kit/logger"

	rediscomponent "github.com/dapr/tcc-coordinator/internal/component/redis"
	"github.com/dapr/tcc-coordinator/lock"
)

const unlockScript = `local v = redis.call("get",KEYS[1]); if v==false then return -1 end; if v~=ARGV[1] then return -2 else return redis.call("del",KEYS[1]) end`

// Standalone Redis lock store.
// Any fail-over related features are not supported, such as Sentinel and Redis Cluster.
type StandaloneRedisLock struct {
	client         redis.UniversalClient
	clientSettings *rediscomponent.Settings
	unlock         *redis.Script

	logger logger.Logger
}

// NewStandaloneRedisLock returns a new standalone redis lock.
// Do not use this lock with a redis cluster, which might lead to unexpected lock loss.
func NewStandaloneRedisLock(logger logger.Logger) lock.Store {
	return &StandaloneRedisLock{
		logger: logger,
		unlock: redis.NewScript(unlockScript),
	}
}

// InitLockStore connects to Redis.
func (r *StandaloneRedisLock) InitLockStore(ctx context.Context, metadata lock.Metadata) error {
	settings := &rediscomponent.Settings{}
	if err := settings.Decode(metadata.Properties); err != nil {
		return err
	}
	if settings.Failover {
		return errors.New("this component does not support connecting to Redis with failover")
	}
	if settings.RedisType == rediscomponent.ClusterType {
		return errors.New("this component does not support connecting to Redis Cluster")
	}

	client, settings, err := rediscomponent.ParseClientFromProperties(ctx, metadata.Properties)
	if err != nil {
		return err
	}
	r.client = client
	r.clientSettings = settings
	return nil
}

func (r *StandaloneRedisLock) key(resourceID string) string {
	if r.clientSettings.KeyPrefix == "" {
		return resourceID
	}
	return r.clientSettings.KeyPrefix + "||" + resourceID
}

// TryLock tries to acquire a lock.
// If the lock cannot be acquired, it returns immediately.
func (r *StandaloneRedisLock) TryLock(ctx context.Context, req *lock.TryLockRequest) (*lock.TryLockResponse, error) {
	// Set a key if doesn't exist with an expiration time
	ok, err := r.client.SetNX(ctx, r.key(req.ResourceID), req.LockOwner, time.Second*time.Duration(req.ExpiryInSeconds)).Result()
	if err != nil {
		return &lock.TryLockResponse{}, err
	}

	return &lock.TryLockResponse{
		Success: ok,
	}, nil
}

// Unlock tries to release a lock if the lock is still valid.
func (r *StandaloneRedisLock) Unlock(ctx context.Context, req *lock.UnlockRequest) (*lock.UnlockResponse, error) {
	res, err := r.unlock.Run(ctx, r.client, []string{r.key(req.ResourceID)}, req.LockOwner).Int()
	if err != nil {
		return &lock.UnlockResponse{
			Status: lock.InternalError,
		}, fmt.Errorf("failed to run unlock script: %w", err)
	}

	var status lock.Status
	switch {
	case res >= 0:
		status = lock.Success
	case res == -1:
		status = lock.LockDoesNotExist
	case res == -2:
		status = lock.LockBelongsToOthers
	default:
		status = lock.InternalError
	}

	return &lock.UnlockResponse{
		Status: status,
	}, nil
}

// Close shuts down the client's redis connections.
func (r *StandaloneRedisLock) Close() error {
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}
