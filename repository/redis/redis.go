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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/dapr/kit/logger"
	kitmd "github.com/dapr/kit/metadata"

	rediscomponent "github.com/dapr/tcc-coordinator/internal/component/redis"
	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

const (
	defaultKeyPrefix = "tcc"

	fieldData    = "data"
	fieldVersion = "version"
)

// KEYS[1] record hash, KEYS[2] index
// ARGV: data, version, score, xid
const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "version", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`

// ARGV: expected version, data, next version, score, xid
const updateScript = `
local current = redis.call("HGET", KEYS[1], "version")
if not current or current ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "version", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[5])
return 1
`

// ARGV: expected version, xid
const deleteScript = `
local current = redis.call("HGET", KEYS[1], "version")
if not current or current ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`

type repoMetadata struct {
	Codec string `mapstructure:"codec"`
}

// Repository keeps each record in a hash holding the serialized record and
// its version, plus a sorted set of xids scored by update time.
// Every key shares one hash tag so the scripts also run on a cluster.
type Repository struct {
	client    redis.UniversalClient
	settings  *rediscomponent.Settings
	codec     repository.Codec
	keyPrefix string

	create *redis.Script
	update *redis.Script
	delete *redis.Script

	logger logger.Logger
	clock  clock.PassiveClock
}

// NewRedisRepository returns a new Redis transaction repository.
func NewRedisRepository(logger logger.Logger) *Repository {
	return &Repository{
		logger: logger,
		clock:  clock.RealClock{},
		create: redis.NewScript(createScript),
		update: redis.NewScript(updateScript),
		delete: redis.NewScript(deleteScript),
	}
}

func (r *Repository) Init(ctx context.Context, md repository.Metadata) error {
	var m repoMetadata
	err := kitmd.DecodeMetadata(md.Properties, &m)
	if err != nil {
		return err
	}
	r.codec, err = repository.NewCodec(m.Codec)
	if err != nil {
		return err
	}

	r.client, r.settings, err = rediscomponent.ParseClientFromProperties(ctx, md.Properties)
	if err != nil {
		return err
	}

	prefix := r.settings.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	r.keyPrefix = "{" + prefix + "}"
	return nil
}

func (r *Repository) recordKey(xid transaction.Xid) string {
	return r.keyPrefix + ":tx:" + string(xid)
}

func (r *Repository) indexKey() string {
	return r.keyPrefix + ":index"
}

func (r *Repository) Create(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	candidate := tx.Clone()
	repository.PrepareCreate(candidate, r.clock.Now())
	data, err := r.codec.Marshal(candidate)
	if err != nil {
		return false, repository.NewIOError("create", err)
	}

	res, err := r.create.Run(ctx, r.client,
		[]string{r.recordKey(tx.Xid), r.indexKey()},
		data, candidate.Version, candidate.UpdatedAt.UnixMilli(), string(tx.Xid),
	).Int()
	if err != nil {
		return false, repository.NewIOError("create", err)
	}
	if res == 0 {
		return false, nil
	}

	tx.Version = candidate.Version
	tx.CreatedAt = candidate.CreatedAt
	tx.UpdatedAt = candidate.UpdatedAt
	return true, nil
}

func (r *Repository) Update(ctx context.Context, tx *transaction.Transaction) error {
	next := repository.PrepareUpdate(tx, r.clock.Now())
	data, err := r.codec.Marshal(next)
	if err != nil {
		return repository.NewIOError("update", err)
	}

	res, err := r.update.Run(ctx, r.client,
		[]string{r.recordKey(tx.Xid), r.indexKey()},
		tx.Version, data, next.Version, next.UpdatedAt.UnixMilli(), string(tx.Xid),
	).Int()
	if err != nil {
		return repository.NewIOError("update", err)
	}
	if res == 0 {
		return repository.NewConflictError(tx.Xid, nil)
	}

	repository.ApplyUpdate(tx, next)
	return nil
}

func (r *Repository) Delete(ctx context.Context, tx *transaction.Transaction) error {
	res, err := r.delete.Run(ctx, r.client,
		[]string{r.recordKey(tx.Xid), r.indexKey()},
		tx.Version, string(tx.Xid),
	).Int()
	if err != nil {
		return repository.NewIOError("delete", err)
	}
	if res == 0 {
		return repository.NewConflictError(tx.Xid, nil)
	}
	return nil
}

func (r *Repository) FindOne(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	tx, err := r.read(ctx, xid)
	if err != nil {
		return nil, repository.NewIOError("findOne", err)
	}
	return tx, nil
}

// read returns nil, nil if the record does not exist.
func (r *Repository) read(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(xid)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	tx, err := r.codec.Unmarshal([]byte(fields[fieldData]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", xid, err)
	}
	tx.Version, err = strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version for transaction %s: %w", xid, err)
	}
	return tx, nil
}

func (r *Repository) FindAllUnmodifiedSince(ctx context.Context, cutoff time.Time) ([]*transaction.Transaction, error) {
	xids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, repository.NewIOError("findAllUnmodifiedSince", err)
	}

	res := make([]*transaction.Transaction, 0, len(xids))
	for _, xid := range xids {
		tx, err := r.read(ctx, transaction.Xid(xid))
		if err != nil {
			return nil, repository.NewIOError("findAllUnmodifiedSince", err)
		}
		// Removed between the scan and the read
		if tx == nil {
			continue
		}
		res = append(res, tx)
	}
	return res, nil
}

func (r *Repository) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
