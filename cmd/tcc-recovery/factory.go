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

package main

import (
	"fmt"
	"strings"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/internal/config"
	"github.com/dapr/tcc-coordinator/lock"
	lockinmemory "github.com/dapr/tcc-coordinator/lock/in-memory"
	lockredis "github.com/dapr/tcc-coordinator/lock/redis"
	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/repository/inmemory"
	redisrepo "github.com/dapr/tcc-coordinator/repository/redis"
	"github.com/dapr/tcc-coordinator/repository/sqlite"
	"github.com/dapr/tcc-coordinator/repository/zookeeper"
	"github.com/dapr/tcc-coordinator/transaction/participant"
)

func newRepositoryStore(log logger.Logger, typ string) (repository.Store, error) {
	switch strings.ToLower(typ) {
	case "in-memory", "inmemory":
		return inmemory.NewInMemoryRepository(log), nil
	case "sqlite":
		return sqlite.NewSQLiteRepository(log), nil
	case "zookeeper":
		return zookeeper.NewZookeeperRepository(log), nil
	case "redis":
		return redisrepo.NewRedisRepository(log), nil
	default:
		return nil, fmt.Errorf("unknown repository type: %q", typ)
	}
}

func newLockStore(log logger.Logger, typ string) (lock.Store, error) {
	switch strings.ToLower(typ) {
	case "in-memory", "inmemory":
		return lockinmemory.NewInMemoryLockStore(log), nil
	case "redis":
		return lockredis.NewStandaloneRedisLock(log), nil
	default:
		return nil, fmt.Errorf("unknown lock type: %q", typ)
	}
}

// newInvokers routes each configured participant target to an HTTP invoker.
func newInvokers(log logger.Logger, participants []config.ParticipantConfig) (*participant.Registry, error) {
	registry := participant.NewRegistry()
	if len(participants) == 0 {
		log.Warn("No participants configured: recovery will not be able to complete any transaction")
	}
	for _, p := range participants {
		props, err := p.Properties()
		if err != nil {
			return nil, err
		}
		invoker, err := participant.NewHTTPInvoker(log, props)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.Target, err)
		}
		registry.Register(p.Target, invoker)
		if p.Default {
			registry.SetDefault(invoker)
		}
	}
	return registry, nil
}
