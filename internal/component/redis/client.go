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
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxRetries = 3
	pingTimeout       = 5 * time.Second
)

// ParseClientFromProperties decodes the connection properties shared by the
// Redis backed components and returns a connected client.
func ParseClientFromProperties(ctx context.Context, properties map[string]string) (redis.UniversalClient, *Settings, error) {
	settings := &Settings{
		RedisMaxRetries: defaultMaxRetries,
	}
	err := settings.Decode(properties)
	if err != nil {
		return nil, nil, fmt.Errorf("redis client configuration error: %w", err)
	}
	err = settings.Validate()
	if err != nil {
		return nil, nil, fmt.Errorf("redis client configuration error: %w", err)
	}

	client := NewClient(settings)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err = client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("error connecting to redis at %s: %w", settings.Host, err)
	}
	return client, settings, nil
}

// NewClient builds a node, cluster or sentinel client from settings.
func NewClient(s *Settings) redis.UniversalClient {
	var tlsConfig *tls.Config
	if s.EnableTLS {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec
		}
	}

	if s.Failover {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:      s.SentinelMasterName,
			SentinelAddrs:   strings.Split(s.Host, ","),
			Username:        s.Username,
			Password:        s.Password,
			DB:              s.DB,
			MaxRetries:      s.RedisMaxRetries,
			MinRetryBackoff: s.RedisMinRetryInterval,
			MaxRetryBackoff: s.RedisMaxRetryInterval,
			DialTimeout:     s.DialTimeout,
			ReadTimeout:     s.ReadTimeout,
			WriteTimeout:    s.WriteTimeout,
			PoolSize:        s.PoolSize,
			MinIdleConns:    s.MinIdleConns,
			ConnMaxLifetime: s.MaxConnAge,
			PoolTimeout:     s.PoolTimeout,
			ConnMaxIdleTime: s.IdleTimeout,
			TLSConfig:       tlsConfig,
		})
	}

	if s.RedisType == ClusterType {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           strings.Split(s.Host, ","),
			Username:        s.Username,
			Password:        s.Password,
			MaxRetries:      s.RedisMaxRetries,
			MinRetryBackoff: s.RedisMinRetryInterval,
			MaxRetryBackoff: s.RedisMaxRetryInterval,
			DialTimeout:     s.DialTimeout,
			ReadTimeout:     s.ReadTimeout,
			WriteTimeout:    s.WriteTimeout,
			PoolSize:        s.PoolSize,
			MinIdleConns:    s.MinIdleConns,
			ConnMaxLifetime: s.MaxConnAge,
			PoolTimeout:     s.PoolTimeout,
			ConnMaxIdleTime: s.IdleTimeout,
			TLSConfig:       tlsConfig,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:            s.Host,
		Username:        s.Username,
		Password:        s.Password,
		DB:              s.DB,
		MaxRetries:      s.RedisMaxRetries,
		MinRetryBackoff: s.RedisMinRetryInterval,
		MaxRetryBackoff: s.RedisMaxRetryInterval,
		DialTimeout:     s.DialTimeout,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		PoolSize:        s.PoolSize,
		MinIdleConns:    s.MinIdleConns,
		ConnMaxLifetime: s.MaxConnAge,
		PoolTimeout:     s.PoolTimeout,
		ConnMaxIdleTime: s.IdleTimeout,
		TLSConfig:       tlsConfig,
	})
}
