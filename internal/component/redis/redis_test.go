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

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	host                  = "redisHost"
	password              = "redisPassword"
	db                    = "redisDB"
	redisType             = "redisType"
	redisMaxRetries       = "redisMaxRetries"
	redisMinRetryInterval = "redisMinRetryInterval"
	redisMaxRetryInterval = "redisMaxRetryInterval"
	dialTimeout           = "dialTimeout"
	readTimeout           = "readTimeout"
	writeTimeout          = "writeTimeout"
	poolSize              = "poolSize"
	minIdleConns          = "minIdleConns"
	poolTimeout           = "poolTimeout"
	idleTimeout           = "idleTimeout"
	maxConnAge            = "maxConnAge"
	enableTLS             = "enableTLS"
	keyPrefix             = "keyPrefix"
)

func getFakeProperties() map[string]string {
	return map[string]string{
		host:                  "fake.redis.com",
		password:              "fakePassword",
		redisType:             "node",
		enableTLS:             "true",
		dialTimeout:           "5s",
		readTimeout:           "5s",
		writeTimeout:          "50s",
		poolSize:              "20",
		maxConnAge:            "200s",
		db:                    "1",
		redisMaxRetries:       "1",
		redisMinRetryInterval: "8ms",
		redisMaxRetryInterval: "1s",
		minIdleConns:          "1",
		poolTimeout:           "1s",
		idleTimeout:           "1s",
		keyPrefix:             "orders",
	}
}

func TestSettingsDecode(t *testing.T) {
	t.Run("settings are correct", func(t *testing.T) {
		fakeProperties := getFakeProperties()

		s := &Settings{}
		err := s.Decode(fakeProperties)

		require.NoError(t, err)
		assert.Equal(t, fakeProperties[host], s.Host)
		assert.Equal(t, fakeProperties[password], s.Password)
		assert.Equal(t, fakeProperties[redisType], s.RedisType)
		assert.True(t, s.EnableTLS)
		assert.Equal(t, 5*time.Second, s.DialTimeout)
		assert.Equal(t, 5*time.Second, s.ReadTimeout)
		assert.Equal(t, 50*time.Second, s.WriteTimeout)
		assert.Equal(t, 20, s.PoolSize)
		assert.Equal(t, 200*time.Second, s.MaxConnAge)
		assert.Equal(t, 1, s.DB)
		assert.Equal(t, 1, s.RedisMaxRetries)
		assert.Equal(t, 8*time.Millisecond, s.RedisMinRetryInterval)
		assert.Equal(t, 1*time.Second, s.RedisMaxRetryInterval)
		assert.Equal(t, 1, s.MinIdleConns)
		assert.Equal(t, 1*time.Second, s.PoolTimeout)
		assert.Equal(t, 1*time.Second, s.IdleTimeout)
		assert.Equal(t, "orders", s.KeyPrefix)
		require.NoError(t, s.Validate())
	})

	t.Run("host is not given", func(t *testing.T) {
		fakeProperties := getFakeProperties()
		fakeProperties[host] = ""

		s := &Settings{}
		require.NoError(t, s.Decode(fakeProperties))
		require.ErrorContains(t, s.Validate(), "redisHost is empty")
	})

	t.Run("invalid redis type", func(t *testing.T) {
		fakeProperties := getFakeProperties()
		fakeProperties[redisType] = "ring"

		s := &Settings{}
		require.NoError(t, s.Decode(fakeProperties))
		require.ErrorContains(t, s.Validate(), "invalid redisType")
	})

	t.Run("failover requires master name", func(t *testing.T) {
		s := &Settings{Host: "localhost:26379", Failover: true}
		require.Error(t, s.Validate())
	})
}

func TestParseClientFromProperties(t *testing.T) {
	t.Run("connects to server", func(t *testing.T) {
		s := miniredis.RunT(t)

		client, settings, err := ParseClientFromProperties(t.Context(), map[string]string{
			host: s.Addr(),
		})
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, s.Addr(), settings.Host)
		assert.Equal(t, defaultMaxRetries, settings.RedisMaxRetries)
	})

	t.Run("unreachable server", func(t *testing.T) {
		s := miniredis.RunT(t)
		addr := s.Addr()
		s.Close()

		_, _, err := ParseClientFromProperties(t.Context(), map[string]string{
			host:            addr,
			redisMaxRetries: "-1",
		})
		require.ErrorContains(t, err, "error connecting to redis")
	})
}
