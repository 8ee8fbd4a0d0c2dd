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
	"errors"
	"fmt"
	"time"

	kitmd "github.com/dapr/kit/metadata"
)

const (
	ClusterType = "cluster"
	NodeType    = "node"
)

type Settings struct {
	// The Redis host
	Host string `mapstructure:"redisHost"`
	// The Redis username
	Username string `mapstructure:"redisUsername"`
	// The Redis password
	Password string `mapstructure:"redisPassword"`
	// Database to be selected after connecting to the server.
	DB int `mapstructure:"redisDB"`
	// The redis type node or cluster
	RedisType string `mapstructure:"redisType"`
	// Maximum number of retries before giving up.
	// A value of -1 (not 0) disables retries
	// Default is 3 retries
	RedisMaxRetries int `mapstructure:"redisMaxRetries"`
	// Minimum backoff between each retry.
	// Default is 8 milliseconds; -1 disables backoff.
	RedisMinRetryInterval time.Duration `mapstructure:"redisMinRetryInterval"`
	// Maximum backoff between each retry.
	// Default is 512 milliseconds; -1 disables backoff.
	RedisMaxRetryInterval time.Duration `mapstructure:"redisMaxRetryInterval"`
	// Dial timeout for establishing new connections.
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	// Timeout for socket reads. If reached, commands will fail
	// with a timeout instead of blocking. Use value -1 for no timeout and 0 for default.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// Timeout for socket writes. If reached, commands will fail
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// Maximum number of socket connections.
	PoolSize int `mapstructure:"poolSize"`
	// Minimum number of idle connections which is useful when establishing
	// new connection is slow.
	MinIdleConns int `mapstructure:"minIdleConns"`
	// Connection age at which client retires (closes) the connection.
	// Default is to not close aged connections.
	MaxConnAge time.Duration `mapstructure:"maxConnAge"`
	// Amount of time client waits for connection if all connections
	// are busy before returning an error.
	// Default is ReadTimeout + 1 second.
	PoolTimeout time.Duration `mapstructure:"poolTimeout"`
	// Amount of time after which client closes idle connections.
	// Default is 5 minutes. -1 disables idle timeout check.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	// The master name
	SentinelMasterName string `mapstructure:"sentinelMasterName"`
	// Use Redis Sentinel for automatic failover.
	Failover bool `mapstructure:"failover"`

	// A flag to enables TLS by setting InsecureSkipVerify to true
	EnableTLS bool `mapstructure:"enableTLS"`

	// Prefix of every key written by the component.
	KeyPrefix string `mapstructure:"keyPrefix"`
}

func (s *Settings) Decode(in map[string]string) error {
	if err := kitmd.DecodeMetadata(in, s); err != nil {
		return fmt.Errorf("decode failed. %w", err)
	}

	return nil
}

// Validate checks the decoded settings.
func (s *Settings) Validate() error {
	if s.Host == "" {
		return errors.New("redisHost is empty")
	}
	switch s.RedisType {
	case "", NodeType, ClusterType:
	default:
		return fmt.Errorf("invalid redisType: %s", s.RedisType)
	}
	if s.Failover && s.SentinelMasterName == "" {
		return errors.New("sentinelMasterName is required with failover")
	}
	return nil
}
