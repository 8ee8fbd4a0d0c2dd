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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dapr/kit/logger"
	"github.com/dapr/kit/retry"

	"github.com/dapr/tcc-coordinator/metadata"
	"github.com/dapr/tcc-coordinator/transaction/tcc"
)

const (
	defaultAdminAddress = ":9090"
	defaultLogLevel     = "info"
)

// Config is the configuration of the recovery daemon.
type Config struct {
	LogLevel string `yaml:"logLevel"`

	Repository   ComponentConfig     `yaml:"repository"`
	Cache        CacheConfig         `yaml:"cache"`
	Lock         *ComponentConfig    `yaml:"lock"`
	Participants []ParticipantConfig `yaml:"participants"`

	Recovery        tcc.RecoveryConfig `yaml:"recovery"`
	CompletionRetry map[string]any     `yaml:"completionRetry"`

	Admin AdminConfig `yaml:"admin"`
}

// ComponentConfig selects a backend by type and passes it metadata.
type ComponentConfig struct {
	Type     string         `yaml:"type"`
	Metadata map[string]any `yaml:"metadata"`
}

// Base returns the component metadata for the backend.
func (c ComponentConfig) Base(name string) (metadata.Base, error) {
	props, err := ToProperties(c.Metadata)
	if err != nil {
		return metadata.Base{}, fmt.Errorf("%s: %w", name, err)
	}
	return metadata.Base{Name: name, Properties: props}, nil
}

// CacheConfig enables the read-through record cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// ParticipantConfig routes participants with Target to an HTTP endpoint.
// Metadata is passed to the HTTP invoker (baseURL, timeout, ...).
type ParticipantConfig struct {
	Target   string         `yaml:"target"`
	Default  bool           `yaml:"default"`
	Metadata map[string]any `yaml:"metadata"`
}

// Properties returns the invoker properties.
func (p ParticipantConfig) Properties() (map[string]string, error) {
	props, err := ToProperties(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", p.Target, err)
	}
	return props, nil
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// LoadFile reads and parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Recovery: tcc.DefaultRecoveryConfig(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = defaultAdminAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %q", c.LogLevel))
	}
	if c.Repository.Type == "" {
		errs = append(errs, errors.New("repository type is required"))
	}
	if c.Lock != nil && c.Lock.Type == "" {
		errs = append(errs, errors.New("lock type is required when lock is set"))
	}

	seen := map[string]bool{}
	defaults := 0
	for i, p := range c.Participants {
		switch {
		case p.Target == "":
			errs = append(errs, fmt.Errorf("participant %d has no target", i))
		case seen[p.Target]:
			errs = append(errs, fmt.Errorf("participant %s is configured twice", p.Target))
		}
		seen[p.Target] = true
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("at most one participant can be the default"))
	}

	if _, err := c.CompletionRetryConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() logger.LogLevel {
	return logger.LogLevel(strings.ToLower(c.LogLevel))
}

// CompletionRetryConfig returns the retry policy of asynchronous
// completions, starting from the engine defaults.
func (c *Config) CompletionRetryConfig() (retry.Config, error) {
	cfg := tcc.DefaultCompletionRetry()
	if len(c.CompletionRetry) == 0 {
		return cfg, nil
	}
	props, err := ToProperties(c.CompletionRetry)
	if err != nil {
		return cfg, fmt.Errorf("completionRetry: %w", err)
	}
	if err := retry.DecodeConfig(&cfg, props); err != nil {
		return cfg, fmt.Errorf("invalid completionRetry: %w", err)
	}
	return cfg, nil
}
