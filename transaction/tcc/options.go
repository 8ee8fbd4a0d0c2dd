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

package tcc

import (
	"time"

	"github.com/dapr/kit/retry"
)

// Options configures a Manager.
type Options struct {
	// Retry policy of confirm and cancel steps detached from the caller.
	CompletionRetry retry.Config
	// Metrics, may be nil.
	Metrics *Metrics
}

type Option func(*Options)

// WithCompletionRetry sets the retry policy of asynchronous confirm and cancel.
func WithCompletionRetry(cfg retry.Config) Option {
	return func(o *Options) {
		o.CompletionRetry = cfg
	}
}

// WithMetrics records engine metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// DefaultCompletionRetry is the retry policy of asynchronous confirm and
// cancel: a few exponential attempts, after which the recovery sweeper
// takes over.
func DefaultCompletionRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Policy = retry.PolicyExponential
	cfg.InitialInterval = 200 * time.Millisecond
	cfg.MaxInterval = 5 * time.Second
	cfg.MaxElapsedTime = time.Minute
	cfg.MaxRetries = 5
	return cfg
}

// Normalize parameters
func repair(o *Options) {
	var empty retry.Config
	if o.CompletionRetry == empty {
		o.CompletionRetry = DefaultCompletionRetry()
	}
}
