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

package participant

import (
	"context"
	"sync"

	"github.com/dapr/tcc-coordinator/transaction"
)

// Invoker runs the confirm or cancel step of a participant. The step to run
// is selected by tc.Phase.
type Invoker interface {
	Invoke(ctx context.Context, tc transaction.Context, p *transaction.Participant) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, tc transaction.Context, p *transaction.Participant) error

func (f InvokerFunc) Invoke(ctx context.Context, tc transaction.Context, p *transaction.Participant) error {
	return f(ctx, tc, p)
}

// Registry routes each participant to the invoker registered for its Target.
type Registry struct {
	lock     sync.RWMutex
	invokers map[string]Invoker
	fallback Invoker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: map[string]Invoker{},
	}
}

// Register sets the invoker for target, replacing any previous one.
func (r *Registry) Register(target string, invoker Invoker) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.invokers[target] = invoker
}

// SetDefault sets the invoker used for targets without a registration.
func (r *Registry) SetDefault(invoker Invoker) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fallback = invoker
}

// Targets returns the registered target names.
func (r *Registry) Targets() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]string, 0, len(r.invokers))
	for k := range r.invokers {
		res = append(res, k)
	}
	return res
}

func (r *Registry) Invoke(ctx context.Context, tc transaction.Context, p *transaction.Participant) error {
	r.lock.RLock()
	invoker, ok := r.invokers[p.Target]
	if !ok {
		invoker = r.fallback
	}
	r.lock.RUnlock()

	if invoker == nil {
		return transaction.NewSystemError(nil, "no invoker registered for participant target %q", p.Target)
	}
	return invoker.Invoke(ctx, tc, p)
}
