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

// Method is an in-process confirm or cancel step. It receives the original
// invocation arguments of the participant; the transaction context is
// available with transaction.PropagatedFromContext.
type Method func(ctx context.Context, args []byte) error

// Local invokes participants whose confirm and cancel steps live in the
// current process.
type Local struct {
	lock    sync.RWMutex
	methods map[string]Method
}

// NewLocal returns an empty method table.
func NewLocal() *Local {
	return &Local{
		methods: map[string]Method{},
	}
}

// Register adds a method under name.
func (l *Local) Register(name string, m Method) *Local {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.methods[name] = m
	return l
}

func (l *Local) Invoke(ctx context.Context, tc transaction.Context, p *transaction.Participant) error {
	name := p.Method(tc.Phase)

	l.lock.RLock()
	m, ok := l.methods[name]
	l.lock.RUnlock()
	if !ok {
		return transaction.NewSystemError(nil, "participant method %q is not registered", name)
	}

	return m(transaction.NewPropagatedContext(ctx, tc), p.Args)
}
