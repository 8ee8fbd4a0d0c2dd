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
	"context"
	"slices"
	"sync"

	"github.com/dapr/tcc-coordinator/transaction"
)

// Scope is the stack of transactions entered by one call chain.
// It travels in a context.Context so that nested calls on the same chain
// see the transaction their caller began, while unrelated calls never do.
type Scope struct {
	lock  sync.Mutex
	stack []*transaction.Transaction
}

type scopeKey struct{}

// WithScope returns ctx carrying a transaction scope.
// If ctx already carries one it is returned unchanged.
func WithScope(ctx context.Context) context.Context {
	if scopeFromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, &Scope{})
}

func scopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func (s *Scope) push(tx *transaction.Transaction) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stack = append(s.stack, tx)
}

// pop removes tx from the stack. It reports false if tx was not on top,
// in which case it is removed from wherever it is.
func (s *Scope) pop(tx *transaction.Transaction) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := len(s.stack)
	if n > 0 && s.stack[n-1] == tx {
		s.stack[n-1] = nil
		s.stack = s.stack[:n-1]
		return true
	}
	if i := slices.Index(s.stack, tx); i >= 0 {
		s.stack = slices.Delete(s.stack, i, i+1)
	}
	return false
}

func (s *Scope) current() *transaction.Transaction {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// Depth returns the number of transactions on the stack.
func (s *Scope) Depth() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.stack)
}
