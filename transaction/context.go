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

package transaction

import (
	"context"
)

// Context is the transaction context propagated across process boundaries.
type Context struct {
	Xid   Xid   `json:"xid"`
	Phase Phase `json:"phase"`
}

type propagatedKey struct{}

// NewPropagatedContext stores a transaction context extracted from an inbound
// call so the dispatcher can find it.
func NewPropagatedContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, propagatedKey{}, tc)
}

// PropagatedFromContext returns the inbound transaction context, if any.
func PropagatedFromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(propagatedKey{}).(Context)
	return tc, ok && tc.Xid != ""
}

// WithoutPropagatedContext hides the inbound transaction context from calls
// made with the returned context.
func WithoutPropagatedContext(ctx context.Context) context.Context {
	if _, ok := PropagatedFromContext(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, propagatedKey{}, Context{})
}
