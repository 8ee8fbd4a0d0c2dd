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

// Package propagation carries a transaction.Context across process
// boundaries in HTTP headers and gRPC metadata.
package propagation

import (
	"context"
	"strings"

	"github.com/valyala/fasthttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/dapr/tcc-coordinator/transaction"
)

const (
	// HeaderXid carries the transaction id.
	HeaderXid = "tcc-xid"
	// HeaderPhase carries the phase the callee must execute.
	HeaderPhase = "tcc-phase"
)

// Extract reads a transaction context with get. It returns ok == false if
// no transaction id is present, and an error if the phase is invalid.
func Extract(get func(key string) string) (tc transaction.Context, ok bool, err error) {
	xid := get(HeaderXid)
	if xid == "" {
		return tc, false, nil
	}
	phase, err := transaction.ParsePhase(get(HeaderPhase))
	if err != nil {
		return tc, false, err
	}
	return transaction.Context{Xid: transaction.Xid(xid), Phase: phase}, true, nil
}

// Inject writes tc with set.
func Inject(set func(key, value string), tc transaction.Context) {
	set(HeaderXid, string(tc.Xid))
	set(HeaderPhase, string(tc.Phase))
}

// InjectMap writes tc into a header map.
func InjectMap(headers map[string]string, tc transaction.Context) {
	Inject(func(k, v string) { headers[k] = v }, tc)
}

// ExtractMap reads a transaction context from a header map. Keys are
// matched case-insensitively.
func ExtractMap(headers map[string]string) (transaction.Context, bool, error) {
	return Extract(func(key string) string {
		if v, ok := headers[key]; ok {
			return v
		}
		for k, v := range headers {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	})
}

// InjectFastHTTP writes tc into request headers.
func InjectFastHTTP(h *fasthttp.RequestHeader, tc transaction.Context) {
	Inject(h.Set, tc)
}

// ExtractFastHTTP reads a transaction context from request headers.
func ExtractFastHTTP(h *fasthttp.RequestHeader) (transaction.Context, bool, error) {
	return Extract(func(key string) string {
		return string(h.Peek(key))
	})
}

// FromFastHTTP returns ctx carrying the transaction context of an inbound
// request, if the request has one.
func FromFastHTTP(ctx context.Context, reqCtx *fasthttp.RequestCtx) (context.Context, error) {
	tc, ok, err := ExtractFastHTTP(&reqCtx.Request.Header)
	if err != nil || !ok {
		return ctx, err
	}
	return transaction.NewPropagatedContext(ctx, tc), nil
}

// NewOutgoingContext attaches tc to the outgoing gRPC metadata of ctx.
func NewOutgoingContext(ctx context.Context, tc transaction.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, HeaderXid, string(tc.Xid), HeaderPhase, string(tc.Phase))
}

// FromIncomingContext copies the transaction context found in the incoming
// gRPC metadata of ctx, if any, to where the dispatcher looks for it.
func FromIncomingContext(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, nil
	}
	tc, ok, err := Extract(func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	})
	if err != nil || !ok {
		return ctx, err
	}
	return transaction.NewPropagatedContext(ctx, tc), nil
}

// CurrentFunc returns the transaction context to attach to outbound calls.
type CurrentFunc func(ctx context.Context) (transaction.Context, bool)

// UnaryClientInterceptor attaches the current transaction context to every
// outgoing unary call.
func UnaryClientInterceptor(current CurrentFunc) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if tc, ok := current(ctx); ok {
			ctx = NewOutgoingContext(ctx, tc)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor makes the transaction context of every incoming
// unary call visible to the dispatcher.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := FromIncomingContext(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}
