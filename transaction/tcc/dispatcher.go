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
	"errors"
	"slices"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/transaction"
)

// MethodContext describes one intercepted call of a compensable method.
// The invocation arguments are captured by the Proceed function.
type MethodContext struct {
	// Method uniquely identifies the compensable method. It is recorded as
	// the identity of the transactions it begins.
	Method      string
	Propagation Propagation

	// AsyncConfirm and AsyncCancel detach the completion of a root
	// transaction from the call.
	AsyncConfirm bool
	AsyncCancel  bool

	// DelayCancelKinds lists the failure kinds that leave the transaction
	// in TRYING instead of cancelling it, for recovery to decide later.
	DelayCancelKinds []transaction.ErrorKind

	// Participant is the method's own confirm and cancel step. If set, it
	// is enlisted before the try runs.
	Participant *transaction.Participant

	// Propagated is the inbound transaction context. If nil, it is taken
	// from the call's context.Context.
	Propagated *transaction.Context
}

// Proceed runs the business method.
type Proceed func(ctx context.Context) (any, error)

// Dispatcher runs intercepted calls in the phase their role requires.
type Dispatcher struct {
	logger           logger.Logger
	manager          *Manager
	delayCancelKinds []transaction.ErrorKind
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDelayCancelKinds sets failure kinds that delay cancellation for every
// method, in addition to the method's own.
func WithDelayCancelKinds(kinds ...transaction.ErrorKind) DispatcherOption {
	return func(d *Dispatcher) {
		d.delayCancelKinds = append(d.delayCancelKinds, kinds...)
	}
}

// NewDispatcher returns a Dispatcher backed by manager.
func NewDispatcher(logger logger.Logger, manager *Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		manager: manager,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke runs proceed as the call described by mc.
// It returns the business result, or nil when the call only completed a
// propagated confirm or cancel.
func (d *Dispatcher) Invoke(ctx context.Context, mc MethodContext, proceed Proceed) (any, error) {
	ctx = WithScope(ctx)
	if mc.Propagated == nil {
		if tc, ok := transaction.PropagatedFromContext(ctx); ok {
			mc.Propagated = &tc
		}
	}

	active := d.manager.IsTransactionActive(ctx)
	if !IsLegalContext(active, &mc) {
		return nil, transaction.NewSystemError(nil, "no active transaction for method %s with propagation %s", mc.Method, mc.Propagation)
	}

	// Calls nested in this one must not see the inbound context again.
	inner := transaction.WithoutPropagatedContext(ctx)

	switch role := ResolveRole(active, &mc); role {
	case RoleRoot:
		return d.root(ctx, inner, &mc, proceed)
	case RoleProvider:
		return d.provider(ctx, inner, &mc, proceed)
	default:
		return proceed(inner)
	}
}

func (d *Dispatcher) root(ctx, inner context.Context, mc *MethodContext, proceed Proceed) (any, error) {
	tx, err := d.manager.Begin(ctx, mc.Method)
	if err != nil {
		return nil, err
	}
	defer d.cleanup(ctx, tx)

	res, err := d.try(ctx, inner, mc, proceed)
	if err != nil {
		if d.delayCancel(mc, err) {
			d.logger.Infof("Delaying cancel of transaction %s after %s failed: %v", tx.Xid, mc.Method, err)
			return nil, err
		}
		if rbErr := d.manager.Rollback(ctx, mc.AsyncCancel); rbErr != nil {
			d.logger.Errorf("Failed to cancel transaction %s: %v", tx.Xid, rbErr)
		}
		return nil, err
	}

	if err := d.manager.Commit(ctx, mc.AsyncConfirm); err != nil {
		if IsCompletionError(err) {
			d.logger.Warnf("Transaction %s is confirmed but not all participants acknowledged, leaving it to recovery: %v", tx.Xid, err)
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) provider(ctx, inner context.Context, mc *MethodContext, proceed Proceed) (any, error) {
	tc := *mc.Propagated

	switch tc.Phase {
	case transaction.PhaseTrying:
		tx, err := d.manager.PropagationNewBegin(ctx, tc)
		if err != nil {
			return nil, err
		}
		defer d.cleanup(ctx, tx)
		return d.try(ctx, inner, mc, proceed)

	case transaction.PhaseConfirming, transaction.PhaseCancelling:
		tx, err := d.manager.PropagationExistBegin(ctx, tc)
		if errors.Is(err, transaction.ErrNoExistedTransaction) {
			d.logger.Debugf("No branch of transaction %s to %s, it already completed", tc.Xid, tc.Phase)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer d.cleanup(ctx, tx)

		if tc.Phase == transaction.PhaseConfirming {
			return nil, d.manager.Commit(ctx, mc.AsyncConfirm)
		}
		return nil, d.manager.Rollback(ctx, mc.AsyncCancel)

	default:
		return nil, transaction.NewSystemError(nil, "unknown phase %q of transaction %s for method %s", tc.Phase, tc.Xid, mc.Method)
	}
}

func (d *Dispatcher) try(ctx, inner context.Context, mc *MethodContext, proceed Proceed) (any, error) {
	if mc.Participant != nil {
		if err := d.manager.Enlist(ctx, *mc.Participant); err != nil {
			return nil, err
		}
	}
	return proceed(inner)
}

func (d *Dispatcher) cleanup(ctx context.Context, tx *transaction.Transaction) {
	if err := d.manager.CleanAfterCompletion(context.WithoutCancel(ctx), tx); err != nil {
		d.logger.Errorf("Failed to clean up transaction %s: %v", tx.Xid, err)
	}
}

func (d *Dispatcher) delayCancel(mc *MethodContext, err error) bool {
	kinds := slices.Concat(d.delayCancelKinds, mc.DelayCancelKinds)
	return len(kinds) > 0 && transaction.MatchesKind(err, kinds...)
}

// Invoke runs fn through d and returns its typed result.
func Invoke[T any](ctx context.Context, d *Dispatcher, mc MethodContext, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := d.Invoke(ctx, mc, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if v, ok := res.(T); ok {
		return v, nil
	}
	return zero, nil
}
