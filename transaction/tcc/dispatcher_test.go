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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/repository/inmemory"
	"github.com/dapr/tcc-coordinator/transaction"
	"github.com/dapr/tcc-coordinator/transaction/participant"
	"github.com/dapr/tcc-coordinator/transaction/propagation"
)

const kindTimeout transaction.ErrorKind = "timeout"

type journal struct {
	lock    sync.Mutex
	entries []string
	fail    map[string]error
}

func (j *journal) record(name string) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.entries = append(j.entries, name)
	return j.fail[name]
}

func (j *journal) failWith(name string, err error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.fail[name] = err
}

func (j *journal) count(name string) int {
	j.lock.Lock()
	defer j.lock.Unlock()
	n := 0
	for _, e := range j.entries {
		if e == name {
			n++
		}
	}
	return n
}

// service is one process taking part in transactions, with its own
// repository, manager and dispatcher.
type service struct {
	repo       *inmemory.Repository
	invokers   *participant.Registry
	manager    *Manager
	dispatcher *Dispatcher
	journal    *journal
}

func newService(t *testing.T, opts ...DispatcherOption) *service {
	t.Helper()

	log := logger.NewLogger("test")
	s := &service{
		repo:     inmemory.NewInMemoryRepository(log),
		invokers: participant.NewRegistry(),
		journal:  &journal{fail: map[string]error{}},
	}
	s.invokers.SetDefault(participant.InvokerFunc(func(_ context.Context, tc transaction.Context, p *transaction.Participant) error {
		return s.journal.record(p.Method(tc.Phase))
	}))
	s.manager = NewManager(log, s.repo, s.invokers, WithCompletionRetry(fastRetry()))
	s.dispatcher = NewDispatcher(log, s.manager, opts...)
	t.Cleanup(func() {
		s.manager.Close()
	})
	return s
}

func (s *service) records(t *testing.T) []*transaction.Transaction {
	t.Helper()
	txs, err := s.repo.FindAllUnmodifiedSince(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return txs
}

// wire simulates an inbound call carrying tc over the wire.
func wire(tc transaction.Context) (context.Context, error) {
	headers := map[string]string{}
	propagation.InjectMap(headers, tc)
	got, ok, err := propagation.ExtractMap(headers)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("transaction context lost in transit")
	}
	return transaction.NewPropagatedContext(context.Background(), got), nil
}

func remote(t *testing.T, tc transaction.Context) context.Context {
	t.Helper()
	ctx, err := wire(tc)
	require.NoError(t, err)
	return ctx
}

// reserve is the compensable method of the inventory service.
func (s *service) reserve(ctx context.Context) (string, error) {
	return Invoke(ctx, s.dispatcher, MethodContext{
		Method: "inventory.reserve",
		Participant: &transaction.Participant{
			Target:        "inventory",
			ConfirmMethod: "reserve.confirm",
			CancelMethod:  "reserve.cancel",
		},
	}, func(context.Context) (string, error) {
		if err := s.journal.record("reserve.try"); err != nil {
			return "", err
		}
		return "reserved", nil
	})
}

// order is the compensable method of the order service. It reserves stock
// on inventory and fails with fail, if set.
func (s *service) order(ctx context.Context, inventory *service, mc MethodContext, fail error) (string, error) {
	mc.Method = "order.place"
	mc.Participant = &transaction.Participant{
		Target:        "order",
		ConfirmMethod: "order.confirm",
		CancelMethod:  "order.cancel",
	}
	return Invoke(ctx, s.dispatcher, mc, func(ctx context.Context) (string, error) {
		s.journal.record("order.try")

		err := s.manager.Enlist(ctx, transaction.Participant{
			Target:        "inventory",
			ConfirmMethod: "inventory.reserve",
			CancelMethod:  "inventory.reserve",
		})
		if err != nil {
			return "", err
		}
		tc, _ := s.manager.CurrentContext(ctx)
		remoteCtx, err := wire(tc)
		if err != nil {
			return "", err
		}
		if _, err := inventory.reserve(remoteCtx); err != nil {
			return "", err
		}
		if fail != nil {
			return "", fail
		}
		return "placed", nil
	})
}

// newPair returns an order service whose transactions span an inventory
// service.
func newPair(t *testing.T, opts ...DispatcherOption) (*service, *service) {
	orders := newService(t, opts...)
	inventory := newService(t)
	orders.invokers.Register("inventory", participant.InvokerFunc(func(_ context.Context, tc transaction.Context, _ *transaction.Participant) error {
		ctx, err := wire(tc)
		if err != nil {
			return err
		}
		_, err = inventory.reserve(ctx)
		return err
	}))
	return orders, inventory
}

func TestRootConfirm(t *testing.T) {
	orders, inventory := newPair(t)

	res, err := orders.order(t.Context(), inventory, MethodContext{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "placed", res)

	assert.Equal(t, []string{"order.try", "order.confirm"}, orders.journal.entries)
	assert.Equal(t, []string{"reserve.try", "reserve.confirm"}, inventory.journal.entries)
	assert.Empty(t, orders.records(t))
	assert.Empty(t, inventory.records(t))
}

func TestRootCancel(t *testing.T) {
	orders, inventory := newPair(t)
	businessErr := errors.New("payment declined")

	res, err := orders.order(t.Context(), inventory, MethodContext{}, businessErr)
	require.ErrorIs(t, err, businessErr)
	assert.Empty(t, res)

	assert.Equal(t, 1, orders.journal.count("order.cancel"))
	assert.Equal(t, 1, inventory.journal.count("reserve.cancel"))
	assert.Equal(t, 0, inventory.journal.count("reserve.confirm"))
	assert.Empty(t, orders.records(t))
	assert.Empty(t, inventory.records(t))
}

func TestRootCancelAfterProviderTryFailed(t *testing.T) {
	orders, inventory := newPair(t)
	inventory.journal.failWith("reserve.try", errors.New("out of stock"))

	_, err := orders.order(t.Context(), inventory, MethodContext{}, nil)
	require.EqualError(t, err, "out of stock")

	// The branch was stored before its try ran, so it is cancelled too.
	assert.Equal(t, 1, orders.journal.count("order.cancel"))
	assert.Equal(t, 1, inventory.journal.count("reserve.cancel"))
	assert.Empty(t, orders.records(t))
	assert.Empty(t, inventory.records(t))
}

func TestRootDelayCancel(t *testing.T) {
	tests := []struct {
		name string
		opts []DispatcherOption
		mc   MethodContext
		err  error
	}{
		{
			name: "method kind",
			mc:   MethodContext{DelayCancelKinds: []transaction.ErrorKind{kindTimeout}},
			err:  transaction.WithKind(kindTimeout, errors.New("deadline exceeded")),
		},
		{
			name: "global kind on root cause",
			opts: []DispatcherOption{WithDelayCancelKinds(kindTimeout)},
			err:  fmt.Errorf("calling payments: %w", transaction.WithKind(kindTimeout, errors.New("deadline exceeded"))),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, inventory := newPair(t, tt.opts...)

			_, err := orders.order(t.Context(), inventory, tt.mc, tt.err)
			require.ErrorIs(t, err, tt.err)

			assert.Equal(t, 0, orders.journal.count("order.cancel"))
			assert.Equal(t, 0, inventory.journal.count("reserve.cancel"))
			txs := orders.records(t)
			require.Len(t, txs, 1)
			assert.Equal(t, transaction.StatusTrying, txs[0].Status)
			assert.Len(t, txs[0].Participants, 2)
			assert.Len(t, inventory.records(t), 1)
		})
	}

	t.Run("other kind cancels", func(t *testing.T) {
		orders, inventory := newPair(t, WithDelayCancelKinds(kindTimeout))

		_, err := orders.order(t.Context(), inventory, MethodContext{}, transaction.WithKind("validation", errors.New("bad input")))
		require.Error(t, err)
		assert.Equal(t, 1, orders.journal.count("order.cancel"))
		assert.Empty(t, orders.records(t))
	})
}

func TestConfirmFailureLeftToRecovery(t *testing.T) {
	orders, inventory := newPair(t)
	inventory.journal.failWith("reserve.confirm", errors.New("inventory unavailable"))

	res, err := orders.order(t.Context(), inventory, MethodContext{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "placed", res)

	txs := orders.records(t)
	require.Len(t, txs, 1)
	assert.Equal(t, transaction.StatusConfirming, txs[0].Status)
	txs = inventory.records(t)
	require.Len(t, txs, 1)
	assert.Equal(t, transaction.StatusConfirming, txs[0].Status)
}

func TestProviderIdempotent(t *testing.T) {
	inventory := newService(t)
	xid := transaction.Xid("xid-1")

	_, err := inventory.reserve(remote(t, transaction.Context{Xid: xid, Phase: transaction.PhaseTrying}))
	require.NoError(t, err)
	require.Len(t, inventory.records(t), 1)

	t.Run("try delivered again", func(t *testing.T) {
		_, err := inventory.reserve(remote(t, transaction.Context{Xid: xid, Phase: transaction.PhaseTrying}))
		require.NoError(t, err)
		txs := inventory.records(t)
		require.Len(t, txs, 1)
		assert.Len(t, txs[0].Participants, 1)
	})

	t.Run("confirm delivered twice", func(t *testing.T) {
		for range 2 {
			res, err := inventory.reserve(remote(t, transaction.Context{Xid: xid, Phase: transaction.PhaseConfirming}))
			require.NoError(t, err)
			assert.Empty(t, res)
		}
		assert.Equal(t, 1, inventory.journal.count("reserve.confirm"))
		assert.Empty(t, inventory.records(t))
	})

	t.Run("cancel after confirm", func(t *testing.T) {
		_, err := inventory.reserve(remote(t, transaction.Context{Xid: xid, Phase: transaction.PhaseCancelling}))
		require.NoError(t, err)
		assert.Equal(t, 0, inventory.journal.count("reserve.cancel"))
	})
}

func TestProviderConfirmWithoutRecord(t *testing.T) {
	s := newService(t)
	called := false

	res, err := Invoke(remote(t, transaction.Context{Xid: "missing", Phase: transaction.PhaseConfirming}), s.dispatcher, MethodContext{
		Method: "inventory.count",
	}, func(context.Context) (int, error) {
		called = true
		return 42, nil
	})
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.False(t, called)
}

func TestProviderConfirmFailureReturned(t *testing.T) {
	inventory := newService(t)
	tc := transaction.Context{Xid: "xid-1", Phase: transaction.PhaseTrying}
	_, err := inventory.reserve(remote(t, tc))
	require.NoError(t, err)

	inventory.journal.failWith("reserve.confirm", errors.New("inventory unavailable"))
	tc.Phase = transaction.PhaseConfirming
	_, err = inventory.reserve(remote(t, tc))
	require.Error(t, err)
	assert.True(t, IsCompletionError(err))
	assert.Len(t, inventory.records(t), 1)
}

func TestProviderAsyncCompletion(t *testing.T) {
	tests := []struct {
		phase  transaction.Phase
		status transaction.Status
		method string
	}{
		{transaction.PhaseConfirming, transaction.StatusConfirming, "reserve.confirm"},
		{transaction.PhaseCancelling, transaction.StatusCancelling, "reserve.cancel"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			inventory := newService(t)
			release := make(chan struct{})
			inventory.invokers.SetDefault(participant.InvokerFunc(func(ctx context.Context, tc transaction.Context, p *transaction.Participant) error {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
				return inventory.journal.record(p.Method(tc.Phase))
			}))
			reserve := func(ctx context.Context) error {
				_, err := inventory.dispatcher.Invoke(ctx, MethodContext{
					Method:       "inventory.reserve",
					AsyncConfirm: true,
					AsyncCancel:  true,
					Participant: &transaction.Participant{
						Target:        "inventory",
						ConfirmMethod: "reserve.confirm",
						CancelMethod:  "reserve.cancel",
					},
				}, func(context.Context) (any, error) {
					return nil, nil
				})
				return err
			}

			tc := transaction.Context{Xid: "xid-async", Phase: transaction.PhaseTrying}
			require.NoError(t, reserve(remote(t, tc)))

			tc.Phase = tt.phase
			ctx := remote(t, tc)
			done := make(chan error, 1)
			go func() {
				done <- reserve(ctx)
			}()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				close(release)
				t.Fatal("provider waited for its participants to complete")
			}

			txs := inventory.records(t)
			require.Len(t, txs, 1)
			assert.Equal(t, tt.status, txs[0].Status)
			assert.Equal(t, 0, inventory.journal.count(tt.method))

			close(release)
			assert.Eventually(t, func() bool {
				return inventory.journal.count(tt.method) == 1 && len(inventory.records(t)) == 0
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestProviderUnknownPhase(t *testing.T) {
	s := newService(t)
	ctx := transaction.NewPropagatedContext(t.Context(), transaction.Context{Xid: "xid-1", Phase: "COMMITTING"})

	_, err := s.dispatcher.Invoke(ctx, MethodContext{Method: "inventory.reserve"}, func(context.Context) (any, error) {
		return nil, nil
	})
	assert.True(t, transaction.IsSystemError(err))
}

func TestMandatoryWithoutTransaction(t *testing.T) {
	s := newService(t)
	called := false

	_, err := s.dispatcher.Invoke(t.Context(), MethodContext{
		Method:      "inventory.release",
		Propagation: PropagationMandatory,
	}, func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, transaction.IsSystemError(err))
	assert.Contains(t, err.Error(), "inventory.release")
	assert.False(t, called)
}

func TestNestedCalls(t *testing.T) {
	s := newService(t)

	t.Run("required joins the root", func(t *testing.T) {
		_, err := s.dispatcher.Invoke(t.Context(), MethodContext{Method: "outer"}, func(ctx context.Context) (any, error) {
			root := s.manager.CurrentTransaction(ctx)
			require.NotNil(t, root)

			for _, p := range []Propagation{PropagationRequired, PropagationMandatory, PropagationSupports} {
				_, err := s.dispatcher.Invoke(ctx, MethodContext{Method: "inner", Propagation: p}, func(ctx context.Context) (any, error) {
					assert.Same(t, root, s.manager.CurrentTransaction(ctx))
					return nil, nil
				})
				require.NoError(t, err)
			}
			assert.Len(t, s.records(t), 1)
			return nil, nil
		})
		require.NoError(t, err)
		assert.Empty(t, s.records(t))
	})

	t.Run("requires new begins another root", func(t *testing.T) {
		_, err := s.dispatcher.Invoke(t.Context(), MethodContext{Method: "outer"}, func(ctx context.Context) (any, error) {
			outer := s.manager.CurrentTransaction(ctx)

			_, err := s.dispatcher.Invoke(ctx, MethodContext{Method: "audit", Propagation: PropagationRequiresNew}, func(ctx context.Context) (any, error) {
				inner := s.manager.CurrentTransaction(ctx)
				assert.NotEqual(t, outer.Xid, inner.Xid)
				assert.Len(t, s.records(t), 2)
				return nil, nil
			})
			require.NoError(t, err)

			assert.Same(t, outer, s.manager.CurrentTransaction(ctx))
			assert.Len(t, s.records(t), 1)
			return nil, nil
		})
		require.NoError(t, err)
		assert.Empty(t, s.records(t))
	})

	t.Run("supports without transaction", func(t *testing.T) {
		res, err := Invoke(t.Context(), s.dispatcher, MethodContext{Method: "lookup", Propagation: PropagationSupports}, func(ctx context.Context) (string, error) {
			assert.False(t, s.manager.IsTransactionActive(ctx))
			return "found", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "found", res)
		assert.Empty(t, s.records(t))
	})
}

func TestAsyncCompletion(t *testing.T) {
	orders, inventory := newPair(t)

	_, err := orders.order(t.Context(), inventory, MethodContext{AsyncConfirm: true}, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return inventory.journal.count("reserve.confirm") == 1 && len(orders.records(t)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = orders.order(t.Context(), inventory, MethodContext{AsyncCancel: true}, errors.New("payment declined"))
	require.Error(t, err)
	assert.Eventually(t, func() bool {
		return inventory.journal.count("reserve.cancel") == 1 && len(orders.records(t)) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, inventory.records(t))
}

func TestConcurrentRootsAreIsolated(t *testing.T) {
	s := newService(t)

	const n = 8
	xids := make(chan transaction.Xid, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.dispatcher.Invoke(context.Background(), MethodContext{Method: "op"}, func(ctx context.Context) (any, error) {
				tx := s.manager.CurrentTransaction(ctx)
				if tx == nil {
					return nil, errors.New("no transaction")
				}
				xids <- tx.Xid
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(xids)

	seen := map[transaction.Xid]struct{}{}
	for xid := range xids {
		seen[xid] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Empty(t, s.records(t))
}
