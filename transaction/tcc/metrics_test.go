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
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapr/tcc-coordinator/transaction"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	t.Run("engine", func(t *testing.T) {
		m, _, inv := newTestManager(t, WithMetrics(metrics))
		ctx := WithScope(t.Context())

		_, err := m.Begin(ctx, "svc.pay")
		require.NoError(t, err)
		require.NoError(t, m.Enlist(ctx, testParticipant("a")))
		inv.fail("a.confirm", 1)
		require.Error(t, m.Commit(ctx, false))
		require.NoError(t, m.Commit(ctx, false))

		_, err = m.PropagationNewBegin(ctx, transaction.Context{Xid: "xid-1", Phase: transaction.PhaseTrying})
		require.NoError(t, err)

		assert.InDelta(t, 1, testutil.ToFloat64(metrics.begun.WithLabelValues("ROOT")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.begun.WithLabelValues("BRANCH")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.completions.WithLabelValues("CONFIRMING", "failure")), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.completions.WithLabelValues("CONFIRMING", "success")), 0)
	})

	t.Run("recovery", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{})
		f.manager.opts.Metrics = metrics
		f.seed(t, "confirming", transaction.TypeRoot, transaction.StatusConfirming)
		f.seed(t, "trying", transaction.TypeBranch, transaction.StatusTrying)
		f.clock.Step(3 * time.Minute)

		_, err := f.recovery.Sweep(t.Context())
		require.NoError(t, err)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.recovered.WithLabelValues(string(OutcomeConfirmed))), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.recovered.WithLabelValues(string(OutcomeSkipped))), 0)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.sweeps.WithLabelValues("done")), 0)
		assert.InDelta(t, 2, testutil.ToFloat64(metrics.stuck), 0)
		assert.Equal(t, 1, testutil.CollectAndCount(metrics.sweepDuration))
	})

	t.Run("registered twice", func(t *testing.T) {
		_, err := NewMetrics(reg)
		require.Error(t, err)
		var are prometheus.AlreadyRegisteredError
		assert.True(t, errors.As(err, &are))
	})

	t.Run("nil metrics", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.transactionBegun(transaction.TypeRoot)
			m.completion(transaction.StatusCancelling, nil)
			m.recoveredTransaction(OutcomeFailed)
			m.sweep("done", time.Second, 1)
		})
	})
}
