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

package conformance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

func newXid() transaction.Xid {
	return transaction.Xid(uuid.New().String())
}

func sampleRoot() *transaction.Transaction {
	tx := transaction.NewRoot(newXid(), "orders.PlaceOrder")
	tx.Enlist(transaction.Participant{
		Target:        "inventory",
		ConfirmMethod: "confirmReserve",
		CancelMethod:  "cancelReserve",
		Args:          []byte(`{"sku":"A-1","qty":2}`),
		ContentType:   "application/json",
		Metadata:      map[string]string{"tenant": "acme"},
	})
	tx.Enlist(transaction.Participant{
		Target:        "payment",
		ConfirmMethod: "confirmCharge",
		CancelMethod:  "cancelCharge",
	})
	return tx
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// assertSameRecord compares two records ignoring the bookkeeping fields
// each backend stamps with its own precision.
func assertSameRecord(t *testing.T, expect, actual *transaction.Transaction) {
	t.Helper()
	require.NotNil(t, actual)
	assert.Equal(t, expect.Xid, actual.Xid)
	assert.Equal(t, expect.Type, actual.Type)
	assert.Equal(t, expect.Status, actual.Status)
	assert.Equal(t, expect.Identity, actual.Identity)
	assert.Equal(t, expect.RetriedCount, actual.RetriedCount)
	assert.Equal(t, expect.Participants, actual.Participants)
}

// ConformanceTests runs the behavior every transaction repository must show.
// repo must already be initialized and must stamp times from clk.
func ConformanceTests(t *testing.T, repo repository.Repository, clk *clocktesting.FakeClock) {
	t.Run("create", func(t *testing.T) {
		tx := sampleRoot()
		created, err := repo.Create(withTimeout(t), tx)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), tx.Version)
		assert.False(t, tx.UpdatedAt.IsZero())

		t.Run("duplicate xid is not an error", func(t *testing.T) {
			dup := transaction.NewRoot(tx.Xid, "other")
			created, err := repo.Create(withTimeout(t), dup)
			require.NoError(t, err)
			assert.False(t, created)

			stored, err := repo.FindOne(withTimeout(t), tx.Xid)
			require.NoError(t, err)
			assert.Equal(t, "orders.PlaceOrder", stored.Identity)
		})

		t.Run("round trip", func(t *testing.T) {
			stored, err := repo.FindOne(withTimeout(t), tx.Xid)
			require.NoError(t, err)
			assertSameRecord(t, tx, stored)
			assert.Equal(t, tx.Version, stored.Version)
		})
	})

	t.Run("find absent record", func(t *testing.T) {
		stored, err := repo.FindOne(withTimeout(t), newXid())
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("update bumps version", func(t *testing.T) {
		tx := sampleRoot()
		_, err := repo.Create(withTimeout(t), tx)
		require.NoError(t, err)

		clk.Step(time.Second)
		require.NoError(t, tx.ChangeStatus(transaction.StatusConfirming))
		prevUpdate := tx.UpdatedAt
		require.NoError(t, repo.Update(withTimeout(t), tx))
		assert.Equal(t, int64(2), tx.Version)
		assert.True(t, tx.UpdatedAt.After(prevUpdate))

		stored, err := repo.FindOne(withTimeout(t), tx.Xid)
		require.NoError(t, err)
		assertSameRecord(t, tx, stored)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, transaction.StatusConfirming, stored.Status)
	})

	t.Run("update with stale version conflicts", func(t *testing.T) {
		tx := sampleRoot()
		_, err := repo.Create(withTimeout(t), tx)
		require.NoError(t, err)

		stale := tx.Clone()
		require.NoError(t, repo.Update(withTimeout(t), tx))

		stale.RetriedCount = 7
		err = repo.Update(withTimeout(t), stale)
		require.Error(t, err)
		assert.True(t, repository.IsConflict(err))
		assert.Equal(t, int64(1), stale.Version)

		stored, err := repo.FindOne(withTimeout(t), tx.Xid)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.RetriedCount)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("update of missing record conflicts", func(t *testing.T) {
		tx := sampleRoot()
		tx.Version = 1
		err := repo.Update(withTimeout(t), tx)
		require.Error(t, err)
		assert.True(t, repository.IsConflict(err))
	})

	t.Run("delete", func(t *testing.T) {
		tx := sampleRoot()
		_, err := repo.Create(withTimeout(t), tx)
		require.NoError(t, err)

		t.Run("stale version conflicts", func(t *testing.T) {
			stale := tx.Clone()
			stale.Version = tx.Version + 5
			err := repo.Delete(withTimeout(t), stale)
			require.Error(t, err)
			assert.True(t, repository.IsConflict(err))

			stored, err := repo.FindOne(withTimeout(t), tx.Xid)
			require.NoError(t, err)
			assert.NotNil(t, stored)
		})

		t.Run("current version removes record", func(t *testing.T) {
			require.NoError(t, repo.Delete(withTimeout(t), tx))
			stored, err := repo.FindOne(withTimeout(t), tx.Xid)
			require.NoError(t, err)
			assert.Nil(t, stored)
		})

		t.Run("second delete conflicts", func(t *testing.T) {
			err := repo.Delete(withTimeout(t), tx)
			require.Error(t, err)
			assert.True(t, repository.IsConflict(err))
		})
	})

	t.Run("concurrent updates of one version", func(t *testing.T) {
		tx := sampleRoot()
		_, err := repo.Create(withTimeout(t), tx)
		require.NoError(t, err)

		const writers = 4
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := range writers {
			copied := tx.Clone()
			copied.RetriedCount = i + 1
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.Update(context.Background(), copied)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case repository.IsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		stored, err := repo.FindOne(withTimeout(t), tx.Xid)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("find all unmodified since", func(t *testing.T) {
		// Start from a clean window so records of earlier subtests stay old
		clk.Step(time.Hour)
		base := clk.Now()

		stuck := sampleRoot()
		_, err := repo.Create(withTimeout(t), stuck)
		require.NoError(t, err)
		require.NoError(t, stuck.ChangeStatus(transaction.StatusCancelling))
		require.NoError(t, repo.Update(withTimeout(t), stuck))

		clk.Step(9 * time.Minute)
		fresh := sampleRoot()
		_, err = repo.Create(withTimeout(t), fresh)
		require.NoError(t, err)

		clk.Step(time.Minute)
		found, err := repo.FindAllUnmodifiedSince(withTimeout(t), clk.Now().Add(-5*time.Minute))
		require.NoError(t, err)

		var matched *transaction.Transaction
		for _, tx := range found {
			assert.NotEqual(t, fresh.Xid, tx.Xid)
			assert.True(t, tx.UpdatedAt.Before(base.Add(5*time.Minute)))
			if tx.Xid == stuck.Xid {
				matched = tx
			}
		}
		require.NotNil(t, matched)
		assert.Equal(t, transaction.StatusCancelling, matched.Status)
		assert.Equal(t, int64(2), matched.Version)

		t.Run("cutoff before every record", func(t *testing.T) {
			found, err := repo.FindAllUnmodifiedSince(withTimeout(t), time.Unix(0, 0))
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	})
}
