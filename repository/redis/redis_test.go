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

package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/metadata"
	"github.com/dapr/tcc-coordinator/repository"
	conformance "github.com/dapr/tcc-coordinator/tests/conformance/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

func newTestRepository(t *testing.T, props map[string]string) (*Repository, *miniredis.Miniredis, *clocktesting.FakeClock) {
	t.Helper()

	s := miniredis.RunT(t)
	if props == nil {
		props = map[string]string{}
	}
	props["redisHost"] = s.Addr()

	clk := clocktesting.NewFakeClock(time.Now())
	r := NewRedisRepository(logger.NewLogger("test"))
	r.clock = clk
	require.NoError(t, r.Init(t.Context(), repository.Metadata{Base: metadata.Base{Properties: props}}))
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r, s, clk
}

func TestRedisConformance(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		r, _, clk := newTestRepository(t, nil)
		conformance.ConformanceTests(t, r, clk)
	})

	t.Run("msgpack", func(t *testing.T) {
		r, _, clk := newTestRepository(t, map[string]string{"codec": "msgpack"})
		conformance.ConformanceTests(t, r, clk)
	})
}

func TestKeyLayout(t *testing.T) {
	r, s, _ := newTestRepository(t, map[string]string{"keyPrefix": "orders"})

	tx := transaction.NewRoot("xid-1", "svc")
	_, err := r.Create(t.Context(), tx)
	require.NoError(t, err)

	assert.Equal(t, "1", s.HGet("{orders}:tx:xid-1", fieldVersion))
	members, err := s.ZMembers("{orders}:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"xid-1"}, members)

	require.NoError(t, r.Delete(t.Context(), tx))
	assert.False(t, s.Exists("{orders}:tx:xid-1"))
}

func TestIndexWithoutRecordIsSkipped(t *testing.T) {
	r, s, clk := newTestRepository(t, nil)

	_, err := s.ZAdd("{tcc}:index", float64(clk.Now().Add(-time.Hour).UnixMilli()), "ghost")
	require.NoError(t, err)

	found, err := r.FindAllUnmodifiedSince(t.Context(), clk.Now())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestServerErrorsAreIOErrors(t *testing.T) {
	r, s, _ := newTestRepository(t, nil)
	s.SetError("ERR injected failure")

	_, err := r.FindOne(t.Context(), "xid-1")
	require.Error(t, err)
	assert.True(t, repository.IsIOError(err))

	_, err = r.Create(t.Context(), transaction.NewRoot("xid-1", "svc"))
	require.Error(t, err)
	assert.True(t, repository.IsIOError(err))
}
