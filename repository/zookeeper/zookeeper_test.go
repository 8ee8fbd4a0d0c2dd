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

package zookeeper

import (
	"errors"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/repository"
	conformance "github.com/dapr/tcc-coordinator/tests/conformance/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

type fakeNode struct {
	data    []byte
	version int32
}

// fakeConn keeps znodes in memory and checks data versions like a server.
type fakeConn struct {
	lock   sync.Mutex
	nodes  map[string]*fakeNode
	closed bool
	getErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]*fakeNode{}}
}

func (c *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if parent := path.Dir(p); parent != "/" {
		if _, ok := c.nodes[parent]; !ok {
			return "", zk.ErrNoNode
		}
	}
	c.nodes[p] = &fakeNode{data: data}
	return p, nil
}

func (c *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.getErr != nil {
		return nil, nil, c.getErr
	}
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++
	return &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Delete(p string, version int32) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	delete(c.nodes, p)
	return nil
}

func (c *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	res := []string{}
	for k := range c.nodes {
		if path.Dir(k) == p {
			res = append(res, strings.TrimPrefix(k, p+"/"))
		}
	}
	return res, &zk.Stat{}, nil
}

func (c *fakeConn) Close() {
	c.closed = true
}

func newTestRepository(t *testing.T, props map[string]string) (*Repository, *fakeConn, *clocktesting.FakeClock) {
	t.Helper()

	c, err := newConfig(props)
	require.NoError(t, err)
	codec, err := repository.NewCodec(c.codec)
	require.NoError(t, err)

	clk := clocktesting.NewFakeClock(time.Now())
	conn := newFakeConn()
	r := NewZookeeperRepository(logger.NewLogger("test"))
	r.clock = clk
	require.NoError(t, r.initWithConn(c, conn, codec))
	return r, conn, clk
}

func TestNewConfig(t *testing.T) {
	t.Run("With all required fields", func(t *testing.T) {
		properties := map[string]string{
			"servers":        "127.0.0.1:2181,127.0.0.2:2181",
			"sessionTimeout": "5s",
		}
		cp, err := newConfig(properties)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1:2181", "127.0.0.2:2181"}, cp.servers)
		assert.Equal(t, 5*time.Second, cp.sessionTimeout)
		assert.Equal(t, defaultKeyPrefixPath, cp.keyPrefixPath)
		assert.Equal(t, defaultMaxBufferSize, cp.maxBufferSize)
	})

	t.Run("With missing servers", func(t *testing.T) {
		_, err := newConfig(map[string]string{"sessionTimeout": "5s"})
		require.ErrorIs(t, err, errMissingServers)
	})

	t.Run("With invalid session timeout", func(t *testing.T) {
		_, err := newConfig(map[string]string{
			"servers":        "127.0.0.1:2181",
			"sessionTimeout": "10",
		})
		require.ErrorIs(t, err, errInvalidSessionTimeout)
	})

	t.Run("With relative key prefix path", func(t *testing.T) {
		_, err := newConfig(map[string]string{
			"servers":       "127.0.0.1:2181",
			"keyPrefixPath": "tcc",
		})
		require.ErrorIs(t, err, errInvalidKeyPrefixPath)
	})
}

func TestZookeeperConformance(t *testing.T) {
	r, _, clk := newTestRepository(t, map[string]string{
		"servers": "127.0.0.1:2181",
	})
	conformance.ConformanceTests(t, r, clk)
}

func TestRootPathIsCreated(t *testing.T) {
	_, conn, _ := newTestRepository(t, map[string]string{
		"servers":       "127.0.0.1:2181",
		"keyPrefixPath": "/apps/orders/tcc/",
	})

	for _, p := range []string{"/apps", "/apps/orders", "/apps/orders/tcc"} {
		assert.Contains(t, conn.nodes, p)
	}

	t.Run("existing nodes are reused", func(t *testing.T) {
		c, err := newConfig(map[string]string{
			"servers":       "127.0.0.1:2181",
			"keyPrefixPath": "/apps/orders/tcc",
		})
		require.NoError(t, err)
		codec, _ := repository.NewCodec("")
		r := NewZookeeperRepository(logger.NewLogger("test"))
		require.NoError(t, r.initWithConn(c, conn, codec))
	})
}

func TestVersionMapping(t *testing.T) {
	r, conn, _ := newTestRepository(t, map[string]string{
		"servers": "127.0.0.1:2181",
		"codec":   "msgpack",
	})

	tx := transaction.NewRoot("xid-1", "svc")
	_, err := r.Create(t.Context(), tx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), conn.nodes["/tcc/xid-1"].version)

	require.NoError(t, r.Update(t.Context(), tx))
	require.NoError(t, r.Update(t.Context(), tx))
	assert.Equal(t, int64(3), tx.Version)
	assert.Equal(t, int32(2), conn.nodes["/tcc/xid-1"].version)
}

func TestBackendErrorsAreIOErrors(t *testing.T) {
	r, conn, _ := newTestRepository(t, map[string]string{
		"servers": "127.0.0.1:2181",
	})
	conn.getErr = errors.New("connection lost")

	_, err := r.FindOne(t.Context(), "xid-1")
	require.Error(t, err)
	assert.True(t, repository.IsIOError(err))
	assert.False(t, repository.IsConflict(err))
}

func TestClose(t *testing.T) {
	r, conn, _ := newTestRepository(t, map[string]string{
		"servers": "127.0.0.1:2181",
	})
	require.NoError(t, r.Close())
	assert.True(t, conn.closed)
	require.NoError(t, r.Close())
}
