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
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"k8s.io/utils/clock"

	"github.com/dapr/kit/logger"
	kitmd "github.com/dapr/kit/metadata"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

const (
	defaultKeyPrefixPath     = "/tcc"
	defaultSessionTimeout    = 10 * time.Second
	defaultMaxBufferSize     = 1024 * 1024
	defaultMaxConnBufferSize = 1024 * 1024
)

var (
	errMissingServers        = errors.New("servers are required")
	errInvalidSessionTimeout = errors.New("sessionTimeout is invalid")
	errInvalidKeyPrefixPath  = errors.New("keyPrefixPath must be an absolute path")
)

type properties struct {
	Servers           string `json:"servers"`
	SessionTimeout    string `json:"sessionTimeout"`
	MaxBufferSize     int    `json:"maxBufferSize"`
	MaxConnBufferSize int    `json:"maxConnBufferSize"`
	KeyPrefixPath     string `json:"keyPrefixPath"`
	Codec             string `json:"codec"`
}

type config struct {
	servers           []string
	sessionTimeout    time.Duration
	maxBufferSize     int
	maxConnBufferSize int
	keyPrefixPath     string
	codec             string
}

func newConfig(meta map[string]string) (c *config, err error) {
	var props properties
	errDecode := kitmd.DecodeMetadata(meta, &props)
	if errDecode != nil {
		return nil, errDecode
	}

	return props.parse()
}

func (props *properties) parse() (*config, error) {
	if len(props.Servers) == 0 {
		return nil, errMissingServers
	}

	sessionTimeout := defaultSessionTimeout
	if props.SessionTimeout != "" {
		var err error
		sessionTimeout, err = time.ParseDuration(props.SessionTimeout)
		if err != nil {
			return nil, errInvalidSessionTimeout
		}
	}

	maxBufferSize := defaultMaxBufferSize
	if props.MaxBufferSize > 0 {
		maxBufferSize = props.MaxBufferSize
	}

	maxConnBufferSize := defaultMaxConnBufferSize
	if props.MaxConnBufferSize > 0 {
		maxConnBufferSize = props.MaxConnBufferSize
	}

	keyPrefixPath := defaultKeyPrefixPath
	if props.KeyPrefixPath != "" {
		if !strings.HasPrefix(props.KeyPrefixPath, "/") {
			return nil, errInvalidKeyPrefixPath
		}
		keyPrefixPath = path.Clean(props.KeyPrefixPath)
	}

	return &config{
		servers:           strings.Split(props.Servers, ","),
		sessionTimeout:    sessionTimeout,
		maxBufferSize:     maxBufferSize,
		maxConnBufferSize: maxConnBufferSize,
		keyPrefixPath:     keyPrefixPath,
		codec:             props.Codec,
	}, nil
}

// Conn is the subset of *zk.Conn used by the repository.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)

	Get(path string) ([]byte, *zk.Stat, error)

	Set(path string, data []byte, version int32) (*zk.Stat, error)

	Delete(path string, version int32) error

	Children(path string) ([]string, *zk.Stat, error)

	Close()
}

// Repository stores one znode per transaction under keyPrefixPath.
// The znode data version backs the record Version: a freshly created node
// has data version 0, which maps to record Version 1.
type Repository struct {
	*config
	conn  Conn
	codec repository.Codec

	logger logger.Logger
	clock  clock.PassiveClock
}

// NewZookeeperRepository returns a new Zookeeper transaction repository.
func NewZookeeperRepository(logger logger.Logger) *Repository {
	return &Repository{
		logger: logger,
		clock:  clock.RealClock{},
	}
}

func (r *Repository) Init(_ context.Context, md repository.Metadata) (err error) {
	var c *config
	if c, err = newConfig(md.Properties); err != nil {
		return err
	}

	codec, err := repository.NewCodec(c.codec)
	if err != nil {
		return err
	}

	conn, _, err := zk.Connect(c.servers, c.sessionTimeout,
		zk.WithMaxBufferSize(c.maxBufferSize), zk.WithMaxConnBufferSize(c.maxConnBufferSize))
	if err != nil {
		return err
	}

	return r.initWithConn(c, conn, codec)
}

func (r *Repository) initWithConn(c *config, conn Conn, codec repository.Codec) error {
	r.config = c
	r.conn = conn
	r.codec = codec

	return r.ensureRootPath()
}

// ensureRootPath creates every missing node of keyPrefixPath.
func (r *Repository) ensureRootPath() error {
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(r.keyPrefixPath, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		_, err := r.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create root path %s: %w", current, err)
		}
	}
	return nil
}

func (r *Repository) nodePath(xid transaction.Xid) string {
	return path.Join(r.keyPrefixPath, string(xid))
}

func toNodeVersion(version int64) int32 {
	return int32(version - 1) //nolint:gosec
}

func (r *Repository) Create(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, repository.NewIOError("create", err)
	}

	candidate := tx.Clone()
	repository.PrepareCreate(candidate, r.clock.Now())
	data, err := r.codec.Marshal(candidate)
	if err != nil {
		return false, repository.NewIOError("create", err)
	}

	_, err = r.conn.Create(r.nodePath(tx.Xid), data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, repository.NewIOError("create", err)
	}

	tx.Version = candidate.Version
	tx.CreatedAt = candidate.CreatedAt
	tx.UpdatedAt = candidate.UpdatedAt
	return true, nil
}

func (r *Repository) Update(ctx context.Context, tx *transaction.Transaction) error {
	if err := ctx.Err(); err != nil {
		return repository.NewIOError("update", err)
	}

	next := repository.PrepareUpdate(tx, r.clock.Now())
	data, err := r.codec.Marshal(next)
	if err != nil {
		return repository.NewIOError("update", err)
	}

	stat, err := r.conn.Set(r.nodePath(tx.Xid), data, toNodeVersion(tx.Version))
	if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
		return repository.NewConflictError(tx.Xid, err)
	}
	if err != nil {
		return repository.NewIOError("update", err)
	}

	next.Version = int64(stat.Version) + 1
	repository.ApplyUpdate(tx, next)
	return nil
}

func (r *Repository) Delete(ctx context.Context, tx *transaction.Transaction) error {
	if err := ctx.Err(); err != nil {
		return repository.NewIOError("delete", err)
	}

	err := r.conn.Delete(r.nodePath(tx.Xid), toNodeVersion(tx.Version))
	if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
		return repository.NewConflictError(tx.Xid, err)
	}
	if err != nil {
		return repository.NewIOError("delete", err)
	}
	return nil
}

func (r *Repository) FindOne(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, repository.NewIOError("findOne", err)
	}

	tx, err := r.read(xid)
	if err != nil {
		return nil, repository.NewIOError("findOne", err)
	}
	return tx, nil
}

// read returns nil, nil if the node does not exist.
func (r *Repository) read(xid transaction.Xid) (*transaction.Transaction, error) {
	data, stat, err := r.conn.Get(r.nodePath(xid))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tx, err := r.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", xid, err)
	}
	tx.Version = int64(stat.Version) + 1
	return tx, nil
}

func (r *Repository) FindAllUnmodifiedSince(ctx context.Context, cutoff time.Time) ([]*transaction.Transaction, error) {
	children, _, err := r.conn.Children(r.keyPrefixPath)
	if err != nil {
		return nil, repository.NewIOError("findAllUnmodifiedSince", err)
	}

	res := make([]*transaction.Transaction, 0)
	for _, child := range children {
		if err = ctx.Err(); err != nil {
			return nil, repository.NewIOError("findAllUnmodifiedSince", err)
		}

		tx, err := r.read(transaction.Xid(child))
		if err != nil {
			return nil, repository.NewIOError("findAllUnmodifiedSince", err)
		}
		// Removed between the listing and the read
		if tx == nil {
			continue
		}
		if tx.UpdatedAt.Before(cutoff) {
			res = append(res, tx)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	return res, nil
}

func (r *Repository) Close() error {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}
