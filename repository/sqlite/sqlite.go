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

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"k8s.io/utils/clock"

	// Blank import for the underlying SQLite Driver.
	_ "modernc.org/sqlite"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

// Repository stores transaction records in a SQLite table with a version
// column used for optimistic concurrency.
type Repository struct {
	logger   logger.Logger
	metadata sqliteMetadataStruct
	codec    repository.Codec
	db       *sql.DB
	clock    clock.PassiveClock
}

// NewSQLiteRepository returns a new SQLite transaction repository.
func NewSQLiteRepository(logger logger.Logger) *Repository {
	return &Repository{
		logger: logger,
		clock:  clock.RealClock{},
	}
}

// Init opens the database and runs the schema migrations.
func (r *Repository) Init(ctx context.Context, md repository.Metadata) error {
	err := r.metadata.InitWithMetadata(md)
	if err != nil {
		return err
	}

	r.codec, err = repository.NewCodec(r.metadata.Codec)
	if err != nil {
		return err
	}

	connString := r.getConnectionString()
	db, err := sql.Open("sqlite", connString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives in a single connection
	if strings.Contains(connString, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	r.db = db

	pingCtx, cancel := context.WithTimeout(ctx, r.metadata.Timeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return performMigrations(ctx, db, r.logger, migrationOptions{
		TableName:         r.metadata.TableName,
		MetadataTableName: r.metadata.MetadataTableName,
	})
}

func (r *Repository) getConnectionString() string {
	// Get the "query string" from the connection string if present
	connString := r.metadata.ConnectionString
	idx := strings.IndexRune(connString, '?')
	var qs url.Values
	if idx > 0 {
		qs, _ = url.ParseQuery(connString[(idx + 1):])
		connString = connString[:idx]
	}
	if len(qs) == 0 {
		qs = make(url.Values, 2)
	}

	if len(qs["_txlock"]) == 0 {
		qs["_txlock"] = []string{"immediate"}
	}
	if r.metadata.BusyTimeout > 0 {
		qs["_pragma"] = append(qs["_pragma"], fmt.Sprintf("busy_timeout(%d)", r.metadata.BusyTimeout.Milliseconds()))
	}

	connString += "?" + qs.Encode()

	// If the connection string doesn't begin with "file:", add the prefix
	if !strings.HasPrefix(connString, "file:") {
		connString = "file:" + connString
	}

	return connString
}

func (r *Repository) Create(parentCtx context.Context, tx *transaction.Transaction) (bool, error) {
	candidate := tx.Clone()
	repository.PrepareCreate(candidate, r.clock.Now())

	content, err := r.codec.Marshal(candidate)
	if err != nil {
		return false, repository.NewIOError("create", err)
	}

	// Sprintf is required for table name because sql.DB does not substitute parameters for table names
	//nolint:gosec
	stmt := fmt.Sprintf(
		`INSERT INTO %s
			(xid, type, status, content, version, retried_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (xid) DO NOTHING`,
		r.metadata.TableName)
	ctx, cancel := context.WithTimeout(parentCtx, r.metadata.Timeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, stmt,
		string(candidate.Xid), string(candidate.Type), string(candidate.Status), content,
		candidate.Version, candidate.RetriedCount,
		candidate.CreatedAt.UnixMilli(), candidate.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, repository.NewIOError("create", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, repository.NewIOError("create", err)
	}
	if rows == 0 {
		return false, nil
	}

	tx.Version = candidate.Version
	tx.CreatedAt = candidate.CreatedAt
	tx.UpdatedAt = candidate.UpdatedAt
	return true, nil
}

func (r *Repository) Update(parentCtx context.Context, tx *transaction.Transaction) error {
	next := repository.PrepareUpdate(tx, r.clock.Now())

	content, err := r.codec.Marshal(next)
	if err != nil {
		return repository.NewIOError("update", err)
	}

	//nolint:gosec
	stmt := fmt.Sprintf(
		`UPDATE %s SET
			status = ?,
			content = ?,
			version = ?,
			retried_count = ?,
			updated_at = ?
		WHERE
			xid = ?
			AND version = ?`,
		r.metadata.TableName)
	ctx, cancel := context.WithTimeout(parentCtx, r.metadata.Timeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, stmt,
		string(next.Status), content, next.Version, next.RetriedCount, next.UpdatedAt.UnixMilli(),
		string(tx.Xid), tx.Version,
	)
	if err != nil {
		return repository.NewIOError("update", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return repository.NewIOError("update", err)
	}
	if rows == 0 {
		return repository.NewConflictError(tx.Xid, nil)
	}

	repository.ApplyUpdate(tx, next)
	return nil
}

func (r *Repository) Delete(parentCtx context.Context, tx *transaction.Transaction) error {
	//nolint:gosec
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE xid = ? AND version = ?`, r.metadata.TableName)
	ctx, cancel := context.WithTimeout(parentCtx, r.metadata.Timeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, stmt, string(tx.Xid), tx.Version)
	if err != nil {
		return repository.NewIOError("delete", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return repository.NewIOError("delete", err)
	}
	if rows == 0 {
		return repository.NewConflictError(tx.Xid, nil)
	}
	return nil
}

func (r *Repository) FindOne(parentCtx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	//nolint:gosec
	stmt := fmt.Sprintf(`SELECT content, version, updated_at FROM %s WHERE xid = ?`, r.metadata.TableName)
	ctx, cancel := context.WithTimeout(parentCtx, r.metadata.Timeout)
	defer cancel()

	tx, err := r.scanTransaction(r.db.QueryRowContext(ctx, stmt, string(xid)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repository.NewIOError("findOne", err)
	}
	return tx, nil
}

func (r *Repository) FindAllUnmodifiedSince(parentCtx context.Context, cutoff time.Time) ([]*transaction.Transaction, error) {
	//nolint:gosec
	stmt := fmt.Sprintf(
		`SELECT content, version, updated_at FROM %s
		WHERE updated_at < ?
		ORDER BY updated_at`,
		r.metadata.TableName)
	ctx, cancel := context.WithTimeout(parentCtx, r.metadata.Timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, stmt, cutoff.UnixMilli())
	if err != nil {
		return nil, repository.NewIOError("findAllUnmodifiedSince", err)
	}
	defer rows.Close()

	res := make([]*transaction.Transaction, 0)
	for rows.Next() {
		tx, err := r.scanTransaction(rows)
		if err != nil {
			return nil, repository.NewIOError("findAllUnmodifiedSince", err)
		}
		res = append(res, tx)
	}
	if err = rows.Err(); err != nil {
		return nil, repository.NewIOError("findAllUnmodifiedSince", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTransaction decodes a row of (content, version, updated_at).
// The columns are authoritative over the copies inside content.
func (r *Repository) scanTransaction(row scanner) (*transaction.Transaction, error) {
	var (
		content   []byte
		version   int64
		updatedAt int64
	)
	err := row.Scan(&content, &version, &updatedAt)
	if err != nil {
		return nil, err
	}

	tx, err := r.codec.Unmarshal(content)
	if err != nil {
		return nil, err
	}
	tx.Version = version
	tx.UpdatedAt = time.UnixMilli(updatedAt)
	return tx, nil
}

func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
