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

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dapr/kit/logger"
)

// Migration is one step of a schema upgrade.
type Migration struct {
	Description string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// MigrationOptions contains options for the Migrate function.
type MigrationOptions struct {
	Logger logger.Logger

	// Table holding the schema level. It is created if it doesn't exist.
	MetadataTableName string

	// Key under which the schema level is saved.
	MetadataKey string

	Migrations []Migration
}

const migrationQueryTimeout = 30 * time.Second

// Migrate applies the migrations that the schema level stored in the
// metadata table says are missing. Each migration commits together with
// the new level, so an interrupted upgrade resumes where it stopped.
func Migrate(ctx context.Context, db *sql.DB, opts MigrationOptions) error {
	if !ValidIdentifier(opts.MetadataTableName) {
		return fmt.Errorf("invalid metadata table name: %q", opts.MetadataTableName)
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationQueryTimeout)
	_, err := db.ExecContext(queryCtx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		opts.MetadataTableName,
	))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ensure metadata table exists: %w", err)
	}

	level, err := schemaLevel(ctx, db, opts)
	if err != nil {
		return err
	}
	if level > len(opts.Migrations) {
		return fmt.Errorf("schema level %d of %s is newer than the %d known migrations", level, opts.MetadataKey, len(opts.Migrations))
	}
	opts.Logger.Debugf("Schema level of %s is %d", opts.MetadataKey, level)

	for i := level; i < len(opts.Migrations); i++ {
		m := opts.Migrations[i]
		opts.Logger.Infof("Performing migration %d: %s", i+1, m.Description)
		if err := apply(ctx, db, opts, i+1, m); err != nil {
			return fmt.Errorf("failed to perform migration %d (%s): %w", i+1, m.Description, err)
		}
	}
	return nil
}

func schemaLevel(ctx context.Context, db *sql.DB, opts MigrationOptions) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, migrationQueryTimeout)
	defer cancel()

	var value string
	err := db.QueryRowContext(queryCtx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, opts.MetadataTableName),
		opts.MetadataKey,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read schema level: %w", err)
	}

	level, err := strconv.Atoi(value)
	if err != nil || level < 0 {
		return 0, fmt.Errorf("invalid schema level found in metadata table: %s", value)
	}
	return level, nil
}

func apply(ctx context.Context, db *sql.DB, opts MigrationOptions, level int, m Migration) error {
	queryCtx, cancel := context.WithTimeout(ctx, migrationQueryTimeout)
	defer cancel()

	tx, err := db.BeginTx(queryCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.Apply(queryCtx, tx); err != nil {
		return err
	}
	_, err = tx.ExecContext(queryCtx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, opts.MetadataTableName),
		opts.MetadataKey, strconv.Itoa(level),
	)
	if err != nil {
		return fmt.Errorf("failed to store schema level: %w", err)
	}
	return tx.Commit()
}

// ValidIdentifier reports whether v can be used unquoted as a table name:
// ASCII letters, digits and underscores only.
func ValidIdentifier(v string) bool {
	if v == "" {
		return false
	}
	for _, c := range []byte(v) {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		default:
			return false
		}
	}
	return true
}
