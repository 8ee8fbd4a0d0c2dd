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
	"fmt"

	"github.com/dapr/kit/logger"

	sqlinternal "github.com/dapr/tcc-coordinator/internal/component/sql"
)

type migrationOptions struct {
	TableName         string
	MetadataTableName string
}

// Perform the required migrations
func performMigrations(ctx context.Context, db *sql.DB, logger logger.Logger, opts migrationOptions) error {
	return sqlinternal.Migrate(ctx, db, sqlinternal.MigrationOptions{
		Logger:            logger,
		MetadataTableName: opts.MetadataTableName,
		MetadataKey:       "migrations-" + opts.TableName,
		Migrations: []sqlinternal.Migration{
			{
				Description: "create the transactions table",
				Apply: func(ctx context.Context, tx *sql.Tx) error {
					_, err := tx.ExecContext(ctx, fmt.Sprintf(
						`CREATE TABLE IF NOT EXISTS %s (
							xid TEXT NOT NULL PRIMARY KEY,
							type TEXT NOT NULL,
							status TEXT NOT NULL,
							content BLOB NOT NULL,
							version INTEGER NOT NULL,
							retried_count INTEGER NOT NULL DEFAULT 0,
							created_at INTEGER NOT NULL,
							updated_at INTEGER NOT NULL
						)`,
						opts.TableName,
					))
					if err != nil {
						return fmt.Errorf("failed to create transactions table: %w", err)
					}
					return nil
				},
			},
			{
				Description: "index the update time for recovery scans",
				Apply: func(ctx context.Context, tx *sql.Tx) error {
					_, err := tx.ExecContext(ctx, fmt.Sprintf(
						`CREATE INDEX IF NOT EXISTS %[1]s_updated_at_idx ON %[1]s (updated_at)`,
						opts.TableName,
					))
					if err != nil {
						return fmt.Errorf("failed to create update time index: %w", err)
					}
					return nil
				},
			},
		},
	})
}
