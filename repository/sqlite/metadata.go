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
	"errors"
	"fmt"
	"time"

	sqlinternal "github.com/dapr/tcc-coordinator/internal/component/sql"
	"github.com/dapr/tcc-coordinator/repository"
)

const (
	defaultTableName         = "tcc_transactions"
	defaultMetadataTableName = "tcc_metadata"
	defaultTimeout           = 20 * time.Second // Default timeout for database requests
	defaultBusyTimeout       = 2 * time.Second

	errMissingConnectionString = "missing connection string"
	errInvalidIdentifier       = "invalid identifier: %s" // specify identifier type, e.g. "table name"
)

// Older names accepted for connectionString.
var connectionStringAliases = []string{"url", "databasePath"}

type sqliteMetadataStruct struct {
	ConnectionString  string        `mapstructure:"connectionString"`
	TableName         string        `mapstructure:"tableName"`
	MetadataTableName string        `mapstructure:"metadataTableName"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BusyTimeout       time.Duration `mapstructure:"busyTimeout"`
	// Codec used for the serialized record: "json" (default) or "msgpack".
	Codec string `mapstructure:"codec"`
}

func (m *sqliteMetadataStruct) InitWithMetadata(meta repository.Metadata) error {
	m.reset()

	// Decode the metadata
	err := meta.DecodeMetadata(m)
	if err != nil {
		return err
	}

	// Validate and sanitize input
	if m.ConnectionString == "" {
		m.ConnectionString, _ = meta.GetProperty(connectionStringAliases...)
	}
	if m.ConnectionString == "" {
		return errors.New(errMissingConnectionString)
	}
	if !sqlinternal.ValidIdentifier(m.TableName) {
		return fmt.Errorf(errInvalidIdentifier, m.TableName)
	}
	if !sqlinternal.ValidIdentifier(m.MetadataTableName) {
		return fmt.Errorf(errInvalidIdentifier, m.MetadataTableName)
	}
	if m.Timeout < time.Second {
		return errors.New("invalid value for 'timeout': must be at least 1s")
	}
	if m.BusyTimeout < 0 {
		return fmt.Errorf("invalid value for 'busyTimeout': %v", m.BusyTimeout)
	}
	m.BusyTimeout = m.BusyTimeout.Truncate(time.Millisecond)

	return nil
}

// Reset the object
func (m *sqliteMetadataStruct) reset() {
	m.ConnectionString = ""
	m.TableName = defaultTableName
	m.MetadataTableName = defaultMetadataTableName
	m.Timeout = defaultTimeout
	m.BusyTimeout = defaultBusyTimeout
	m.Codec = ""
}
