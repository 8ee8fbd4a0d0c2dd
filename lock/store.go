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

package lock

import (
	"context"
	"io"

	"github.com/dapr/tcc-coordinator/metadata"
)

// Store is a distributed lock used to elect a single recovery sweeper per
// repository.
type Store interface {
	// Init this component.
	InitLockStore(ctx context.Context, metadata Metadata) error

	// TryLock tries to acquire a lock.
	// It does not wait: Success is false if another owner holds it.
	TryLock(ctx context.Context, req *TryLockRequest) (*TryLockResponse, error)

	// Unlock tries to release a lock.
	Unlock(ctx context.Context, req *UnlockRequest) (*UnlockResponse, error)

	io.Closer
}

// Metadata contains a lock store specific set of metadata properties.
type Metadata struct {
	metadata.Base `json:",inline"`
}

// TryLockRequest is a lock acquire request.
type TryLockRequest struct {
	ResourceID      string `json:"resourceId"`
	LockOwner       string `json:"lockOwner"`
	ExpiryInSeconds int32  `json:"expiryInSeconds"`
}

// TryLockResponse is a lock acquire response.
type TryLockResponse struct {
	Success bool `json:"success"`
}

// UnlockRequest is a lock release request.
type UnlockRequest struct {
	ResourceID string `json:"resourceId"`
	LockOwner  string `json:"lockOwner"`
}

// Status is the status of a lock release.
type Status int32

const (
	Success Status = iota
	LockDoesNotExist
	LockBelongsToOthers
	InternalError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case LockDoesNotExist:
		return "lock does not exist"
	case LockBelongsToOthers:
		return "lock belongs to others"
	default:
		return "internal error"
	}
}

// UnlockResponse is a lock release response.
type UnlockResponse struct {
	Status Status `json:"status"`
}
