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
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dapr/kit/logger"
	"github.com/dapr/kit/retry"

	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
	"github.com/dapr/tcc-coordinator/transaction/participant"
)

// Manager drives transaction records through their lifecycle.
//
// The transactions a call chain has entered are kept on the *Scope carried
// by the chain's context.Context; see WithScope.
type Manager struct {
	logger  logger.Logger
	repo    repository.Repository
	invoker participant.Invoker
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lock   sync.Mutex
	closed bool
}

// NewManager returns a Manager storing records in repo and completing
// participants with invoker.
func NewManager(logger logger.Logger, repo repository.Repository, invoker participant.Invoker, opts ...Option) *Manager {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	repair(&o)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		repo:    repo,
		invoker: invoker,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Repository returns the repository the manager writes to.
func (m *Manager) Repository() repository.Repository {
	return m.repo
}

// Begin creates a root transaction and makes it current.
func (m *Manager) Begin(ctx context.Context, identity string) (*transaction.Transaction, error) {
	scope, err := m.scope(ctx)
	if err != nil {
		return nil, err
	}

	xid, err := transaction.NewXid()
	if err != nil {
		return nil, transaction.NewSystemError(err, "failed to generate transaction id")
	}
	tx := transaction.NewRoot(xid, identity)
	created, err := m.repo.Create(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction %s: %w", xid, err)
	}
	if !created {
		return nil, transaction.NewSystemError(nil, "transaction id %s is already in use", xid)
	}

	scope.push(tx)
	m.opts.Metrics.transactionBegun(tx.Type)
	m.logger.Debugf("Began transaction %s for %s", xid, identity)
	return tx, nil
}

// PropagationNewBegin creates the branch record for a propagated try and
// makes it current. A try delivered again finds the stored branch and
// continues with it.
func (m *Manager) PropagationNewBegin(ctx context.Context, tc transaction.Context) (*transaction.Transaction, error) {
	scope, err := m.scope(ctx)
	if err != nil {
		return nil, err
	}

	tx := transaction.NewBranch(tc)
	created, err := m.repo.Create(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin branch of transaction %s: %w", tc.Xid, err)
	}
	if !created {
		m.logger.Debugf("Branch of transaction %s already exists, try was delivered again", tc.Xid)
		tx, err = m.load(ctx, tc.Xid)
		if err != nil {
			return nil, err
		}
	} else {
		m.opts.Metrics.transactionBegun(tx.Type)
	}

	scope.push(tx)
	return tx, nil
}

// PropagationExistBegin loads the record of a propagated confirm or cancel and
// makes it current. It returns ErrNoExistedTransaction if the record is gone.
func (m *Manager) PropagationExistBegin(ctx context.Context, tc transaction.Context) (*transaction.Transaction, error) {
	scope, err := m.scope(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := m.load(ctx, tc.Xid)
	if err != nil {
		return nil, err
	}
	scope.push(tx)
	return tx, nil
}

// Commit confirms the current transaction.
// With async set, participants are confirmed on a separate goroutine and the
// call returns as soon as the new status is stored.
func (m *Manager) Commit(ctx context.Context, async bool) error {
	return m.finish(ctx, transaction.StatusConfirming, async)
}

// Rollback cancels the current transaction. See Commit.
func (m *Manager) Rollback(ctx context.Context, async bool) error {
	return m.finish(ctx, transaction.StatusCancelling, async)
}

func (m *Manager) finish(ctx context.Context, status transaction.Status, async bool) error {
	tx := m.CurrentTransaction(ctx)
	if tx == nil {
		return transaction.NewSystemError(nil, "no active transaction to move to %s", status)
	}
	if err := tx.ChangeStatus(status); err != nil {
		return transaction.NewSystemError(err, "cannot complete transaction %s", tx.Xid)
	}

	if err := m.repo.Update(ctx, tx); err != nil {
		if repository.IsConflict(err) {
			m.logger.Infof("Transaction %s was changed by another process, standing down from %s", tx.Xid, status)
			return nil
		}
		return fmt.Errorf("failed to store status %s of transaction %s: %w", status, tx.Xid, err)
	}

	if async {
		m.completeAsync(tx.Clone())
		return nil
	}
	return m.complete(ctx, tx)
}

// complete runs the confirm or cancel step of every participant in
// registration order. A failed step does not stop the others.
func (m *Manager) complete(ctx context.Context, tx *transaction.Transaction) error {
	tc := tx.Context()

	var errs error
	for i := range tx.Participants {
		p := &tx.Participants[i]
		if err := m.invoker.Invoke(ctx, tc, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("participant %s method %s: %w", p.Target, p.Method(tc.Phase), err))
		}
	}
	m.opts.Metrics.completion(tx.Status, errs)
	if errs != nil {
		return newCompletionError(tx, errs)
	}

	tx.MarkCompleted()
	return nil
}

func (m *Manager) completeAsync(tx *transaction.Transaction) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		m.logger.Warnf("Manager is closed, leaving transaction %s to recovery", tx.Xid)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		b := m.opts.CompletionRetry.NewBackOffWithContext(m.ctx)
		err := retry.NotifyRecover(func() error {
			return m.complete(m.ctx, tx)
		}, b, func(err error, d time.Duration) {
			m.logger.Warnf("Failed to complete transaction %s, retrying in %s: %v", tx.Xid, d, err)
		}, func() {
			m.logger.Infof("Completed transaction %s after it previously failed", tx.Xid)
		})
		if err != nil {
			m.logger.Errorf("Giving up on completing transaction %s, leaving it to recovery: %v", tx.Xid, err)
			return
		}

		if err := m.repo.Delete(m.ctx, tx); err != nil && !repository.IsConflict(err) {
			m.logger.Errorf("Failed to delete completed transaction %s: %v", tx.Xid, err)
		}
	}()
}

// CleanAfterCompletion removes tx from the current scope and deletes its
// record if every participant acknowledged the outcome.
func (m *Manager) CleanAfterCompletion(ctx context.Context, tx *transaction.Transaction) error {
	if scope := scopeFromContext(ctx); scope != nil && !scope.pop(tx) {
		m.logger.Warnf("Transaction %s was not the current transaction on cleanup", tx.Xid)
	}

	if !tx.Completed() {
		return nil
	}
	err := m.repo.Delete(ctx, tx)
	switch {
	case err == nil:
		return nil
	case repository.IsConflict(err):
		m.logger.Debugf("Transaction %s was changed or removed by another process before cleanup", tx.Xid)
		return nil
	default:
		return fmt.Errorf("failed to delete transaction %s: %w", tx.Xid, err)
	}
}

// Enlist adds p to the participants of the current transaction and stores
// it. A participant already enlisted with the same target and methods is
// not added again.
func (m *Manager) Enlist(ctx context.Context, p transaction.Participant) error {
	tx := m.CurrentTransaction(ctx)
	if tx == nil {
		return transaction.NewSystemError(nil, "no active transaction to enlist participant %s", p.Target)
	}
	if tx.Status != transaction.StatusTrying {
		return transaction.NewSystemError(nil, "cannot enlist participant %s in transaction %s while %s", p.Target, tx.Xid, tx.Status)
	}
	for _, e := range tx.Participants {
		if e.Target == p.Target && e.ConfirmMethod == p.ConfirmMethod && e.CancelMethod == p.CancelMethod {
			return nil
		}
	}

	tx.Enlist(p)
	if err := m.repo.Update(ctx, tx); err != nil {
		tx.Participants = tx.Participants[:len(tx.Participants)-1]
		return fmt.Errorf("failed to enlist participant %s in transaction %s: %w", p.Target, tx.Xid, err)
	}
	return nil
}

// IsTransactionActive reports whether the call chain of ctx has a current
// transaction.
func (m *Manager) IsTransactionActive(ctx context.Context) bool {
	return m.CurrentTransaction(ctx) != nil
}

// CurrentTransaction returns the innermost transaction of the call chain,
// or nil.
func (m *Manager) CurrentTransaction(ctx context.Context) *transaction.Transaction {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return nil
	}
	return scope.current()
}

// CurrentContext returns the context to propagate on outbound calls made on
// behalf of the current transaction.
func (m *Manager) CurrentContext(ctx context.Context) (transaction.Context, bool) {
	tx := m.CurrentTransaction(ctx)
	if tx == nil {
		return transaction.Context{}, false
	}
	return tx.Context(), true
}

// Close stops asynchronous completions and waits for them to return.
func (m *Manager) Close() error {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) scope(ctx context.Context) (*Scope, error) {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return nil, transaction.NewSystemError(nil, "context carries no transaction scope")
	}
	return scope, nil
}

func (m *Manager) load(ctx context.Context, xid transaction.Xid) (*transaction.Transaction, error) {
	tx, err := m.repo.FindOne(ctx, xid)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", xid, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", transaction.ErrNoExistedTransaction, xid)
	}
	return tx, nil
}
