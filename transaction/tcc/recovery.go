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
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/lock"
	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/transaction"
)

const (
	defaultGracePeriod    = 2 * time.Minute
	defaultTryingTimeout  = 10 * time.Minute
	defaultMaxRetries     = 30
	defaultSweepInterval  = time.Minute
	defaultLockResourceID = "tcc-recovery"
	defaultLockExpiry     = 5 * time.Minute

	// Sweeps after failures back off up to this multiple of the interval.
	maxIntervalFactor = 8
)

// RecoveryConfig configures the recovery sweeper.
type RecoveryConfig struct {
	// Records not modified for this long are considered stuck.
	GracePeriod time.Duration `mapstructure:"gracePeriod" yaml:"gracePeriod"`
	// Root records left in TRYING for this long are cancelled.
	TryingTimeout time.Duration `mapstructure:"tryingTimeout" yaml:"tryingTimeout"`
	// Records retried this many times are reported and left alone.
	MaxRetries int           `mapstructure:"maxRetries" yaml:"maxRetries"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`

	LockResourceID string        `mapstructure:"lockResourceID" yaml:"lockResourceID"`
	LockExpiry     time.Duration `mapstructure:"lockExpiry" yaml:"lockExpiry"`
}

// DefaultRecoveryConfig returns the default sweeper settings.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		GracePeriod:    defaultGracePeriod,
		TryingTimeout:  defaultTryingTimeout,
		MaxRetries:     defaultMaxRetries,
		Interval:       defaultSweepInterval,
		LockResourceID: defaultLockResourceID,
		LockExpiry:     defaultLockExpiry,
	}
}

func (c *RecoveryConfig) repair() {
	d := DefaultRecoveryConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.TryingTimeout <= 0 {
		c.TryingTimeout = d.TryingTimeout
	}
	if c.TryingTimeout < c.GracePeriod {
		c.TryingTimeout = c.GracePeriod
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.LockResourceID == "" {
		c.LockResourceID = d.LockResourceID
	}
	if c.LockExpiry < time.Second {
		c.LockExpiry = d.LockExpiry
	}
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	// NotLeader is set if another process held the recovery lock.
	NotLeader bool `json:"notLeader"`
	Found     int  `json:"found"`
	Confirmed int  `json:"confirmed"`
	Cancelled int  `json:"cancelled"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Exhausted int  `json:"exhausted"`
	Orphaned  int  `json:"orphaned"`
}

// Attention is a record that recovery cannot complete on its own.
type Attention struct {
	Xid          transaction.Xid    `json:"xid"`
	Type         transaction.Type   `json:"type"`
	Status       transaction.Status `json:"status"`
	RetriedCount int                `json:"retriedCount"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	Reason       Outcome            `json:"reason"`
	// First sweep that reported the record.
	ReportedAt time.Time `json:"reportedAt"`
}

// ExhaustedFunc is called for every record found past its retry limit.
type ExhaustedFunc func(ctx context.Context, tx *transaction.Transaction)

// Recovery drives stuck records to completion.
type Recovery struct {
	logger      logger.Logger
	manager     *Manager
	cfg         RecoveryConfig
	clock       clock.Clock
	lockStore   lock.Store
	owner       string
	onExhausted ExhaustedFunc

	sweepLock sync.Mutex

	attentionLock sync.RWMutex
	attention     []Attention
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// WithLockStore makes sweeps run only while holding the recovery lock in s.
func WithLockStore(s lock.Store) RecoveryOption {
	return func(r *Recovery) {
		r.lockStore = s
	}
}

// WithOnExhausted sets a function called for records past their retry limit.
func WithOnExhausted(fn ExhaustedFunc) RecoveryOption {
	return func(r *Recovery) {
		r.onExhausted = fn
	}
}

// WithRecoveryClock sets the clock used to compute cutoffs and schedule sweeps.
func WithRecoveryClock(c clock.Clock) RecoveryOption {
	return func(r *Recovery) {
		r.clock = c
	}
}

// NewRecovery returns a sweeper completing the records of manager's
// repository.
func NewRecovery(logger logger.Logger, manager *Manager, cfg RecoveryConfig, opts ...RecoveryOption) *Recovery {
	cfg.repair()
	r := &Recovery{
		logger:  logger,
		manager: manager,
		cfg:     cfg,
		clock:   clock.RealClock{},
		owner:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Recovery) Config() RecoveryConfig {
	return r.cfg
}

// Attention returns the records the last completed sweep could not
// progress: those past their retry limit and orphaned branches. A record
// drops out once a sweep no longer finds it stuck.
func (r *Recovery) Attention() []Attention {
	r.attentionLock.RLock()
	defer r.attentionLock.RUnlock()
	return slices.Clone(r.attention)
}

func (r *Recovery) publishAttention(list []Attention) {
	r.attentionLock.Lock()
	defer r.attentionLock.Unlock()

	reported := make(map[transaction.Xid]Attention, len(r.attention))
	for _, a := range r.attention {
		reported[a.Xid] = a
	}
	for i := range list {
		if prev, ok := reported[list[i].Xid]; ok && prev.Reason == list[i].Reason {
			list[i].ReportedAt = prev.ReportedAt
		}
	}
	r.attention = list
}

// Run sweeps every Interval until ctx is done. After a failed sweep the wait
// doubles, up to eight times the interval.
func (r *Recovery) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * r.cfg.Interval
	b.MaxInterval = r.cfg.Interval * maxIntervalFactor
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	r.logger.Infof("Recovery sweeper started, sweeping every %s", r.cfg.Interval)
	wait := r.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Recovery sweeper stopped")
			return nil
		case <-r.clock.After(wait):
		}

		res, err := r.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait = b.NextBackOff()
			r.logger.Errorf("Recovery sweep failed, next sweep in %s: %v", wait, err)
			continue
		}
		if res.Found > 0 {
			r.logger.Infof("Recovery sweep handled %d transaction(s): %d confirmed, %d cancelled, %d failed, %d exhausted",
				res.Found, res.Confirmed, res.Cancelled, res.Failed, res.Exhausted)
		}
		b.Reset()
		wait = r.cfg.Interval
	}
}

// Sweep handles every record not modified within the grace period once.
// Overlapping calls are serialized.
func (r *Recovery) Sweep(ctx context.Context) (SweepResult, error) {
	r.sweepLock.Lock()
	defer r.sweepLock.Unlock()

	var res SweepResult
	metrics := r.manager.opts.Metrics
	start := r.clock.Now()

	if r.lockStore != nil {
		acquired, err := r.acquire(ctx)
		if err != nil {
			metrics.sweep("error", r.clock.Since(start), -1)
			return res, err
		}
		if !acquired {
			r.logger.Debug("Recovery lock is held by another process, skipping sweep")
			metrics.sweep("skipped", 0, -1)
			// The leader reports instead.
			r.publishAttention(nil)
			res.NotLeader = true
			return res, nil
		}
		defer r.release()
	}

	txs, err := r.manager.repo.FindAllUnmodifiedSince(ctx, start.Add(-r.cfg.GracePeriod))
	if err != nil {
		metrics.sweep("error", r.clock.Since(start), -1)
		return res, fmt.Errorf("failed to load transactions for recovery: %w", err)
	}

	res.Found = len(txs)
	var attention []Attention
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			metrics.sweep("error", r.clock.Since(start), res.Found)
			return res, err
		}

		o := r.recover(ctx, tx, start)
		switch o {
		case OutcomeConfirmed:
			res.Confirmed++
		case OutcomeCancelled:
			res.Cancelled++
		case OutcomeFailed:
			res.Failed++
		case OutcomeExhausted:
			res.Exhausted++
		case OutcomeOrphaned:
			res.Orphaned++
		default:
			res.Skipped++
		}
		if o == OutcomeExhausted || o == OutcomeOrphaned {
			attention = append(attention, Attention{
				Xid:          tx.Xid,
				Type:         tx.Type,
				Status:       tx.Status,
				RetriedCount: tx.RetriedCount,
				UpdatedAt:    tx.UpdatedAt,
				Reason:       o,
				ReportedAt:   start,
			})
		}
		metrics.recoveredTransaction(o)
	}

	r.publishAttention(attention)
	metrics.sweep("done", r.clock.Since(start), res.Found)
	return res, nil
}

func (r *Recovery) recover(ctx context.Context, tx *transaction.Transaction, now time.Time) Outcome {
	if tx.RetriedCount >= r.cfg.MaxRetries {
		r.logger.Errorf("Transaction %s (%s, %s) exceeded %d recovery attempts and needs manual intervention",
			tx.Xid, tx.Type, tx.Status, r.cfg.MaxRetries)
		if r.onExhausted != nil {
			r.onExhausted(ctx, tx)
		}
		return OutcomeExhausted
	}

	switch tx.Status {
	case transaction.StatusConfirming, transaction.StatusCancelling:
	case transaction.StatusTrying:
		if now.Sub(tx.UpdatedAt) < r.cfg.TryingTimeout {
			return OutcomeSkipped
		}
		// Branches in TRYING are driven by their root.
		if tx.Type != transaction.TypeRoot {
			r.logger.Warnf("Branch %s has been in TRYING since %s without its root completing it", tx.Xid, tx.UpdatedAt)
			return OutcomeOrphaned
		}
		r.logger.Infof("Cancelling transaction %s left in TRYING since %s", tx.Xid, tx.UpdatedAt)
		if err := tx.ChangeStatus(transaction.StatusCancelling); err != nil {
			r.logger.Errorf("Failed to cancel transaction %s: %v", tx.Xid, err)
			return OutcomeFailed
		}
	default:
		r.logger.Warnf("Transaction %s has unknown status %q", tx.Xid, tx.Status)
		return OutcomeSkipped
	}

	tx.RetriedCount++
	repo := r.manager.repo
	if err := repo.Update(ctx, tx); err != nil {
		if repository.IsConflict(err) {
			r.logger.Debugf("Transaction %s was changed by another process during recovery", tx.Xid)
			return OutcomeSkipped
		}
		r.logger.Warnf("Failed to store recovery attempt of transaction %s: %v", tx.Xid, err)
		return OutcomeFailed
	}

	if err := r.manager.complete(ctx, tx); err != nil {
		r.logger.Warnf("Recovery attempt %d of transaction %s failed: %v", tx.RetriedCount, tx.Xid, err)
		return OutcomeFailed
	}

	if err := repo.Delete(ctx, tx); err != nil && !repository.IsConflict(err) {
		r.logger.Warnf("Failed to delete recovered transaction %s: %v", tx.Xid, err)
		return OutcomeFailed
	}

	r.logger.Infof("Recovered transaction %s (%s)", tx.Xid, tx.Status)
	if tx.Status == transaction.StatusConfirming {
		return OutcomeConfirmed
	}
	return OutcomeCancelled
}

func (r *Recovery) acquire(ctx context.Context) (bool, error) {
	resp, err := r.lockStore.TryLock(ctx, &lock.TryLockRequest{
		ResourceID:      r.cfg.LockResourceID,
		LockOwner:       r.owner,
		ExpiryInSeconds: int32(r.cfg.LockExpiry / time.Second),
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire recovery lock: %w", err)
	}
	return resp.Success, nil
}

func (r *Recovery) release() {
	// The sweep context may already be done; the lock must still go.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := r.lockStore.Unlock(ctx, &lock.UnlockRequest{
		ResourceID: r.cfg.LockResourceID,
		LockOwner:  r.owner,
	})
	switch {
	case err != nil:
		r.logger.Warnf("Failed to release recovery lock: %v", err)
	case resp.Status != lock.Success:
		r.logger.Warnf("Failed to release recovery lock: %s", resp.Status)
	}
}
