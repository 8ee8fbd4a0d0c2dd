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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/dapr/kit/logger"

	"github.com/dapr/tcc-coordinator/internal/config"
	"github.com/dapr/tcc-coordinator/lock"
	"github.com/dapr/tcc-coordinator/repository"
	"github.com/dapr/tcc-coordinator/repository/cached"
	"github.com/dapr/tcc-coordinator/transaction/tcc"
)

const shutdownTimeout = 10 * time.Second

// app is the recovery daemon: one repository, its sweeper and the admin API.
type app struct {
	log      logger.Logger
	cfg      *config.Config
	store    repository.Store
	repo     repository.Repository
	lock     lock.Store
	registry *prometheus.Registry
	manager  *tcc.Manager
	recovery *tcc.Recovery
}

func newApp(ctx context.Context, log logger.Logger, cfg *config.Config) (a *app, err error) {
	a = &app{
		log:      log,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	a.store, err = newRepositoryStore(log, cfg.Repository.Type)
	if err != nil {
		return nil, err
	}
	base, err := cfg.Repository.Base("repository")
	if err != nil {
		return nil, err
	}
	if err = a.store.Init(ctx, repository.Metadata{Base: base}); err != nil {
		return nil, fmt.Errorf("failed to init %s repository: %w", cfg.Repository.Type, err)
	}
	a.repo = a.store
	if cfg.Cache.Enabled {
		a.repo = cached.New(a.store, cached.Options{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL})
	}

	if cfg.Lock != nil {
		a.lock, err = newLockStore(log, cfg.Lock.Type)
		if err != nil {
			return nil, err
		}
		base, err = cfg.Lock.Base("lock")
		if err != nil {
			return nil, err
		}
		if err = a.lock.InitLockStore(ctx, lock.Metadata{Base: base}); err != nil {
			return nil, fmt.Errorf("failed to init %s lock: %w", cfg.Lock.Type, err)
		}
	}

	invokers, err := newInvokers(log, cfg.Participants)
	if err != nil {
		return nil, err
	}
	retryCfg, err := cfg.CompletionRetryConfig()
	if err != nil {
		return nil, err
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := tcc.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	a.manager = tcc.NewManager(log, a.repo, invokers,
		tcc.WithCompletionRetry(retryCfg),
		tcc.WithMetrics(metrics),
	)
	var opts []tcc.RecoveryOption
	if a.lock != nil {
		opts = append(opts, tcc.WithLockStore(a.lock))
	}
	a.recovery = tcc.NewRecovery(log, a.manager, cfg.Recovery, opts...)
	return a, nil
}

// Run serves the admin API and sweeps until ctx is done.
func (a *app) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Admin.Address, err)
	}
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.log.Infof("Admin API listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		errCh <- a.recovery.Run(sweepCtx)
	}()

	var errs error
	received := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		errs = multierr.Append(errs, err)
		received++
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	for ; received < 2; received++ {
		errs = multierr.Append(errs, <-errCh)
	}
	return errs
}

// Close releases the engine and its backends.
func (a *app) Close() error {
	var errs error
	if a.manager != nil {
		errs = multierr.Append(errs, a.manager.Close())
	}
	if c, ok := a.repo.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	} else if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = multierr.Append(errs, a.lock.Close())
	}
	return errs
}
