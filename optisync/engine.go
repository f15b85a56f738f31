// Package optisync implements the client-side realtime sync engine behind the
// blog admin console: optimistic updates with rollback, retry and offline
// queues, cross-instance result broadcast, per-field edit locks, edit
// conflict detection, and navigation-driven prefetch.
//
// An Engine is scoped to one user and one blog. Hosts submit mutations as
// Operations and subscribe to data-key topics plus the reserved system topics
// for lifecycle events. Everything the engine holds is process-lifetime
// state; nothing is persisted.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Engine ties the sync components together behind one lifecycle. Create with
// New, tear down with Close; Close stops every timer and goroutine the engine
// owns.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	metrics    MetricsRecorder
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	bus       *subscriberBus
	tracker   *connectionTracker
	ledger    *optimisticLedger
	retryq    *retryQueue
	offline   *offlineQueue
	crosstab  *crossTabSync
	locks     *lockTable
	conflicts *conflictTable
	prefetch  *prefetchScheduler

	mu       sync.Mutex
	lastSync time.Time

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates an engine for the given user and blog and starts its background
// workers. The config is copied; later mutation of the caller's struct has no
// effect.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("config.UserID must be provided")
	}
	if config.BlogID == "" {
		return nil, fmt.Errorf("config.BlogID must be provided")
	}

	cfg := *config
	cfg.normalize()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    cfg.Metrics,
		instanceID: uuid.NewString(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.bus = newSubscriberBus(logger)
	e.tracker = newConnectionTracker(e.bus, !cfg.StartOffline, logger)
	e.ledger = newOptimisticLedger(cfg.OptimisticTTL, e.onOptimisticExpired)
	e.retryq = newRetryQueue(cfg.RetryBaseDelay, cfg.RetryMaxDelay, e.drainRetries, logger)
	e.offline = newOfflineQueue()
	e.locks = newLockTable(cfg.LockTTL, e.bus, logger)
	e.conflicts = newConflictTable(e.bus, logger)
	e.prefetch = newPrefetchScheduler(cfg.PrefetchDrainLimit, cfg.PrefetchTopK, logger)

	if cfg.Channel != nil {
		e.crosstab = newCrossTabSync(cfg.Channel, e.bus, cfg.UserID, cfg.BlogID, cfg.DedupTTL, logger)
		if err := e.crosstab.Start(); err != nil {
			return nil, err
		}
	}

	e.tracker.addReconnectHook(func() { go e.drainOffline() })

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.prefetch.runIdleMonitor(e.ctx, cfg.IdleTick, cfg.IdleThreshold)
	}()

	logger.Info("sync engine started",
		"instance", e.instanceID, "user", cfg.UserID, "blog", cfg.BlogID, "online", !cfg.StartOffline)
	return e, nil
}

// InstanceID identifies this engine instance; every instance (tab) of the
// same user and blog gets its own.
func (e *Engine) InstanceID() string { return e.instanceID }

// onOptimisticExpired runs when an optimistic record outlives its TTL without
// the operation settling. The stale record is treated like a failure: the
// rollback payload is announced so the host can undo the local apply.
func (e *Engine) onOptimisticExpired(rec OptimisticRecord) {
	e.logger.Warn("optimistic record expired", "op", rec.OperationID, "data_key", rec.DataKey)
	if !e.cfg.RollbackOnExpire {
		return
	}
	e.bus.Publish(rec.DataKey, UpdateEvent{
		Phase:       PhaseRollback,
		OperationID: rec.OperationID,
		DataKey:     rec.DataKey,
		Data:        rec.Rollback,
	})
}

func (e *Engine) markSynced(at time.Time) {
	e.mu.Lock()
	e.lastSync = at
	e.mu.Unlock()
}

// Close stops the engine: background workers exit, owned timers stop, and
// every later call fails with ErrEngineClosed. Close is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.retryq.Close()
	e.ledger.Close()
	e.locks.Close()
	e.prefetch.Close()
	if e.crosstab != nil {
		e.crosstab.Close()
	}
	e.wg.Wait()
	e.logger.Info("sync engine stopped", "instance", e.instanceID)
	return nil
}
