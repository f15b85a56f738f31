// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"context"
	"errors"
	"time"
)

// Execute runs one operation through the full lifecycle. When op.Optimistic
// is set, the optimistic record and its event are applied before the backend
// call, strictly ahead of any success, error or rollback event for the same
// operation. On success the result is announced on op.DataKey and broadcast
// to sibling instances. On failure the optimistic record (if any) is rolled
// back, the error announced, and the operation routed to the retry queue
// (online, retryable) or the offline queue (offline, retryable); the error is
// returned to the caller either way, so queueing never hides a failure.
func (e *Engine) Execute(ctx context.Context, op Operation) (any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := validateOperation(&op); err != nil {
		return nil, err
	}
	return e.run(ctx, op, false)
}

func (e *Engine) run(ctx context.Context, op Operation, offlineReplay bool) (any, error) {
	start := time.Now()
	if op.Optimistic != nil {
		e.ledger.Add(OptimisticRecord{
			OperationID: op.ID,
			DataKey:     op.DataKey,
			Data:        op.Optimistic,
			Rollback:    op.Rollback,
			AppliedAt:   start,
		})
		e.bus.Publish(op.DataKey, UpdateEvent{
			Phase:       PhaseOptimistic,
			OperationID: op.ID,
			DataKey:     op.DataKey,
			Data:        op.Optimistic,
		})
	}

	result, err := op.Execute(ctx)
	if err != nil {
		e.settleFailure(ctx, op, err, offlineReplay, start)
		return nil, err
	}
	e.settleSuccess(ctx, op, result, start)
	return result, nil
}

func (e *Engine) settleSuccess(ctx context.Context, op Operation, result any, start time.Time) {
	// The record leaves the ledger before the success event so subscribers
	// reading Status inside a handler never see both.
	e.ledger.Remove(op.ID)
	e.bus.Publish(op.DataKey, UpdateEvent{
		Phase:       PhaseSuccess,
		OperationID: op.ID,
		DataKey:     op.DataKey,
		Data:        result,
	})
	e.broadcastSuccess(ctx, op, result)
	e.markSynced(time.Now())
	e.record(ctx, op, OutcomeSuccess, 0, time.Since(start))
	e.logger.Debug("operation succeeded", "op", op.ID, "data_key", op.DataKey)
}

func (e *Engine) settleFailure(ctx context.Context, op Operation, cause error, offlineReplay bool, start time.Time) {
	if rec, ok := e.ledger.Remove(op.ID); ok {
		e.bus.Publish(op.DataKey, UpdateEvent{
			Phase:       PhaseRollback,
			OperationID: op.ID,
			DataKey:     op.DataKey,
			Data:        rec.Rollback,
		})
	}
	e.bus.Publish(op.DataKey, UpdateEvent{
		Phase:       PhaseError,
		OperationID: op.ID,
		DataKey:     op.DataKey,
		Error:       cause.Error(),
	})
	e.record(ctx, op, OutcomeError, 0, time.Since(start))

	switch {
	case op.NoRetry || errors.Is(cause, ErrLockConflict):
		// surfaced to the caller only, never queued
	case e.tracker.Online() || offlineReplay:
		// replayed entries go to the retry queue even when the connection
		// dropped again, so an operation cannot cycle offline forever
		e.retryq.Enqueue(op, 0)
	default:
		e.offline.Enqueue(op)
	}
	e.logger.Warn("operation failed", "op", op.ID, "data_key", op.DataKey, "error", cause)
}

// drainRetries re-executes a batch handed over by the retry queue. A success
// is announced like a first-try success plus a RetryEvent on
// TopicRetrySuccess; a failure re-enters the queue until the retry budget is
// spent, then publishes the terminal RetryEvent on TopicOperationFailed.
func (e *Engine) drainRetries(batch []retryEntry) {
	for _, entry := range batch {
		if e.closed.Load() {
			return
		}
		op := entry.op
		attempt := entry.attempts + 1
		start := time.Now()

		result, err := op.Execute(e.ctx)
		if err == nil {
			e.bus.Publish(op.DataKey, UpdateEvent{
				Phase:       PhaseSuccess,
				OperationID: op.ID,
				DataKey:     op.DataKey,
				Data:        result,
			})
			e.broadcastSuccess(e.ctx, op, result)
			e.bus.Publish(TopicRetrySuccess, RetryEvent{
				OperationID: op.ID,
				DataKey:     op.DataKey,
				Attempts:    attempt,
				Data:        result,
			})
			e.markSynced(time.Now())
			e.record(e.ctx, op, OutcomeRetrySuccess, attempt, time.Since(start))
			e.logger.Info("operation retry succeeded", "op", op.ID, "attempts", attempt)
			continue
		}

		if attempt >= e.cfg.MaxRetries {
			e.bus.Publish(TopicOperationFailed, RetryEvent{
				OperationID: op.ID,
				DataKey:     op.DataKey,
				Attempts:    attempt,
				Error:       err.Error(),
			})
			e.record(e.ctx, op, OutcomeFailed, attempt, time.Since(start))
			e.logger.Warn("operation retries exhausted",
				"op", op.ID, "data_key", op.DataKey, "attempts", attempt, "error", err)
			continue
		}
		e.retryq.Enqueue(op, attempt)
	}
}

// drainOffline replays queued operations in arrival order after a reconnect.
// Replay failures go to the retry queue, never back to the offline queue.
func (e *Engine) drainOffline() {
	ops := e.offline.DrainAll()
	if len(ops) == 0 {
		return
	}
	e.logger.Info("draining offline queue", "queued", len(ops))
	for _, op := range ops {
		if e.closed.Load() {
			return
		}
		if _, err := e.run(e.ctx, op, true); err != nil {
			e.logger.Warn("offline replay failed", "op", op.ID, "error", err)
		}
	}
}
