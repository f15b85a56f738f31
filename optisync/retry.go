// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"log/slog"
	"sync"
	"time"
)

// retryEntry pairs a failed operation with the number of retries already
// performed for it.
type retryEntry struct {
	op       Operation
	attempts int
}

// retryQueue holds failed operations until their backoff delay elapses. Every
// Enqueue arms its own timer for min(base doubled per attempt, max), and a
// firing timer drains every entry queued at that moment, so an entry can be
// retried earlier than its own delay when another entry's timer fires first.
type retryQueue struct {
	base   time.Duration
	max    time.Duration
	drain  func(batch []retryEntry)
	logger *slog.Logger

	mu      sync.Mutex
	entries []retryEntry
	timers  map[*retryTimer]struct{}
	closed  bool
}

// retryTimer wraps the timer so the fire callback can identify itself without
// reading the timer pointer, which is only assigned after arming.
type retryTimer struct {
	timer *time.Timer
}

func newRetryQueue(base, max time.Duration, drain func(batch []retryEntry), logger *slog.Logger) *retryQueue {
	return &retryQueue{
		base:   base,
		max:    max,
		drain:  drain,
		logger: logger,
		timers: make(map[*retryTimer]struct{}),
	}
}

// delayFor doubles the base delay once per completed retry, capped at max.
func (q *retryQueue) delayFor(attempts int) time.Duration {
	delay := q.base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= q.max {
			return q.max
		}
	}
	if delay > q.max {
		return q.max
	}
	return delay
}

func (q *retryQueue) Enqueue(op Operation, attempts int) {
	delay := q.delayFor(attempts)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.entries = append(q.entries, retryEntry{op: op, attempts: attempts})
	handle := &retryTimer{}
	handle.timer = time.AfterFunc(delay, func() { q.fire(handle) })
	q.timers[handle] = struct{}{}
	q.mu.Unlock()

	q.logger.Debug("retry scheduled",
		"op", op.ID, "data_key", op.DataKey, "attempts", attempts, "delay", delay)
}

func (q *retryQueue) fire(handle *retryTimer) {
	q.mu.Lock()
	delete(q.timers, handle)
	if q.closed || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.entries
	q.entries = nil
	q.mu.Unlock()

	q.drain(batch)
}

func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *retryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for handle := range q.timers {
		handle.timer.Stop()
		delete(q.timers, handle)
	}
	q.entries = nil
}
