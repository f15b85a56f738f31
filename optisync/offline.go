// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import "sync"

// offlineQueue holds operations that failed while disconnected, in arrival
// order. An operation id is held at most once; re-enqueueing it is a no-op so
// repeated submissions of the same operation cannot multiply on reconnect.
type offlineQueue struct {
	mu  sync.Mutex
	ops []Operation
	ids map[string]struct{}
}

func newOfflineQueue() *offlineQueue {
	return &offlineQueue{ids: make(map[string]struct{})}
}

func (q *offlineQueue) Enqueue(op Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[op.ID]; ok {
		return false
	}
	q.ids[op.ID] = struct{}{}
	q.ops = append(q.ops, op)
	return true
}

// DrainAll removes and returns every queued operation in FIFO order.
func (q *offlineQueue) DrainAll() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops
	q.ops = nil
	q.ids = make(map[string]struct{})
	return ops
}

func (q *offlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
