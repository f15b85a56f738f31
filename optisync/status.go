// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import "time"

// ConnectionStatus is a point-in-time snapshot of the engine. It is computed
// fresh on every Status call and never cached, so subscribers reacting to an
// event always observe the state that event left behind.
type ConnectionStatus struct {
	Online     bool
	InstanceID string

	Reconnects    int64
	Disconnects   int64
	LastOnlineAt  time.Time
	LastOfflineAt time.Time

	PendingRetries  int
	OfflineQueued   int
	OptimisticCount int
	ActiveLocks     int
	OpenConflicts   int

	// LastSyncAt is the time of the last operation that reached the backend.
	LastSyncAt time.Time
}

// Status derives the current snapshot from the live components.
func (e *Engine) Status() ConnectionStatus {
	reconnects, disconnects, lastOnline, lastOffline := e.tracker.snapshot()
	e.mu.Lock()
	lastSync := e.lastSync
	e.mu.Unlock()

	return ConnectionStatus{
		Online:          e.tracker.Online(),
		InstanceID:      e.instanceID,
		Reconnects:      reconnects,
		Disconnects:     disconnects,
		LastOnlineAt:    lastOnline,
		LastOfflineAt:   lastOffline,
		PendingRetries:  e.retryq.Len(),
		OfflineQueued:   e.offline.Len(),
		OptimisticCount: e.ledger.Len(),
		ActiveLocks:     e.locks.ActiveCount(),
		OpenConflicts:   e.conflicts.OpenCount(),
		LastSyncAt:      lastSync,
	}
}
