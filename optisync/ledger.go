// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"sync"
	"time"
)

// OptimisticRecord is one locally applied result awaiting settlement by its
// operation.
type OptimisticRecord struct {
	OperationID string
	DataKey     string
	Data        any
	Rollback    any
	AppliedAt   time.Time
}

// optimisticLedger tracks optimistic records under a TTL. Holds at most one
// record per operation id; re-adding replaces the record and re-arms its
// timer. Expiry hands the record to onExpire exactly once, and settlement via
// Remove wins over a concurrent expiry.
type optimisticLedger struct {
	ttl      time.Duration
	onExpire func(rec OptimisticRecord)

	mu      sync.Mutex
	records map[string]*ledgerEntry
	closed  bool
}

type ledgerEntry struct {
	rec   OptimisticRecord
	timer *time.Timer
}

func newOptimisticLedger(ttl time.Duration, onExpire func(rec OptimisticRecord)) *optimisticLedger {
	return &optimisticLedger{
		ttl:      ttl,
		onExpire: onExpire,
		records:  make(map[string]*ledgerEntry),
	}
}

func (l *optimisticLedger) Add(rec OptimisticRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if prev, ok := l.records[rec.OperationID]; ok {
		prev.timer.Stop()
	}
	entry := &ledgerEntry{rec: rec}
	entry.timer = time.AfterFunc(l.ttl, func() { l.expire(rec.OperationID, entry) })
	l.records[rec.OperationID] = entry
}

// Remove settles the record for operationID, stopping its timer. Reports
// whether a record was present.
func (l *optimisticLedger) Remove(operationID string) (OptimisticRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.records[operationID]
	if !ok {
		return OptimisticRecord{}, false
	}
	entry.timer.Stop()
	delete(l.records, operationID)
	return entry.rec, true
}

func (l *optimisticLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// expire only acts if armed is still the live entry for operationID, so a
// timer that fired just before its record was replaced cannot expire the
// replacement.
func (l *optimisticLedger) expire(operationID string, armed *ledgerEntry) {
	l.mu.Lock()
	entry, ok := l.records[operationID]
	if !ok || entry != armed || l.closed {
		l.mu.Unlock()
		return
	}
	delete(l.records, operationID)
	l.mu.Unlock()

	if l.onExpire != nil {
		l.onExpire(entry.rec)
	}
}

func (l *optimisticLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, entry := range l.records {
		entry.timer.Stop()
		delete(l.records, id)
	}
}
