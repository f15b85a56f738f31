// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import "time"

// Reserved system topics. Every other topic is a data key: subscribing to a
// data key (e.g. "content-u1-b1") yields the UpdateEvent stream for
// operations that mutate that key.
const (
	TopicConnection       = "connection"
	TopicCrossTab         = "cross-tab-sync"
	TopicLockAcquired     = "edit-lock-acquired"
	TopicLockReleased     = "edit-lock-released"
	TopicConflict         = "edit-conflict"
	TopicConflictResolved = "conflict-resolved"
	TopicRetrySuccess     = "operation-retry-success"
	TopicOperationFailed  = "operation-failed"
)

// UpdatePhase tags the lifecycle stage an UpdateEvent reports.
type UpdatePhase string

const (
	PhaseOptimistic UpdatePhase = "optimistic"
	PhaseSuccess    UpdatePhase = "success"
	PhaseError      UpdatePhase = "error"
	PhaseRollback   UpdatePhase = "rollback"
)

// Event is implemented by every payload delivered through the bus. Subscribers
// type-switch on the concrete event types below.
type Event interface {
	event()
}

// UpdateEvent is published on an operation's data key topic as the operation
// moves through its lifecycle. For a single operation the optimistic event
// always precedes success, error and rollback.
type UpdateEvent struct {
	Phase       UpdatePhase
	OperationID string
	DataKey     string
	Data        any    // optimistic payload, server result, or rollback payload
	Error       string // set when Phase == PhaseError
}

// ConnectionEvent is published on TopicConnection for every real
// online/offline transition.
type ConnectionEvent struct {
	Online bool
	At     time.Time
}

// CrossTabEvent republishes an accepted message from a sibling engine
// instance on TopicCrossTab.
type CrossTabEvent struct {
	Message CrossTabMessage
}

// LockEvent is published on TopicLockAcquired and TopicLockReleased.
// Expired marks releases caused by TTL expiry rather than the owner.
type LockEvent struct {
	Lock    EditLock
	Expired bool
}

// ConflictEvent is published on TopicConflict when a divergence is detected
// and on TopicConflictResolved once the caller settles it. Resolution is
// empty on detection.
type ConflictEvent struct {
	Conflict   ConflictRecord
	Resolution string
}

// RetryEvent is published on TopicRetrySuccess when a queued operation
// finally succeeds (Data carries the result) and on TopicOperationFailed when
// the retry budget is exhausted (Error carries the terminal failure).
type RetryEvent struct {
	OperationID string
	DataKey     string
	Attempts    int
	Data        any
	Error       string
}

func (UpdateEvent) event()     {}
func (ConnectionEvent) event() {}
func (CrossTabEvent) event()   {}
func (LockEvent) event()       {}
func (ConflictEvent) event()   {}
func (RetryEvent) event()      {}
