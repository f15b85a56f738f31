// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// EditLock guards one field of one resource against concurrent edits.
type EditLock struct {
	ResourceID string
	FieldName  string
	UserID     string
	Token      string // rotates per acquisition
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

const (
	lockStateFree     = "free"
	lockStateAcquired = "acquired"

	lockEventAcquire = "acquire"
	lockEventRelease = "release"
	lockEventExpire  = "expire"
)

// lockTable manages per resource+field edit locks. Each key carries its own
// state machine so a transition can only happen from a legal state; the
// matching bus event is staged during the transition and published once the
// table lock is released.
type lockTable struct {
	ttl    time.Duration
	bus    *subscriberBus
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[string]*lockSlot
	closed bool
}

type lockSlot struct {
	machine *fsm.FSM
	lock    EditLock
	timer   *time.Timer
}

type stagedLockEvent struct {
	topic string
	ev    LockEvent
}

func lockKey(resourceID, fieldName string) string {
	return resourceID + "/" + fieldName
}

func newLockTable(ttl time.Duration, bus *subscriberBus, logger *slog.Logger) *lockTable {
	return &lockTable{
		ttl:    ttl,
		bus:    bus,
		logger: logger,
		slots:  make(map[string]*lockSlot),
	}
}

func (t *lockTable) newSlot(key string) *lockSlot {
	return &lockSlot{
		machine: fsm.NewFSM(
			lockStateFree,
			fsm.Events{
				{Name: lockEventAcquire, Src: []string{lockStateFree}, Dst: lockStateAcquired},
				{Name: lockEventRelease, Src: []string{lockStateAcquired}, Dst: lockStateFree},
				{Name: lockEventExpire, Src: []string{lockStateAcquired}, Dst: lockStateFree},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					t.logger.Debug("edit lock transition",
						"key", key, "event", e.Event, "from", e.Src, "to", e.Dst)
				},
			},
		),
	}
}

func (t *lockTable) transition(slot *lockSlot, key, event string) {
	if err := slot.machine.Event(context.Background(), event); err != nil {
		t.logger.Error("edit lock transition rejected", "key", key, "event", event, "error", err)
	}
}

// Acquire grants a fresh lock when the key is free or its previous lock has
// expired. A live lock held by another user yields ErrLockConflict; a live
// lock held by the same user is returned unchanged, its expiry NOT extended.
func (t *lockTable) Acquire(resourceID, fieldName, userID string) (EditLock, error) {
	key := lockKey(resourceID, fieldName)
	now := time.Now()
	var staged []stagedLockEvent

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return EditLock{}, ErrEngineClosed
	}
	slot, ok := t.slots[key]
	if !ok {
		slot = t.newSlot(key)
		t.slots[key] = slot
	}
	if slot.machine.Is(lockStateAcquired) {
		if now.Before(slot.lock.ExpiresAt) {
			if slot.lock.UserID == userID {
				held := slot.lock
				t.mu.Unlock()
				return held, nil
			}
			holder := slot.lock.UserID
			t.mu.Unlock()
			return EditLock{}, fmt.Errorf("edit lock %s held by %s: %w", key, holder, ErrLockConflict)
		}
		// TTL passed but the timer has not run yet; expire in place.
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
		expired := slot.lock
		t.transition(slot, key, lockEventExpire)
		staged = append(staged, stagedLockEvent{TopicLockReleased, LockEvent{Lock: expired, Expired: true}})
	}

	lock := EditLock{
		ResourceID: resourceID,
		FieldName:  fieldName,
		UserID:     userID,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(t.ttl),
	}
	slot.lock = lock
	t.transition(slot, key, lockEventAcquire)
	token := lock.Token
	slot.timer = time.AfterFunc(t.ttl, func() { t.expire(key, token) })
	staged = append(staged, stagedLockEvent{TopicLockAcquired, LockEvent{Lock: lock}})
	t.mu.Unlock()

	for _, s := range staged {
		t.bus.Publish(s.topic, s.ev)
	}
	return lock, nil
}

// Release frees the key if userID holds it. Releasing a free key is a no-op.
func (t *lockTable) Release(resourceID, fieldName, userID string) error {
	key := lockKey(resourceID, fieldName)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrEngineClosed
	}
	slot, ok := t.slots[key]
	if !ok || !slot.machine.Is(lockStateAcquired) {
		t.mu.Unlock()
		return nil
	}
	if slot.lock.UserID != userID {
		holder := slot.lock.UserID
		t.mu.Unlock()
		return fmt.Errorf("edit lock %s held by %s: %w", key, holder, ErrNotLockOwner)
	}
	released := slot.lock
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	t.transition(slot, key, lockEventRelease)
	t.mu.Unlock()

	t.bus.Publish(TopicLockReleased, LockEvent{Lock: released})
	return nil
}

// expire runs from the lock's timer. The token guard keeps a stale timer from
// killing a newer lock on the same key.
func (t *lockTable) expire(key, token string) {
	t.mu.Lock()
	slot, ok := t.slots[key]
	if !ok || t.closed || !slot.machine.Is(lockStateAcquired) || slot.lock.Token != token {
		t.mu.Unlock()
		return
	}
	expired := slot.lock
	slot.timer = nil
	t.transition(slot, key, lockEventExpire)
	t.mu.Unlock()

	t.logger.Debug("edit lock expired", "key", key, "user", expired.UserID)
	t.bus.Publish(TopicLockReleased, LockEvent{Lock: expired, Expired: true})
}

// Lookup returns the live lock for the key, if any.
func (t *lockTable) Lookup(resourceID, fieldName string) (EditLock, bool) {
	key := lockKey(resourceID, fieldName)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[key]
	if !ok || !slot.machine.Is(lockStateAcquired) || !now.Before(slot.lock.ExpiresAt) {
		return EditLock{}, false
	}
	return slot.lock, true
}

func (t *lockTable) ActiveCount() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, slot := range t.slots {
		if slot.machine.Is(lockStateAcquired) && now.Before(slot.lock.ExpiresAt) {
			n++
		}
	}
	return n
}

func (t *lockTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, slot := range t.slots {
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}
	}
}

// AcquireEditLock locks resourceID+fieldName for userID until released or
// expired. A live lock held by a different user fails with ErrLockConflict;
// callers must not retry it. Publishes a LockEvent on TopicLockAcquired.
func (e *Engine) AcquireEditLock(resourceID, fieldName, userID string) (EditLock, error) {
	return e.locks.Acquire(resourceID, fieldName, userID)
}

// ReleaseEditLock frees the lock if userID holds it and publishes a LockEvent
// on TopicLockReleased. Releasing an unheld key is a no-op.
func (e *Engine) ReleaseEditLock(resourceID, fieldName, userID string) error {
	return e.locks.Release(resourceID, fieldName, userID)
}

// EditLockInfo reports the live lock on resourceID+fieldName, if any.
func (e *Engine) EditLockInfo(resourceID, fieldName string) (EditLock, bool) {
	return e.locks.Lookup(resourceID, fieldName)
}
