// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"log/slog"
	"sync"
	"time"
)

// connectionTracker owns the online flag, transition counters and the
// reconnect hooks. The host drives it: in a browser-shaped embedding the
// online/offline signals arrive from the platform, here the embedding calls
// SetOnline/SetOffline when its transport comes and goes.
type connectionTracker struct {
	bus    *subscriberBus
	logger *slog.Logger

	mu          sync.Mutex
	online      bool
	reconnects  int64
	disconnects int64
	lastOnline  time.Time
	lastOffline time.Time
	onReconnect []func()
}

func newConnectionTracker(bus *subscriberBus, startOnline bool, logger *slog.Logger) *connectionTracker {
	return &connectionTracker{
		bus:    bus,
		logger: logger,
		online: startOnline,
	}
}

// addReconnectHook registers fn to run after every offline-to-online
// transition. Hooks run after the ConnectionEvent is published.
func (t *connectionTracker) addReconnectHook(fn func()) {
	t.mu.Lock()
	t.onReconnect = append(t.onReconnect, fn)
	t.mu.Unlock()
}

func (t *connectionTracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *connectionTracker) set(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	now := time.Now()
	var hooks []func()
	if online {
		t.reconnects++
		t.lastOnline = now
		hooks = make([]func(), len(t.onReconnect))
		copy(hooks, t.onReconnect)
	} else {
		t.disconnects++
		t.lastOffline = now
	}
	t.mu.Unlock()

	t.logger.Info("connectivity changed", "online", online)
	t.bus.Publish(TopicConnection, ConnectionEvent{Online: online, At: now})
	for _, fn := range hooks {
		fn()
	}
}

func (t *connectionTracker) snapshot() (reconnects, disconnects int64, lastOnline, lastOffline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects, t.disconnects, t.lastOnline, t.lastOffline
}

// SetOnline tells the engine its transport is reachable again. Repeated calls
// in the same state are no-ops; a real transition publishes a ConnectionEvent
// on TopicConnection and triggers the offline queue drain.
func (e *Engine) SetOnline() { e.tracker.set(true) }

// SetOffline tells the engine its transport is gone. Failed operations are
// routed to the offline queue until SetOnline.
func (e *Engine) SetOffline() { e.tracker.set(false) }

// Online reports the tracker's current state.
func (e *Engine) Online() bool { return e.tracker.Online() }
