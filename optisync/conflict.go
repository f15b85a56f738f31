// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordVersion is one side of a conflict check: the payload of a record plus
// the updatedAt the holder knows for it.
type RecordVersion struct {
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// ConflictRecord captures a detected divergence between the local and the
// server version of a record. It stays open until the caller resolves it;
// nothing in the engine resolves conflicts on its own.
type ConflictRecord struct {
	ID         string
	DataKey    string
	Local      RecordVersion
	Server     RecordVersion
	DetectedAt time.Time
	Resolved   bool
	Resolution string
}

// conflictTable stores open conflicts keyed by id.
type conflictTable struct {
	bus    *subscriberBus
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*ConflictRecord
}

func newConflictTable(bus *subscriberBus, logger *slog.Logger) *conflictTable {
	return &conflictTable{
		bus:    bus,
		logger: logger,
		open:   make(map[string]*ConflictRecord),
	}
}

// canonicalJSON reorders object keys deterministically by decoding and
// re-encoding, so two payloads that differ only in key order compare equal.
func canonicalJSON(raw json.RawMessage) ([]byte, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func payloadsEqual(a, b json.RawMessage) bool {
	ca, okA := canonicalJSON(a)
	cb, okB := canonicalJSON(b)
	if okA && okB {
		return bytes.Equal(ca, cb)
	}
	return bytes.Equal(a, b)
}

func cloneVersion(v RecordVersion) RecordVersion {
	return RecordVersion{UpdatedAt: v.UpdatedAt, Payload: bytes.Clone(v.Payload)}
}

// Detect reports a conflict iff the server version is strictly newer AND the
// payloads differ. Inputs are never mutated; the stored record holds copies.
func (c *conflictTable) Detect(dataKey string, local, server RecordVersion) (ConflictRecord, bool) {
	if !server.UpdatedAt.After(local.UpdatedAt) {
		return ConflictRecord{}, false
	}
	if payloadsEqual(local.Payload, server.Payload) {
		return ConflictRecord{}, false
	}

	rec := ConflictRecord{
		ID:         uuid.NewString(),
		DataKey:    dataKey,
		Local:      cloneVersion(local),
		Server:     cloneVersion(server),
		DetectedAt: time.Now(),
	}
	stored := rec
	c.mu.Lock()
	c.open[rec.ID] = &stored
	c.mu.Unlock()

	c.logger.Warn("edit conflict detected", "conflict", rec.ID, "data_key", dataKey)
	c.bus.Publish(TopicConflict, ConflictEvent{Conflict: rec})
	return rec, true
}

// Resolve settles an open conflict with the caller's decision. The record
// leaves the open set; a second resolution of the same id fails.
func (c *conflictTable) Resolve(conflictID, resolution string) error {
	if resolution == "" {
		return fmt.Errorf("conflict %q: resolution must be provided", conflictID)
	}
	c.mu.Lock()
	rec, ok := c.open[conflictID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("conflict %q: %w", conflictID, ErrConflictNotFound)
	}
	rec.Resolved = true
	rec.Resolution = resolution
	resolved := *rec
	delete(c.open, conflictID)
	c.mu.Unlock()

	c.logger.Info("edit conflict resolved", "conflict", conflictID, "resolution", resolution)
	c.bus.Publish(TopicConflictResolved, ConflictEvent{Conflict: resolved, Resolution: resolution})
	return nil
}

// Open returns copies of the unresolved conflicts, oldest first.
func (c *conflictTable) Open() []ConflictRecord {
	c.mu.Lock()
	out := make([]ConflictRecord, 0, len(c.open))
	for _, rec := range c.open {
		out = append(out, *rec)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

func (c *conflictTable) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// DetectEditConflict compares the locally known version of a record against
// what the server reports. A conflict is recorded and announced on
// TopicConflict only when the server version is strictly newer and the
// payloads differ; equal or older server versions are never conflicts.
func (e *Engine) DetectEditConflict(dataKey string, local, server RecordVersion) (ConflictRecord, bool) {
	return e.conflicts.Detect(dataKey, local, server)
}

// ResolveEditConflict settles a previously detected conflict and publishes a
// ConflictEvent on TopicConflictResolved. The resolution value is the
// caller's to define; "local" and "server" are the console's conventions.
func (e *Engine) ResolveEditConflict(conflictID, resolution string) error {
	return e.conflicts.Resolve(conflictID, resolution)
}

// Conflicts lists the currently unresolved conflicts, oldest first.
func (e *Engine) Conflicts() []ConflictRecord {
	return e.conflicts.Open()
}
