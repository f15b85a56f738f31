// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"log/slog"
	"time"
)

// Default timings. DefaultConfig applies all of them; New fills any that are
// left at zero so a hand-built Config gets the same schedule.
const (
	DefaultOptimisticTTL      = 30 * time.Second
	DefaultLockTTL            = 30 * time.Second
	DefaultRetryBaseDelay     = 1 * time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultIdleThreshold      = 2 * time.Second
	DefaultIdleTick           = 250 * time.Millisecond
	DefaultPrefetchDrainLimit = 5
	DefaultPrefetchTopK       = 3
	DefaultDedupTTL           = 2 * time.Minute
)

// Config holds configuration for one Engine instance.
type Config struct {
	// UserID and BlogID scope the engine. Cross-instance messages carrying a
	// different user or blog are discarded on receipt.
	UserID string
	BlogID string

	// Channel carries cross-instance messages between engines of the same
	// user and blog. Nil disables cross-instance sync.
	Channel Channel

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics receives one sample per settled operation attempt. Nil means no
	// recording.
	Metrics MetricsRecorder

	// OptimisticTTL bounds how long an optimistic record may wait for its
	// operation to settle. RollbackOnExpire additionally publishes a rollback
	// event on the record's data key when the TTL fires; DefaultConfig
	// enables it.
	OptimisticTTL    time.Duration
	RollbackOnExpire bool

	// LockTTL is the edit lock lifetime. A live lock is never renewed; a new
	// acquisition requires release or expiry first.
	LockTTL time.Duration

	// Retry schedule: delay = RetryBaseDelay doubled per completed retry,
	// capped at RetryMaxDelay, with at most MaxRetries re-executions before
	// the terminal operation-failed event.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int

	// IdleThreshold is how long user input must be absent before the idle
	// monitor drains the prefetch queue; IdleTick is how often it checks.
	// PrefetchDrainLimit bounds tasks per drain cycle and PrefetchTopK bounds
	// predicted successors per navigation.
	IdleThreshold      time.Duration
	IdleTick           time.Duration
	PrefetchDrainLimit int
	PrefetchTopK       int

	// DedupTTL bounds the window in which a cross-instance operation id is
	// considered already seen.
	DedupTTL time.Duration

	// StartOffline starts the connection tracker in the offline state.
	StartOffline bool
}

// DefaultConfig returns a configuration with the stock timings for the given
// identity. UserID and BlogID must be provided explicitly; the engine refuses
// to start without them.
func DefaultConfig(userID, blogID string) *Config {
	return &Config{
		UserID:             userID,
		BlogID:             blogID,
		OptimisticTTL:      DefaultOptimisticTTL,
		RollbackOnExpire:   true,
		LockTTL:            DefaultLockTTL,
		RetryBaseDelay:     DefaultRetryBaseDelay,
		RetryMaxDelay:      DefaultRetryMaxDelay,
		MaxRetries:         DefaultMaxRetries,
		IdleThreshold:      DefaultIdleThreshold,
		IdleTick:           DefaultIdleTick,
		PrefetchDrainLimit: DefaultPrefetchDrainLimit,
		PrefetchTopK:       DefaultPrefetchTopK,
		DedupTTL:           DefaultDedupTTL,
	}
}

// normalize fills zero-valued tunables with their defaults so a hand-built
// Config behaves like DefaultConfig for everything it does not set.
func (c *Config) normalize() {
	if c.OptimisticTTL <= 0 {
		c.OptimisticTTL = DefaultOptimisticTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.IdleTick <= 0 {
		c.IdleTick = DefaultIdleTick
	}
	if c.PrefetchDrainLimit <= 0 {
		c.PrefetchDrainLimit = DefaultPrefetchDrainLimit
	}
	if c.PrefetchTopK <= 0 {
		c.PrefetchTopK = DefaultPrefetchTopK
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = DefaultDedupTTL
	}
}
