// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"context"
	"time"
)

// OperationSample describes one settled operation attempt.
type OperationSample struct {
	Type     OpType
	DataKey  string
	Outcome  string // "success", "error", "retry-success", "failed"
	Attempts int
	Elapsed  time.Duration
}

// Outcome values reported through MetricsRecorder.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeRetrySuccess = "retry-success"
	OutcomeFailed       = "failed"
)

// MetricsRecorder receives a sample every time an operation attempt settles.
// Implementations must be safe for concurrent use and cheap; they run on the
// operation path.
type MetricsRecorder interface {
	RecordOperation(ctx context.Context, sample OperationSample)
}

// MetricsRecorderFunc adapts a function to the MetricsRecorder interface.
type MetricsRecorderFunc func(ctx context.Context, sample OperationSample)

func (f MetricsRecorderFunc) RecordOperation(ctx context.Context, sample OperationSample) {
	f(ctx, sample)
}

func (e *Engine) record(ctx context.Context, op Operation, outcome string, attempts int, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordOperation(ctx, OperationSample{
		Type:     op.Type,
		DataKey:  op.DataKey,
		Outcome:  outcome,
		Attempts: attempts,
		Elapsed:  elapsed,
	})
}
