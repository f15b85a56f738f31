// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// OpType classifies an operation for ids, events and metrics. The constants
// cover the console's mutations; free-form values are allowed.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ExecuteFunc performs the backend mutation for an operation and returns the
// server result.
type ExecuteFunc func(ctx context.Context) (any, error)

// Operation describes one backend mutation submitted to the engine.
type Operation struct {
	// ID identifies the operation across instances. The engine assigns
	// "<type>-<ULID>" when empty.
	ID string

	// Type classifies the mutation.
	Type OpType

	// DataKey is the logical collection the operation mutates. The update
	// events for the operation are published on this topic.
	DataKey string

	// Execute performs the mutation. Required.
	Execute ExecuteFunc

	// Optimistic, when non-nil, is recorded in the ledger and announced
	// before Execute runs. Rollback is the payload announced if the operation
	// fails or the record expires.
	Optimistic any
	Rollback   any

	// NoRetry keeps the operation out of the retry queue when it fails.
	NoRetry bool
}

func newOperationID(t OpType) string {
	if t == "" {
		t = "op"
	}
	return string(t) + "-" + ulid.Make().String()
}

// validateOperation checks required fields and assigns the id when absent.
func validateOperation(op *Operation) error {
	if op.Execute == nil {
		return fmt.Errorf("operation for %q: Execute must be provided", op.DataKey)
	}
	if op.DataKey == "" {
		return fmt.Errorf("operation %q: DataKey must be provided", op.ID)
	}
	if op.ID == "" {
		op.ID = newOperationID(op.Type)
	}
	return nil
}
