// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import "errors"

var (
	// ErrEngineClosed is returned by every operation attempted after Close.
	ErrEngineClosed = errors.New("engine_closed")

	// ErrLockConflict reports a live edit lock held by another user. It is
	// never retried, queued, or auto-resolved.
	ErrLockConflict = errors.New("lock_conflict")

	// ErrNotLockOwner reports a release attempt by someone other than the
	// lock holder.
	ErrNotLockOwner = errors.New("not_lock_owner")

	// ErrConflictNotFound reports a resolution attempt against an unknown or
	// already resolved conflict id.
	ErrConflictNotFound = errors.New("conflict_not_found")
)
