package optisync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditLockConflictAndHandoff(t *testing.T) {
	e := newTestEngine(t)
	acquired := collect(e, TopicLockAcquired)
	released := collect(e, TopicLockReleased)

	// Editor A takes the title field of post-1.
	lockA, err := e.AcquireEditLock("post-1", "title", "editor-a")
	require.NoError(t, err)
	assert.Equal(t, "post-1", lockA.ResourceID)
	assert.Equal(t, "title", lockA.FieldName)
	assert.Equal(t, "editor-a", lockA.UserID)
	assert.NotEmpty(t, lockA.Token)
	assert.True(t, lockA.ExpiresAt.After(lockA.AcquiredAt))

	// Editor B is rejected while the lock lives.
	_, err = e.AcquireEditLock("post-1", "title", "editor-b")
	require.ErrorIs(t, err, ErrLockConflict)

	// A different field on the same resource is independent.
	_, err = e.AcquireEditLock("post-1", "body", "editor-b")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Status().ActiveLocks)

	// Release by a non-holder fails and changes nothing.
	err = e.ReleaseEditLock("post-1", "title", "editor-b")
	require.ErrorIs(t, err, ErrNotLockOwner)
	_, held := e.EditLockInfo("post-1", "title")
	require.True(t, held)

	// After A releases, B can acquire the same field.
	require.NoError(t, e.ReleaseEditLock("post-1", "title", "editor-a"))
	lockB, err := e.AcquireEditLock("post-1", "title", "editor-b")
	require.NoError(t, err)
	assert.Equal(t, "editor-b", lockB.UserID)
	assert.NotEqual(t, lockA.Token, lockB.Token)

	assert.Equal(t, 3, acquired.count())
	require.Equal(t, 1, released.count())
	rel := released.snapshot()[0].(LockEvent)
	assert.False(t, rel.Expired)
	assert.Equal(t, "editor-a", rel.Lock.UserID)
}

func TestEditLockSameUserKeepsExistingLock(t *testing.T) {
	e := newTestEngine(t)

	first, err := e.AcquireEditLock("post-1", "title", "editor-a")
	require.NoError(t, err)

	// Re-acquiring while held returns the live lock untouched; the expiry is
	// not extended.
	again, err := e.AcquireEditLock("post-1", "title", "editor-a")
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token)
	assert.Equal(t, first.ExpiresAt, again.ExpiresAt)
	assert.Equal(t, 1, e.Status().ActiveLocks)
}

func TestEditLockExpiresAfterTTL(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.LockTTL = 40 * time.Millisecond })
	released := collect(e, TopicLockReleased)

	_, err := e.AcquireEditLock("post-1", "title", "editor-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return released.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := released.snapshot()[0].(LockEvent)
	assert.True(t, ev.Expired)
	assert.Equal(t, "editor-a", ev.Lock.UserID)

	_, held := e.EditLockInfo("post-1", "title")
	assert.False(t, held)
	assert.Equal(t, 0, e.Status().ActiveLocks)

	// The field is free for anyone now.
	_, err = e.AcquireEditLock("post-1", "title", "editor-b")
	require.NoError(t, err)
}

func TestReleaseUnheldLockIsNoop(t *testing.T) {
	e := newTestEngine(t)
	released := collect(e, TopicLockReleased)

	require.NoError(t, e.ReleaseEditLock("post-9", "title", "editor-a"))
	assert.Zero(t, released.count())

	_, err := e.AcquireEditLock("post-9", "title", "editor-a")
	require.NoError(t, err)
	require.NoError(t, e.ReleaseEditLock("post-9", "title", "editor-a"))
	// Second release of the same key is also a no-op.
	require.NoError(t, e.ReleaseEditLock("post-9", "title", "editor-a"))
	assert.Equal(t, 1, released.count())
}

func TestLockConflictErrorIsNotRetried(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.AcquireEditLock("post-1", "title", "editor-a")
	require.NoError(t, err)

	// An operation that trips the lock check fails once and is routed to
	// neither queue.
	_, err = e.Execute(context.Background(), Operation{
		DataKey: "posts",
		Execute: func(ctx context.Context) (any, error) {
			_, lockErr := e.AcquireEditLock("post-1", "title", "editor-b")
			return nil, lockErr
		},
	})
	require.ErrorIs(t, err, ErrLockConflict)

	st := e.Status()
	assert.Equal(t, 0, st.PendingRetries)
	assert.Equal(t, 0, st.OfflineQueued)
}
