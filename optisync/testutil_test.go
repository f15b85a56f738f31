package optisync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestEngine builds an engine with short timings suitable for tests.
// Mutators adjust the config before New.
func newTestEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig("u1", "b1")
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.OptimisticTTL = 2 * time.Second
	cfg.LockTTL = 2 * time.Second
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 80 * time.Millisecond
	cfg.IdleThreshold = 150 * time.Millisecond
	cfg.IdleTick = 10 * time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// eventLog collects the events of one subscription for later inspection.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func collect(e *Engine, topic string) *eventLog {
	log := &eventLog{}
	e.Subscribe(topic, log.add)
	return log
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) updates() []UpdateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []UpdateEvent
	for _, ev := range l.events {
		if u, ok := ev.(UpdateEvent); ok {
			out = append(out, u)
		}
	}
	return out
}

func (l *eventLog) phases() []UpdatePhase {
	var out []UpdatePhase
	for _, u := range l.updates() {
		out = append(out, u.Phase)
	}
	return out
}

// failNTimes returns an ExecuteFunc that fails the first n calls and then
// keeps returning result.
func failNTimes(n int, result any) (ExecuteFunc, *atomic.Int32) {
	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		c := calls.Add(1)
		if int(c) <= n {
			return nil, fmt.Errorf("transient failure %d", c)
		}
		return result, nil
	}
	return fn, &calls
}

func succeedWith(result any) ExecuteFunc {
	return func(ctx context.Context) (any, error) { return result, nil }
}

func alwaysFail(msg string) ExecuteFunc {
	return func(ctx context.Context) (any, error) { return nil, fmt.Errorf("%s", msg) }
}
