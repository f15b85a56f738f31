// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// PrefetchPriority orders queued prefetch tasks. Higher drains first.
type PrefetchPriority int

const (
	PrefetchLow PrefetchPriority = iota
	PrefetchMedium
	PrefetchHigh
)

func (p PrefetchPriority) String() string {
	switch p {
	case PrefetchHigh:
		return "high"
	case PrefetchMedium:
		return "medium"
	default:
		return "low"
	}
}

// FetchFunc loads the data behind a route so it is warm before the user
// navigates there.
type FetchFunc func(ctx context.Context) (any, error)

type prefetchTask struct {
	key       string
	priority  PrefetchPriority
	seq       uint64
	heapIndex int
}

// prefetchHeap orders tasks by priority, FIFO within a priority band.
type prefetchHeap []*prefetchTask

func (h prefetchHeap) Len() int { return len(h) }

func (h prefetchHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h prefetchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *prefetchHeap) Push(x any) {
	task := x.(*prefetchTask)
	task.heapIndex = len(*h)
	*h = append(*h, task)
}

func (h *prefetchHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.heapIndex = -1
	*h = old[:n-1]
	return task
}

// prefetchScheduler learns navigation patterns and warms likely next routes
// while the user is idle. Pattern counters only grow; prediction takes the
// top successors by count. Prefetch work is best effort: failures are logged
// and dropped, never surfaced.
type prefetchScheduler struct {
	drainLimit int
	topK       int
	logger     *slog.Logger

	mu        sync.Mutex
	providers map[string]FetchFunc
	patterns  map[string]map[string]int64 // from -> to -> count
	queue     prefetchHeap
	queued    map[string]*prefetchTask
	cache     map[string]any
	seq       uint64
	closed    bool

	flight       singleflight.Group
	lastActivity atomic.Int64 // unix nanos of the last recorded user input
}

func newPrefetchScheduler(drainLimit, topK int, logger *slog.Logger) *prefetchScheduler {
	s := &prefetchScheduler{
		drainLimit: drainLimit,
		topK:       topK,
		logger:     logger,
		providers:  make(map[string]FetchFunc),
		patterns:   make(map[string]map[string]int64),
		queued:     make(map[string]*prefetchTask),
		cache:      make(map[string]any),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *prefetchScheduler) RegisterRoute(pattern string, fetch FetchFunc) {
	if pattern == "" || fetch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.providers[pattern] = fetch
}

// RecordNavigation counts the from->to transition and queues the predicted
// successors of to at medium priority. Navigation counts as user activity.
func (s *prefetchScheduler) RecordNavigation(from, to string) {
	s.RecordActivity()
	if from == "" || to == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	next := s.patterns[from]
	if next == nil {
		next = make(map[string]int64)
		s.patterns[from] = next
	}
	next[to]++

	for _, route := range s.successorsLocked(to) {
		if _, ok := s.providers[route]; !ok {
			continue
		}
		if _, ok := s.cache[route]; ok {
			continue
		}
		if _, ok := s.queued[route]; ok {
			continue
		}
		s.pushLocked(route, PrefetchMedium)
	}
}

// successorsLocked returns up to topK routes historically visited after
// route, most frequent first, ties broken lexically for determinism.
func (s *prefetchScheduler) successorsLocked(route string) []string {
	next := s.patterns[route]
	if len(next) == 0 {
		return nil
	}
	type candidate struct {
		route string
		count int64
	}
	cands := make([]candidate, 0, len(next))
	for r, n := range next {
		cands = append(cands, candidate{route: r, count: n})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].count != cands[j].count {
			return cands[i].count > cands[j].count
		}
		return cands[i].route < cands[j].route
	})
	if len(cands) > s.topK {
		cands = cands[:s.topK]
	}
	routes := make([]string, len(cands))
	for i, c := range cands {
		routes[i] = c.route
	}
	return routes
}

func (s *prefetchScheduler) pushLocked(key string, priority PrefetchPriority) {
	s.seq++
	task := &prefetchTask{key: key, priority: priority, seq: s.seq}
	heap.Push(&s.queue, task)
	s.queued[key] = task
}

// Enqueue adds a task unless the route is already cached or queued. Reports
// whether the task was added.
func (s *prefetchScheduler) Enqueue(key string, priority PrefetchPriority) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.cache[key]; ok {
		return false
	}
	if _, ok := s.queued[key]; ok {
		return false
	}
	s.pushLocked(key, priority)
	return true
}

// Drain pops up to drainLimit tasks in priority order and runs their
// providers. Concurrent drains of the same route collapse into one fetch.
// Returns the number of routes fetched and cached.
func (s *prefetchScheduler) Drain(ctx context.Context) int {
	fetched := 0
	for popped := 0; popped < s.drainLimit; popped++ {
		s.mu.Lock()
		if s.closed || s.queue.Len() == 0 {
			s.mu.Unlock()
			break
		}
		task := heap.Pop(&s.queue).(*prefetchTask)
		delete(s.queued, task.key)
		fetch := s.providers[task.key]
		if _, cached := s.cache[task.key]; cached {
			fetch = nil
		}
		s.mu.Unlock()

		if fetch == nil {
			continue
		}
		result, err, _ := s.flight.Do(task.key, func() (any, error) {
			return fetch(ctx)
		})
		if err != nil {
			s.logger.Debug("prefetch failed", "route", task.key, "error", err)
			continue
		}
		s.mu.Lock()
		if !s.closed {
			s.cache[task.key] = result
		}
		s.mu.Unlock()
		fetched++
	}
	return fetched
}

func (s *prefetchScheduler) RecordActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *prefetchScheduler) Prefetched(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok
}

func (s *prefetchScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// runIdleMonitor drains the queue whenever user input has been absent for
// threshold. It is the engine's replacement for a host idle callback and
// stops when ctx is canceled.
func (s *prefetchScheduler) runIdleMonitor(ctx context.Context, tick, threshold time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.pending() == 0 {
				continue
			}
			if time.Since(time.Unix(0, s.lastActivity.Load())) >= threshold {
				s.Drain(ctx)
			}
		}
	}
}

func (s *prefetchScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// RegisterRoute installs the loader used when route is prefetched.
func (e *Engine) RegisterRoute(pattern string, fetch FetchFunc) {
	e.prefetch.RegisterRoute(pattern, fetch)
}

// RecordNavigation feeds one route transition into the pattern counters and
// queues the predicted next routes at medium priority.
func (e *Engine) RecordNavigation(from, to string) {
	e.prefetch.RecordNavigation(from, to)
}

// RecordActivity marks user input now, pushing back the idle prefetch drain.
func (e *Engine) RecordActivity() {
	e.prefetch.RecordActivity()
}

// EnqueuePrefetch queues a route directly at the given priority.
func (e *Engine) EnqueuePrefetch(key string, priority PrefetchPriority) bool {
	return e.prefetch.Enqueue(key, priority)
}

// DrainPrefetch runs queued prefetch tasks now, for hosts that bring their
// own idle scheduling. Returns the number of routes fetched.
func (e *Engine) DrainPrefetch(ctx context.Context) int {
	return e.prefetch.Drain(ctx)
}

// Prefetched returns the cached result of an already prefetched route.
func (e *Engine) Prefetched(key string) (any, bool) {
	return e.prefetch.Prefetched(key)
}
