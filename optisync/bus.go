// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"log/slog"
	"sync"
)

// subscriberBus fans events out per topic. Handlers run synchronously on the
// publisher's goroutine in subscription order, from a snapshot taken under
// the lock, so events published for one data key are observed in publish
// order. A panicking handler is recovered and logged so it cannot stall
// delivery to the rest.
type subscriberBus struct {
	mu     sync.RWMutex
	nextID int64
	topics map[string][]busHandler
	logger *slog.Logger
}

type busHandler struct {
	id int64
	fn func(Event)
}

func newSubscriberBus(logger *slog.Logger) *subscriberBus {
	return &subscriberBus{
		topics: make(map[string][]busHandler),
		logger: logger,
	}
}

func (b *subscriberBus) Subscribe(topic string, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], busHandler{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.topics[topic]
		for i, h := range handlers {
			if h.id == id {
				b.topics[topic] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *subscriberBus) Publish(topic string, ev Event) {
	b.mu.RLock()
	handlers := b.topics[topic]
	snapshot := make([]busHandler, len(handlers))
	copy(snapshot, handlers)
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.invoke(topic, h.fn, ev)
	}
}

func (b *subscriberBus) invoke(topic string, fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	fn(ev)
}

// Subscribe registers fn for every event published on topic and returns an
// idempotent unsubscribe function. Topics are either data keys or the
// reserved Topic* constants.
func (e *Engine) Subscribe(topic string, fn func(Event)) func() {
	return e.bus.Subscribe(topic, fn)
}

// Publish delivers ev to the current subscribers of topic. Publishing to a
// topic nobody subscribes to is a no-op. The engine publishes its own
// lifecycle events through the same path.
func (e *Engine) Publish(topic string, ev Event) {
	e.bus.Publish(topic, ev)
}
