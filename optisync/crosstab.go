// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optisync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// MessageTypeOperationSuccess is the only frame type engines exchange today.
const MessageTypeOperationSuccess = "operation-success"

// ErrChannelClosed is returned when publishing or subscribing on a closed
// channel.
var ErrChannelClosed = errors.New("channel_closed")

// CrossTabMessage is the wire format exchanged between engine instances. The
// JSON field names are fixed; the relay and sibling instances depend on them.
type CrossTabMessage struct {
	Type        string          `json:"type"`
	DataKey     string          `json:"dataKey"`
	Data        json.RawMessage `json:"data"`
	OperationID string          `json:"operationId"`
	Timestamp   int64           `json:"timestamp"` // unix milliseconds
	UserID      string          `json:"userId"`
	BlogID      string          `json:"blogId"`
}

// Channel moves frames between engine instances. Implementations deliver a
// published frame to every other member of the channel and never echo it back
// to the publisher.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(fn func(payload []byte)) (cancel func(), err error)
	Close() error
}

const localChannelBuffer = 256

var localGroups = struct {
	mu     sync.Mutex
	groups map[string]*localGroup
}{groups: make(map[string]*localGroup)}

type localGroup struct {
	name string

	mu      sync.Mutex
	nextID  int64
	members map[int64]*LocalChannel
}

func (g *localGroup) join(c *LocalChannel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	c.id = g.nextID
	g.members[c.id] = c
}

func (g *localGroup) leave(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
}

func (g *localGroup) fanOut(from int64, payload []byte) {
	g.mu.Lock()
	members := make([]*LocalChannel, 0, len(g.members))
	for id, m := range g.members {
		if id != from {
			members = append(members, m)
		}
	}
	g.mu.Unlock()

	for _, m := range members {
		m.deliver(payload)
	}
}

// LocalChannel is the in-process Channel: every LocalChannel opened with the
// same name belongs to one group, and a published frame reaches all other
// members of that group. Delivery is asynchronous and ordered per member; a
// member that stops consuming drops the oldest-pending frames rather than
// blocking publishers.
type LocalChannel struct {
	group *localGroup
	id    int64

	mu      sync.Mutex
	nextSub int64
	subs    []localSub
	closed  bool

	inbox chan []byte
	quit  chan struct{}
	wg    sync.WaitGroup
}

type localSub struct {
	id int64
	fn func(payload []byte)
}

// NewLocalChannel opens a member of the named in-process channel group.
func NewLocalChannel(name string) *LocalChannel {
	localGroups.mu.Lock()
	group, ok := localGroups.groups[name]
	if !ok {
		group = &localGroup{name: name, members: make(map[int64]*LocalChannel)}
		localGroups.groups[name] = group
	}
	localGroups.mu.Unlock()

	c := &LocalChannel{
		group: group,
		inbox: make(chan []byte, localChannelBuffer),
		quit:  make(chan struct{}),
	}
	group.join(c)
	c.wg.Add(1)
	go c.pump()
	return c
}

func (c *LocalChannel) pump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.inbox:
			c.mu.Lock()
			subs := make([]localSub, len(c.subs))
			copy(subs, c.subs)
			c.mu.Unlock()
			for _, s := range subs {
				s.fn(payload)
			}
		}
	}
}

func (c *LocalChannel) deliver(payload []byte) {
	select {
	case c.inbox <- payload:
	case <-c.quit:
	default:
		// member not consuming; drop rather than block the publisher
	}
}

func (c *LocalChannel) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	c.group.fanOut(c.id, bytes.Clone(payload))
	return nil
}

func (c *LocalChannel) Subscribe(fn func(payload []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, localSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.group.leave(c.id)
	close(c.quit)
	c.wg.Wait()
	return nil
}

// crossTabSync broadcasts local operation successes and filters frames coming
// in from sibling instances. Frames carrying a foreign user or blog identity
// are discarded before any bus activity; frames whose operation id was seen
// within the dedup window are discarded as duplicates.
type crossTabSync struct {
	channel Channel
	bus     *subscriberBus
	userID  string
	blogID  string
	seen    *expiremap.ExpireMap[string, time.Time]
	logger  *slog.Logger

	mu     sync.Mutex
	cancel func()
}

func newCrossTabSync(channel Channel, bus *subscriberBus, userID, blogID string, dedupTTL time.Duration, logger *slog.Logger) *crossTabSync {
	return &crossTabSync{
		channel: channel,
		bus:     bus,
		userID:  userID,
		blogID:  blogID,
		seen:    expiremap.NewEx[string, time.Time](dedupTTL, dedupTTL),
		logger:  logger,
	}
}

func (s *crossTabSync) Start() error {
	cancel, err := s.channel.Subscribe(s.receive)
	if err != nil {
		return fmt.Errorf("subscribe cross-tab channel: %w", err)
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *crossTabSync) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Broadcast is fire and forget: a failed or unmarshalable broadcast never
// fails the operation that produced it.
func (s *crossTabSync) Broadcast(ctx context.Context, op Operation, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("cross-tab broadcast skipped", "op", op.ID, "error", err)
		return
	}
	msg := CrossTabMessage{
		Type:        MessageTypeOperationSuccess,
		DataKey:     op.DataKey,
		Data:        data,
		OperationID: op.ID,
		Timestamp:   time.Now().UnixMilli(),
		UserID:      s.userID,
		BlogID:      s.blogID,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("cross-tab broadcast skipped", "op", op.ID, "error", err)
		return
	}
	// Mark our own id seen so an echoing transport cannot loop it back.
	s.seen.Set(op.ID, time.Now())
	if err := s.channel.Publish(ctx, payload); err != nil {
		s.logger.Warn("cross-tab publish failed", "op", op.ID, "error", err)
	}
}

func (s *crossTabSync) receive(payload []byte) {
	var msg CrossTabMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Debug("cross-tab frame dropped", "error", err)
		return
	}
	if msg.UserID != s.userID || msg.BlogID != s.blogID {
		return
	}
	if msg.OperationID != "" {
		if _, ok := s.seen.Load(msg.OperationID); ok {
			return
		}
		s.seen.Set(msg.OperationID, time.Now())
	}
	s.bus.Publish(TopicCrossTab, CrossTabEvent{Message: msg})
}

func (e *Engine) broadcastSuccess(ctx context.Context, op Operation, result any) {
	if e.crosstab == nil {
		return
	}
	e.crosstab.Broadcast(ctx, op, result)
}
