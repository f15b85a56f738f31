// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optirelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erolledph/go-optisync/optisync"
)

// ClientConfig holds configuration for a relay channel client.
type ClientConfig struct {
	URL        string                                // hub endpoint; http(s) or ws(s) scheme
	Channel    string                                // channel name on the hub
	Token      func(context.Context) (string, error) // returns JWT; nil for unauthenticated hubs
	Logger     *slog.Logger
	Handshake  time.Duration // dial handshake timeout
	BackoffMin time.Duration // first reconnect delay
	BackoffMax time.Duration // reconnect delay cap
}

// DefaultClientConfig returns a default configuration for the given hub URL
// and channel.
func DefaultClientConfig(hubURL, channel string) *ClientConfig {
	return &ClientConfig{
		URL:        hubURL,
		Channel:    channel,
		Handshake:  10 * time.Second,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Client is a hub-backed optisync.Channel. Frames published locally go to the
// hub; frames relayed by the hub are handed to subscribers. A lost connection
// is re-dialed with doubling backoff until Close. Subscribers run on the read
// goroutine and must not block.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	wsURL  string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn // nil while disconnected
	nextSub int64
	subs    []clientSub
	closed  bool

	writeMu sync.Mutex // gorilla allows one concurrent writer

	wg sync.WaitGroup
}

type clientSub struct {
	id int64
	fn func(payload []byte)
}

// Dial connects to the hub and starts the receive loop. The first connection
// attempt is synchronous so callers learn about bad URLs and rejected tokens
// immediately; later drops reconnect in the background.
func Dial(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("config.URL must be provided")
	}
	if config.Channel == "" {
		return nil, fmt.Errorf("config.Channel must be provided")
	}

	cfg := *config
	if cfg.Handshake <= 0 {
		cfg.Handshake = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL, err := hubWebsocketURL(cfg.URL, cfg.Channel)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: logger, wsURL: wsURL}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(conn)
	logger.Info("relay channel connected", "channel", cfg.Channel)
	return c, nil
}

// hubWebsocketURL turns the configured hub endpoint into the websocket URL of
// one channel: http -> ws, https -> wss.
func hubWebsocketURL(raw, channel string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get relay token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Handshake}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}
	return conn, nil
}

// run owns one connection at a time: it pumps reads until the connection
// dies, then re-dials with doubling backoff.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		backoff := c.cfg.BackoffMin
		for {
			if err := sleepWithContext(c.ctx, backoff); err != nil {
				return
			}
			next, err := c.connect(c.ctx)
			if err == nil {
				conn = next
				break
			}
			c.logger.Warn("relay reconnect failed",
				"channel", c.cfg.Channel, "backoff", backoff, "error", err)
			backoff = backoff * 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("relay channel reconnected", "channel", c.cfg.Channel)
	}
}

// readLoop reads frames until the connection fails. The hub pings on its own
// schedule; gorilla's default ping handler answers with pongs during reads,
// and the read deadline catches a hub that went silent.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	quit := make(chan struct{})
	defer close(quit)
	go c.pinger(conn, quit)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("relay read ended", "channel", c.cfg.Channel, "error", err)
			return
		}

		c.mu.Lock()
		subs := make([]clientSub, len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()
		for _, s := range subs {
			s.fn(payload)
		}
	}
}

// pinger keeps the connection alive from the client side so half-open
// connections die within pongWait instead of hanging forever.
func (c *Client) pinger(conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Publish sends one frame to the hub for fan-out to the channel's other
// members. Publishing while disconnected fails; the engine treats broadcast
// failures as non-fatal.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return optisync.ErrChannelClosed
	}
	if conn == nil {
		return fmt.Errorf("relay channel %s not connected", c.cfg.Channel)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("relay publish failed: %w", err)
	}
	return nil
}

// Subscribe registers fn for every inbound frame. The returned cancel removes
// exactly this subscription.
func (c *Client) Subscribe(fn func(payload []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, optisync.ErrChannelClosed
	}
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, clientSub{id: id, fn: fn})
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

// Close disconnects from the hub and stops reconnecting. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	c.wg.Wait()
	c.logger.Info("relay channel closed", "channel", c.cfg.Channel)
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
