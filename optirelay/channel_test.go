package optirelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erolledph/go-optisync/optisync"
)

func TestHubWebsocketURL(t *testing.T) {
	u, err := hubWebsocketURL("http://relay.example.com:8080/ws", "console")
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.example.com:8080/ws?channel=console", u)

	u, err = hubWebsocketURL("https://relay.example.com", "console")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com?channel=console", u)

	u, err = hubWebsocketURL("wss://relay.example.com", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com?channel=a+b", u)

	_, err = hubWebsocketURL("ftp://relay.example.com", "console")
	require.Error(t, err)
}

func TestDialValidation(t *testing.T) {
	_, err := Dial(context.Background(), nil)
	require.Error(t, err)

	_, err = Dial(context.Background(), &ClientConfig{Channel: "console"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL")

	_, err = Dial(context.Background(), &ClientConfig{URL: "http://localhost:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Channel")
}

func TestClientCloseIsIdempotent(t *testing.T) {
	_, srv, a := newTestHub(t)
	c := dialTestClient(t, srv, a, "console", "u1", "b1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Publish(context.Background(), []byte(`x`))
	require.ErrorIs(t, err, optisync.ErrChannelClosed)
	_, err = c.Subscribe(func([]byte) {})
	require.ErrorIs(t, err, optisync.ErrChannelClosed)
}

// Two engines in different "processes" share one hub channel: a success in
// one surfaces as a cross-tab event in the other, scoped by identity exactly
// like the in-process channel.
func TestEnginesSyncOverRelay(t *testing.T) {
	hub, srv, a := newTestHub(t)

	newEngine := func(userID, blogID string) *optisync.Engine {
		cfg := optisync.DefaultConfig(userID, blogID)
		cfg.Logger = discardLogger()
		cfg.Channel = dialTestClient(t, srv, a, "console", userID, blogID)
		e, err := optisync.New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		return e
	}

	source := newEngine("u1", "b1")
	sibling := newEngine("u1", "b1")
	foreign := newEngine("u1", "b2")
	require.Eventually(t, func() bool { return hub.MemberCount("console") == 3 },
		2*time.Second, 5*time.Millisecond)

	siblingSeen := make(chan optisync.CrossTabEvent, 4)
	sibling.Subscribe(optisync.TopicCrossTab, func(ev optisync.Event) {
		siblingSeen <- ev.(optisync.CrossTabEvent)
	})
	foreignSeen := make(chan optisync.CrossTabEvent, 4)
	foreign.Subscribe(optisync.TopicCrossTab, func(ev optisync.Event) {
		foreignSeen <- ev.(optisync.CrossTabEvent)
	})

	_, err := source.Execute(context.Background(), optisync.Operation{
		ID:      "op-relay",
		Type:    optisync.OpUpdate,
		DataKey: "posts",
		Execute: func(ctx context.Context) (any, error) {
			return map[string]any{"id": "p1"}, nil
		},
	})
	require.NoError(t, err)

	select {
	case ev := <-siblingSeen:
		assert.Equal(t, "op-relay", ev.Message.OperationID)
		assert.Equal(t, "posts", ev.Message.DataKey)
		assert.Equal(t, "u1", ev.Message.UserID)
		assert.Equal(t, "b1", ev.Message.BlogID)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling engine never observed the broadcast")
	}

	select {
	case <-foreignSeen:
		t.Fatal("engine with a different blog id observed a foreign frame")
	case <-time.After(60 * time.Millisecond):
	}
}
