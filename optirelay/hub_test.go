package optirelay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erolledph/go-optisync/internal/auth"
)

const testSecret = "test-secret-key-for-relay"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server, *JWTAuthenticator) {
	t.Helper()
	authenticator := NewJWTAuthenticator(testSecret)
	hub := NewHub(authenticator, discardLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv, authenticator
}

func dialTestClient(t *testing.T, srv *httptest.Server, a *JWTAuthenticator, channel, userID, blogID string) *Client {
	t.Helper()
	cfg := DefaultClientConfig(srv.URL, channel)
	cfg.Logger = discardLogger()
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.Token = func(ctx context.Context) (string, error) {
		return a.GenerateToken(userID, blogID, time.Hour)
	}
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHubRelaysToOtherMembersOnly(t *testing.T) {
	hub, srv, a := newTestHub(t)

	sender := dialTestClient(t, srv, a, "console", "u1", "b1")
	receiver := dialTestClient(t, srv, a, "console", "u1", "b1")
	require.Eventually(t, func() bool { return hub.MemberCount("console") == 2 },
		2*time.Second, 5*time.Millisecond)

	got := make(chan []byte, 4)
	_, err := receiver.Subscribe(func(p []byte) { got <- p })
	require.NoError(t, err)

	echo := make(chan []byte, 4)
	_, err = sender.Subscribe(func(p []byte) { echo <- p })
	require.NoError(t, err)

	require.NoError(t, sender.Publish(context.Background(), []byte(`{"hello":"relay"}`)))

	select {
	case p := <-got:
		assert.JSONEq(t, `{"hello":"relay"}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never got the frame")
	}
	select {
	case <-echo:
		t.Fatal("sender received its own frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubChannelsAreIsolated(t *testing.T) {
	hub, srv, a := newTestHub(t)

	sender := dialTestClient(t, srv, a, "console", "u1", "b1")
	stranger := dialTestClient(t, srv, a, "other", "u1", "b1")
	require.Eventually(t, func() bool {
		return hub.MemberCount("console") == 1 && hub.MemberCount("other") == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := make(chan []byte, 4)
	_, err := stranger.Subscribe(func(p []byte) { got <- p })
	require.NoError(t, err)

	require.NoError(t, sender.Publish(context.Background(), []byte(`x`)))

	select {
	case <-got:
		t.Fatal("frame crossed channels")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestHubRejectsBadAuth(t *testing.T) {
	_, srv, _ := newTestHub(t)

	cfg := DefaultClientConfig(srv.URL, "console")
	cfg.Logger = discardLogger()
	_, err := Dial(context.Background(), cfg)
	require.Error(t, err, "no token")
	assert.Contains(t, err.Error(), "401")

	cfg = DefaultClientConfig(srv.URL, "console")
	cfg.Logger = discardLogger()
	cfg.Token = func(ctx context.Context) (string, error) { return "not-a-jwt", nil }
	_, err = Dial(context.Background(), cfg)
	require.Error(t, err, "garbage token")
	assert.Contains(t, err.Error(), "401")
}

func TestHubRequiresChannelParameter(t *testing.T) {
	_, srv, a := newTestHub(t)

	token, err := a.GenerateToken("u1", "b1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body.Error)
}

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	token, err := a.GenerateToken("u1", "b1", time.Hour)
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "b1", claims.BlogID)

	// Expired tokens fail validation.
	expired, err := a.GenerateToken("u1", "b1", -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	require.Error(t, err)

	// Tokens signed with another secret fail validation.
	other := NewJWTAuthenticator("different-secret")
	foreign, err := other.GenerateToken("u1", "b1", time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateToken(foreign)
	require.Error(t, err)
}

func TestMiddlewareStoresIdentityInContext(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	var gotUser, gotBlog string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotBlog, _ = auth.GetBlogID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := a.GenerateToken("u7", "b3", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u7", gotUser)
	assert.Equal(t, "b3", gotBlog)

	// Missing and malformed headers are rejected before the handler runs.
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
