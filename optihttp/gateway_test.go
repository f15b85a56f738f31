package optihttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erolledph/go-optisync/optisync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestGatewaySetsAuthAndContentType(t *testing.T) {
	g := NewGateway("https://api.example.com", StaticTokenSource("tok-123"), discardLogger())
	g.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "https://api.example.com/v1/posts", r.URL.String())
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"hello"}`, string(body))
		return jsonResponse(http.StatusCreated, `{"id":"p1","title":"hello"}`), nil
	})}

	raw, err := g.Do(context.Background(), http.MethodPost, "/v1/posts", map[string]string{"title": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"p1","title":"hello"}`, string(raw))
}

func TestGatewayWrapsErrorStatus(t *testing.T) {
	g := NewGateway("https://api.example.com", nil, discardLogger())
	g.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Empty(t, r.Header.Get("Authorization"), "no token source, no header")
		return jsonResponse(http.StatusUnprocessableEntity, `{"error":"title is required"}`), nil
	})}

	_, err := g.Do(context.Background(), http.MethodPost, "/v1/posts", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "title is required")
}

func TestGatewayTokenFailureShortCircuits(t *testing.T) {
	g := NewGateway("https://api.example.com", TokenSourceFunc(func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("session expired")
	}), discardLogger())
	g.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("request must not be sent without a token")
		return nil, nil
	})}

	_, err := g.Do(context.Background(), http.MethodGet, "/v1/posts", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session expired")
}

func TestGatewayOperationBuilders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/posts":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"p1"}`)
		case "PUT /v1/posts/p1":
			fmt.Fprint(w, `{"id":"p1","title":"edited"}`)
		case "DELETE /v1/posts/p1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, nil, discardLogger())

	created, err := g.Create("/v1/posts", map[string]string{"title": "hello"})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "p1"}, created)

	updated, err := g.Update("/v1/posts/p1", map[string]string{"title": "edited"})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.(map[string]any)["title"])

	deleted, err := g.Delete("/v1/posts/p1")(context.Background())
	require.NoError(t, err)
	assert.Nil(t, deleted, "204 responses decode to nil")
}

// The gateway's builders plug straight into the engine as operation bodies.
func TestGatewayDrivesEngineOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"p9","title":"from server"}`)
	}))
	defer srv.Close()

	cfg := optisync.DefaultConfig("u1", "b1")
	cfg.Logger = discardLogger()
	e, err := optisync.New(cfg)
	require.NoError(t, err)
	defer e.Close()

	g := NewGateway(srv.URL, StaticTokenSource("tok"), discardLogger())
	result, err := e.Execute(context.Background(), optisync.Operation{
		Type:       optisync.OpCreate,
		DataKey:    "posts",
		Optimistic: map[string]any{"title": "draft"},
		Execute:    g.Create("/v1/posts", map[string]string{"title": "draft"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "p9", result.(map[string]any)["id"])
}
