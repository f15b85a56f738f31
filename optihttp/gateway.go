// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package optihttp turns the REST endpoints of the admin backend into
// engine operations: a small JSON-over-HTTP gateway with bearer auth plus
// builders that wrap individual endpoints as optisync.ExecuteFuncs.
package optihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/erolledph/go-optisync/optisync"
)

// Gateway sends JSON mutations to one backend base URL. All requests carry a
// bearer token from Tokens; non-2xx responses come back as errors wrapping
// the status and body.
type Gateway struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	logger  *slog.Logger
}

// NewGateway creates a gateway for the given base URL. Pass a nil tokens
// source for backends without auth.
func NewGateway(baseURL string, tokens TokenSource, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Tokens:  tokens,
		logger:  logger,
	}
}

// Do sends one request and returns the raw response body. A nil payload
// sends no body.
func (g *Gateway) Do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if g.Tokens != nil {
		token, err := g.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gateway token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	g.logger.Debug("gateway request completed", "method", method, "path", path, "status", resp.StatusCode)
	return raw, nil
}

func (g *Gateway) httpClient() *http.Client {
	if g.HTTP != nil {
		return g.HTTP
	}
	return http.DefaultClient
}

// Create returns an operation body that POSTs payload to path.
func (g *Gateway) Create(path string, payload any) optisync.ExecuteFunc {
	return g.operation(http.MethodPost, path, payload)
}

// Update returns an operation body that PUTs payload to path.
func (g *Gateway) Update(path string, payload any) optisync.ExecuteFunc {
	return g.operation(http.MethodPut, path, payload)
}

// Delete returns an operation body that DELETEs path.
func (g *Gateway) Delete(path string) optisync.ExecuteFunc {
	return g.operation(http.MethodDelete, path, nil)
}

func (g *Gateway) operation(method, path string, payload any) optisync.ExecuteFunc {
	return func(ctx context.Context) (any, error) {
		raw, err := g.Do(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		// Deletes and 204s have no body to decode.
		if len(raw) == 0 {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode response body: %w", err)
		}
		return decoded, nil
	}
}
