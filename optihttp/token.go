// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optihttp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource provides bearer tokens for gateway requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticTokenSource returns the same token on every call.
func StaticTokenSource(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return token, nil })
}

// Reissue this close to expiry rather than handing out a nearly dead token.
const tokenRefreshMargin = 30 * time.Second

// HS256TokenSource self-issues HS256 JWTs for backends sharing a secret with
// the console. Tokens are cached and reissued near expiry.
type HS256TokenSource struct {
	Secret string
	UserID string
	BlogID string
	TTL    time.Duration // defaults to 1h

	mu      sync.Mutex
	current string
	expires time.Time
}

type gatewayClaims struct {
	BlogID string `json:"blog"`
	jwt.RegisteredClaims
}

func (s *HS256TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.current != "" && now.Before(s.expires.Add(-tokenRefreshMargin)) {
		return s.current, nil
	}

	if s.Secret == "" {
		return "", fmt.Errorf("token source secret must be provided")
	}
	if s.UserID == "" {
		return "", fmt.Errorf("token source user ID must be provided")
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	expires := now.Add(ttl)
	claims := &gatewayClaims{
		BlogID: s.BlogID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-optisync",
			Subject:   s.UserID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.current = token
	s.expires = expires
	return token, nil
}
