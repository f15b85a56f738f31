package optihttp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenSource(t *testing.T) {
	src := StaticTokenSource("abc")
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestHS256TokenSourceClaims(t *testing.T) {
	src := &HS256TokenSource{Secret: "shared-secret", UserID: "u1", BlogID: "b1", TTL: time.Hour}

	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	claims := &gatewayClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte("shared-secret"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "b1", claims.BlogID)
	assert.Equal(t, "go-optisync", claims.Issuer)
}

func TestHS256TokenSourceCachesUntilNearExpiry(t *testing.T) {
	src := &HS256TokenSource{Secret: "shared-secret", UserID: "u1", TTL: time.Hour}

	first, err := src.Token(context.Background())
	require.NoError(t, err)
	firstExpiry := src.expires

	second, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second, "fresh token is served from cache")
	assert.Equal(t, firstExpiry, src.expires)

	// Push the cached token to the edge of its life; the next call reissues.
	src.mu.Lock()
	src.expires = time.Now()
	src.mu.Unlock()
	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, src.expires.After(firstExpiry.Add(-time.Minute)), "expiry moved forward on reissue")
	assert.True(t, src.expires.After(time.Now().Add(30*time.Minute)), "reissued for a fresh TTL")
}

func TestHS256TokenSourceValidation(t *testing.T) {
	_, err := (&HS256TokenSource{UserID: "u1"}).Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")

	_, err = (&HS256TokenSource{Secret: "s"}).Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user ID")
}
