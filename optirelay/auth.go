// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package optirelay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erolledph/go-optisync/internal/auth"
)

// ClientAuthenticator extracts the caller identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) before the upgrade.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetBlogID(r *http.Request) (string, error)
}

// JWTAuthenticator handles JWT authentication for the relay
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
	}
}

// Claims represents JWT claims for one user of one blog
type Claims struct {
	BlogID string `json:"blog"` // Blog ID (tenant scope)
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token scoped to one user and blog
func (j *JWTAuthenticator) GenerateToken(userID, blogID string, expiration time.Duration) (string, error) {
	claims := &Claims{
		BlogID: blogID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "go-optisync",
			Subject:   userID, // User ID goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuthenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		if claims.BlogID == "" {
			return nil, fmt.Errorf("missing blog (blog ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// GetUserID extracts the user ID from the request's bearer token
func (j *JWTAuthenticator) GetUserID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetBlogID extracts the blog ID from the request's bearer token
func (j *JWTAuthenticator) GetBlogID(r *http.Request) (string, error) {
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.BlogID, nil
}

func (j *JWTAuthenticator) requestClaims(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// Add auth context with user and blog info
		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.BlogID)
		r = r.WithContext(ctx)

		next.ServeHTTP(w, r)
	})
}
