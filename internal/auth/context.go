// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	blogIDKey contextKey = "blog_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetBlogID sets the blog ID in the context
func SetBlogID(ctx context.Context, blogID string) context.Context {
	return context.WithValue(ctx, blogIDKey, blogID)
}

// GetBlogID retrieves the blog ID from the context
func GetBlogID(ctx context.Context) (string, bool) {
	blogID, ok := ctx.Value(blogIDKey).(string)
	return blogID, ok
}

// SetAuthContext sets both user and blog ID in context
func SetAuthContext(ctx context.Context, userID, blogID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetBlogID(ctx, blogID)
	return ctx
}
