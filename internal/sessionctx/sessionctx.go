// Package sessionctx carries the caller session id down to tool handlers.
//
// The id travels inside the request context, so two concurrently processed
// sessions never observe each other's value and the binding ends with the
// request that created it.
package sessionctx

import (
	"context"
	"strings"
)

type sessionKey struct{}

// With returns a child context bound to sessionID.
func With(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, strings.TrimSpace(sessionID))
}

// From returns the session bound to ctx, if any.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Clear returns a child context with no session bound, for work that must not
// be attributed to the caller.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, "")
}
