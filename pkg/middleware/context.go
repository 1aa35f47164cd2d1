// Package middleware implements the request gate: identity resolution,
// server resolution, permission gates, and rate limiting.
package middleware

import (
	"context"

	"github.com/wikibothq/wikibot/pkg/auth"
)

type contextKey string

const (
	identityKey contextKey = "wikibot.identity"
	serverIDKey contextKey = "wikibot.server_id"
)

// WithIdentity attaches a resolved identity to the context.
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom returns the resolved identity, or Anonymous when the gate
// never ran.
func IdentityFrom(ctx context.Context) auth.Identity {
	if identity, ok := ctx.Value(identityKey).(auth.Identity); ok {
		return identity
	}
	return auth.Anonymous
}

// WithServerID attaches the resolved target server id to the context.
func WithServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, serverIDKey, serverID)
}

// ServerIDFrom returns the resolved server id, or "" when none was
// resolved.
func ServerIDFrom(ctx context.Context) string {
	if serverID, ok := ctx.Value(serverIDKey).(string); ok {
		return serverID
	}
	return ""
}
