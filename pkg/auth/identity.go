// Package auth resolves caller identity: signed user tokens and the bot
// shared secret. The three identity variants (bot, user, anonymous) are the
// only trust tiers in the system; the bot tier is evaluated before any role
// logic runs and bypasses the permission model entirely.
package auth

// IdentityKind discriminates the identity variants.
type IdentityKind string

const (
	IdentityAnonymous IdentityKind = "anonymous"
	IdentityUser      IdentityKind = "user"
	IdentityBot       IdentityKind = "bot"
)

// Identity is the immutable resolved identity of a request. It is built
// once by the request gate and passed explicitly downstream.
type Identity struct {
	Kind     IdentityKind `json:"kind"`
	UserID   string       `json:"user_id,omitempty"`
	Username string       `json:"username,omitempty"`
	Email    string       `json:"email,omitempty"`
}

// Anonymous is the identity of an unauthenticated request.
var Anonymous = Identity{Kind: IdentityAnonymous}

// Bot returns the service-bot identity.
func Bot() Identity {
	return Identity{Kind: IdentityBot}
}

// User returns a user identity with profile fields from the token claims.
func User(id, username, email string) Identity {
	return Identity{Kind: IdentityUser, UserID: id, Username: username, Email: email}
}

// IsBot reports whether the identity is the service bot.
func (i Identity) IsBot() bool { return i.Kind == IdentityBot }

// IsUser reports whether the identity is an authenticated user.
func (i Identity) IsUser() bool { return i.Kind == IdentityUser }

// IsAnonymous reports whether no identity was established.
func (i Identity) IsAnonymous() bool { return i.Kind == IdentityAnonymous || i.Kind == "" }
