package auth

import "crypto/subtle"

// BotAuthenticator verifies the bot shared-secret header. An unconfigured
// secret rejects every candidate; there is no fallback to partial trust.
type BotAuthenticator struct {
	secret []byte
}

// NewBotAuthenticator creates a bot authenticator. An empty secret disables
// bot authentication entirely.
func NewBotAuthenticator(secret string) *BotAuthenticator {
	return &BotAuthenticator{secret: []byte(secret)}
}

// Configured reports whether a bot secret is set.
func (b *BotAuthenticator) Configured() bool {
	return len(b.secret) > 0
}

// Verify compares a candidate token against the configured secret. The
// length check runs first so the constant-time compare sees equal-length
// inputs.
func (b *BotAuthenticator) Verify(candidate string) bool {
	if len(b.secret) == 0 {
		return false
	}
	if len(candidate) != len(b.secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), b.secret) == 1
}
