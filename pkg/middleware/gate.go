package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/auth"
	"github.com/wikibothq/wikibot/pkg/httputil"
)

// Request headers and parameters understood by the gate.
const (
	BotTokenHeader = "X-Bot-Token"
	ServerIDHeader = "X-Server-ID"
	ServerIDParam  = "server_id"
)

// Gate resolves caller identity for inbound requests. Resolution order:
// bot shared-secret header first (a matching bot token stops all further
// identity checks), then bearer token, then anonymous.
type Gate struct {
	bot    *auth.BotAuthenticator
	tokens *auth.TokenManager
	logger *logrus.Entry
}

// NewGate creates a request gate.
func NewGate(bot *auth.BotAuthenticator, tokens *auth.TokenManager, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{
		bot:    bot,
		tokens: tokens,
		logger: logger.WithField("component", "gate"),
	}
}

// Authenticate resolves identity and rejects requests that present invalid
// credentials or none at all.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.resolve(r)
		if err != nil {
			httputil.WriteUnauthorized(w, err.Error())
			return
		}
		if identity.IsAnonymous() {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// AuthenticateOptional resolves identity but never rejects: a missing or
// invalid credential simply leaves the request anonymous. Used for
// endpoints that behave differently for known callers (rate-limit keying)
// without gating access.
func (g *Gate) AuthenticateOptional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.resolve(r)
		if err != nil {
			identity = auth.Anonymous
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// resolve runs the identity state machine. It returns an error only for
// credentials that are present but invalid; absence of credentials yields
// Anonymous with no error.
func (g *Gate) resolve(r *http.Request) (auth.Identity, error) {
	if botToken := r.Header.Get(BotTokenHeader); botToken != "" {
		if g.bot != nil && g.bot.Verify(botToken) {
			return auth.Bot(), nil
		}
		// No fallback to the user path: a bad bot credential is a hard
		// rejection even if a bearer token is also present.
		return auth.Anonymous, fmt.Errorf("invalid bot token")
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return auth.Anonymous, nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return auth.Anonymous, fmt.Errorf("invalid authorization header format")
	}
	claims, err := g.tokens.Verify(parts[1])
	if err != nil {
		g.logger.WithError(err).Debug("token verification failed")
		return auth.Anonymous, fmt.Errorf("invalid or expired token")
	}
	return claims.Identity(), nil
}

// ResolveServer extracts the target server id from the route path, the
// X-Server-ID header, or the server_id query parameter, in that order.
// Absence is a 400 for any route using this middleware.
func ResolveServer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverID := mux.Vars(r)["serverID"]
		if serverID == "" {
			serverID = r.Header.Get(ServerIDHeader)
		}
		if serverID == "" {
			serverID = r.URL.Query().Get(ServerIDParam)
		}
		if serverID == "" {
			httputil.WriteBadRequest(w, "missing server id")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithServerID(r.Context(), serverID)))
	})
}
