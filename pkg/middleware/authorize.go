package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/httputil"
	"github.com/wikibothq/wikibot/pkg/permissions"
)

// AuthorizationService is the slice of the members service the gates need.
type AuthorizationService interface {
	HasPermission(ctx context.Context, serverID, userID string, perm permissions.Permission) (bool, error)
	HasAnyPermission(ctx context.Context, serverID, userID string, perms ...permissions.Permission) (bool, error)
	MemberRole(ctx context.Context, serverID, userID string) (permissions.Role, bool, error)
}

// DenialObserver counts authorization denials, keyed by reason.
type DenialObserver interface {
	ObserveDenial(reason string)
}

// PermissionGate builds route-level permission middleware over the
// authorization service. Bot identity always passes: it is a separate trust
// tier that never consults the role/override model.
type PermissionGate struct {
	authz    AuthorizationService
	logger   *logrus.Entry
	observer DenialObserver
}

// NewPermissionGate creates a permission gate. observer may be nil.
func NewPermissionGate(authz AuthorizationService, logger *logrus.Logger, observer DenialObserver) *PermissionGate {
	if logger == nil {
		logger = logrus.New()
	}
	return &PermissionGate{
		authz:    authz,
		logger:   logger.WithField("component", "authz"),
		observer: observer,
	}
}

func (pg *PermissionGate) deny(reason string) {
	if pg.observer != nil {
		pg.observer.ObserveDenial(reason)
	}
}

// RequirePermission gates a route on a single effective permission.
func (pg *PermissionGate) RequirePermission(perm permissions.Permission) func(http.Handler) http.Handler {
	return pg.require(func(ctx context.Context, serverID, userID string) (bool, error) {
		return pg.authz.HasPermission(ctx, serverID, userID, perm)
	})
}

// RequireAnyPermission gates a route on holding at least one of the given
// permissions.
func (pg *PermissionGate) RequireAnyPermission(perms ...permissions.Permission) func(http.Handler) http.Handler {
	return pg.require(func(ctx context.Context, serverID, userID string) (bool, error) {
		return pg.authz.HasAnyPermission(ctx, serverID, userID, perms...)
	})
}

func (pg *PermissionGate) require(check func(ctx context.Context, serverID, userID string) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity.IsBot() {
				next.ServeHTTP(w, r)
				return
			}
			if !identity.IsUser() {
				pg.deny("unauthenticated")
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			serverID := ServerIDFrom(r.Context())
			if serverID == "" {
				httputil.WriteBadRequest(w, "missing server id")
				return
			}
			allowed, err := check(r.Context(), serverID, identity.UserID)
			if err != nil {
				// A storage fault is not a denial; report it as such.
				pg.logger.WithError(err).Error("permission check failed")
				httputil.WriteInternalError(w)
				return
			}
			if !allowed {
				pg.deny("missing_permission")
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinRole gates a route on the member's raw role rank. This is a
// direct role check that bypasses the override layer: visibility anchored
// here (audit logs) can neither be overridden away nor granted to a lower
// role via override.
func (pg *PermissionGate) RequireMinRole(minRole permissions.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity.IsBot() {
				next.ServeHTTP(w, r)
				return
			}
			if !identity.IsUser() {
				pg.deny("unauthenticated")
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			serverID := ServerIDFrom(r.Context())
			if serverID == "" {
				httputil.WriteBadRequest(w, "missing server id")
				return
			}
			role, found, err := pg.authz.MemberRole(r.Context(), serverID, identity.UserID)
			if err != nil {
				pg.logger.WithError(err).Error("role lookup failed")
				httputil.WriteInternalError(w)
				return
			}
			if !found {
				pg.deny("not_a_member")
				httputil.WriteForbidden(w, "not a member of this server")
				return
			}
			if permissions.Rank(role) < permissions.Rank(minRole) {
				pg.deny("insufficient_role")
				httputil.WriteForbidden(w, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
