// Package api exposes the membership, permission and audit REST surface.
// Handlers are thin adapters: they translate transport-level identity into
// calls against the authorization service, which owns every actor-vs-target
// rule.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/middleware"
	"github.com/wikibothq/wikibot/pkg/observability"
	"github.com/wikibothq/wikibot/pkg/permissions"
)

// Server is the HTTP API server.
type Server struct {
	router  *mux.Router
	members MemberService
	audit   AuditLog
	gate    *middleware.Gate
	authz   *middleware.PermissionGate
	limit   func(http.Handler) http.Handler
	logger  *logrus.Entry
}

// NewServer creates the API server and wires its routes. metrics and
// limiter may be nil.
func NewServer(
	memberSvc MemberService,
	auditLog AuditLog,
	gate *middleware.Gate,
	authz *middleware.PermissionGate,
	limiter middleware.Limiter,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:  mux.NewRouter(),
		members: memberSvc,
		audit:   auditLog,
		gate:    gate,
		authz:   authz,
		logger:  logger.WithField("component", "api"),
	}
	if limiter != nil {
		s.limit = middleware.RateLimit(limiter, logger)
	} else {
		s.limit = func(next http.Handler) http.Handler { return next }
	}
	if metrics != nil {
		s.router.Use(metrics.Middleware)
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// The catalog is readable without full authentication; identity is
	// still resolved for rate-limit keying.
	api.Handle("/permissions",
		s.gate.AuthenticateOptional(s.limit(http.HandlerFunc(s.getPermissionCatalog)))).
		Methods("GET")

	sr := api.PathPrefix("/servers/{serverID}").Subrouter()
	sr.Use(s.gate.Authenticate)
	sr.Use(middleware.ResolveServer)

	// Read/list surfaces gate on members:manage up front. Mutations reach
	// the service unguarded because the service enforces the full
	// actor-vs-target contract (and must, for bot and test callers alike).
	requireManage := s.authz.RequirePermission(permissions.MembersManage)
	sr.Handle("/members", requireManage(http.HandlerFunc(s.listMembers))).Methods("GET")
	sr.Handle("/members", http.HandlerFunc(s.addMember)).Methods("POST")
	sr.Handle("/members/{userID}/permissions", requireManage(http.HandlerFunc(s.getMemberPermissions))).Methods("GET")
	sr.Handle("/members/{userID}/permissions", http.HandlerFunc(s.updateMemberPermissions)).Methods("PATCH")
	sr.Handle("/members/{userID}/permissions", http.HandlerFunc(s.resetMemberPermissions)).Methods("DELETE")
	sr.Handle("/members/{userID}/role", http.HandlerFunc(s.updateMemberRole)).Methods("PATCH")
	sr.Handle("/members/{userID}", http.HandlerFunc(s.removeMember)).Methods("DELETE")
	sr.Handle("/transfer-ownership", http.HandlerFunc(s.transferOwnership)).Methods("POST")

	// Audit visibility is role-anchored: admin or above, never reachable
	// through permission overrides.
	requireAdmin := s.authz.RequireMinRole(permissions.RoleAdmin)
	sr.Handle("/audit-logs", requireAdmin(http.HandlerFunc(s.listAuditLogs))).Methods("GET")
	sr.Handle("/audit-logs/{logID}", requireAdmin(http.HandlerFunc(s.getAuditLog))).Methods("GET")
}
