package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wikibothq/wikibot/pkg/audit"
	"github.com/wikibothq/wikibot/pkg/auth"
	"github.com/wikibothq/wikibot/pkg/httputil"
	"github.com/wikibothq/wikibot/pkg/members"
	"github.com/wikibothq/wikibot/pkg/middleware"
	"github.com/wikibothq/wikibot/pkg/permissions"
)

// botActorID is the actor recorded for bot-performed mutations.
const botActorID = "wikibot"

func actorFrom(identity auth.Identity) members.Actor {
	if identity.IsBot() {
		return members.Actor{UserID: botActorID, System: true}
	}
	return members.Actor{UserID: identity.UserID}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recordAudit appends an audit entry for a completed mutation. A recording
// failure propagates to the client as an internal error even though the
// domain write already succeeded: operators must learn about a broken audit
// trail, not have it hidden.
func (s *Server) recordAudit(w http.ResponseWriter, r *http.Request, entry *audit.Entry) bool {
	entry.IPAddress = clientIP(r)
	entry.UserAgent = r.UserAgent()
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.WithError(err).WithField("action", entry.Action).
			Error("audit recording failed after successful mutation")
		httputil.WriteInternalError(w)
		return false
	}
	return true
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	list, err := s.members.ListMembers(r.Context(), serverID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, memberListResponse{Members: list, Total: len(list)}) //nolint:errcheck
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	source := members.JoinSource(req.Source)
	if source == "" {
		source = members.SourceManual
	}

	member, err := s.members.AddMember(r.Context(), serverID, req.UserID,
		permissions.Role(req.Role), source, actorFrom(identity))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(audit.MemberChange{NewRole: string(member.Role)})
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionMemberAdd,
		EntityType: audit.EntityMember,
		EntityID:   member.UserID,
		Details:    details,
	}) {
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, member) //nolint:errcheck
}

func (s *Server) getMemberPermissions(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	userID := mux.Vars(r)["userID"]

	eff, err := s.members.GetMemberPermissions(r.Context(), serverID, userID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if eff == nil {
		httputil.WriteNotFound(w, "member not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eff) //nolint:errcheck
}

func (s *Server) updateMemberPermissions(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())
	targetID := mux.Vars(r)["userID"]

	var req updatePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Overrides) == 0 {
		httputil.WriteBadRequest(w, "overrides must not be empty")
		return
	}
	patch := members.OverridePatch{}
	for key, value := range req.Overrides {
		patch[permissions.Permission(key)] = value
	}

	update, err := s.members.UpdateMemberPermissions(r.Context(), serverID, targetID, patch, actorFrom(identity))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(overrideChanges(patch, update.Previous, update.Current))
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionMemberUpdate,
		EntityType: audit.EntityMember,
		EntityID:   targetID,
		Details:    details,
	}) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, update.Effective) //nolint:errcheck
}

func (s *Server) resetMemberPermissions(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())
	targetID := mux.Vars(r)["userID"]

	if err := s.members.ResetMemberPermissions(r.Context(), serverID, targetID, actorFrom(identity)); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(audit.FieldChanges{Changes: map[string]audit.FieldChange{
		"permission_overrides": {Old: "custom", New: "role-defaults"},
	}})
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionMemberUpdate,
		EntityType: audit.EntityMember,
		EntityID:   targetID,
		Details:    details,
	}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateMemberRole(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())
	targetID := mux.Vars(r)["userID"]

	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	change, err := s.members.UpdateMemberRole(r.Context(), serverID, targetID,
		permissions.Role(req.Role), actorFrom(identity))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(audit.MemberChange{
		OldRole: string(change.PreviousRole),
		NewRole: string(change.Member.Role),
	})
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionMemberUpdate,
		EntityType: audit.EntityMember,
		EntityID:   targetID,
		Details:    details,
	}) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, change.Member) //nolint:errcheck
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())
	targetID := mux.Vars(r)["userID"]

	removed, err := s.members.RemoveServerMember(r.Context(), serverID, targetID, actorFrom(identity))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(audit.MemberChange{OldRole: string(removed.Role)})
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionMemberRemove,
		EntityType: audit.EntityMember,
		EntityID:   targetID,
		Details:    details,
	}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	identity := middleware.IdentityFrom(r.Context())

	var req transferOwnershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.NewOwnerID == "" {
		httputil.WriteBadRequest(w, "new_owner_id is required")
		return
	}

	currentOwnerID := identity.UserID
	if identity.IsBot() {
		currentOwnerID = req.CurrentOwnerID
		if currentOwnerID == "" {
			httputil.WriteBadRequest(w, "current_owner_id is required for bot calls")
			return
		}
	}

	if err := s.members.TransferOwnership(r.Context(), serverID, req.NewOwnerID, currentOwnerID); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	details, _ := audit.MarshalDetails(audit.OwnershipTransferDetails{
		PreviousOwnerID: currentOwnerID,
		NewOwnerID:      req.NewOwnerID,
	})
	if !s.recordAudit(w, r, &audit.Entry{
		ServerID:   serverID,
		ActorID:    auditActorID(identity),
		Action:     audit.ActionOwnershipTransfer,
		EntityType: audit.EntityServer,
		EntityID:   serverID,
		Details:    details,
	}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPermissionCatalog(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, catalogResponse{ //nolint:errcheck
		Permissions: permissions.Catalog(),
		Categories:  permissions.CatalogByCategory(),
	})
}

func auditActorID(identity auth.Identity) string {
	if identity.IsBot() {
		return botActorID
	}
	return identity.UserID
}

// overrideChanges renders an override patch as an old/new field diff.
func overrideChanges(patch members.OverridePatch, previous, current members.Overrides) audit.FieldChanges {
	changes := make(map[string]audit.FieldChange, len(patch))
	for key := range patch {
		var oldValue, newValue interface{}
		if value, ok := previous[key]; ok {
			oldValue = value
		}
		if value, ok := current[key]; ok {
			newValue = value
		}
		changes[string(key)] = audit.FieldChange{Old: oldValue, New: newValue}
	}
	return audit.FieldChanges{Changes: changes}
}
