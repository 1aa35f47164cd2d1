package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wikibothq/wikibot/pkg/audit"
	"github.com/wikibothq/wikibot/pkg/httputil"
	"github.com/wikibothq/wikibot/pkg/middleware"
)

func (s *Server) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())

	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, total, queryErr := s.audit.Query(r.Context(), serverID, filter)
	if queryErr != nil {
		s.logger.WithError(queryErr).Error("audit query failed")
		httputil.WriteInternalError(w)
		return
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	} else if limit > audit.MaxQueryLimit {
		limit = audit.MaxQueryLimit
	}
	httputil.WriteJSON(w, http.StatusOK, auditListResponse{ //nolint:errcheck
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  filter.Offset,
	})
}

func (s *Server) getAuditLog(w http.ResponseWriter, r *http.Request) {
	serverID := middleware.ServerIDFrom(r.Context())
	logID := mux.Vars(r)["logID"]

	entry, err := s.audit.GetByID(r.Context(), serverID, logID)
	if err != nil {
		s.logger.WithError(err).Error("audit lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if entry == nil {
		httputil.WriteNotFound(w, "audit log entry not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry) //nolint:errcheck
}

type filterError string

func (e filterError) Error() string { return string(e) }

// parseAuditFilter builds a query filter from URL parameters. Unknown enum
// values are rejected rather than silently matching nothing.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	query := r.URL.Query()
	filter := audit.Filter{
		ActorID: query.Get("actor_id"),
	}

	if raw := query.Get("entity_type"); raw != "" {
		entityType := audit.EntityType(raw)
		if !audit.ValidEntityType(entityType) {
			return filter, filterError("unknown entity_type: " + raw)
		}
		filter.EntityType = entityType
	}

	if raw := query.Get("action"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			action := audit.Action(strings.TrimSpace(part))
			if !audit.ValidAction(action) {
				return filter, filterError("unknown action: " + string(action))
			}
			filter.Actions = append(filter.Actions, action)
		}
	}

	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, filterError("from must be an RFC 3339 timestamp")
		}
		filter.CreatedAfter = &from
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, filterError("to must be an RFC 3339 timestamp")
		}
		filter.CreatedBefore = &to
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, filterError("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, filterError("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	return filter, nil
}
