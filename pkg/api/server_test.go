package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikibothq/wikibot/pkg/audit"
	"github.com/wikibothq/wikibot/pkg/auth"
	"github.com/wikibothq/wikibot/pkg/members"
	"github.com/wikibothq/wikibot/pkg/middleware"
	"github.com/wikibothq/wikibot/pkg/permissions"
)

// fakeMemberService scripts service responses per test.
type fakeMemberService struct {
	effective   *members.EffectivePermissions
	update      *members.PermissionUpdate
	roleChange  *members.RoleChange
	member      *members.Member
	memberList  []*members.Member
	err         error
	lastActor   members.Actor
	lastPatch   members.OverridePatch
	lastOwnerID string

	// authorization answers for the gate layer
	hasPermission bool
	role          permissions.Role
	isMember      bool
}

func (f *fakeMemberService) GetMemberPermissions(_ context.Context, _, _ string) (*members.EffectivePermissions, error) {
	return f.effective, f.err
}

func (f *fakeMemberService) UpdateMemberPermissions(_ context.Context, _, _ string, patch members.OverridePatch, actor members.Actor) (*members.PermissionUpdate, error) {
	f.lastPatch = patch
	f.lastActor = actor
	return f.update, f.err
}

func (f *fakeMemberService) ResetMemberPermissions(_ context.Context, _, _ string, actor members.Actor) error {
	f.lastActor = actor
	return f.err
}

func (f *fakeMemberService) UpdateMemberRole(_ context.Context, _, _ string, _ permissions.Role, actor members.Actor) (*members.RoleChange, error) {
	f.lastActor = actor
	return f.roleChange, f.err
}

func (f *fakeMemberService) RemoveServerMember(_ context.Context, _, _ string, actor members.Actor) (*members.Member, error) {
	f.lastActor = actor
	return f.member, f.err
}

func (f *fakeMemberService) TransferOwnership(_ context.Context, _, _, currentOwnerID string) error {
	f.lastOwnerID = currentOwnerID
	return f.err
}

func (f *fakeMemberService) AddMember(_ context.Context, serverID, userID string, role permissions.Role, source members.JoinSource, actor members.Actor) (*members.Member, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &members.Member{ServerID: serverID, UserID: userID, Role: role, Source: source}, nil
}

func (f *fakeMemberService) ListMembers(_ context.Context, _ string) ([]*members.Member, error) {
	return f.memberList, f.err
}

func (f *fakeMemberService) HasPermission(_ context.Context, _, _ string, _ permissions.Permission) (bool, error) {
	return f.hasPermission, nil
}

func (f *fakeMemberService) HasAnyPermission(_ context.Context, _, _ string, _ ...permissions.Permission) (bool, error) {
	return f.hasPermission, nil
}

func (f *fakeMemberService) MemberRole(_ context.Context, _, _ string) (permissions.Role, bool, error) {
	return f.role, f.isMember, nil
}

// fakeAuditLog captures recorded entries and scripts queries.
type fakeAuditLog struct {
	recorded  []*audit.Entry
	recordErr error
	entries   []*audit.Entry
	total     int
	entry     *audit.Entry
}

func (f *fakeAuditLog) Record(_ context.Context, entry *audit.Entry) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, entry)
	return nil
}

func (f *fakeAuditLog) Query(_ context.Context, _ string, _ audit.Filter) ([]*audit.Entry, int, error) {
	return f.entries, f.total, nil
}

func (f *fakeAuditLog) GetByID(_ context.Context, _, _ string) (*audit.Entry, error) {
	return f.entry, nil
}

type testHarness struct {
	server  *Server
	svc     *fakeMemberService
	auditor *fakeAuditLog
	tokens  *auth.TokenManager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)
	gate := middleware.NewGate(auth.NewBotAuthenticator("bot-secret"), tokens, nil)

	svc := &fakeMemberService{}
	authz := middleware.NewPermissionGate(svc, nil, nil)
	auditor := &fakeAuditLog{}

	return &testHarness{
		server:  NewServer(svc, auditor, gate, authz, nil, nil, nil),
		svc:     svc,
		auditor: auditor,
		tokens:  tokens,
	}
}

func (h *testHarness) userRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	token, err := h.tokens.Issue("actor-1", "", "")
	require.NoError(t, err)
	req := h.request(t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func (h *testHarness) botRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	req := h.request(t, method, path, body)
	req.Header.Set(middleware.BotTokenHeader, "bot-secret")
	return req
}

func (h *testHarness) request(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	return httptest.NewRequest(method, path, &buf)
}

func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func TestPermissionCatalogIsOpen(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.request(t, "GET", "/api/v1/permissions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Permissions, len(permissions.All()))
	assert.Contains(t, body.Categories, "articles")
}

func TestServerRoutesRequireAuthentication(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.request(t, "GET", "/api/v1/servers/srv-1/members", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListMembersRequiresManage(t *testing.T) {
	h := newHarness(t)
	h.svc.memberList = []*members.Member{{ServerID: "srv-1", UserID: "u1", Role: permissions.RoleViewer}}

	t.Run("without members:manage", func(t *testing.T) {
		h.svc.hasPermission = false
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/members", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("with members:manage", func(t *testing.T) {
		h.svc.hasPermission = true
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/members", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body memberListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Total)
	})

	t.Run("bot bypasses the gate", func(t *testing.T) {
		h.svc.hasPermission = false
		rec := h.do(h.botRequest(t, "GET", "/api/v1/servers/srv-1/members", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAddMember(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.userRequest(t, "POST", "/api/v1/servers/srv-1/members",
		addMemberRequest{UserID: "new-1", Role: "viewer"}))
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, members.Actor{UserID: "actor-1"}, h.svc.lastActor)
	require.Len(t, h.auditor.recorded, 1)
	entry := h.auditor.recorded[0]
	assert.Equal(t, audit.ActionMemberAdd, entry.Action)
	assert.Equal(t, "actor-1", entry.ActorID)
	assert.Equal(t, "new-1", entry.EntityID)
	assert.NotEmpty(t, entry.UserAgent+entry.IPAddress)
}

func TestAddMemberAsBot(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.botRequest(t, "POST", "/api/v1/servers/srv-1/members",
		addMemberRequest{UserID: "new-1", Role: "editor"}))
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.True(t, h.svc.lastActor.System)
	require.Len(t, h.auditor.recorded, 1)
	assert.Equal(t, "wikibot", h.auditor.recorded[0].ActorID)
}

func TestAddMemberValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.userRequest(t, "POST", "/api/v1/servers/srv-1/members",
		addMemberRequest{Role: "viewer"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.auditor.recorded)
}

func TestGetMemberPermissions(t *testing.T) {
	h := newHarness(t)
	h.svc.hasPermission = true

	t.Run("non-member is a 404", func(t *testing.T) {
		h.svc.effective = nil
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/members/u1/permissions", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("member returns its effective set", func(t *testing.T) {
		h.svc.effective = &members.EffectivePermissions{
			Permissions: []permissions.Permission{permissions.ArticlesRead},
			Source:      permissions.SourceRole,
		}
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/members/u1/permissions", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body members.EffectivePermissions
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, permissions.SourceRole, body.Source)
	})
}

func TestUpdateMemberPermissions(t *testing.T) {
	t.Run("service errors map to their status", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want int
		}{
			{name: "forbidden", err: members.Forbidden("no"), want: http.StatusForbidden},
			{name: "not found", err: members.NotFound("no member"), want: http.StatusNotFound},
			{name: "bad request", err: members.BadRequest("bad key"), want: http.StatusBadRequest},
			{name: "internal", err: members.Internal("db", fmt.Errorf("down")), want: http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				h := newHarness(t)
				h.svc.err = tt.err
				rec := h.do(h.userRequest(t, "PATCH", "/api/v1/servers/srv-1/members/u1/permissions",
					updatePermissionsRequest{Overrides: map[string]*bool{"articles:write": boolPtr(true)}}))
				assert.Equal(t, tt.want, rec.Code)
				assert.Empty(t, h.auditor.recorded, "failed mutations are not audited")
			})
		}
	})

	t.Run("empty patch never reaches the service", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(h.userRequest(t, "PATCH", "/api/v1/servers/srv-1/members/u1/permissions",
			updatePermissionsRequest{}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success records a field diff", func(t *testing.T) {
		h := newHarness(t)
		h.svc.update = &members.PermissionUpdate{
			Effective: &members.EffectivePermissions{
				Permissions: []permissions.Permission{permissions.ArticlesRead, permissions.ArticlesWrite},
				Source:      permissions.SourceMixed,
			},
			Current: members.Overrides{permissions.ArticlesWrite: true},
		}
		rec := h.do(h.userRequest(t, "PATCH", "/api/v1/servers/srv-1/members/u1/permissions",
			updatePermissionsRequest{Overrides: map[string]*bool{"articles:write": boolPtr(true)}}))
		require.Equal(t, http.StatusOK, rec.Code)

		require.Len(t, h.auditor.recorded, 1)
		entry := h.auditor.recorded[0]
		assert.Equal(t, audit.ActionMemberUpdate, entry.Action)
		assert.Contains(t, string(entry.Details), "articles:write")
	})

	t.Run("audit failure surfaces as a 500 after the write", func(t *testing.T) {
		h := newHarness(t)
		h.svc.update = &members.PermissionUpdate{
			Effective: &members.EffectivePermissions{Source: permissions.SourceMixed},
			Current:   members.Overrides{permissions.ArticlesWrite: true},
		}
		h.auditor.recordErr = fmt.Errorf("audit table gone")
		rec := h.do(h.userRequest(t, "PATCH", "/api/v1/servers/srv-1/members/u1/permissions",
			updatePermissionsRequest{Overrides: map[string]*bool{"articles:write": boolPtr(true)}}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestUpdateMemberRole(t *testing.T) {
	h := newHarness(t)
	h.svc.roleChange = &members.RoleChange{
		Member:       &members.Member{ServerID: "srv-1", UserID: "u1", Role: permissions.RoleAdmin},
		PreviousRole: permissions.RoleEditor,
	}

	rec := h.do(h.userRequest(t, "PATCH", "/api/v1/servers/srv-1/members/u1/role",
		updateRoleRequest{Role: "admin"}))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.auditor.recorded, 1)
	assert.Contains(t, string(h.auditor.recorded[0].Details), "editor")
	assert.Contains(t, string(h.auditor.recorded[0].Details), "admin")
}

func TestRemoveMember(t *testing.T) {
	h := newHarness(t)
	h.svc.member = &members.Member{ServerID: "srv-1", UserID: "u1", Role: permissions.RoleViewer}

	rec := h.do(h.userRequest(t, "DELETE", "/api/v1/servers/srv-1/members/u1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, h.auditor.recorded, 1)
	assert.Equal(t, audit.ActionMemberRemove, h.auditor.recorded[0].Action)
}

func TestTransferOwnership(t *testing.T) {
	t.Run("user transfers on their own behalf", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(h.userRequest(t, "POST", "/api/v1/servers/srv-1/transfer-ownership",
			transferOwnershipRequest{NewOwnerID: "u2"}))
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "actor-1", h.svc.lastOwnerID)

		require.Len(t, h.auditor.recorded, 1)
		assert.Equal(t, audit.ActionOwnershipTransfer, h.auditor.recorded[0].Action)
		assert.Equal(t, audit.EntityServer, h.auditor.recorded[0].EntityType)
	})

	t.Run("bot must name the current owner", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(h.botRequest(t, "POST", "/api/v1/servers/srv-1/transfer-ownership",
			transferOwnershipRequest{NewOwnerID: "u2"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(h.botRequest(t, "POST", "/api/v1/servers/srv-1/transfer-ownership",
			transferOwnershipRequest{NewOwnerID: "u2", CurrentOwnerID: "u1"}))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "u1", h.svc.lastOwnerID)
	})

	t.Run("missing new owner id", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(h.userRequest(t, "POST", "/api/v1/servers/srv-1/transfer-ownership",
			transferOwnershipRequest{}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuditLogVisibilityIsRoleAnchored(t *testing.T) {
	h := newHarness(t)
	h.auditor.entries = []*audit.Entry{
		{ID: "log-1", ServerID: "srv-1", ActorID: "u1",
			Action: audit.ActionMemberAdd, EntityType: audit.EntityMember},
	}
	h.auditor.total = 1

	t.Run("editor is forbidden even with overridden logs:view", func(t *testing.T) {
		h.svc.hasPermission = true // an override cannot open this door
		h.svc.role = permissions.RoleEditor
		h.svc.isMember = true
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin may read", func(t *testing.T) {
		h.svc.role = permissions.RoleAdmin
		h.svc.isMember = true
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body auditListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Total)
		assert.Equal(t, audit.DefaultQueryLimit, body.Limit)
	})

	t.Run("non-member is forbidden", func(t *testing.T) {
		h.svc.isMember = false
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestListAuditLogsFilterValidation(t *testing.T) {
	h := newHarness(t)
	h.svc.role = permissions.RoleAdmin
	h.svc.isMember = true
	h.auditor.entries = []*audit.Entry{}

	t.Run("unknown action is a 400", func(t *testing.T) {
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs?action=member.invented", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown entity type is a 400", func(t *testing.T) {
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs?entity_type=widget", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad timestamp is a 400", func(t *testing.T) {
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs?from=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("valid filter passes", func(t *testing.T) {
		rec := h.do(h.userRequest(t, "GET",
			"/api/v1/servers/srv-1/audit-logs?action=member.add,member.remove&entity_type=member&limit=10", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGetAuditLog(t *testing.T) {
	h := newHarness(t)
	h.svc.role = permissions.RoleOwner
	h.svc.isMember = true

	t.Run("missing entry is a 404", func(t *testing.T) {
		h.auditor.entry = nil
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs/log-1", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("found", func(t *testing.T) {
		h.auditor.entry = &audit.Entry{ID: "log-1", ServerID: "srv-1", ActorID: "u1",
			Action: audit.ActionMemberAdd, EntityType: audit.EntityMember}
		rec := h.do(h.userRequest(t, "GET", "/api/v1/servers/srv-1/audit-logs/log-1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body audit.Entry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "log-1", body.ID)
	})
}

func boolPtr(b bool) *bool { return &b }
