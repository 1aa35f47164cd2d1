package api

import (
	"context"

	"github.com/wikibothq/wikibot/pkg/audit"
	"github.com/wikibothq/wikibot/pkg/members"
	"github.com/wikibothq/wikibot/pkg/permissions"
)

// MemberService is the slice of the authorization service the handlers
// consume.
type MemberService interface {
	GetMemberPermissions(ctx context.Context, serverID, userID string) (*members.EffectivePermissions, error)
	UpdateMemberPermissions(ctx context.Context, serverID, targetUserID string, patch members.OverridePatch, actor members.Actor) (*members.PermissionUpdate, error)
	ResetMemberPermissions(ctx context.Context, serverID, targetUserID string, actor members.Actor) error
	UpdateMemberRole(ctx context.Context, serverID, targetUserID string, newRole permissions.Role, actor members.Actor) (*members.RoleChange, error)
	RemoveServerMember(ctx context.Context, serverID, targetUserID string, actor members.Actor) (*members.Member, error)
	TransferOwnership(ctx context.Context, serverID, newOwnerID, currentOwnerID string) error
	AddMember(ctx context.Context, serverID, userID string, role permissions.Role, source members.JoinSource, actor members.Actor) (*members.Member, error)
	ListMembers(ctx context.Context, serverID string) ([]*members.Member, error)
}

// AuditLog is the audit surface the handlers consume.
type AuditLog interface {
	Record(ctx context.Context, entry *audit.Entry) error
	Query(ctx context.Context, serverID string, filter audit.Filter) ([]*audit.Entry, int, error)
	GetByID(ctx context.Context, serverID, logID string) (*audit.Entry, error)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Source string `json:"source,omitempty"`
}

type updatePermissionsRequest struct {
	Overrides map[string]*bool `json:"overrides"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

type transferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id"`
	// CurrentOwnerID is required only for bot-authenticated calls; user
	// calls always transfer on behalf of the authenticated user.
	CurrentOwnerID string `json:"current_owner_id,omitempty"`
}

type memberListResponse struct {
	Members []*members.Member `json:"members"`
	Total   int               `json:"total"`
}

type auditListResponse struct {
	Entries []*audit.Entry `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

type catalogResponse struct {
	Permissions map[permissions.Permission]string   `json:"permissions"`
	Categories  map[string][]permissions.Permission `json:"categories"`
}
