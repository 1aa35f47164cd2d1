package members

import (
	"time"

	"github.com/wikibothq/wikibot/pkg/permissions"
)

// JoinSource records how a member entered a server.
type JoinSource string

const (
	SourceDiscordSync JoinSource = "discord-sync"
	SourceInvite      JoinSource = "wikibot-invite"
	SourceManual      JoinSource = "manual"
	SourceProvision   JoinSource = "provision"
)

// Member is one (server, user) pairing. Every member carries exactly one
// role; a server always keeps at least one owner (enforced by EnsureOwner
// and TransferOwnership, not by a database constraint).
type Member struct {
	ServerID  string           `json:"server_id"`
	UserID    string           `json:"user_id"`
	Role      permissions.Role `json:"role"`
	Source    JoinSource       `json:"source,omitempty"`
	JoinedAt  time.Time        `json:"joined_at"`
	CreatedAt time.Time        `json:"created_at"`
}

// Overrides maps a permission key to an explicit grant (true) or revoke
// (false). Absent keys inherit the role default.
type Overrides map[permissions.Permission]bool

// OverridePatch is a partial override mutation. A nil value deletes the
// override key (revert to role default); true/false sets it.
type OverridePatch map[permissions.Permission]*bool

// EffectivePermissions is the materialized permission set for a member.
// Source is "role" when no overrides exist and "mixed" otherwise.
type EffectivePermissions struct {
	Permissions []permissions.Permission `json:"permissions"`
	Source      string                   `json:"source"`
}

// PermissionUpdate is the outcome of an override patch: the recomputed
// effective set plus the before/after override state for audit trails.
type PermissionUpdate struct {
	Effective *EffectivePermissions `json:"effective"`
	Previous  Overrides             `json:"previous_overrides,omitempty"`
	Current   Overrides             `json:"current_overrides,omitempty"`
}

// RoleChange is the outcome of a role update.
type RoleChange struct {
	Member       *Member          `json:"member"`
	PreviousRole permissions.Role `json:"previous_role"`
}

// Actor identifies who is performing a privileged operation. System actors
// (the service bot) bypass actor-side checks entirely; they are a separate
// trust tier established at the request gate, never routed through the
// role/override model. Target-side protections such as owner immutability
// still apply to system actors.
type Actor struct {
	UserID string
	System bool
}
