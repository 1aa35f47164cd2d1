package permissions

// Role is one of the four server membership roles.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// roleRanks totally orders the roles. Unknown roles rank 0 and can manage
// nothing.
var roleRanks = map[Role]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleEditor: 2,
	RoleViewer: 1,
}

// roleDefaults holds each role's default permission set. The owner set is
// computed from the full catalog, so a new catalog entry is owner-held
// automatically.
var roleDefaults = map[Role][]Permission{
	RoleAdmin: {
		ArticlesRead, ArticlesWrite, ArticlesDelete,
		CategoriesManage, SettingsManage, MembersManage,
		LogsView, StatsView,
	},
	RoleEditor: {
		ArticlesRead, ArticlesWrite,
		CategoriesManage, StatsView,
	},
	RoleViewer: {
		ArticlesRead,
	},
}

// ValidRole reports whether r is one of the four known roles.
func ValidRole(r Role) bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the fixed integer rank for a role, or 0 for unknown roles.
func Rank(r Role) int {
	return roleRanks[r]
}

// CanManageRole reports whether an actor role may manage a target role.
// The comparison is strictly greater: a role never manages an equal or
// higher role, including itself. Two admins cannot modify each other.
func CanManageRole(actor, target Role) bool {
	return Rank(actor) > Rank(target)
}

// DefaultsForRole returns the default permission set for a role. The owner
// role holds the entire catalog. Unknown roles get an empty set.
func DefaultsForRole(r Role) Set {
	if r == RoleOwner {
		return NewSet(All()...)
	}
	return NewSet(roleDefaults[r]...)
}

// Roles returns all known roles ordered by descending rank.
func Roles() []Role {
	return []Role{RoleOwner, RoleAdmin, RoleEditor, RoleViewer}
}
