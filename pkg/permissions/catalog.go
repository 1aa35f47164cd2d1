// Package permissions defines the static permission catalog, the role
// hierarchy, and the effective-permission calculator.
//
// The catalog and the per-role default sets are compile-time constants.
// Changing a role's default set must be reviewed against the override-reset
// path in pkg/members, which assumes a reset can never grant more than the
// role default.
package permissions

import (
	"sort"
	"strings"
)

// Permission is an atomic capability key, e.g. "articles:write".
type Permission string

const (
	ArticlesRead     Permission = "articles:read"
	ArticlesWrite    Permission = "articles:write"
	ArticlesDelete   Permission = "articles:delete"
	CategoriesManage Permission = "categories:manage"
	SettingsManage   Permission = "settings:manage"
	MembersManage    Permission = "members:manage"
	LogsView         Permission = "logs:view"
	StatsView        Permission = "stats:view"
	BillingManage    Permission = "billing:manage"
)

// labels maps every catalog permission to its human-readable label.
// Membership in this map is the single source of truth for key validity.
var labels = map[Permission]string{
	ArticlesRead:     "Read articles",
	ArticlesWrite:    "Create and edit articles",
	ArticlesDelete:   "Delete articles",
	CategoriesManage: "Manage categories",
	SettingsManage:   "Manage server settings",
	MembersManage:    "Manage members and permissions",
	LogsView:         "View audit logs",
	StatsView:        "View usage statistics",
	BillingManage:    "Manage billing",
}

// Valid reports whether p is a catalog permission.
func Valid(p Permission) bool {
	_, ok := labels[p]
	return ok
}

// Label returns the human-readable label for a catalog permission,
// or "" for unknown keys.
func Label(p Permission) string {
	return labels[p]
}

// Category derives the presentation category from the key prefix before the
// first ":". It is used only for grouping, never for enforcement.
func Category(p Permission) string {
	key := string(p)
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// All returns every catalog permission in stable sorted order.
func All() []Permission {
	perms := make([]Permission, 0, len(labels))
	for p := range labels {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// Catalog returns a copy of the full key-to-label map for read-only
// consumers such as the settings UI.
func Catalog() map[Permission]string {
	out := make(map[Permission]string, len(labels))
	for p, l := range labels {
		out[p] = l
	}
	return out
}

// CatalogByCategory groups all catalog permissions by category, each group
// sorted by key.
func CatalogByCategory() map[string][]Permission {
	out := make(map[string][]Permission)
	for _, p := range All() {
		cat := Category(p)
		out[cat] = append(out[cat], p)
	}
	return out
}

// Set is a set of permissions.
type Set map[Permission]struct{}

// NewSet builds a set from the given permissions.
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Add inserts p into the set.
func (s Set) Add(p Permission) {
	s[p] = struct{}{}
}

// Remove deletes p from the set.
func (s Set) Remove(p Permission) {
	delete(s, p)
}

// Keys returns the set's permissions in stable sorted order.
func (s Set) Keys() []Permission {
	keys := make([]Permission, 0, len(s))
	for p := range s {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}
