package permissions

// Effective permission sources.
const (
	SourceRole  = "role"  // no overrides exist, pure role defaults
	SourceMixed = "mixed" // at least one override is present
)

// Effective computes a member's final permission set: the role defaults with
// overrides applied. An explicit true grants a key the role lacks, an
// explicit false revokes a key the role grants, and absent keys inherit the
// role default.
//
// The function is pure and idempotent; callers must recompute it on every
// check rather than caching the result across mutations.
func Effective(role Role, overrides map[Permission]bool) Set {
	set := DefaultsForRole(role)
	for key, granted := range overrides {
		if granted {
			set.Add(key)
		} else {
			set.Remove(key)
		}
	}
	return set
}
