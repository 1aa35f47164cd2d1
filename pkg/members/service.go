// Package members implements server membership and the authorization
// service: effective-permission queries, override patches, role updates,
// member removal, and ownership transfer.
package members

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/wikibothq/wikibot/pkg/permissions"
)

// Storage is the persistence surface the service needs. *Store implements
// it against PostgreSQL.
type Storage interface {
	GetMember(ctx context.Context, serverID, userID string) (*Member, error)
	ListMembers(ctx context.Context, serverID string) ([]*Member, error)
	AddMember(ctx context.Context, member *Member) error
	UpdateMemberRole(ctx context.Context, serverID, userID string, role permissions.Role) error
	RemoveMember(ctx context.Context, serverID, userID string) error
	GetOverrides(ctx context.Context, serverID, userID string) (Overrides, error)
	UpsertOverrides(ctx context.Context, serverID, userID string, overrides Overrides) error
	DeleteOverrides(ctx context.Context, serverID, userID string) error
	TransferOwnership(ctx context.Context, serverID, currentOwnerID, newOwnerID string) error
}

// Service is the authorization service. All permission decisions read
// current role/override state; nothing here is cached.
type Service struct {
	store  Storage
	logger *logrus.Entry
}

// NewService creates the authorization service.
func NewService(store Storage, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:  store,
		logger: logger.WithField("component", "members"),
	}
}

// GetMemberPermissions returns a member's effective permissions, or nil
// when no membership exists ("not a member" is distinct from "member with
// zero permissions").
func (s *Service) GetMemberPermissions(ctx context.Context, serverID, userID string) (*EffectivePermissions, error) {
	member, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return nil, Internal("failed to load member", err)
	}
	if member == nil {
		return nil, nil
	}
	overrides, err := s.store.GetOverrides(ctx, serverID, userID)
	if err != nil {
		return nil, Internal("failed to load permission overrides", err)
	}
	return effectiveFor(member.Role, overrides), nil
}

// HasPermission reports whether the user holds a single permission. A
// non-member always yields false, never an error.
func (s *Service) HasPermission(ctx context.Context, serverID, userID string, perm permissions.Permission) (bool, error) {
	eff, err := s.GetMemberPermissions(ctx, serverID, userID)
	if err != nil {
		return false, err
	}
	if eff == nil {
		return false, nil
	}
	return containsPermission(eff.Permissions, perm), nil
}

// HasAllPermissions reports whether the user holds every given permission.
func (s *Service) HasAllPermissions(ctx context.Context, serverID, userID string, perms ...permissions.Permission) (bool, error) {
	eff, err := s.GetMemberPermissions(ctx, serverID, userID)
	if err != nil {
		return false, err
	}
	if eff == nil {
		return false, nil
	}
	for _, p := range perms {
		if !containsPermission(eff.Permissions, p) {
			return false, nil
		}
	}
	return true, nil
}

// HasAnyPermission reports whether the user holds at least one of the given
// permissions.
func (s *Service) HasAnyPermission(ctx context.Context, serverID, userID string, perms ...permissions.Permission) (bool, error) {
	eff, err := s.GetMemberPermissions(ctx, serverID, userID)
	if err != nil {
		return false, err
	}
	if eff == nil {
		return false, nil
	}
	for _, p := range perms {
		if containsPermission(eff.Permissions, p) {
			return true, nil
		}
	}
	return false, nil
}

// IsServerMember reports plain membership with no role or permission
// semantics.
func (s *Service) IsServerMember(ctx context.Context, serverID, userID string) (bool, error) {
	member, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return false, Internal("failed to load member", err)
	}
	return member != nil, nil
}

// MemberRole returns a member's raw role and whether the membership exists.
// Used by the gate layer for role-anchored checks (audit log visibility)
// that intentionally bypass the override model.
func (s *Service) MemberRole(ctx context.Context, serverID, userID string) (permissions.Role, bool, error) {
	member, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return "", false, Internal("failed to load member", err)
	}
	if member == nil {
		return "", false, nil
	}
	return member.Role, true, nil
}

// UpdateMemberPermissions applies an override patch to a target member.
// All checks run against a consistent read taken before any write:
//
//  1. actor is a member (skipped for system actors)
//  2. actor's effective set includes members:manage (skipped for system)
//  3. target is a member
//  4. target is not the owner (owner permissions change only via transfer)
//  5. actor out-ranks target (skipped for system)
//  6. every patch key is a catalog permission; one bad key rejects the
//     whole patch before anything is applied
//  7. a true grant requires the actor to hold that permission themselves
//     (skipped for system); revokes and resets carry no such restriction
func (s *Service) UpdateMemberPermissions(ctx context.Context, serverID, targetUserID string, patch OverridePatch, actor Actor) (*PermissionUpdate, error) {
	var actorSet permissions.Set
	if !actor.System {
		actorMember, err := s.store.GetMember(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor", err)
		}
		if actorMember == nil {
			return nil, Forbidden("actor is not a member of this server")
		}
		actorOverrides, err := s.store.GetOverrides(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor overrides", err)
		}
		actorSet = permissions.Effective(actorMember.Role, actorOverrides)
		if !actorSet.Has(permissions.MembersManage) {
			return nil, Forbidden("missing %s permission", permissions.MembersManage)
		}

		target, err := s.store.GetMember(ctx, serverID, targetUserID)
		if err != nil {
			return nil, Internal("failed to load target member", err)
		}
		if target == nil {
			return nil, NotFound("member not found")
		}
		if target.Role == permissions.RoleOwner {
			return nil, Forbidden("owner permissions cannot be modified")
		}
		if !permissions.CanManageRole(actorMember.Role, target.Role) {
			return nil, Forbidden("cannot manage a member with an equal or higher role")
		}

		return s.applyPermissionPatch(ctx, serverID, targetUserID, target.Role, patch, actorSet, false)
	}

	target, err := s.store.GetMember(ctx, serverID, targetUserID)
	if err != nil {
		return nil, Internal("failed to load target member", err)
	}
	if target == nil {
		return nil, NotFound("member not found")
	}
	if target.Role == permissions.RoleOwner {
		return nil, Forbidden("owner permissions cannot be modified")
	}
	return s.applyPermissionPatch(ctx, serverID, targetUserID, target.Role, patch, nil, true)
}

func (s *Service) applyPermissionPatch(ctx context.Context, serverID, targetUserID string, targetRole permissions.Role, patch OverridePatch, actorSet permissions.Set, system bool) (*PermissionUpdate, error) {
	// Validate all keys before applying any.
	for _, key := range patchKeys(patch) {
		if !permissions.Valid(key) {
			return nil, BadRequest("unknown permission key: %s", key)
		}
	}
	if !system {
		for _, key := range patchKeys(patch) {
			value := patch[key]
			if value != nil && *value && !actorSet.Has(key) {
				return nil, Forbidden("cannot grant a permission you do not hold: %s", key)
			}
		}
	}

	previous, err := s.store.GetOverrides(ctx, serverID, targetUserID)
	if err != nil {
		return nil, Internal("failed to load target overrides", err)
	}
	current := Overrides{}
	for k, v := range previous {
		current[k] = v
	}
	for key, value := range patch {
		if value == nil {
			delete(current, key)
		} else {
			current[key] = *value
		}
	}

	if len(current) == 0 {
		if err := s.store.DeleteOverrides(ctx, serverID, targetUserID); err != nil {
			return nil, Internal("failed to persist overrides", err)
		}
		current = nil
	} else if err := s.store.UpsertOverrides(ctx, serverID, targetUserID, current); err != nil {
		return nil, Internal("failed to persist overrides", err)
	}

	s.logger.WithFields(logrus.Fields{
		"server_id": serverID,
		"user_id":   targetUserID,
		"patched":   len(patch),
	}).Info("member permission overrides updated")

	return &PermissionUpdate{
		Effective: effectiveFor(targetRole, current),
		Previous:  previous,
		Current:   current,
	}, nil
}

// ResetMemberPermissions deletes the target's entire overrides record,
// reverting the member to pure role defaults. A reset can only converge to
// what the role already grants, so no escalation guard or hierarchy check
// is needed beyond the members:manage requirement.
func (s *Service) ResetMemberPermissions(ctx context.Context, serverID, targetUserID string, actor Actor) error {
	if !actor.System {
		ok, err := s.HasPermission(ctx, serverID, actor.UserID, permissions.MembersManage)
		if err != nil {
			return err
		}
		if !ok {
			return Forbidden("missing %s permission", permissions.MembersManage)
		}
	}
	target, err := s.store.GetMember(ctx, serverID, targetUserID)
	if err != nil {
		return Internal("failed to load target member", err)
	}
	if target == nil {
		return NotFound("member not found")
	}
	if err := s.store.DeleteOverrides(ctx, serverID, targetUserID); err != nil {
		return Internal("failed to delete overrides", err)
	}
	return nil
}

// UpdateMemberRole changes a target member's role. The actor must out-rank
// the target, and must out-rank the new role as well unless the new role
// equals the actor's own role: that lateral exception deliberately lets an
// admin mint a peer admin. Owner role changes go through TransferOwnership
// only, in either direction.
func (s *Service) UpdateMemberRole(ctx context.Context, serverID, targetUserID string, newRole permissions.Role, actor Actor) (*RoleChange, error) {
	if !permissions.ValidRole(newRole) {
		return nil, BadRequest("invalid role: %s", newRole)
	}
	if newRole == permissions.RoleOwner {
		return nil, BadRequest("the owner role can only be assigned via ownership transfer")
	}

	var actorRole permissions.Role
	if !actor.System {
		actorMember, err := s.store.GetMember(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor", err)
		}
		if actorMember == nil {
			return nil, Forbidden("actor is not a member of this server")
		}
		actorRole = actorMember.Role
	}

	target, err := s.store.GetMember(ctx, serverID, targetUserID)
	if err != nil {
		return nil, Internal("failed to load target member", err)
	}
	if target == nil {
		return nil, NotFound("member not found")
	}
	if target.Role == permissions.RoleOwner {
		return nil, Forbidden("the owner role can only be changed via ownership transfer")
	}
	if !actor.System {
		if !permissions.CanManageRole(actorRole, target.Role) {
			return nil, Forbidden("cannot manage a member with an equal or higher role")
		}
		if newRole != actorRole && !permissions.CanManageRole(actorRole, newRole) {
			return nil, Forbidden("cannot assign a role you do not out-rank")
		}
	}

	if err := s.store.UpdateMemberRole(ctx, serverID, targetUserID, newRole); err != nil {
		return nil, Internal("failed to update member role", err)
	}

	previous := target.Role
	target.Role = newRole
	s.logger.WithFields(logrus.Fields{
		"server_id": serverID,
		"user_id":   targetUserID,
		"old_role":  previous,
		"new_role":  newRole,
	}).Info("member role updated")

	return &RoleChange{Member: target, PreviousRole: previous}, nil
}

// RemoveServerMember removes a target member. Self-removal is always
// permitted regardless of hierarchy; the owner can never be removed without
// a prior ownership transfer.
func (s *Service) RemoveServerMember(ctx context.Context, serverID, targetUserID string, actor Actor) (*Member, error) {
	var actorRole permissions.Role
	if !actor.System {
		actorMember, err := s.store.GetMember(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor", err)
		}
		if actorMember == nil {
			return nil, Forbidden("actor is not a member of this server")
		}
		actorRole = actorMember.Role
	}

	target, err := s.store.GetMember(ctx, serverID, targetUserID)
	if err != nil {
		return nil, Internal("failed to load target member", err)
	}
	if target == nil {
		return nil, NotFound("member not found")
	}
	if target.Role == permissions.RoleOwner {
		return nil, Forbidden("the owner cannot be removed; transfer ownership first")
	}
	if !actor.System && actor.UserID != targetUserID && !permissions.CanManageRole(actorRole, target.Role) {
		return nil, Forbidden("cannot remove a member with an equal or higher role")
	}

	if err := s.store.RemoveMember(ctx, serverID, targetUserID); err != nil {
		return nil, Internal("failed to remove member", err)
	}
	return target, nil
}

// TransferOwnership atomically reassigns the unique owner role: the current
// owner becomes admin and the new owner becomes owner. The current owner's
// role must literally be owner, and the new owner must already be a member.
func (s *Service) TransferOwnership(ctx context.Context, serverID, newOwnerID, currentOwnerID string) error {
	if newOwnerID == currentOwnerID {
		return BadRequest("cannot transfer ownership to the current owner")
	}
	current, err := s.store.GetMember(ctx, serverID, currentOwnerID)
	if err != nil {
		return Internal("failed to load current owner", err)
	}
	if current == nil {
		return Forbidden("actor is not a member of this server")
	}
	if current.Role != permissions.RoleOwner {
		return Forbidden("only the owner can transfer ownership")
	}
	newOwner, err := s.store.GetMember(ctx, serverID, newOwnerID)
	if err != nil {
		return Internal("failed to load new owner", err)
	}
	if newOwner == nil {
		return NotFound("new owner is not a member of this server")
	}

	if err := s.store.TransferOwnership(ctx, serverID, currentOwnerID, newOwnerID); err != nil {
		return Internal("failed to transfer ownership", err)
	}

	s.logger.WithFields(logrus.Fields{
		"server_id": serverID,
		"old_owner": currentOwnerID,
		"new_owner": newOwnerID,
	}).Info("ownership transferred")
	return nil
}

// AddMember adds a user to a server with the given role and join source.
// The actor needs members:manage and must out-rank the assigned role, with
// the same lateral same-rank exception as UpdateMemberRole.
func (s *Service) AddMember(ctx context.Context, serverID, userID string, role permissions.Role, source JoinSource, actor Actor) (*Member, error) {
	if !permissions.ValidRole(role) {
		return nil, BadRequest("invalid role: %s", role)
	}
	if role == permissions.RoleOwner {
		return nil, BadRequest("the owner role can only be assigned via ownership transfer")
	}
	if !actor.System {
		actorMember, err := s.store.GetMember(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor", err)
		}
		if actorMember == nil {
			return nil, Forbidden("actor is not a member of this server")
		}
		actorOverrides, err := s.store.GetOverrides(ctx, serverID, actor.UserID)
		if err != nil {
			return nil, Internal("failed to load actor overrides", err)
		}
		if !permissions.Effective(actorMember.Role, actorOverrides).Has(permissions.MembersManage) {
			return nil, Forbidden("missing %s permission", permissions.MembersManage)
		}
		if role != actorMember.Role && !permissions.CanManageRole(actorMember.Role, role) {
			return nil, Forbidden("cannot assign a role you do not out-rank")
		}
	}

	existing, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return nil, Internal("failed to load member", err)
	}
	if existing != nil {
		return nil, BadRequest("user is already a member of this server")
	}

	member := &Member{ServerID: serverID, UserID: userID, Role: role, Source: source}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, Internal("failed to add member", err)
	}
	return member, nil
}

// ListMembers returns all members of a server. Access control happens at
// the gate layer.
func (s *Service) ListMembers(ctx context.Context, serverID string) ([]*Member, error) {
	members, err := s.store.ListMembers(ctx, serverID)
	if err != nil {
		return nil, Internal("failed to list members", err)
	}
	return members, nil
}

// EnsureOwner lazily creates the owner membership during server
// provisioning. If the user is already a member their record is returned
// unchanged, whatever their role.
func (s *Service) EnsureOwner(ctx context.Context, serverID, userID string) (*Member, error) {
	existing, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return nil, Internal("failed to load member", err)
	}
	if existing != nil {
		return existing, nil
	}
	member := &Member{
		ServerID: serverID,
		UserID:   userID,
		Role:     permissions.RoleOwner,
		Source:   SourceProvision,
	}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, Internal("failed to create owner membership", err)
	}
	s.logger.WithFields(logrus.Fields{
		"server_id": serverID,
		"user_id":   userID,
	}).Info("owner membership provisioned")
	return member, nil
}

// EnsureMember creates a viewer membership if none exists, reporting
// whether a row was created. Used by the Discord guild sync; it never
// touches the role of an existing member.
func (s *Service) EnsureMember(ctx context.Context, serverID, userID string, source JoinSource) (*Member, bool, error) {
	existing, err := s.store.GetMember(ctx, serverID, userID)
	if err != nil {
		return nil, false, Internal("failed to load member", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	member := &Member{
		ServerID: serverID,
		UserID:   userID,
		Role:     permissions.RoleViewer,
		Source:   source,
	}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, false, Internal("failed to create membership", err)
	}
	return member, true, nil
}

func effectiveFor(role permissions.Role, overrides Overrides) *EffectivePermissions {
	source := permissions.SourceRole
	if len(overrides) > 0 {
		source = permissions.SourceMixed
	}
	return &EffectivePermissions{
		Permissions: permissions.Effective(role, overrides).Keys(),
		Source:      source,
	}
}

func containsPermission(perms []permissions.Permission, p permissions.Permission) bool {
	for _, candidate := range perms {
		if candidate == p {
			return true
		}
	}
	return false
}

func patchKeys(patch OverridePatch) []permissions.Permission {
	keys := make([]permissions.Permission, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
