package members

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wikibothq/wikibot/pkg/permissions"
)

// Store persists members and permission overrides in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a member store and ensures its tables exist.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure member tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS server_members (
		server_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		role VARCHAR(20) NOT NULL,
		source VARCHAR(30) NOT NULL DEFAULT 'manual',
		joined_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (server_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS member_permission_overrides (
		server_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		overrides JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (server_id, user_id),
		FOREIGN KEY (server_id, user_id)
			REFERENCES server_members (server_id, user_id)
			ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_server_members_server ON server_members(server_id);
	CREATE INDEX IF NOT EXISTS idx_server_members_role ON server_members(server_id, role);
	`
	_, err := s.db.Exec(query)
	return err
}

// GetMember retrieves a member, or (nil, nil) when no membership exists.
func (s *Store) GetMember(ctx context.Context, serverID, userID string) (*Member, error) {
	query := `
		SELECT server_id, user_id, role, source, joined_at, created_at
		FROM server_members
		WHERE server_id = $1 AND user_id = $2
	`
	member := &Member{}
	err := s.db.QueryRowContext(ctx, query, serverID, userID).Scan(
		&member.ServerID, &member.UserID, &member.Role,
		&member.Source, &member.JoinedAt, &member.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// ListMembers retrieves all members of a server, oldest first.
func (s *Store) ListMembers(ctx context.Context, serverID string) ([]*Member, error) {
	query := `
		SELECT server_id, user_id, role, source, joined_at, created_at
		FROM server_members
		WHERE server_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		member := &Member{}
		if err := rows.Scan(
			&member.ServerID, &member.UserID, &member.Role,
			&member.Source, &member.JoinedAt, &member.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// AddMember inserts a membership row. Adding an existing member is an error.
func (s *Store) AddMember(ctx context.Context, member *Member) error {
	query := `
		INSERT INTO server_members (server_id, user_id, role, source, joined_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_id, user_id) DO NOTHING
	`
	now := time.Now()
	if member.JoinedAt.IsZero() {
		member.JoinedAt = now
	}
	if member.CreatedAt.IsZero() {
		member.CreatedAt = now
	}
	result, err := s.db.ExecContext(ctx, query,
		member.ServerID, member.UserID, member.Role,
		member.Source, member.JoinedAt, member.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("member already exists")
	}
	return nil
}

// UpdateMemberRole sets a member's role.
func (s *Store) UpdateMemberRole(ctx context.Context, serverID, userID string, role permissions.Role) error {
	query := `UPDATE server_members SET role = $1 WHERE server_id = $2 AND user_id = $3`
	result, err := s.db.ExecContext(ctx, query, role, serverID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("member not found")
	}
	return nil
}

// RemoveMember deletes a membership row; the overrides row cascades.
func (s *Store) RemoveMember(ctx context.Context, serverID, userID string) error {
	query := `DELETE FROM server_members WHERE server_id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, query, serverID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("member not found")
	}
	return nil
}

// GetOverrides retrieves a member's override map, or nil when none exists.
func (s *Store) GetOverrides(ctx context.Context, serverID, userID string) (Overrides, error) {
	query := `
		SELECT overrides
		FROM member_permission_overrides
		WHERE server_id = $1 AND user_id = $2
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, serverID, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get overrides: %w", err)
	}

	overrides := Overrides{}
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("failed to unmarshal overrides: %w", err)
	}
	return overrides, nil
}

// UpsertOverrides writes a member's full override map.
func (s *Store) UpsertOverrides(ctx context.Context, serverID, userID string, overrides Overrides) error {
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}
	query := `
		INSERT INTO member_permission_overrides (server_id, user_id, overrides, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (server_id, user_id)
		DO UPDATE SET overrides = EXCLUDED.overrides, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, serverID, userID, raw); err != nil {
		return fmt.Errorf("failed to upsert overrides: %w", err)
	}
	return nil
}

// DeleteOverrides removes a member's override row entirely. Deleting a
// row that does not exist is not an error.
func (s *Store) DeleteOverrides(ctx context.Context, serverID, userID string) error {
	query := `DELETE FROM member_permission_overrides WHERE server_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, serverID, userID); err != nil {
		return fmt.Errorf("failed to delete overrides: %w", err)
	}
	return nil
}

// TransferOwnership swaps the owner role in a single transaction: the
// current owner is demoted to admin and the new owner promoted. Both writes
// succeed or neither does; a partial transfer would leave zero or two
// owners.
func (s *Store) TransferOwnership(ctx context.Context, serverID, currentOwnerID, newOwnerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE server_members SET role = $1 WHERE server_id = $2 AND user_id = $3 AND role = $4`,
		permissions.RoleAdmin, serverID, currentOwnerID, permissions.RoleOwner,
	)
	if err != nil {
		return fmt.Errorf("failed to demote current owner: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("current owner not found")
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE server_members SET role = $1 WHERE server_id = $2 AND user_id = $3`,
		permissions.RoleOwner, serverID, newOwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to promote new owner: %w", err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("new owner not found")
	}

	return tx.Commit()
}
