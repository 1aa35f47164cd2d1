package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Recorder writes and queries the append-only audit log in PostgreSQL.
type Recorder struct {
	db     *sql.DB
	logger *logrus.Entry
}

// NewRecorder creates a recorder and ensures the audit_logs table exists.
func NewRecorder(db *sql.DB, logger *logrus.Logger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	r := &Recorder{
		db:     db,
		logger: logger.WithField("component", "audit"),
	}
	if err := r.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return r, nil
}

func (r *Recorder) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id VARCHAR(36) PRIMARY KEY,
		server_id VARCHAR(64) NOT NULL,
		actor_id VARCHAR(64) NOT NULL,
		action VARCHAR(50) NOT NULL,
		entity_type VARCHAR(20) NOT NULL,
		entity_id VARCHAR(64),
		details JSONB,
		ip_address VARCHAR(45),
		user_agent TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_server_created ON audit_logs(server_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_server_action ON audit_logs(server_id, action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_server_actor ON audit_logs(server_id, actor_id);
	`
	_, err := r.db.Exec(query)
	return err
}

// Record appends one entry. Failures propagate to the caller: losing the
// audit trail of a privileged mutation is itself a security regression, so
// this is never best-effort.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if entry.ServerID == "" {
		return fmt.Errorf("audit entry requires a server id")
	}
	if entry.ActorID == "" {
		return fmt.Errorf("audit entry requires an actor id")
	}
	if !ValidAction(entry.Action) {
		return fmt.Errorf("unknown audit action: %s", entry.Action)
	}
	if !ValidEntityType(entry.EntityType) {
		return fmt.Errorf("unknown audit entity type: %s", entry.EntityType)
	}
	if len(entry.Details) > 0 && !json.Valid(entry.Details) {
		return fmt.Errorf("audit details payload is not valid JSON")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var details interface{}
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}

	query := `
		INSERT INTO audit_logs (id, server_id, actor_id, action, entity_type, entity_id, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.ServerID, entry.ActorID, entry.Action, entry.EntityType,
		nullString(entry.EntityID), details, nullString(entry.IPAddress),
		nullString(entry.UserAgent), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Query returns one page of entries for a server, newest first, plus the
// total match count for pagination.
func (r *Recorder) Query(ctx context.Context, serverID string, filter Filter) ([]*Entry, int, error) {
	if serverID == "" {
		return nil, 0, fmt.Errorf("server id is required")
	}

	where := " WHERE server_id = $1"
	args := []interface{}{serverID}
	argCount := 2

	if filter.EntityType != "" {
		where += fmt.Sprintf(" AND entity_type = $%d", argCount)
		args = append(args, string(filter.EntityType))
		argCount++
	}
	if len(filter.Actions) > 0 {
		where += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		args = append(args, pq.Array(actions))
		argCount++
	}
	if filter.ActorID != "" {
		where += fmt.Sprintf(" AND actor_id = $%d", argCount)
		args = append(args, filter.ActorID)
		argCount++
	}
	if filter.CreatedAfter != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.CreatedAfter)
		argCount++
	}
	if filter.CreatedBefore != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.CreatedBefore)
		argCount++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs" + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, server_id, actor_id, action, entity_type, entity_id, details, ip_address, user_agent, created_at
		FROM audit_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, total, nil
}

// GetByID retrieves one entry, scoped by server id: an id belonging to a
// different server is treated as not found, never leaked cross-tenant.
// Returns (nil, nil) when no such entry exists.
func (r *Recorder) GetByID(ctx context.Context, serverID, logID string) (*Entry, error) {
	query := `
		SELECT id, server_id, actor_id, action, entity_type, entity_id, details, ip_address, user_agent, created_at
		FROM audit_logs
		WHERE id = $1 AND server_id = $2
	`
	row := r.db.QueryRowContext(ctx, query, logID, serverID)
	entry, err := r.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Recorder) scanEntry(row rowScanner) (*Entry, error) {
	entry := &Entry{}
	var entityID, ipAddress, userAgent sql.NullString
	var details []byte

	err := row.Scan(
		&entry.ID, &entry.ServerID, &entry.ActorID, &entry.Action, &entry.EntityType,
		&entityID, &details, &ipAddress, &userAgent, &entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	entry.EntityID = entityID.String
	entry.IPAddress = ipAddress.String
	entry.UserAgent = userAgent.String

	// A corrupt stored payload must not abort the whole query; that entry
	// just loses its details.
	if len(details) > 0 {
		if json.Valid(details) {
			entry.Details = json.RawMessage(details)
		} else {
			r.logger.WithField("log_id", entry.ID).Warn("discarding malformed audit details payload")
		}
	}
	return entry, nil
}

// Cleanup deletes entries older than the retention window and returns how
// many rows were removed.
func (r *Recorder) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
