package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hima/hima-service/internal/domain"
)

// InsertActivity persists one activity log entry. Replays of the same id are ignored.
func (r *PostgresRepository) InsertActivity(ctx context.Context, entry domain.ActivityLogEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := toJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}

	var userID *string
	if entry.UserID != "" {
		userID = &entry.UserID
	}

	query := `
		INSERT INTO activity_logs (id, category, level, message, metadata, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Exec(ctx, query,
		entry.ID,
		string(entry.Category),
		string(entry.Level),
		entry.Message,
		encoded,
		userID,
		entry.CreatedAt,
	)
	return err
}

// ListActivity returns persisted entries newest first.
func (r *PostgresRepository) ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT id, category, level, message, metadata, COALESCE(user_id, ''), created_at FROM activity_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActivityLogEntry
	for rows.Next() {
		var (
			e    domain.ActivityLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Level, &e.Message, &meta, &e.UserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode activity metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
