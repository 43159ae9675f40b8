package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the trail in audit_records. Rows are append-only;
// there is no update or delete path.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one record.
func (r *Repository) Insert(ctx context.Context, change Change) error {
	previous, err := json.Marshal(change.Previous)
	if err != nil {
		return fmt.Errorf("audit: marshal previous state: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_records (permission_id, role_id, change_type, actor_id, previous_state, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		change.PermissionID, change.RoleID, string(change.Type), change.ActorID, previous)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

// List returns matching records newest-first, up to limit.
func (r *Repository) List(ctx context.Context, filters Filters, limit int) ([]Record, error) {
	query := `
		SELECT r.id, r.permission_id, r.role_id, r.change_type, r.actor_id, r.previous_state, r.created_at
		FROM audit_records r`
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.Namespace != "" || filters.Resource != "" || filters.Operation != "" {
		query += ` JOIN permissions p ON p.id = r.permission_id`
		if filters.Namespace != "" {
			where = append(where, "p.namespace = "+arg(filters.Namespace))
		}
		if filters.Resource != "" {
			where = append(where, "p.resource = "+arg(filters.Resource))
		}
		if filters.Operation != "" {
			where = append(where, "p.operation = "+arg(filters.Operation))
		}
	}
	if filters.PermissionID != nil {
		where = append(where, "r.permission_id = "+arg(*filters.PermissionID))
	}
	if filters.RoleID != nil {
		where = append(where, "r.role_id = "+arg(*filters.RoleID))
	}
	if filters.ActorID != nil {
		where = append(where, "r.actor_id = "+arg(*filters.ActorID))
	}
	if len(filters.Types) > 0 {
		types := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			types[i] = string(t)
		}
		where = append(where, "r.change_type = ANY("+arg(types)+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.id DESC LIMIT " + arg(limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Window returns every record created at or after from, newest-first.
func (r *Repository) Window(ctx context.Context, from time.Time) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, permission_id, role_id, change_type, actor_id, previous_state, created_at
		FROM audit_records
		WHERE created_at >= $1
		ORDER BY created_at DESC, id DESC`, from)
	if err != nil {
		return nil, fmt.Errorf("audit: window: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec      Record
			previous []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PermissionID, &rec.RoleID, &rec.Type, &rec.ActorID, &previous, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(previous) > 0 {
			if err := json.Unmarshal(previous, &rec.Previous); err != nil {
				return nil, fmt.Errorf("audit: decode previous state: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
