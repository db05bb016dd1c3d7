package repo

import (
	"context"
	"database/sql"
	"strings"

	"signoff/internal/domain"
)

const auditCols = `id,request_id,seq,action,actor_id,actor_type,details_json,created_at`

// ListAuditForRequest returns a request's audit trail in transition order.
func (r Repo) ListAuditForRequest(ctx context.Context, requestID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+auditCols+` FROM audit_entries WHERE request_id=? ORDER BY seq ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

// AuditFilter narrows the global audit listing.
type AuditFilter struct {
	Action  string
	ActorID string
	AfterID int64
	Limit   int
}

// ListAudit returns global audit entries, oldest first, for pagination by id
// cursor.
func (r Repo) ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error) {
	clauses := []string{"id > ?"}
	args := []any{f.AfterID}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	query := `SELECT ` + auditCols + ` FROM audit_entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

// LatestAuditID returns the newest audit entry id, or 0 when empty. Used to
// seed webhook cursors.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_entries`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func collectAudit(rows *sql.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Seq, &e.Action, &e.ActorID, &e.ActorType, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
