package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

const delegationCols = `id,delegator_id,delegate_id,starts_at,ends_at,reason,entity_type,flow_id,is_active,created_at`

func (r Repo) InsertDelegation(ctx context.Context, d domain.Delegation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delegations(`+delegationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DelegatorID, d.DelegateID, d.StartsAt, d.EndsAt, nullable(d.Reason),
		d.EntityType, d.FlowID, boolInt(d.IsActive), d.CreatedAt)
	return err
}

func (r Repo) GetDelegation(ctx context.Context, id string) (domain.Delegation, error) {
	return scanDelegation(r.DB.QueryRowContext(ctx, `SELECT `+delegationCols+` FROM delegations WHERE id=?`, id))
}

// SetDelegationActive revokes or reactivates a delegation.
func (r Repo) SetDelegationActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE delegations SET is_active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDelegations(ctx context.Context, delegatorID string) ([]domain.Delegation, error) {
	query := `SELECT ` + delegationCols + ` FROM delegations`
	var args []any
	if delegatorID != "" {
		query += ` WHERE delegator_id=?`
		args = append(args, delegatorID)
	}
	query += ` ORDER BY starts_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectDelegations(rows)
}

// ListActiveDelegationsAt returns every delegation whose half-open window
// contains t. Scope filtering happens in the resolver, which is a pure
// function over these rows.
func (r Repo) ListActiveDelegationsAt(ctx context.Context, t string) ([]domain.Delegation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+delegationCols+` FROM delegations WHERE is_active=1 AND starts_at<=? AND ends_at>? ORDER BY created_at ASC`, t, t)
	if err != nil {
		return nil, err
	}
	return collectDelegations(rows)
}

func scanDelegationFrom(s rowScanner) (domain.Delegation, error) {
	var d domain.Delegation
	var reason sql.NullString
	var isActive int
	err := s.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.StartsAt, &d.EndsAt, &reason,
		&d.EntityType, &d.FlowID, &isActive, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if reason.Valid {
		d.Reason = reason.String
	}
	d.IsActive = isActive != 0
	return d, err
}

func scanDelegation(row *sql.Row) (domain.Delegation, error) { return scanDelegationFrom(row) }

func collectDelegations(rows *sql.Rows) ([]domain.Delegation, error) {
	defer rows.Close()
	var out []domain.Delegation
	for rows.Next() {
		d, err := scanDelegationFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
