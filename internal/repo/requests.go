package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

const requestCols = `id,entity_type,entity_id,flow_id,current_step_id,status,context_json,requested_by,requested_at,resolved_at,resolution_note,priority,due_by,prior_request_id,step_entered_at,reminded_at,escalated_at,version`

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.EntityType, req.EntityID, req.FlowID, req.CurrentStepID, req.Status, req.ContextJSON,
		req.RequestedBy, req.RequestedAt, req.ResolvedAt, req.ResolutionNote, req.Priority, req.DueBy,
		req.PriorRequestID, req.StepEnteredAt, req.RemindedAt, req.EscalatedAt, req.Version)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id))
}

// GetOpenRequestForEntity returns the single pending request for an entity,
// or ErrNotFound.
func (r Repo) GetOpenRequestForEntity(ctx context.Context, entityType, entityID string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE entity_type=? AND entity_id=? AND status=?`,
		entityType, entityID, domain.StatusPending))
}

// UpdateRequestTx writes the full mutable state of a request, guarded by the
// optimistic version the caller read. Returns ErrConflict when another writer
// got there first; the caller must re-read and retry.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET current_step_id=?, status=?, resolved_at=?, resolution_note=?, step_entered_at=?, reminded_at=?, escalated_at=?, version=version+1
		 WHERE id=? AND version=?`,
		req.CurrentStepID, req.Status, req.ResolvedAt, req.ResolutionNote, req.StepEnteredAt,
		req.RemindedAt, req.EscalatedAt, req.ID, req.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListPendingRequests returns open requests, most urgent first and oldest
// first within a priority.
func (r Repo) ListPendingRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE status=?
		 ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
		          requested_at ASC, id ASC`, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// ListRequestsForEntity returns every request ever opened for an entity,
// newest first. Resubmission chains are reconstructed from prior_request_id.
func (r Repo) ListRequestsForEntity(ctx context.Context, entityType, entityID string) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE entity_type=? AND entity_id=? ORDER BY requested_at DESC, id DESC`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

const decisionCols = `id,request_id,step_id,decided_by,decision,comment,conditions_json,delegated_to,decided_at,superseded`

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(`+decisionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.RequestID, d.StepID, d.DecidedBy, d.Decision, d.Comment, d.ConditionsJSON,
		d.DelegatedTo, d.DecidedAt, boolInt(d.Superseded))
	return err
}

func (r Repo) ListDecisions(ctx context.Context, requestID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+decisionCols+` FROM decisions WHERE request_id=? ORDER BY decided_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	return collectDecisions(rows)
}

// ListStepDecisions returns the non-superseded decisions on one step of a
// request — the rows that count for completion evaluation.
func (r Repo) ListStepDecisions(ctx context.Context, requestID, stepID string) ([]domain.Decision, error) {
	return listStepDecisions(ctx, r.DB, requestID, stepID)
}

// ListStepDecisionsTx is ListStepDecisions through an open transaction. The
// engine must use it whenever the transaction has already written to
// decisions: a plain read would run on a second connection and block on the
// table lock the uncommitted write holds.
func (r Repo) ListStepDecisionsTx(ctx context.Context, tx *sql.Tx, requestID, stepID string) ([]domain.Decision, error) {
	return listStepDecisions(ctx, tx, requestID, stepID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listStepDecisions(ctx context.Context, q querier, requestID, stepID string) ([]domain.Decision, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+decisionCols+` FROM decisions WHERE request_id=? AND step_id=? AND superseded=0 ORDER BY decided_at ASC, id ASC`,
		requestID, stepID)
	if err != nil {
		return nil, err
	}
	return collectDecisions(rows)
}

// HasDecision reports whether the user already holds a non-superseded
// decision on the given step.
func (r Repo) HasDecision(ctx context.Context, requestID, stepID, userID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM decisions WHERE request_id=? AND step_id=? AND decided_by=? AND superseded=0 LIMIT 1`,
		requestID, stepID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- scan helpers ---

func scanRequestFrom(s rowScanner) (domain.Request, error) {
	var req domain.Request
	err := s.Scan(&req.ID, &req.EntityType, &req.EntityID, &req.FlowID, &req.CurrentStepID, &req.Status,
		&req.ContextJSON, &req.RequestedBy, &req.RequestedAt, &req.ResolvedAt, &req.ResolutionNote,
		&req.Priority, &req.DueBy, &req.PriorRequestID, &req.StepEnteredAt, &req.RemindedAt,
		&req.EscalatedAt, &req.Version)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func scanRequest(row *sql.Row) (domain.Request, error) { return scanRequestFrom(row) }

func collectRequests(rows *sql.Rows) ([]domain.Request, error) {
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		req, err := scanRequestFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanDecisionFrom(s rowScanner) (domain.Decision, error) {
	var d domain.Decision
	var superseded int
	err := s.Scan(&d.ID, &d.RequestID, &d.StepID, &d.DecidedBy, &d.Decision, &d.Comment,
		&d.ConditionsJSON, &d.DelegatedTo, &d.DecidedAt, &superseded)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Superseded = superseded != 0
	return d, err
}

func collectDecisions(rows *sql.Rows) ([]domain.Decision, error) {
	defer rows.Close()
	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecisionFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
