package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic version check loses a race.
var ErrConflict = errors.New("concurrent modification")

// IsConstraint reports whether an error is a SQLite constraint violation
// (unique index, foreign key). Callers use it to map races the check-then-act
// paths cannot see into their own typed errors.
func IsConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

const flowCols = `id,name,slug,entity_type,trigger_conditions,priority,auto_approve_below,auto_reject_after_hours,is_active,created_at,updated_at`

func (r Repo) InsertFlow(ctx context.Context, f domain.Flow) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO flows(`+flowCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, f.Slug, f.EntityType, f.TriggerConditions, f.Priority,
		f.AutoApproveBelow, f.AutoRejectAfterHours, boolInt(f.IsActive), f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFlow(ctx context.Context, id string) (domain.Flow, error) {
	return scanFlow(r.DB.QueryRowContext(ctx, `SELECT `+flowCols+` FROM flows WHERE id=?`, id))
}

func (r Repo) GetFlowBySlug(ctx context.Context, slug string) (domain.Flow, error) {
	return scanFlow(r.DB.QueryRowContext(ctx, `SELECT `+flowCols+` FROM flows WHERE slug=?`, slug))
}

// ListActiveFlowsForEntity returns active flows for an entity type ordered for
// deterministic selection: highest priority first, oldest first on ties.
func (r Repo) ListActiveFlowsForEntity(ctx context.Context, entityType string) ([]domain.Flow, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+flowCols+` FROM flows WHERE entity_type=? AND is_active=1 ORDER BY priority DESC, created_at ASC, id ASC`, entityType)
	if err != nil {
		return nil, err
	}
	return collectFlows(rows)
}

func (r Repo) ListFlows(ctx context.Context, entityType string) ([]domain.Flow, error) {
	query := `SELECT ` + flowCols + ` FROM flows`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type=?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_type, priority DESC, created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectFlows(rows)
}

// UpdateFlow applies sparse field updates to a flow definition. Edits never
// touch in-flight requests; they only affect future selection.
func (r Repo) UpdateFlow(ctx context.Context, id string, name *string, trigger *string, priority *int,
	autoApprove *string, autoRejectHours *int, isActive *bool, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if trigger != nil {
		fields = append(fields, "trigger_conditions=?")
		args = append(args, nullable(*trigger))
	}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	if autoApprove != nil {
		fields = append(fields, "auto_approve_below=?")
		args = append(args, nullable(*autoApprove))
	}
	if autoRejectHours != nil {
		fields = append(fields, "auto_reject_after_hours=?")
		args = append(args, *autoRejectHours)
	}
	if isActive != nil {
		fields = append(fields, "is_active=?")
		args = append(args, boolInt(*isActive))
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE flows SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const stepCols = `id,flow_id,step_order,approver_type,approver_user_id,approver_role_name,requires_all,min_approvals,skip_conditions,timeout_hours,reminder_after_hours`

func (r Repo) InsertStep(ctx context.Context, s domain.Step) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO steps(`+stepCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.FlowID, s.StepOrder, s.ApproverType, s.ApproverUserID, s.ApproverRoleName,
		boolInt(s.RequiresAll), s.MinApprovals, s.SkipConditions, s.TimeoutHours, s.ReminderAfterHours)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id=?`, id))
}

func (r Repo) ListSteps(ctx context.Context, flowID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE flow_id=? ORDER BY step_order ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.Step
	for rows.Next() {
		s, err := scanStepRows(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// NextStepAfter returns the next step of the flow by ascending order, or
// ErrNotFound when the given order is the last.
func (r Repo) NextStepAfter(ctx context.Context, flowID string, order int) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx,
		`SELECT `+stepCols+` FROM steps WHERE flow_id=? AND step_order>? ORDER BY step_order ASC LIMIT 1`, flowID, order))
}

func (r Repo) FirstStep(ctx context.Context, flowID string) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx,
		`SELECT `+stepCols+` FROM steps WHERE flow_id=? ORDER BY step_order ASC LIMIT 1`, flowID))
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlowFrom(s rowScanner) (domain.Flow, error) {
	var f domain.Flow
	var isActive int
	err := s.Scan(&f.ID, &f.Name, &f.Slug, &f.EntityType, &f.TriggerConditions, &f.Priority,
		&f.AutoApproveBelow, &f.AutoRejectAfterHours, &isActive, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	f.IsActive = isActive != 0
	return f, err
}

func scanFlow(row *sql.Row) (domain.Flow, error)       { return scanFlowFrom(row) }
func scanFlowRows(rows *sql.Rows) (domain.Flow, error) { return scanFlowFrom(rows) }

func collectFlows(rows *sql.Rows) ([]domain.Flow, error) {
	defer rows.Close()
	var flows []domain.Flow
	for rows.Next() {
		f, err := scanFlowRows(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func scanStepFrom(s rowScanner) (domain.Step, error) {
	var st domain.Step
	var requiresAll int
	err := s.Scan(&st.ID, &st.FlowID, &st.StepOrder, &st.ApproverType, &st.ApproverUserID, &st.ApproverRoleName,
		&requiresAll, &st.MinApprovals, &st.SkipConditions, &st.TimeoutHours, &st.ReminderAfterHours)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	st.RequiresAll = requiresAll != 0
	return st, err
}

func scanStep(row *sql.Row) (domain.Step, error)       { return scanStepFrom(row) }
func scanStepRows(rows *sql.Rows) (domain.Step, error) { return scanStepFrom(rows) }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
