package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signoff/internal/audit"
	"signoff/internal/condition"
	"signoff/internal/domain"
)

// Flow and delegation administration. Definition changes never touch
// in-flight requests; they only affect future selection and resolution.
// Every change lands in the audit log as a configuration action.

type StepSpec struct {
	ApproverType       string
	ApproverUserID     *string
	ApproverRoleName   *string
	RequiresAll        bool
	MinApprovals       int
	SkipConditions     *string
	TimeoutHours       *int
	ReminderAfterHours *int
}

type FlowSpec struct {
	Name                 string
	Slug                 string
	EntityType           string
	TriggerConditions    *string
	Priority             int
	AutoApproveBelow     *string
	AutoRejectAfterHours *int
	Steps                []StepSpec
}

func validateConditionJSON(field string, raw *string) error {
	if raw == nil || *raw == "" {
		return nil
	}
	node, err := condition.Parse(*raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if node == nil {
		return nil
	}
	return node.Validate()
}

func validateStepSpec(i int, s StepSpec) error {
	switch s.ApproverType {
	case domain.ApproverUser:
		if s.ApproverUserID == nil || *s.ApproverUserID == "" {
			return fmt.Errorf("step %d: approver_user_id is required for approver_type=user", i+1)
		}
	case domain.ApproverRole, domain.ApproverGroup:
		if s.ApproverRoleName == nil || *s.ApproverRoleName == "" {
			return fmt.Errorf("step %d: approver_role_name is required for approver_type=%s", i+1, s.ApproverType)
		}
	case domain.ApproverDepartmentManager:
	default:
		return fmt.Errorf("step %d: invalid approver_type %q", i+1, s.ApproverType)
	}
	if !s.RequiresAll && s.MinApprovals < 1 {
		return fmt.Errorf("step %d: min_approvals must be at least 1", i+1)
	}
	return validateConditionJSON(fmt.Sprintf("step %d skip_conditions", i+1), s.SkipConditions)
}

// CreateFlow inserts a flow definition and its ordered steps.
func (e Engine) CreateFlow(ctx context.Context, spec FlowSpec, actorID string) (domain.Flow, error) {
	if spec.Name == "" || spec.Slug == "" || spec.EntityType == "" {
		return domain.Flow{}, errors.New("name, slug and entity_type are required")
	}
	if len(spec.Steps) == 0 {
		return domain.Flow{}, errors.New("at least one step is required")
	}
	if err := validateConditionJSON("trigger_conditions", spec.TriggerConditions); err != nil {
		return domain.Flow{}, err
	}
	if err := validateConditionJSON("auto_approve_below", spec.AutoApproveBelow); err != nil {
		return domain.Flow{}, err
	}
	for i, s := range spec.Steps {
		if err := validateStepSpec(i, s); err != nil {
			return domain.Flow{}, err
		}
	}

	now := e.nowStr()
	f := domain.Flow{
		ID:                   uuid.New().String(),
		Name:                 spec.Name,
		Slug:                 spec.Slug,
		EntityType:           spec.EntityType,
		TriggerConditions:    spec.TriggerConditions,
		Priority:             spec.Priority,
		AutoApproveBelow:     spec.AutoApproveBelow,
		AutoRejectAfterHours: spec.AutoRejectAfterHours,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertFlow(ctx, f); err != nil {
		return domain.Flow{}, fmt.Errorf("insert flow: %w", err)
	}
	for i, s := range spec.Steps {
		step := domain.Step{
			ID:                 uuid.New().String(),
			FlowID:             f.ID,
			StepOrder:          i + 1,
			ApproverType:       s.ApproverType,
			ApproverUserID:     s.ApproverUserID,
			ApproverRoleName:   s.ApproverRoleName,
			RequiresAll:        s.RequiresAll,
			MinApprovals:       s.MinApprovals,
			SkipConditions:     s.SkipConditions,
			TimeoutHours:       s.TimeoutHours,
			ReminderAfterHours: s.ReminderAfterHours,
		}
		if step.MinApprovals < 1 {
			step.MinApprovals = 1
		}
		if err := e.Repo.InsertStep(ctx, step); err != nil {
			return domain.Flow{}, fmt.Errorf("insert step %d: %w", i+1, err)
		}
		f.Steps = append(f.Steps, step)
	}
	if err := e.auditConfig(ctx, "flow.created", actorID, audit.Details{"flow_id": f.ID, "slug": f.Slug}); err != nil {
		return domain.Flow{}, err
	}
	e.Log.Info().Str("flow_id", f.ID).Str("slug", f.Slug).Int("steps", len(f.Steps)).Msg("flow created")
	return f, nil
}

// FlowUpdate carries sparse edits; nil fields are left untouched.
type FlowUpdate struct {
	Name                 *string
	TriggerConditions    *string
	Priority             *int
	AutoApproveBelow     *string
	AutoRejectAfterHours *int
	IsActive             *bool
}

func (e Engine) UpdateFlow(ctx context.Context, id string, upd FlowUpdate, actorID string) (domain.Flow, error) {
	if upd.TriggerConditions != nil {
		if err := validateConditionJSON("trigger_conditions", upd.TriggerConditions); err != nil {
			return domain.Flow{}, err
		}
	}
	if upd.AutoApproveBelow != nil {
		if err := validateConditionJSON("auto_approve_below", upd.AutoApproveBelow); err != nil {
			return domain.Flow{}, err
		}
	}
	if err := e.Repo.UpdateFlow(ctx, id, upd.Name, upd.TriggerConditions, upd.Priority,
		upd.AutoApproveBelow, upd.AutoRejectAfterHours, upd.IsActive, e.nowStr()); err != nil {
		return domain.Flow{}, err
	}
	if err := e.auditConfig(ctx, "flow.updated", actorID, audit.Details{"flow_id": id}); err != nil {
		return domain.Flow{}, err
	}
	return e.Repo.GetFlow(ctx, id)
}

// DelegationSpec creates a standing delegation with a half-open window.
type DelegationSpec struct {
	DelegatorID string
	DelegateID  string
	StartsAt    string
	EndsAt      string
	Reason      string
	EntityType  *string
	FlowID      *string
}

func (e Engine) CreateDelegation(ctx context.Context, spec DelegationSpec, actorID string) (domain.Delegation, error) {
	if spec.DelegatorID == "" || spec.DelegateID == "" {
		return domain.Delegation{}, errors.New("delegator_id and delegate_id are required")
	}
	if spec.DelegatorID == spec.DelegateID {
		return domain.Delegation{}, errors.New("invalid delegation: delegator and delegate are the same user")
	}
	starts, err := time.Parse(time.RFC3339, spec.StartsAt)
	if err != nil {
		return domain.Delegation{}, fmt.Errorf("invalid starts_at: %w", err)
	}
	ends, err := time.Parse(time.RFC3339, spec.EndsAt)
	if err != nil {
		return domain.Delegation{}, fmt.Errorf("invalid ends_at: %w", err)
	}
	if !starts.Before(ends) {
		return domain.Delegation{}, errors.New("invalid delegation window: starts_at must precede ends_at")
	}
	d := domain.Delegation{
		ID:          uuid.New().String(),
		DelegatorID: spec.DelegatorID,
		DelegateID:  spec.DelegateID,
		StartsAt:    starts.UTC().Format(time.RFC3339),
		EndsAt:      ends.UTC().Format(time.RFC3339),
		Reason:      spec.Reason,
		EntityType:  spec.EntityType,
		FlowID:      spec.FlowID,
		IsActive:    true,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertDelegation(ctx, d); err != nil {
		return domain.Delegation{}, fmt.Errorf("insert delegation: %w", err)
	}
	if err := e.auditConfig(ctx, "delegation.created", actorID, audit.Details{
		"delegation_id": d.ID, "delegator_id": d.DelegatorID, "delegate_id": d.DelegateID,
	}); err != nil {
		return domain.Delegation{}, err
	}
	return d, nil
}

// RevokeDelegation deactivates a delegation; pending requests re-resolve on
// the next decision.
func (e Engine) RevokeDelegation(ctx context.Context, id, actorID string) error {
	if err := e.Repo.SetDelegationActive(ctx, id, false); err != nil {
		return err
	}
	return e.auditConfig(ctx, "delegation.revoked", actorID, audit.Details{"delegation_id": id})
}

// auditConfig writes a request-less audit entry in its own transaction.
func (e Engine) auditConfig(ctx context.Context, action, actorID string, details audit.Details) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, action, "", actorID, domain.ActorUser, details); err != nil {
		return err
	}
	return tx.Commit()
}
