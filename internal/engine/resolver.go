package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"signoff/internal/domain"
)

// DelegationResult is the outcome of resolving one delegator's effective
// delegates at an instant.
type DelegationResult struct {
	Delegates []string
	// CycleAt holds the user ids where a delegation cycle was cut. A cycle
	// is a configuration warning, not an error; resolution proceeds with
	// the non-cyclic prefix.
	CycleAt []string
}

// EffectiveDelegates walks active delegation rows transitively from
// delegator, bounded by maxDepth, honoring entity_type/flow_id scoping.
// Pure function: rows in, delegate set out. Cycles are cut via the visited
// set and reported, never looped on.
func EffectiveDelegates(rows []domain.Delegation, delegator, entityType, flowID string, maxDepth int) DelegationResult {
	byDelegator := make(map[string][]domain.Delegation)
	for _, d := range rows {
		if d.EntityType != nil && *d.EntityType != entityType {
			continue
		}
		if d.FlowID != nil && *d.FlowID != flowID {
			continue
		}
		byDelegator[d.DelegatorID] = append(byDelegator[d.DelegatorID], d)
	}

	var res DelegationResult
	visited := map[string]bool{delegator: true}
	frontier := []string{delegator}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, from := range frontier {
			for _, d := range byDelegator[from] {
				if visited[d.DelegateID] {
					res.CycleAt = append(res.CycleAt, d.DelegateID)
					continue
				}
				visited[d.DelegateID] = true
				res.Delegates = append(res.Delegates, d.DelegateID)
				next = append(next, d.DelegateID)
			}
		}
		frontier = next
	}
	return res
}

// ResolvedStep is the approver resolution for one step of one request at one
// instant.
type ResolvedStep struct {
	// Base approvers from the step definition (user / role / group /
	// department managers).
	Base []string
	// DelegatesOf maps each base approver to their effective standing and
	// ad-hoc delegates.
	DelegatesOf map[string][]string
	// Escalation targets, present only after the request escalated.
	EscalationTargets []string
}

// Eligible reports whether a user may decide on this step.
func (rs ResolvedStep) Eligible(userID string) bool {
	for _, b := range rs.Base {
		if b == userID {
			return true
		}
		for _, d := range rs.DelegatesOf[b] {
			if d == userID {
				return true
			}
		}
	}
	for _, t := range rs.EscalationTargets {
		if t == userID {
			return true
		}
	}
	return false
}

// All returns the full resolved approver set, deduplicated.
func (rs ResolvedStep) All() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, b := range rs.Base {
		add(b)
		for _, d := range rs.DelegatesOf[b] {
			add(d)
		}
	}
	for _, t := range rs.EscalationTargets {
		add(t)
	}
	return out
}

// resolveStep computes the approver set for a request's step: the base set by
// approver type, each base approver's effective delegates (standing
// delegations at `at`, plus any ad-hoc hand-off recorded on this step), and
// escalation targets when the request has escalated. tx must be the open
// write transaction when one exists, so the decisions read sees rows the
// transaction has written instead of blocking on them; callers without a
// transaction pass nil.
func (e Engine) resolveStep(ctx context.Context, tx *sql.Tx, req domain.Request, step domain.Step, ctxMap map[string]any, at time.Time) (ResolvedStep, error) {
	rs := ResolvedStep{DelegatesOf: map[string][]string{}}

	var err error
	switch step.ApproverType {
	case domain.ApproverUser:
		if step.ApproverUserID != nil && *step.ApproverUserID != "" {
			rs.Base = []string{*step.ApproverUserID}
		}
	case domain.ApproverRole:
		if step.ApproverRoleName != nil {
			rs.Base, err = e.Repo.RoleMembers(ctx, *step.ApproverRoleName)
		}
	case domain.ApproverGroup:
		if step.ApproverRoleName != nil {
			rs.Base, err = e.Repo.GroupMembers(ctx, *step.ApproverRoleName)
		}
	case domain.ApproverDepartmentManager:
		dept, _ := ctxMap["department"].(string)
		if dept != "" {
			rs.Base, err = e.Repo.DepartmentManagers(ctx, dept)
		}
	default:
		return rs, fmt.Errorf("unknown approver type %q", step.ApproverType)
	}
	if err != nil {
		return rs, err
	}

	delegations, err := e.Repo.ListActiveDelegationsAt(ctx, at.UTC().Format(time.RFC3339))
	if err != nil {
		return rs, err
	}
	for _, b := range rs.Base {
		dr := EffectiveDelegates(delegations, b, req.EntityType, req.FlowID, e.Config.DelegationMaxDepth())
		if len(dr.CycleAt) > 0 {
			e.Log.Warn().Str("request_id", req.ID).Str("delegator", b).
				Strs("cycle_at", dr.CycleAt).Msg("delegation cycle detected; resolution truncated")
		}
		rs.DelegatesOf[b] = dr.Delegates
	}

	// Ad-hoc hand-offs recorded as decision=delegated apply to this request
	// and step only.
	var stepDecisions []domain.Decision
	if tx != nil {
		stepDecisions, err = e.Repo.ListStepDecisionsTx(ctx, tx, req.ID, step.ID)
	} else {
		stepDecisions, err = e.Repo.ListStepDecisions(ctx, req.ID, step.ID)
	}
	if err != nil {
		return rs, err
	}
	for _, d := range stepDecisions {
		if d.Decision == domain.DecisionDelegated && d.DelegatedTo != nil && *d.DelegatedTo != "" {
			rs.DelegatesOf[d.DecidedBy] = append(rs.DelegatesOf[d.DecidedBy], *d.DelegatedTo)
		}
	}

	if req.EscalatedAt != nil {
		targets, err := e.escalationTargets(ctx, rs.Base)
		if err != nil {
			return rs, err
		}
		rs.EscalationTargets = targets
	}
	return rs, nil
}

// escalationTargets resolves who a timed-out step is reassigned to.
func (e Engine) escalationTargets(ctx context.Context, base []string) ([]string, error) {
	if e.Config != nil && e.Config.Escalation.Mode == "role" {
		return e.Repo.RoleMembers(ctx, e.Config.Escalation.Role)
	}
	return e.Repo.ManagersOf(ctx, base)
}
