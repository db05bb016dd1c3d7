// Package engine owns the approval request state machine: flow selection on
// submission, decision aggregation and step advancement, cancellation,
// resubmission, escalation and the timeout sweep. Every state transition is
// applied inside one transaction together with its audit entry, guarded by a
// per-request optimistic version.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signoff/internal/audit"
	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

const systemActor = "engine"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SubmitOptions are the parameters of the Submit contract.
type SubmitOptions struct {
	EntityType  string
	EntityID    string
	ContextJSON string
	RequestedBy string
	Priority    string
	DueBy       string
	Note        string
	// PriorRequestID links a resubmission to the request it replaces.
	PriorRequestID string
}

// Submit selects the applicable flow for an entity and creates an
// ApprovalRequest, auto-approving when the flow's short-circuit matches the
// context snapshot.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Request, error) {
	if opts.EntityType == "" || opts.EntityID == "" {
		return domain.Request{}, errors.New("entity_type and entity_id are required")
	}
	if opts.RequestedBy == "" {
		return domain.Request{}, errors.New("requested_by is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = e.Config.DefaultPriority()
	}
	switch priority {
	case "low", "normal", "high", "urgent":
	default:
		return domain.Request{}, fmt.Errorf("invalid priority %q", priority)
	}
	ctxMap, ctxJSON, err := normalizeContext(opts.ContextJSON)
	if err != nil {
		return domain.Request{}, err
	}

	if open, err := e.Repo.GetOpenRequestForEntity(ctx, opts.EntityType, opts.EntityID); err == nil {
		return domain.Request{}, IllegalTransitionError{
			Rule: fmt.Sprintf("entity already has pending request %s", open.ID),
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Request{}, err
	}

	flow, err := e.selectFlow(ctx, opts.EntityType, ctxMap)
	if err != nil {
		return domain.Request{}, err
	}
	steps, err := e.Repo.ListSteps(ctx, flow.ID)
	if err != nil {
		return domain.Request{}, err
	}

	now := e.nowStr()
	req := domain.Request{
		ID:            uuid.New().String(),
		EntityType:    opts.EntityType,
		EntityID:      opts.EntityID,
		FlowID:        flow.ID,
		Status:        domain.StatusPending,
		ContextJSON:   ctxJSON,
		RequestedBy:   opts.RequestedBy,
		RequestedAt:   now,
		Priority:      priority,
		StepEnteredAt: now,
		Version:       1,
	}
	if opts.DueBy != "" {
		req.DueBy = &opts.DueBy
	}
	if opts.PriorRequestID != "" {
		req.PriorRequestID = &opts.PriorRequestID
	}

	autoApprove, err := autoApproveMatches(flow, ctxMap)
	if err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	submitDetails := audit.Details{"flow_id": flow.ID, "flow_slug": flow.Slug, "priority": priority}
	if opts.Note != "" {
		submitDetails["note"] = opts.Note
	}
	if opts.PriorRequestID != "" {
		submitDetails["prior_request_id"] = opts.PriorRequestID
	}

	if autoApprove {
		note := "auto-approved"
		e.finalize(&req, domain.StatusApproved, now, &note)
		if err := e.insertRequestTx(ctx, tx, req); err != nil {
			return domain.Request{}, err
		}
		if err := e.Audit.Append(ctx, tx, "request.submitted", req.ID, opts.RequestedBy, domain.ActorUser, submitDetails); err != nil {
			return domain.Request{}, err
		}
		if err := e.Audit.Append(ctx, tx, "request.auto_approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"flow_id": flow.ID}); err != nil {
			return domain.Request{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Request{}, err
		}
		return req, nil
	}

	if len(steps) > 0 {
		req.CurrentStepID = &steps[0].ID
	} else {
		e.finalize(&req, domain.StatusApproved, now, nil)
	}
	if err := e.insertRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.Audit.Append(ctx, tx, "request.submitted", req.ID, opts.RequestedBy, domain.ActorUser, submitDetails); err != nil {
		return domain.Request{}, err
	}
	if opts.PriorRequestID != "" {
		if err := e.Audit.Append(ctx, tx, "request.resubmitted", req.ID, opts.RequestedBy, domain.ActorUser, audit.Details{"prior_request_id": opts.PriorRequestID}); err != nil {
			return domain.Request{}, err
		}
	}
	if len(steps) == 0 {
		if err := e.Audit.Append(ctx, tx, "request.approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"reason": "flow has no steps"}); err != nil {
			return domain.Request{}, err
		}
	}

	if req.Status == domain.StatusPending {
		if err := e.evaluateSteps(ctx, tx, &req, steps, ctxMap); err != nil {
			return domain.Request{}, err
		}
		if req.Status == domain.StatusApproved {
			if err := e.Audit.Append(ctx, tx, "request.approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"reason": "all steps skipped"}); err != nil {
				return domain.Request{}, err
			}
		} else if err := e.flagIfUnresolvable(ctx, tx, req, steps, ctxMap); err != nil {
			return domain.Request{}, err
		}
		if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
			return domain.Request{}, err
		}
		req.Version++
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.Log.Debug().Str("request_id", req.ID).Str("status", req.Status).Str("flow", flow.Slug).Msg("request submitted")
	return req, nil
}

// DecideOptions are the parameters of the Decide contract.
type DecideOptions struct {
	RequestID      string
	DecidedBy      string
	Decision       string
	Comment        string
	ConditionsJSON string
	DelegateTo     string
}

// Decide ingests one approver's decision on the request's current step and
// applies the resulting transition: rejection and return short-circuit the
// whole request, approvals count toward the step's completion rule,
// delegation and abstention are recorded without advancing anything.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Request, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionReturned, domain.DecisionAbstained:
	case domain.DecisionDelegated:
		if opts.DelegateTo == "" {
			return domain.Request{}, errors.New("delegate_to is required for decision=delegated")
		}
	default:
		return domain.Request{}, fmt.Errorf("invalid decision %q", opts.Decision)
	}
	if opts.DecidedBy == "" {
		return domain.Request{}, errors.New("decided_by is required")
	}

	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, IllegalTransitionError{Rule: fmt.Sprintf("request is %s", req.Status)}
	}
	steps, err := e.Repo.ListSteps(ctx, req.FlowID)
	if err != nil {
		return domain.Request{}, err
	}
	ctxMap, err := parseContext(req.ContextJSON)
	if err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	// Step evaluation runs before any decision is accepted: the current step
	// may skip away under this context snapshot.
	if err := e.evaluateSteps(ctx, tx, &req, steps, ctxMap); err != nil {
		return domain.Request{}, err
	}
	if req.Status != domain.StatusPending || req.CurrentStepID == nil {
		if err := e.Audit.Append(ctx, tx, "request.approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"reason": "all steps skipped"}); err != nil {
			return domain.Request{}, err
		}
		if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
			return domain.Request{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Request{}, err
		}
		return req, IllegalTransitionError{Rule: "request resolved during step evaluation"}
	}

	step, ok := stepByID(steps, *req.CurrentStepID)
	if !ok {
		return domain.Request{}, fmt.Errorf("current step %s not found in flow %s", *req.CurrentStepID, req.FlowID)
	}
	rs, err := e.resolveStep(ctx, tx, req, step, ctxMap, e.now())
	if err != nil {
		return domain.Request{}, err
	}
	if len(rs.Base) == 0 {
		return domain.Request{}, StepUnresolvableError{StepID: step.ID}
	}
	if !rs.Eligible(opts.DecidedBy) {
		return domain.Request{}, IllegalTransitionError{
			Rule: fmt.Sprintf("%s is not an eligible approver for the current step", opts.DecidedBy),
		}
	}
	already, err := e.Repo.HasDecision(ctx, req.ID, step.ID, opts.DecidedBy)
	if err != nil {
		return domain.Request{}, err
	}
	if already {
		return domain.Request{}, IllegalTransitionError{Rule: "approver already decided on this step"}
	}

	now := e.nowStr()
	decision := domain.Decision{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		StepID:    step.ID,
		DecidedBy: opts.DecidedBy,
		Decision:  opts.Decision,
		DecidedAt: now,
	}
	if opts.Comment != "" {
		decision.Comment = &opts.Comment
	}
	if opts.ConditionsJSON != "" {
		if !json.Valid([]byte(opts.ConditionsJSON)) {
			return domain.Request{}, errors.New("conditions must be valid JSON")
		}
		decision.ConditionsJSON = &opts.ConditionsJSON
	}
	if opts.DelegateTo != "" {
		decision.DelegatedTo = &opts.DelegateTo
	}
	if err := e.Repo.InsertDecisionTx(ctx, tx, decision); err != nil {
		return domain.Request{}, fmt.Errorf("insert decision: %w", err)
	}
	decisionDetails := audit.Details{"step_id": step.ID, "step_order": step.StepOrder}
	if opts.Comment != "" {
		decisionDetails["comment"] = opts.Comment
	}
	if opts.DelegateTo != "" {
		decisionDetails["delegated_to"] = opts.DelegateTo
	}
	if err := e.Audit.Append(ctx, tx, "decision."+opts.Decision, req.ID, opts.DecidedBy, domain.ActorUser, decisionDetails); err != nil {
		return domain.Request{}, err
	}

	switch opts.Decision {
	case domain.DecisionRejected:
		e.finalize(&req, domain.StatusRejected, now, decision.Comment)
		if err := e.Audit.Append(ctx, tx, "request.rejected", req.ID, opts.DecidedBy, domain.ActorUser, audit.Details{"step_id": step.ID}); err != nil {
			return domain.Request{}, err
		}
	case domain.DecisionReturned:
		e.finalize(&req, domain.StatusReturned, now, decision.Comment)
		if err := e.Audit.Append(ctx, tx, "request.returned", req.ID, opts.DecidedBy, domain.ActorUser, audit.Details{"step_id": step.ID}); err != nil {
			return domain.Request{}, err
		}
	case domain.DecisionApproved, domain.DecisionAbstained:
		// An abstention can complete a requires_all step too: the abstainer
		// leaves the denominator, so re-check after either verdict. The read
		// must go through the tx that holds the uncommitted decision row.
		prior, err := e.Repo.ListStepDecisionsTx(ctx, tx, req.ID, step.ID)
		if err != nil {
			return domain.Request{}, err
		}
		if stepComplete(step, rs, prior) {
			if err := e.completeStep(ctx, tx, &req, steps, step, ctxMap, now); err != nil {
				return domain.Request{}, err
			}
		}
	case domain.DecisionDelegated:
		// recorded for audit; a hand-off never counts toward completion
	}

	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	req.Version++
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.Log.Debug().Str("request_id", req.ID).Str("decision", opts.Decision).
		Str("decided_by", opts.DecidedBy).Str("status", req.Status).Msg("decision recorded")
	return req, nil
}

// completeStep advances past a completed step, cascading through skippable
// steps and finalizing to approved when the flow is exhausted.
func (e Engine) completeStep(ctx context.Context, tx *sql.Tx, req *domain.Request, steps []domain.Step, step domain.Step, ctxMap map[string]any, now string) error {
	e.advance(req, steps, step.StepOrder, now)
	if req.Status == domain.StatusApproved {
		return e.Audit.Append(ctx, tx, "request.approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"final_step_id": step.ID})
	}
	if err := e.Audit.Append(ctx, tx, "step.advanced", req.ID, systemActor, domain.ActorSystem, audit.Details{
		"from_step_id": step.ID,
		"to_step_id":   *req.CurrentStepID,
	}); err != nil {
		return err
	}
	if err := e.evaluateSteps(ctx, tx, req, steps, ctxMap); err != nil {
		return err
	}
	if req.Status == domain.StatusApproved {
		return e.Audit.Append(ctx, tx, "request.approved", req.ID, systemActor, domain.ActorSystem, audit.Details{"reason": "remaining steps skipped"})
	}
	return e.flagIfUnresolvable(ctx, tx, *req, steps, ctxMap)
}

// evaluateSteps skips the current step while its skip conditions match the
// context snapshot, approving the request when steps are exhausted. Each skip
// produces an audit entry.
func (e Engine) evaluateSteps(ctx context.Context, tx *sql.Tx, req *domain.Request, steps []domain.Step, ctxMap map[string]any) error {
	for req.Status == domain.StatusPending && req.CurrentStepID != nil {
		step, ok := stepByID(steps, *req.CurrentStepID)
		if !ok {
			return fmt.Errorf("current step %s not found in flow %s", *req.CurrentStepID, req.FlowID)
		}
		skip, err := stepSkipMatches(step, ctxMap)
		if err != nil {
			return err
		}
		if !skip {
			return nil
		}
		if err := e.Audit.Append(ctx, tx, "step.skipped", req.ID, systemActor, domain.ActorSystem, audit.Details{
			"step_id":    step.ID,
			"step_order": step.StepOrder,
		}); err != nil {
			return err
		}
		e.advance(req, steps, step.StepOrder, e.nowStr())
	}
	return nil
}

// flagIfUnresolvable audits a configuration warning when the current step's
// base approver set is empty or its threshold can never be met. The request
// stays pending for administrator intervention.
func (e Engine) flagIfUnresolvable(ctx context.Context, tx *sql.Tx, req domain.Request, steps []domain.Step, ctxMap map[string]any) error {
	if req.Status != domain.StatusPending || req.CurrentStepID == nil {
		return nil
	}
	step, ok := stepByID(steps, *req.CurrentStepID)
	if !ok {
		return nil
	}
	rs, err := e.resolveStep(ctx, tx, req, step, ctxMap, e.now())
	if err != nil {
		return err
	}
	if len(rs.Base) == 0 {
		return e.Audit.Append(ctx, tx, "step.unresolvable", req.ID, systemActor, domain.ActorSystem, audit.Details{
			"step_id": step.ID,
			"reason":  "no approvers resolved",
		})
	}
	if !step.RequiresAll && step.MinApprovals > len(rs.All()) {
		return e.Audit.Append(ctx, tx, "step.unresolvable", req.ID, systemActor, domain.ActorSystem, audit.Details{
			"step_id":       step.ID,
			"reason":        "min_approvals exceeds resolved approver count",
			"min_approvals": step.MinApprovals,
			"resolved":      len(rs.All()),
		})
	}
	return nil
}

// advance moves the request to the next step after the given order, or
// finalizes to approved when no steps remain. Reminder and escalation
// markers reset on entry to a new step.
func (e Engine) advance(req *domain.Request, steps []domain.Step, afterOrder int, now string) {
	for _, s := range steps {
		if s.StepOrder > afterOrder {
			s := s
			req.CurrentStepID = &s.ID
			req.StepEnteredAt = now
			req.RemindedAt = nil
			req.EscalatedAt = nil
			return
		}
	}
	e.finalize(req, domain.StatusApproved, now, nil)
}

func (e Engine) finalize(req *domain.Request, status, now string, note *string) {
	req.Status = status
	req.CurrentStepID = nil
	req.ResolvedAt = &now
	if note != nil {
		req.ResolutionNote = note
	}
}

// Cancel transitions a pending request to cancelled. Only the requester may
// cancel, unless admin override is asserted; a terminal request is returned
// as-is.
func (e Engine) Cancel(ctx context.Context, requestID, actorID string, admin bool) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, nil
	}
	if actorID != req.RequestedBy && !admin {
		return domain.Request{}, IllegalTransitionError{Rule: "only the requester or an administrator can cancel"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	e.finalize(&req, domain.StatusCancelled, now, nil)
	details := audit.Details{}
	if admin && actorID != req.RequestedBy {
		details["override"] = true
	}
	if err := e.Audit.Append(ctx, tx, "request.cancelled", req.ID, actorID, domain.ActorUser, details); err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	req.Version++
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// Resubmit creates a fresh request for the entity of a returned or rejected
// request, linked to it for history. The original row is never mutated.
func (e Engine) Resubmit(ctx context.Context, requestID, actorID, contextJSON, note string) (domain.Request, error) {
	old, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if old.Status != domain.StatusReturned && old.Status != domain.StatusRejected {
		return domain.Request{}, IllegalTransitionError{Rule: fmt.Sprintf("cannot resubmit a %s request", old.Status)}
	}
	if actorID != old.RequestedBy {
		return domain.Request{}, IllegalTransitionError{Rule: "only the original requester can resubmit"}
	}
	if contextJSON == "" {
		contextJSON = old.ContextJSON
	}
	opts := SubmitOptions{
		EntityType:     old.EntityType,
		EntityID:       old.EntityID,
		ContextJSON:    contextJSON,
		RequestedBy:    actorID,
		Priority:       old.Priority,
		Note:           note,
		PriorRequestID: old.ID,
	}
	if old.DueBy != nil {
		opts.DueBy = *old.DueBy
	}
	return e.Submit(ctx, opts)
}

// Escalate handles a step that exceeded its timeout: when the flow's overall
// auto-reject window has passed the request expires; otherwise the step is
// reassigned to the configured escalation target without changing
// current_step_id. Terminal and already-escalated requests are returned
// unchanged.
func (e Engine) Escalate(ctx context.Context, requestID, actorID, actorType, reason string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, nil
	}
	flow, err := e.Repo.GetFlow(ctx, req.FlowID)
	if err != nil {
		return domain.Request{}, err
	}
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	if actorType == "" {
		actorType = domain.ActorUser
	}

	if flow.AutoRejectAfterHours != nil && hoursSince(req.RequestedAt, now) >= float64(*flow.AutoRejectAfterHours) {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Request{}, err
		}
		defer tx.Rollback()
		note := fmt.Sprintf("expired after %dh without resolution", *flow.AutoRejectAfterHours)
		e.finalize(&req, domain.StatusExpired, nowStr, &note)
		if err := e.Audit.Append(ctx, tx, "request.expired", req.ID, actorID, actorType, audit.Details{
			"auto_reject_after_hours": *flow.AutoRejectAfterHours,
		}); err != nil {
			return domain.Request{}, err
		}
		if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
			return domain.Request{}, err
		}
		req.Version++
		if err := tx.Commit(); err != nil {
			return domain.Request{}, err
		}
		return req, nil
	}

	if req.EscalatedAt != nil || req.CurrentStepID == nil {
		return req, nil
	}
	steps, err := e.Repo.ListSteps(ctx, req.FlowID)
	if err != nil {
		return domain.Request{}, err
	}
	step, ok := stepByID(steps, *req.CurrentStepID)
	if !ok {
		return domain.Request{}, fmt.Errorf("current step %s not found in flow %s", *req.CurrentStepID, req.FlowID)
	}
	ctxMap, err := parseContext(req.ContextJSON)
	if err != nil {
		return domain.Request{}, err
	}
	rs, err := e.resolveStep(ctx, nil, req, step, ctxMap, now)
	if err != nil {
		return domain.Request{}, err
	}
	targets, err := e.escalationTargets(ctx, rs.Base)
	if err != nil {
		return domain.Request{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req.EscalatedAt = &nowStr
	details := audit.Details{"step_id": step.ID, "targets": targets}
	if reason != "" {
		details["reason"] = reason
	}
	if err := e.Audit.Append(ctx, tx, "request.escalated", req.ID, actorID, actorType, details); err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	req.Version++
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.Log.Info().Str("request_id", req.ID).Strs("targets", targets).Msg("request escalated")
	return req, nil
}

// RequestDetail is the full read model for one request.
type RequestDetail struct {
	Request   domain.Request      `json:"request"`
	Flow      domain.Flow         `json:"flow"`
	Steps     []domain.Step       `json:"steps"`
	Decisions []domain.Decision   `json:"decisions"`
	Audit     []domain.AuditEntry `json:"audit"`
}

func (e Engine) GetRequestDetail(ctx context.Context, requestID string) (RequestDetail, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	flow, err := e.Repo.GetFlow(ctx, req.FlowID)
	if err != nil {
		return RequestDetail{}, err
	}
	steps, err := e.Repo.ListSteps(ctx, req.FlowID)
	if err != nil {
		return RequestDetail{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	entries, err := e.Repo.ListAuditForRequest(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	return RequestDetail{Request: req, Flow: flow, Steps: steps, Decisions: decisions, Audit: entries}, nil
}

// EntityHistoryItem pairs a past request with its decisions.
type EntityHistoryItem struct {
	Request   domain.Request    `json:"request"`
	Decisions []domain.Decision `json:"decisions,omitempty"`
}

// GetEntityHistory returns every request opened for an entity, newest first,
// with their decisions. Resubmission chains link via prior_request_id.
func (e Engine) GetEntityHistory(ctx context.Context, entityType, entityID string) ([]EntityHistoryItem, error) {
	requests, err := e.Repo.ListRequestsForEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	items := make([]EntityHistoryItem, 0, len(requests))
	for _, req := range requests {
		decisions, err := e.Repo.ListDecisions(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, EntityHistoryItem{Request: req, Decisions: decisions})
	}
	return items, nil
}

// --- helpers ---

// stepComplete evaluates a step's completion rule against its non-superseded
// decisions. With requires_all, every base approver must be satisfied by
// their own or a delegate's approval, with abstainers removed from the
// denominator; after escalation one reassignment target's approval satisfies
// the whole step, since the target stands in for whoever went unresponsive.
// Otherwise min_approvals distinct approvers must have approved.
func stepComplete(step domain.Step, rs ResolvedStep, decisions []domain.Decision) bool {
	approvedBy := map[string]bool{}
	abstained := map[string]bool{}
	for _, d := range decisions {
		switch d.Decision {
		case domain.DecisionApproved:
			approvedBy[d.DecidedBy] = true
		case domain.DecisionAbstained:
			abstained[d.DecidedBy] = true
		}
	}
	if step.RequiresAll {
		for _, t := range rs.EscalationTargets {
			if approvedBy[t] {
				return true
			}
		}
		for _, b := range rs.Base {
			if abstained[b] || approvedBy[b] {
				continue
			}
			satisfied := false
			for _, del := range rs.DelegatesOf[b] {
				if approvedBy[del] {
					satisfied = true
					break
				}
			}
			if !satisfied {
				return false
			}
		}
		return true
	}
	min := step.MinApprovals
	if min < 1 {
		min = 1
	}
	return len(approvedBy) >= min
}

// insertRequestTx maps a unique-index violation on the one-pending-per-entity
// index to the same typed error the check-then-act path returns, so a
// concurrent duplicate submission surfaces as a 409 instead of a raw SQL
// error.
func (e Engine) insertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	err := e.Repo.InsertRequestTx(ctx, tx, req)
	if repo.IsConstraint(err) {
		return IllegalTransitionError{Rule: "entity already has a pending request"}
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func stepByID(steps []domain.Step, id string) (domain.Step, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Step{}, false
}

func parseContext(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("context snapshot: %w", err)
	}
	return m, nil
}

func normalizeContext(raw string) (map[string]any, string, error) {
	m, err := parseContext(raw)
	if err != nil {
		return nil, "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, "", err
	}
	return m, string(data), nil
}

func hoursSince(ts string, now time.Time) float64 {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return now.Sub(t).Hours()
}
