package server

import (
	"encoding/json"

	"signoff/internal/domain"
	"signoff/internal/engine"
)

// Request payloads

type SubmitRequestBody struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Context    map[string]any `json:"context,omitempty"`
	Priority   string         `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	DueBy      *string        `json:"due_by,omitempty" format:"date-time"`
	Note       *string        `json:"note,omitempty"`
}

type DecideBody struct {
	Decision   string         `json:"decision" enum:"approved,rejected,returned,delegated,abstained"`
	Comment    *string        `json:"comment,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
	DelegateTo *string        `json:"delegate_to,omitempty"`
}

type ResubmitBody struct {
	Context map[string]any `json:"context,omitempty"`
	Note    *string        `json:"note,omitempty"`
}

type EscalateBody struct {
	Reason *string `json:"reason,omitempty"`
}

type StepRequest struct {
	ApproverType       string  `json:"approver_type" enum:"user,role,group,department_manager"`
	ApproverUserID     *string `json:"approver_user_id,omitempty"`
	ApproverRoleName   *string `json:"approver_role_name,omitempty"`
	RequiresAll        bool    `json:"requires_all,omitempty"`
	MinApprovals       int     `json:"min_approvals,omitempty"`
	SkipConditions     *string `json:"skip_conditions,omitempty"`
	TimeoutHours       *int    `json:"timeout_hours,omitempty"`
	ReminderAfterHours *int    `json:"reminder_after_hours,omitempty"`
}

type CreateFlowRequest struct {
	Name                 string        `json:"name"`
	Slug                 string        `json:"slug"`
	EntityType           string        `json:"entity_type"`
	TriggerConditions    *string       `json:"trigger_conditions,omitempty"`
	Priority             int           `json:"priority,omitempty"`
	AutoApproveBelow     *string       `json:"auto_approve_below,omitempty"`
	AutoRejectAfterHours *int          `json:"auto_reject_after_hours,omitempty"`
	Steps                []StepRequest `json:"steps"`
}

type UpdateFlowRequest struct {
	Name                 *string `json:"name,omitempty"`
	TriggerConditions    *string `json:"trigger_conditions,omitempty"`
	Priority             *int    `json:"priority,omitempty"`
	AutoApproveBelow     *string `json:"auto_approve_below,omitempty"`
	AutoRejectAfterHours *int    `json:"auto_reject_after_hours,omitempty"`
	IsActive             *bool   `json:"is_active,omitempty"`
}

type CreateDelegationRequest struct {
	DelegatorID string  `json:"delegator_id"`
	DelegateID  string  `json:"delegate_id"`
	StartsAt    string  `json:"starts_at" format:"date-time"`
	EndsAt      string  `json:"ends_at" format:"date-time"`
	Reason      *string `json:"reason,omitempty"`
	EntityType  *string `json:"entity_type,omitempty"`
	FlowID      *string `json:"flow_id,omitempty"`
}

type UpsertUserRequest struct {
	ID          string   `json:"id"`
	DisplayName *string  `json:"display_name,omitempty"`
	IsActive    *bool    `json:"is_active,omitempty"`
	Department  *string  `json:"department,omitempty"`
	ManagerID   *string  `json:"manager_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Response payloads

type RequestResponse struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	FlowID         string         `json:"flow_id"`
	CurrentStepID  *string        `json:"current_step_id,omitempty"`
	Status         string         `json:"status" enum:"pending,approved,rejected,returned,cancelled,expired"`
	Context        map[string]any `json:"context,omitempty"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    string         `json:"requested_at" format:"date-time"`
	ResolvedAt     *string        `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNote *string        `json:"resolution_note,omitempty"`
	Priority       string         `json:"priority" enum:"low,normal,high,urgent"`
	DueBy          *string        `json:"due_by,omitempty" format:"date-time"`
	PriorRequestID *string        `json:"prior_request_id,omitempty"`
	StepEnteredAt  string         `json:"step_entered_at" format:"date-time"`
	EscalatedAt    *string        `json:"escalated_at,omitempty" format:"date-time"`
	Version        int            `json:"version"`
}

type DecisionResponse struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	DecidedBy   string         `json:"decided_by"`
	Decision    string         `json:"decision" enum:"approved,rejected,returned,delegated,abstained"`
	Comment     *string        `json:"comment,omitempty"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	DelegatedTo *string        `json:"delegated_to,omitempty"`
	DecidedAt   string         `json:"decided_at" format:"date-time"`
}

type AuditEntryResponse struct {
	ID        int64          `json:"id"`
	RequestID *string        `json:"request_id,omitempty"`
	Seq       int            `json:"seq"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	ActorType string         `json:"actor_type" enum:"user,system"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type RequestDetailResponse struct {
	Request   RequestResponse      `json:"request"`
	Flow      domain.Flow          `json:"flow"`
	Steps     []domain.Step        `json:"steps"`
	Decisions []DecisionResponse   `json:"decisions"`
	Audit     []AuditEntryResponse `json:"audit"`
}

type HistoryItemResponse struct {
	Request   RequestResponse    `json:"request"`
	Decisions []DecisionResponse `json:"decisions,omitempty"`
}

type QueueItemResponse struct {
	Request      RequestResponse `json:"request"`
	StepID       string          `json:"step_id"`
	StepOrder    int             `json:"step_order"`
	FlowName     string          `json:"flow_name"`
	WaitingHours float64         `json:"waiting_hours"`
}

type DelegationResponse struct {
	ID          string  `json:"id"`
	DelegatorID string  `json:"delegator_id"`
	DelegateID  string  `json:"delegate_id"`
	StartsAt    string  `json:"starts_at" format:"date-time"`
	EndsAt      string  `json:"ends_at" format:"date-time"`
	Reason      string  `json:"reason,omitempty"`
	EntityType  *string `json:"entity_type,omitempty"`
	FlowID      *string `json:"flow_id,omitempty"`
	IsActive    bool    `json:"is_active"`
}

// mappers

func jsonMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func requestResponse(req domain.Request) RequestResponse {
	return RequestResponse{
		ID:             req.ID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		FlowID:         req.FlowID,
		CurrentStepID:  req.CurrentStepID,
		Status:         req.Status,
		Context:        jsonMap(req.ContextJSON),
		RequestedBy:    req.RequestedBy,
		RequestedAt:    req.RequestedAt,
		ResolvedAt:     req.ResolvedAt,
		ResolutionNote: req.ResolutionNote,
		Priority:       req.Priority,
		DueBy:          req.DueBy,
		PriorRequestID: req.PriorRequestID,
		StepEnteredAt:  req.StepEnteredAt,
		EscalatedAt:    req.EscalatedAt,
		Version:        req.Version,
	}
}

func decisionResponse(d domain.Decision) DecisionResponse {
	resp := DecisionResponse{
		ID:          d.ID,
		StepID:      d.StepID,
		DecidedBy:   d.DecidedBy,
		Decision:    d.Decision,
		Comment:     d.Comment,
		DelegatedTo: d.DelegatedTo,
		DecidedAt:   d.DecidedAt,
	}
	if d.ConditionsJSON != nil {
		resp.Conditions = jsonMap(*d.ConditionsJSON)
	}
	return resp
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		out = append(out, decisionResponse(d))
	}
	return out
}

func auditResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:        e.ID,
		RequestID: e.RequestID,
		Seq:       e.Seq,
		Action:    e.Action,
		ActorID:   e.ActorID,
		ActorType: e.ActorType,
		Details:   jsonMap(e.Details),
		CreatedAt: e.CreatedAt,
	}
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, auditResponse(e))
	}
	return out
}

func detailResponse(d engine.RequestDetail) RequestDetailResponse {
	return RequestDetailResponse{
		Request:   requestResponse(d.Request),
		Flow:      d.Flow,
		Steps:     d.Steps,
		Decisions: mapDecisions(d.Decisions),
		Audit:     mapAudit(d.Audit),
	}
}

func queueResponse(items []domain.QueueItem) []QueueItemResponse {
	out := make([]QueueItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, QueueItemResponse{
			Request:      requestResponse(it.Request),
			StepID:       it.StepID,
			StepOrder:    it.StepOrder,
			FlowName:     it.FlowName,
			WaitingHours: it.WaitingHours,
		})
	}
	return out
}

func delegationResponse(d domain.Delegation) DelegationResponse {
	return DelegationResponse{
		ID:          d.ID,
		DelegatorID: d.DelegatorID,
		DelegateID:  d.DelegateID,
		StartsAt:    d.StartsAt,
		EndsAt:      d.EndsAt,
		Reason:      d.Reason,
		EntityType:  d.EntityType,
		FlowID:      d.FlowID,
		IsActive:    d.IsActive,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalOrEmpty(m map[string]any) string {
	if m == nil {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
