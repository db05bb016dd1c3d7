package domain

// Request statuses.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusReturned  = "returned"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Decision kinds.
const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionReturned  = "returned"
	DecisionDelegated = "delegated"
	DecisionAbstained = "abstained"
)

// Approver types.
const (
	ApproverUser              = "user"
	ApproverRole              = "role"
	ApproverGroup             = "group"
	ApproverDepartmentManager = "department_manager"
)

// Actor types on audit entries.
const (
	ActorUser   = "user"
	ActorSystem = "system"
)

// IsTerminal reports whether a request status accepts no further decisions.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusReturned, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Flow struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Slug                 string  `json:"slug"`
	EntityType           string  `json:"entity_type"`
	TriggerConditions    *string `json:"trigger_conditions,omitempty"`
	Priority             int     `json:"priority"`
	AutoApproveBelow     *string `json:"auto_approve_below,omitempty"`
	AutoRejectAfterHours *int    `json:"auto_reject_after_hours,omitempty"`
	IsActive             bool    `json:"is_active"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
	Steps                []Step  `json:"steps,omitempty"`
}

type Step struct {
	ID                 string  `json:"id"`
	FlowID             string  `json:"flow_id"`
	StepOrder          int     `json:"step_order"`
	ApproverType       string  `json:"approver_type" enum:"user,role,group,department_manager"`
	ApproverUserID     *string `json:"approver_user_id,omitempty"`
	ApproverRoleName   *string `json:"approver_role_name,omitempty"`
	RequiresAll        bool    `json:"requires_all"`
	MinApprovals       int     `json:"min_approvals"`
	SkipConditions     *string `json:"skip_conditions,omitempty"`
	TimeoutHours       *int    `json:"timeout_hours,omitempty"`
	ReminderAfterHours *int    `json:"reminder_after_hours,omitempty"`
}

type Request struct {
	ID             string  `json:"id"`
	EntityType     string  `json:"entity_type"`
	EntityID       string  `json:"entity_id"`
	FlowID         string  `json:"flow_id"`
	CurrentStepID  *string `json:"current_step_id,omitempty"`
	Status         string  `json:"status" enum:"pending,approved,rejected,returned,cancelled,expired"`
	ContextJSON    string  `json:"context_json"`
	RequestedBy    string  `json:"requested_by"`
	RequestedAt    string  `json:"requested_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNote *string `json:"resolution_note,omitempty"`
	Priority       string  `json:"priority" enum:"low,normal,high,urgent"`
	DueBy          *string `json:"due_by,omitempty" format:"date-time"`
	PriorRequestID *string `json:"prior_request_id,omitempty"`
	StepEnteredAt  string  `json:"step_entered_at" format:"date-time"`
	RemindedAt     *string `json:"reminded_at,omitempty" format:"date-time"`
	EscalatedAt    *string `json:"escalated_at,omitempty" format:"date-time"`
	Version        int     `json:"version"`
}

type Decision struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	StepID         string  `json:"step_id"`
	DecidedBy      string  `json:"decided_by"`
	Decision       string  `json:"decision" enum:"approved,rejected,returned,delegated,abstained"`
	Comment        *string `json:"comment,omitempty"`
	ConditionsJSON *string `json:"conditions_json,omitempty"`
	DelegatedTo    *string `json:"delegated_to,omitempty"`
	DecidedAt      string  `json:"decided_at" format:"date-time"`
	Superseded     bool    `json:"superseded,omitempty"`
}

// Delegation is a standing, time-bounded grant of decision authority.
// The window is half-open: StartsAt <= t < EndsAt.
type Delegation struct {
	ID          string  `json:"id"`
	DelegatorID string  `json:"delegator_id"`
	DelegateID  string  `json:"delegate_id"`
	StartsAt    string  `json:"starts_at" format:"date-time"`
	EndsAt      string  `json:"ends_at" format:"date-time"`
	Reason      string  `json:"reason,omitempty"`
	EntityType  *string `json:"entity_type,omitempty"`
	FlowID      *string `json:"flow_id,omitempty"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID        int64   `json:"id"`
	RequestID *string `json:"request_id,omitempty"`
	Seq       int     `json:"seq"`
	Action    string  `json:"action"`
	ActorID   string  `json:"actor_id"`
	ActorType string  `json:"actor_type" enum:"user,system"`
	Details   string  `json:"details_json"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// QueueItem is a pending request surfaced to an eligible approver.
type QueueItem struct {
	Request      Request `json:"request"`
	StepID       string  `json:"step_id"`
	StepOrder    int     `json:"step_order"`
	FlowName     string  `json:"flow_name"`
	WaitingHours float64 `json:"waiting_hours"`
}

type User struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name,omitempty"`
	IsActive    bool    `json:"is_active"`
	Department  *string `json:"department,omitempty"`
	ManagerID   *string `json:"manager_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
