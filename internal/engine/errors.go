package engine

import (
	"errors"
	"fmt"

	"signoff/internal/repo"
)

// ErrNoApplicableFlow means submission matched no active flow; nothing was
// created.
var ErrNoApplicableFlow = errors.New("no applicable flow")

// ErrConcurrentModification surfaces a lost optimistic-lock race; the caller
// should re-read and retry.
var ErrConcurrentModification = repo.ErrConflict

// IllegalTransitionError rejects a decision or action that the current
// request state does not permit. No state change happens.
type IllegalTransitionError struct {
	Rule string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s", e.Rule)
}

// StepUnresolvableError flags a step whose approver set resolved empty — a
// configuration gap that needs administrator intervention. The request stays
// pending.
type StepUnresolvableError struct {
	StepID string
}

func (e StepUnresolvableError) Error() string {
	return fmt.Sprintf("step %s has no resolvable approvers", e.StepID)
}
