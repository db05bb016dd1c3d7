package engine

import (
	"context"

	"signoff/internal/condition"
	"signoff/internal/domain"
)

// selectFlow picks the single applicable flow for a submission: among active
// flows for the entity type whose trigger conditions match the context, the
// highest priority wins, oldest-created on ties. The repo query already
// returns flows in that order, so the first match is the selection.
func (e Engine) selectFlow(ctx context.Context, entityType string, ctxMap map[string]any) (domain.Flow, error) {
	flows, err := e.Repo.ListActiveFlowsForEntity(ctx, entityType)
	if err != nil {
		return domain.Flow{}, err
	}
	for _, f := range flows {
		match, err := flowTriggerMatches(f, ctxMap)
		if err != nil {
			return domain.Flow{}, err
		}
		if match {
			return f, nil
		}
	}
	return domain.Flow{}, ErrNoApplicableFlow
}

// flowTriggerMatches evaluates a flow's trigger conditions; a flow without
// conditions matches everything.
func flowTriggerMatches(f domain.Flow, ctxMap map[string]any) (bool, error) {
	if f.TriggerConditions == nil {
		return true, nil
	}
	node, err := condition.Parse(*f.TriggerConditions)
	if err != nil {
		return false, err
	}
	return node.Matches(ctxMap), nil
}

// autoApproveMatches evaluates the flow's auto-approve short-circuit; absent
// means never.
func autoApproveMatches(f domain.Flow, ctxMap map[string]any) (bool, error) {
	if f.AutoApproveBelow == nil {
		return false, nil
	}
	node, err := condition.Parse(*f.AutoApproveBelow)
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, nil
	}
	return node.Matches(ctxMap), nil
}

// stepSkipMatches evaluates a step's skip conditions against the context
// snapshot; absent means the step never skips.
func stepSkipMatches(s domain.Step, ctxMap map[string]any) (bool, error) {
	if s.SkipConditions == nil {
		return false, nil
	}
	node, err := condition.Parse(*s.SkipConditions)
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, nil
	}
	return node.Matches(ctxMap), nil
}
