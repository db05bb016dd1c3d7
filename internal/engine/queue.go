package engine

import (
	"context"

	"signoff/internal/domain"
)

// QueueForUser returns every pending request whose current step the user may
// decide on, directly or as a delegate or escalation target, excluding steps
// they already decided. Ordered by priority then age via the underlying query.
func (e Engine) QueueForUser(ctx context.Context, userID string) ([]domain.QueueItem, error) {
	pending, err := e.Repo.ListPendingRequests(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	flows := map[string]domain.Flow{}
	stepsByFlow := map[string][]domain.Step{}
	items := []domain.QueueItem{}
	for _, req := range pending {
		if req.CurrentStepID == nil {
			continue
		}
		steps, ok := stepsByFlow[req.FlowID]
		if !ok {
			steps, err = e.Repo.ListSteps(ctx, req.FlowID)
			if err != nil {
				return nil, err
			}
			stepsByFlow[req.FlowID] = steps
		}
		step, ok := stepByID(steps, *req.CurrentStepID)
		if !ok {
			continue
		}
		ctxMap, err := parseContext(req.ContextJSON)
		if err != nil {
			continue
		}
		rs, err := e.resolveStep(ctx, nil, req, step, ctxMap, now)
		if err != nil {
			return nil, err
		}
		if !rs.Eligible(userID) {
			continue
		}
		decided, err := e.Repo.HasDecision(ctx, req.ID, step.ID, userID)
		if err != nil {
			return nil, err
		}
		if decided {
			continue
		}
		flow, ok := flows[req.FlowID]
		if !ok {
			flow, err = e.Repo.GetFlow(ctx, req.FlowID)
			if err != nil {
				return nil, err
			}
			flows[req.FlowID] = flow
		}
		items = append(items, domain.QueueItem{
			Request:      req,
			StepID:       step.ID,
			StepOrder:    step.StepOrder,
			FlowName:     flow.Name,
			WaitingHours: hoursSince(req.StepEnteredAt, now),
		})
	}
	return items, nil
}

// QueueCount is the size of a user's queue, for badges and polling.
func (e Engine) QueueCount(ctx context.Context, userID string) (int, error) {
	items, err := e.QueueForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
