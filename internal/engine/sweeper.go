package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"signoff/internal/audit"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

const sweeperActor = "sweeper"

// SweepStats summarizes one pass over pending requests.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Reminded  int `json:"reminded"`
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
}

// Sweeper periodically scans pending requests for step timeouts. It is safe
// to run concurrently with interactive traffic and with other sweeper
// instances: every transition it makes goes through the same versioned
// updates as the rest of the engine, and the reminded_at/escalated_at markers
// make each action fire at most once per step entry.
type Sweeper struct {
	Engine Engine
	Log    zerolog.Logger
}

func NewSweeper(e Engine) *Sweeper {
	return &Sweeper{Engine: e, Log: e.Log}
}

// SweepOnce scans all pending requests once. Lost races (ErrConflict, a
// request resolved mid-scan) are skipped, not failed: the next pass sees the
// new state.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	e := s.Engine
	pending, err := e.Repo.ListPendingRequests(ctx)
	if err != nil {
		return stats, err
	}
	now := e.now()
	flows := map[string]domain.Flow{}
	stepsByFlow := map[string][]domain.Step{}

	for _, req := range pending {
		stats.Scanned++
		flow, ok := flows[req.FlowID]
		if !ok {
			flow, err = e.Repo.GetFlow(ctx, req.FlowID)
			if err != nil {
				return stats, err
			}
			flows[req.FlowID] = flow
		}

		expired := flow.AutoRejectAfterHours != nil &&
			hoursSince(req.RequestedAt, now) >= float64(*flow.AutoRejectAfterHours)

		var step domain.Step
		if req.CurrentStepID != nil {
			steps, ok := stepsByFlow[req.FlowID]
			if !ok {
				steps, err = e.Repo.ListSteps(ctx, req.FlowID)
				if err != nil {
					return stats, err
				}
				stepsByFlow[req.FlowID] = steps
			}
			step, _ = stepByID(steps, *req.CurrentStepID)
		}
		waited := hoursSince(req.StepEnteredAt, now)

		timedOut := step.TimeoutHours != nil && waited >= float64(*step.TimeoutHours)
		if expired || (timedOut && req.EscalatedAt == nil) {
			out, err := e.Escalate(ctx, req.ID, sweeperActor, domain.ActorSystem, "step timeout")
			if err != nil {
				if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return stats, err
			}
			switch {
			case out.Status == domain.StatusExpired:
				stats.Expired++
			case out.EscalatedAt != nil && req.EscalatedAt == nil:
				stats.Escalated++
			}
			continue
		}

		if step.ReminderAfterHours != nil && req.RemindedAt == nil &&
			waited >= float64(*step.ReminderAfterHours) {
			if err := s.remind(ctx, req, step); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					continue
				}
				return stats, err
			}
			stats.Reminded++
		}
	}
	if stats.Reminded+stats.Escalated+stats.Expired > 0 {
		s.Log.Info().Int("scanned", stats.Scanned).Int("reminded", stats.Reminded).
			Int("escalated", stats.Escalated).Int("expired", stats.Expired).Msg("sweep pass")
	}
	return stats, nil
}

func (s *Sweeper) remind(ctx context.Context, req domain.Request, step domain.Step) error {
	e := s.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) { _ = tx.Rollback() }(tx)
	now := e.nowStr()
	req.RemindedAt = &now
	if err := e.Audit.Append(ctx, tx, "request.reminder", req.ID, sweeperActor, domain.ActorSystem, audit.Details{
		"step_id": step.ID,
	}); err != nil {
		return err
	}
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return err
	}
	return tx.Commit()
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.Engine.Config.SweepIntervalSeconds()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Log.Info().Dur("interval", interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
