package engine

import (
	"context"
	"testing"
	"time"

	"signoff/internal/domain"
)

func TestSweepReminderFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverUserID = strPtr("mgr")
		s.ReminderAfterHours = intPtr(4)
	})
	req := env.submit("invoice", "inv-1", "alice", `{}`)
	sw := NewSweeper(env.eng)

	stats, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Reminded != 0 {
		t.Fatalf("reminded before threshold: %+v", stats)
	}

	env.tick(5 * time.Hour)
	stats, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Reminded != 1 {
		t.Fatalf("reminded = %d, want 1", stats.Reminded)
	}

	stats, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Reminded != 0 {
		t.Fatalf("reminder fired twice: %+v", stats)
	}

	actions := env.auditActions(req.ID)
	count := 0
	for _, a := range actions {
		if a == "request.reminder" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("audit has %d reminders, want 1 (%v)", count, actions)
	}
}

func TestSweepEscalatesToManager(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("boss", nil)
	env.addUser("mgr", func(u *domain.User) { u.ManagerID = strPtr("boss") })
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverUserID = strPtr("mgr")
		s.TimeoutHours = intPtr(24)
	})
	req := env.submit("invoice", "inv-1", "alice", `{}`)
	sw := NewSweeper(env.eng)

	env.tick(25 * time.Hour)
	stats, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != 1 {
		t.Fatalf("escalated = %d, want 1", stats.Escalated)
	}

	// Escalation is once per step entry.
	stats, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != 0 {
		t.Fatalf("escalated twice: %+v", stats)
	}

	// The approver's manager is now an eligible decider.
	out := env.mustDecide(req.ID, "boss", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("manager approval status = %s, want approved", out.Status)
	}
}

func TestSweepExpiresAfterAutoRejectWindow(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, func(f *domain.Flow) { f.AutoRejectAfterHours = intPtr(72) })
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverUserID = strPtr("mgr")
		s.TimeoutHours = intPtr(24)
	})
	req := env.submit("invoice", "inv-1", "alice", `{}`)
	sw := NewSweeper(env.eng)

	env.tick(73 * time.Hour)
	stats, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Expired != 1 {
		t.Fatalf("expired = %d, want 1 (%+v)", stats.Expired, stats)
	}

	got, err := env.eng.Repo.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Expired is terminal; another pass is a no-op.
	stats, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 0 {
		t.Fatalf("terminal request still scanned: %+v", stats)
	}
}

func TestEscalationTargetSatisfiesRequiresAll(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("boss", nil)
	for _, id := range []string{"r1", "r2"} {
		env.addUser(id, func(u *domain.User) { u.ManagerID = strPtr("boss") })
		if err := env.eng.Repo.AssignRole(context.Background(), id, "legal"); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	f := env.addFlow("contract", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverType = domain.ApproverRole
		s.ApproverRoleName = strPtr("legal")
		s.RequiresAll = true
	})
	req := env.submit("contract", "c-1", "alice", `{}`)

	if _, err := env.eng.Escalate(context.Background(), req.ID, "admin", domain.ActorUser, "unresponsive"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	// The target stands in for the whole unresponsive set: one approval from
	// them resolves the step even though neither base approver decided.
	out := env.mustDecide(req.ID, "boss", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("target approval left status = %s, want approved", out.Status)
	}
}

func TestManualEscalateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("boss", nil)
	env.addUser("mgr", func(u *domain.User) { u.ManagerID = strPtr("boss") })
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })
	req := env.submit("invoice", "inv-1", "alice", `{}`)

	out, err := env.eng.Escalate(context.Background(), req.ID, "admin", domain.ActorUser, "stuck")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if out.EscalatedAt == nil {
		t.Fatal("escalated_at not set")
	}
	first := *out.EscalatedAt

	env.tick(time.Hour)
	again, err := env.eng.Escalate(context.Background(), req.ID, "admin", domain.ActorUser, "stuck")
	if err != nil {
		t.Fatalf("repeat escalate: %v", err)
	}
	if again.EscalatedAt == nil || *again.EscalatedAt != first {
		t.Fatalf("escalated_at moved from %s to %v", first, again.EscalatedAt)
	}
}
