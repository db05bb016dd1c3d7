package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"signoff/internal/domain"
)

func delegation(from, to string) domain.Delegation {
	return domain.Delegation{ID: uuid.New().String(), DelegatorID: from, DelegateID: to, IsActive: true}
}

func TestEffectiveDelegatesTransitive(t *testing.T) {
	rows := []domain.Delegation{
		delegation("a", "b"),
		delegation("b", "c"),
		delegation("c", "d"),
		delegation("d", "e"),
	}
	res := EffectiveDelegates(rows, "a", "invoice", "f1", 3)
	want := []string{"b", "c", "d"}
	if len(res.Delegates) != len(want) {
		t.Fatalf("delegates = %v, want %v", res.Delegates, want)
	}
	for i, id := range want {
		if res.Delegates[i] != id {
			t.Fatalf("delegates = %v, want %v", res.Delegates, want)
		}
	}
	if len(res.CycleAt) != 0 {
		t.Fatalf("unexpected cycles %v", res.CycleAt)
	}
}

func TestEffectiveDelegatesCutsCycle(t *testing.T) {
	rows := []domain.Delegation{
		delegation("a", "b"),
		delegation("b", "a"),
	}
	res := EffectiveDelegates(rows, "a", "invoice", "f1", 3)
	if len(res.Delegates) != 1 || res.Delegates[0] != "b" {
		t.Fatalf("delegates = %v, want [b]", res.Delegates)
	}
	if len(res.CycleAt) == 0 {
		t.Fatal("cycle not reported")
	}
}

func TestEffectiveDelegatesScoping(t *testing.T) {
	scoped := delegation("a", "b")
	et := "purchase_order"
	scoped.EntityType = &et
	other := delegation("a", "c")
	fid := "other-flow"
	other.FlowID = &fid
	global := delegation("a", "d")

	res := EffectiveDelegates([]domain.Delegation{scoped, other, global}, "a", "invoice", "f1", 3)
	if len(res.Delegates) != 1 || res.Delegates[0] != "d" {
		t.Fatalf("delegates = %v, want only the unscoped grant", res.Delegates)
	}
}

func TestDelegationWindowBounds(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	env.addUser("deputy", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	starts := env.now.Add(-time.Hour).UTC().Format(time.RFC3339)
	ends := env.now.Add(time.Hour).UTC().Format(time.RFC3339)
	d := domain.Delegation{
		ID: uuid.New().String(), DelegatorID: "mgr", DelegateID: "deputy",
		StartsAt: starts, EndsAt: ends, IsActive: true, CreatedAt: env.nowStr(),
	}
	if err := env.eng.Repo.InsertDelegation(context.Background(), d); err != nil {
		t.Fatalf("insert delegation: %v", err)
	}

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	out := env.mustDecide(req.ID, "deputy", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("delegate approval status = %s, want approved", out.Status)
	}

	// The window is half-open: at ends_at the grant is gone.
	env.tick(time.Hour)
	req2 := env.submit("invoice", "inv-2", "alice", `{}`)
	if _, err := env.decide(req2.ID, "deputy", domain.DecisionApproved); err == nil {
		t.Fatal("decision accepted at ends_at")
	}
}

func TestAdHocDelegationOnDecision(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	env.addUser("standin", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	_, err := env.eng.Decide(context.Background(), DecideOptions{
		RequestID: req.ID, DecidedBy: "mgr", Decision: domain.DecisionDelegated, DelegateTo: "standin",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	out := env.mustDecide(req.ID, "standin", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("stand-in approval status = %s, want approved", out.Status)
	}
}

func TestRequiresAllSatisfiedByDelegate(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	for _, id := range []string{"r1", "r2", "deputy"} {
		env.addUser(id, nil)
	}
	for _, id := range []string{"r1", "r2"} {
		if err := env.eng.Repo.AssignRole(context.Background(), id, "board"); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	f := env.addFlow("contract", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverType = domain.ApproverRole
		s.ApproverRoleName = strPtr("board")
		s.RequiresAll = true
	})
	d := domain.Delegation{
		ID: uuid.New().String(), DelegatorID: "r2", DelegateID: "deputy",
		StartsAt: env.now.Add(-time.Hour).UTC().Format(time.RFC3339),
		EndsAt:   env.now.Add(24 * time.Hour).UTC().Format(time.RFC3339),
		IsActive: true, CreatedAt: env.nowStr(),
	}
	if err := env.eng.Repo.InsertDelegation(context.Background(), d); err != nil {
		t.Fatalf("insert delegation: %v", err)
	}

	req := env.submit("contract", "c-1", "alice", `{}`)
	out := env.mustDecide(req.ID, "r1", domain.DecisionApproved)
	if out.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending until r2 is covered", out.Status)
	}
	out = env.mustDecide(req.ID, "deputy", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("delegate approval should satisfy r2; status = %s", out.Status)
	}
}

func TestDepartmentManagerResolution(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("head", nil)
	if err := env.eng.Repo.SetDepartmentManager(context.Background(), "engineering", "head"); err != nil {
		t.Fatalf("set department manager: %v", err)
	}
	f := env.addFlow("expense", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverType = domain.ApproverDepartmentManager
	})

	req := env.submit("expense", "e-1", "alice", `{"department":"engineering"}`)
	out := env.mustDecide(req.ID, "head", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", out.Status)
	}
}
