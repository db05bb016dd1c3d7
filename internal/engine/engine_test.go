package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

type testEnv struct {
	t   *testing.T
	eng Engine
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{t: t, now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	eng := New(conn, config.Default())
	eng.Now = func() time.Time { return env.now }
	eng.Audit.Now = eng.Now
	env.eng = eng
	return env
}

func (env *testEnv) tick(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) nowStr() string { return env.now.UTC().Format(time.RFC3339) }

func (env *testEnv) addUser(id string, mutate func(*domain.User)) {
	env.t.Helper()
	u := domain.User{ID: id, IsActive: true, CreatedAt: env.nowStr()}
	if mutate != nil {
		mutate(&u)
	}
	if err := env.eng.Repo.UpsertUser(context.Background(), u); err != nil {
		env.t.Fatalf("upsert user %s: %v", id, err)
	}
}

func (env *testEnv) addFlow(entityType string, priority int, mutate func(*domain.Flow)) domain.Flow {
	env.t.Helper()
	f := domain.Flow{
		ID:         uuid.New().String(),
		Name:       fmt.Sprintf("%s flow p%d", entityType, priority),
		Slug:       fmt.Sprintf("%s-p%d-%s", entityType, priority, uuid.New().String()[:8]),
		EntityType: entityType,
		Priority:   priority,
		IsActive:   true,
		CreatedAt:  env.nowStr(),
		UpdatedAt:  env.nowStr(),
	}
	if mutate != nil {
		mutate(&f)
	}
	if err := env.eng.Repo.InsertFlow(context.Background(), f); err != nil {
		env.t.Fatalf("insert flow: %v", err)
	}
	return f
}

func (env *testEnv) addStep(flowID string, order int, mutate func(*domain.Step)) domain.Step {
	env.t.Helper()
	s := domain.Step{
		ID:           uuid.New().String(),
		FlowID:       flowID,
		StepOrder:    order,
		ApproverType: domain.ApproverUser,
		MinApprovals: 1,
	}
	if mutate != nil {
		mutate(&s)
	}
	if err := env.eng.Repo.InsertStep(context.Background(), s); err != nil {
		env.t.Fatalf("insert step: %v", err)
	}
	return s
}

func (env *testEnv) submit(entityType, entityID, requestedBy, contextJSON string) domain.Request {
	env.t.Helper()
	req, err := env.eng.Submit(context.Background(), SubmitOptions{
		EntityType: entityType, EntityID: entityID, RequestedBy: requestedBy, ContextJSON: contextJSON,
	})
	if err != nil {
		env.t.Fatalf("submit: %v", err)
	}
	return req
}

func (env *testEnv) decide(requestID, by, kind string) (domain.Request, error) {
	return env.eng.Decide(context.Background(), DecideOptions{RequestID: requestID, DecidedBy: by, Decision: kind})
}

func (env *testEnv) mustDecide(requestID, by, kind string) domain.Request {
	env.t.Helper()
	req, err := env.decide(requestID, by, kind)
	if err != nil {
		env.t.Fatalf("decide %s by %s: %v", kind, by, err)
	}
	return req
}

func (env *testEnv) auditActions(requestID string) []string {
	env.t.Helper()
	entries, err := env.eng.Repo.ListAuditForRequest(context.Background(), requestID)
	if err != nil {
		env.t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, len(entries))
	for i, e := range entries {
		if e.Seq != i+1 {
			env.t.Fatalf("audit seq gap at %d: got seq %d", i, e.Seq)
		}
		actions[i] = e.Action
	}
	return actions
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestSubmitSelectsHighestPriorityFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	low := env.addFlow("invoice", 1, nil)
	env.addStep(low.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })
	env.tick(time.Minute)
	high := env.addFlow("invoice", 10, nil)
	env.addStep(high.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":500}`)
	if req.FlowID != high.ID {
		t.Fatalf("selected flow %s, want higher priority %s", req.FlowID, high.ID)
	}
}

func TestSubmitTieBreaksOnOldestFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	older := env.addFlow("invoice", 5, nil)
	env.addStep(older.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })
	env.tick(time.Hour)
	newer := env.addFlow("invoice", 5, nil)
	env.addStep(newer.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	if req.FlowID != older.ID {
		t.Fatalf("selected flow %s, want oldest %s", req.FlowID, older.ID)
	}
}

func TestSubmitTriggerConditionsFilterFlows(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	big := env.addFlow("invoice", 10, func(f *domain.Flow) {
		f.TriggerConditions = strPtr(`{"field":"amount","op":"gte","value":1000}`)
	})
	env.addStep(big.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })
	small := env.addFlow("invoice", 1, nil)
	env.addStep(small.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":200}`)
	if req.FlowID != small.ID {
		t.Fatalf("amount 200 selected flow %s, want fallback %s", req.FlowID, small.ID)
	}
	req2 := env.submit("invoice", "inv-2", "alice", `{"amount":5000}`)
	if req2.FlowID != big.ID {
		t.Fatalf("amount 5000 selected flow %s, want %s", req2.FlowID, big.ID)
	}
}

func TestSubmitNoApplicableFlow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.Submit(context.Background(), SubmitOptions{
		EntityType: "expense", EntityID: "e-1", RequestedBy: "alice",
	})
	if !errors.Is(err, ErrNoApplicableFlow) {
		t.Fatalf("err = %v, want ErrNoApplicableFlow", err)
	}
}

func TestSubmitRejectsSecondOpenRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	env.submit("invoice", "inv-1", "alice", `{}`)
	_, err := env.eng.Submit(context.Background(), SubmitOptions{
		EntityType: "invoice", EntityID: "inv-1", RequestedBy: "alice",
	})
	var it IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("second submit err = %v, want IllegalTransitionError", err)
	}
}

func TestSubmitAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, func(f *domain.Flow) {
		f.AutoApproveBelow = strPtr(`{"field":"amount","op":"lt","value":100}`)
	})
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":50}`)
	if req.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}
	if req.CurrentStepID != nil {
		t.Fatalf("auto-approved request has current step %s", *req.CurrentStepID)
	}
	actions := env.auditActions(req.ID)
	want := []string{"request.submitted", "request.auto_approved"}
	if len(actions) != len(want) || actions[0] != want[0] || actions[1] != want[1] {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}

	// At the threshold the short-circuit must not fire.
	req2 := env.submit("invoice", "inv-2", "alice", `{"amount":100}`)
	if req2.Status != domain.StatusPending {
		t.Fatalf("amount 100 status = %s, want pending", req2.Status)
	}
}

func TestSingleApproverApproval(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	step := env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":500}`)
	if req.Status != domain.StatusPending || req.CurrentStepID == nil || *req.CurrentStepID != step.ID {
		t.Fatalf("after submit: status=%s step=%v", req.Status, req.CurrentStepID)
	}

	out := env.mustDecide(req.ID, "mgr", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", out.Status)
	}
	if out.ResolvedAt == nil {
		t.Fatal("resolved_at not set")
	}
	actions := env.auditActions(req.ID)
	want := []string{"request.submitted", "decision.approved", "request.approved"}
	for i, a := range want {
		if actions[i] != a {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
	}
}

func TestIneligibleApproverRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	env.addUser("mallory", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	_, err := env.decide(req.ID, "mallory", domain.DecisionApproved)
	var it IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
}

func TestRejectionShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("a1", nil)
	env.addUser("a2", nil)
	env.addUser("a3", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("a1") })
	env.addStep(f.ID, 2, func(s *domain.Step) { s.ApproverUserID = strPtr("a2") })
	env.addStep(f.ID, 3, func(s *domain.Step) { s.ApproverUserID = strPtr("a3") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	env.mustDecide(req.ID, "a1", domain.DecisionApproved)
	out, err := env.eng.Decide(context.Background(), DecideOptions{
		RequestID: req.ID, DecidedBy: "a2", Decision: domain.DecisionRejected, Comment: "missing PO",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", out.Status)
	}
	if out.ResolutionNote == nil || *out.ResolutionNote != "missing PO" {
		t.Fatalf("resolution note = %v", out.ResolutionNote)
	}

	// Step 3 never activates.
	if _, err := env.decide(req.ID, "a3", domain.DecisionApproved); err == nil {
		t.Fatal("decision on rejected request succeeded")
	}
}

func TestMinApprovalsThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	for _, id := range []string{"r1", "r2", "r3"} {
		env.addUser(id, nil)
		if err := env.eng.Repo.AssignRole(context.Background(), id, "finance"); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverType = domain.ApproverRole
		s.ApproverRoleName = strPtr("finance")
		s.MinApprovals = 2
	})

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	out := env.mustDecide(req.ID, "r1", domain.DecisionApproved)
	if out.Status != domain.StatusPending {
		t.Fatalf("after 1 of 2 approvals status = %s, want pending", out.Status)
	}

	if _, err := env.decide(req.ID, "r1", domain.DecisionApproved); err == nil {
		t.Fatal("duplicate decision accepted")
	}

	out = env.mustDecide(req.ID, "r2", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("after 2 of 2 approvals status = %s, want approved", out.Status)
	}
}

func TestRequiresAllWithAbstention(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	for _, id := range []string{"r1", "r2"} {
		env.addUser(id, nil)
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
	out := env.mustDecide(req.ID, "r1", domain.DecisionAbstained)
	if out.Status != domain.StatusPending {
		t.Fatalf("after abstention status = %s, want pending", out.Status)
	}
	out = env.mustDecide(req.ID, "r2", domain.DecisionApproved)
	if out.Status != domain.StatusApproved {
		t.Fatalf("abstainer should leave the denominator; status = %s", out.Status)
	}
}

func TestRequiresAllAbstentionLastCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	for _, id := range []string{"r1", "r2"} {
		env.addUser(id, nil)
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

	// The approval lands first; the closing abstention must still complete
	// the step, since the abstainer was the only outstanding approver.
	req := env.submit("contract", "c-1", "alice", `{}`)
	out := env.mustDecide(req.ID, "r1", domain.DecisionApproved)
	if out.Status != domain.StatusPending {
		t.Fatalf("after approval status = %s, want pending", out.Status)
	}
	out = env.mustDecide(req.ID, "r2", domain.DecisionAbstained)
	if out.Status != domain.StatusApproved {
		t.Fatalf("closing abstention left status = %s, want approved", out.Status)
	}
}

// The completion check after a decision insert runs inside the same
// transaction. It must see the row the transaction just wrote; a read through
// a second connection parks on the table lock and Decide never returns.
func TestDecideSeesOwnDecisionRow(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })
	req := env.submit("invoice", "inv-1", "alice", `{}`)

	done := make(chan domain.Request, 1)
	errc := make(chan error, 1)
	go func() {
		out, err := env.decide(req.ID, "mgr", domain.DecisionApproved)
		if err != nil {
			errc <- err
			return
		}
		done <- out
	}()
	select {
	case out := <-done:
		if out.Status != domain.StatusApproved {
			t.Fatalf("status = %s, want approved", out.Status)
		}
	case err := <-errc:
		t.Fatalf("decide: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("decide did not return; the completion check is blocked on its own write")
	}
}

func TestSkipCascadeAtSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	env.addUser("cfo", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverUserID = strPtr("mgr")
		s.SkipConditions = strPtr(`{"field":"amount","op":"lt","value":1000}`)
	})
	big := env.addStep(f.ID, 2, func(s *domain.Step) { s.ApproverUserID = strPtr("cfo") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":200}`)
	if req.CurrentStepID == nil || *req.CurrentStepID != big.ID {
		t.Fatalf("current step = %v, want skip to %s", req.CurrentStepID, big.ID)
	}
	actions := env.auditActions(req.ID)
	if actions[1] != "step.skipped" {
		t.Fatalf("audit actions = %v, want step.skipped second", actions)
	}
}

func TestAllStepsSkippedApproves(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverUserID = strPtr("mgr")
		s.SkipConditions = strPtr(`{"field":"prepaid","op":"eq","value":true}`)
	})

	req := env.submit("invoice", "inv-1", "alice", `{"prepaid":true}`)
	if req.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved when every step skips", req.Status)
	}
}

func TestReturnAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{"amount":10}`)
	out, err := env.eng.Decide(context.Background(), DecideOptions{
		RequestID: req.ID, DecidedBy: "mgr", Decision: domain.DecisionReturned, Comment: "wrong cost center",
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if out.Status != domain.StatusReturned {
		t.Fatalf("status = %s, want returned", out.Status)
	}

	if _, err := env.eng.Resubmit(context.Background(), req.ID, "mallory", "", ""); err == nil {
		t.Fatal("resubmit by non-requester accepted")
	}

	env.tick(time.Hour)
	fresh, err := env.eng.Resubmit(context.Background(), req.ID, "alice", `{"amount":12}`, "fixed cost center")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if fresh.ID == req.ID {
		t.Fatal("resubmission reused the original request id")
	}
	if fresh.PriorRequestID == nil || *fresh.PriorRequestID != req.ID {
		t.Fatalf("prior_request_id = %v, want %s", fresh.PriorRequestID, req.ID)
	}
	if fresh.Status != domain.StatusPending {
		t.Fatalf("resubmission status = %s, want pending", fresh.Status)
	}

	history, err := env.eng.GetEntityHistory(context.Background(), "invoice", "inv-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d requests, want 2", len(history))
	}
	if history[0].Request.ID != fresh.ID || history[1].Request.ID != req.ID {
		t.Fatalf("history order = [%s %s]", history[0].Request.ID, history[1].Request.ID)
	}

	// Only one resubmission per terminal request: inv-1 now has an open request.
	if _, err := env.eng.Resubmit(context.Background(), req.ID, "alice", "", ""); err == nil {
		t.Fatal("second resubmission accepted while one is pending")
	}
}

func TestCancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	if _, err := env.eng.Cancel(context.Background(), req.ID, "mallory", false); err == nil {
		t.Fatal("cancel by stranger accepted")
	}
	out, err := env.eng.Cancel(context.Background(), req.ID, "alice", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}

	// Idempotent against the terminal state.
	again, err := env.eng.Cancel(context.Background(), req.ID, "alice", false)
	if err != nil || again.Status != domain.StatusCancelled {
		t.Fatalf("repeat cancel: %v status=%s", err, again.Status)
	}

	req2 := env.submit("invoice", "inv-2", "alice", `{}`)
	out, err = env.eng.Cancel(context.Background(), req2.ID, "admin", true)
	if err != nil || out.Status != domain.StatusCancelled {
		t.Fatalf("admin cancel: %v status=%s", err, out.Status)
	}
}

func TestStepUnresolvable(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) {
		s.ApproverType = domain.ApproverRole
		s.ApproverRoleName = strPtr("nobody-has-this")
	})

	req := env.submit("invoice", "inv-1", "alice", `{}`)
	if req.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending for admin intervention", req.Status)
	}
	actions := env.auditActions(req.ID)
	found := false
	for _, a := range actions {
		if a == "step.unresolvable" {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit actions = %v, want step.unresolvable flagged", actions)
	}

	var su StepUnresolvableError
	if _, err := env.decide(req.ID, "mgr", domain.DecisionApproved); !errors.As(err, &su) {
		t.Fatalf("decide err = %v, want StepUnresolvableError", err)
	}
}

func TestOptimisticVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	req := env.submit("invoice", "inv-1", "alice", `{}`)

	stale := req
	stale.Version = req.Version - 1
	tx, err := env.eng.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.eng.Repo.UpdateRequestTx(context.Background(), tx, stale)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("ErrConcurrentModification should match repo conflict, got %v", err)
	}
}
