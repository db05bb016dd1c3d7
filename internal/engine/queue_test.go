package engine

import (
	"context"
	"testing"
	"time"

	"signoff/internal/domain"
)

func TestQueueForUser(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	for _, id := range []string{"r1", "r2"} {
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

	a := env.submit("invoice", "inv-1", "alice", `{}`)
	env.tick(2 * time.Hour)
	env.submit("invoice", "inv-2", "alice", `{}`)

	items, err := env.eng.QueueForUser(context.Background(), "r1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(items))
	}
	if items[0].Request.ID != a.ID {
		t.Fatalf("queue order: first = %s, want oldest %s", items[0].Request.ID, a.ID)
	}
	if items[0].WaitingHours < 1.9 || items[0].WaitingHours > 2.1 {
		t.Fatalf("waiting_hours = %f, want ~2", items[0].WaitingHours)
	}

	// A recorded decision removes the item for that user only.
	env.mustDecide(a.ID, "r1", domain.DecisionApproved)
	items, err = env.eng.QueueForUser(context.Background(), "r1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue has %d items after deciding, want 1", len(items))
	}
	n, err := env.eng.QueueCount(context.Background(), "r2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("r2 count = %d, want 2", n)
	}

	// Outsiders see nothing.
	items, err = env.eng.QueueForUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("requester sees %d items, want 0", len(items))
	}
}

func TestQueueUrgentBeforeOlderNormal(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", nil)
	env.addUser("mgr", nil)
	f := env.addFlow("invoice", 1, nil)
	env.addStep(f.ID, 1, func(s *domain.Step) { s.ApproverUserID = strPtr("mgr") })

	normal := env.submit("invoice", "inv-1", "alice", `{}`)
	env.tick(time.Hour)
	urgent, err := env.eng.Submit(context.Background(), SubmitOptions{
		EntityType: "invoice", EntityID: "inv-2", RequestedBy: "alice", Priority: "urgent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	items, err := env.eng.QueueForUser(context.Background(), "mgr")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(items))
	}
	if items[0].Request.ID != urgent.ID || items[1].Request.ID != normal.ID {
		t.Fatalf("queue order = [%s %s], want urgent before the older normal request",
			items[0].Request.ID, items[1].Request.ID)
	}
}
