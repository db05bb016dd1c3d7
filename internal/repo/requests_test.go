package repo

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestOpenRequestUniquePerEntity(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := "2025-06-02T09:00:00Z"

	flow := domain.Flow{
		ID: uuid.New().String(), Name: "invoice", Slug: "invoice",
		EntityType: "invoice", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertFlow(ctx, flow); err != nil {
		t.Fatalf("insert flow: %v", err)
	}

	pending := func() domain.Request {
		return domain.Request{
			ID: uuid.New().String(), EntityType: "invoice", EntityID: "inv-1",
			FlowID: flow.ID, Status: domain.StatusPending, ContextJSON: "{}",
			RequestedBy: "alice", RequestedAt: now, Priority: "normal",
			StepEnteredAt: now, Version: 1,
		}
	}

	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertRequestTx(ctx, tx, pending()); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// The partial unique index on open requests rejects the second row. The
	// engine relies on IsConstraint to tell this race apart from a real error.
	err = r.InsertRequestTx(ctx, tx, pending())
	if err == nil {
		t.Fatal("second open request for the entity accepted")
	}
	if !IsConstraint(err) {
		t.Fatalf("IsConstraint(%v) = false, want true", err)
	}
}
