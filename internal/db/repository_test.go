// Package db provides unit tests for operation repository queries.
package db

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/uuid"
)

// setupTestRepo creates a migrated database in a temp dir.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMigrated(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRepository(db.DB)
}

func newTestOperation(entityID string, kind models.Kind) *models.Operation {
	now := time.Now().UnixMilli()
	op := &models.Operation{
		ID:         models.UUID(uuid.New()),
		EntityType: models.EntityInventoryItem,
		EntityID:   entityID,
		Kind:       kind,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if kind != models.KindDelete {
		op.Payload = models.Payload{"name": "Scope", "price": 10.0}
	}
	return op
}

// =====================================================
// Insert / Get Tests
// =====================================================

// TestInsertOperation verifies inserts assign increasing sequence numbers.
func TestInsertOperation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	a := newTestOperation("e1", models.KindCreate)
	b := newTestOperation("e1", models.KindUpdate)
	if err := repo.InsertOperation(ctx, a); err != nil {
		t.Fatalf("InsertOperation() error = %v", err)
	}
	if err := repo.InsertOperation(ctx, b); err != nil {
		t.Fatalf("InsertOperation() error = %v", err)
	}

	if a.Seq <= 0 || b.Seq <= a.Seq {
		t.Errorf("Seq = %d, %d; want increasing positive", a.Seq, b.Seq)
	}
}

// TestInsertOperation_DuplicateID verifies ids are never reused.
func TestInsertOperation_DuplicateID(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	a := newTestOperation("e1", models.KindCreate)
	if err := repo.InsertOperation(ctx, a); err != nil {
		t.Fatalf("InsertOperation() error = %v", err)
	}
	dup := newTestOperation("e2", models.KindCreate)
	dup.ID = a.ID
	if err := repo.InsertOperation(ctx, dup); err == nil {
		t.Error("InsertOperation() with duplicate id should fail")
	}
}

// TestGetOperation verifies round trip of every column.
func TestGetOperation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindUpdate)
	op.DependsOn = models.UUID(uuid.New())
	op.UserID = "user-1"
	op.NextAttemptAt = 42
	if err := repo.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation() error = %v", err)
	}

	got, err := repo.GetOperation(ctx, string(op.ID))
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if got.Seq != op.Seq || got.EntityID != "e1" || got.Kind != models.KindUpdate ||
		got.Status != models.StatusPending || got.DependsOn != op.DependsOn ||
		got.UserID != "user-1" || got.NextAttemptAt != 42 {
		t.Errorf("GetOperation() = %+v", got)
	}
	if got.Payload["name"] != "Scope" {
		t.Errorf("Payload = %v", got.Payload)
	}
}

// TestGetOperation_NotFound verifies the NOT_FOUND code.
func TestGetOperation_NotFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetOperation(context.Background(), uuid.New())
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetOperation() error = %v, want NOT_FOUND", err)
	}
}

// TestGetOperation_DeleteHasNoPayload verifies NULL payloads scan to nil.
func TestGetOperation_DeleteHasNoPayload(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindDelete)
	if err := repo.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation() error = %v", err)
	}
	got, err := repo.GetOperation(ctx, string(op.ID))
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if got.Payload != nil {
		t.Errorf("Payload = %v, want nil", got.Payload)
	}
}

// =====================================================
// List / Count Tests
// =====================================================

// TestListOperations verifies filtering and creation order.
func TestListOperations(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	ops := []*models.Operation{
		newTestOperation("e1", models.KindCreate),
		newTestOperation("e2", models.KindCreate),
		newTestOperation("e1", models.KindUpdate),
	}
	ops[1].Status = models.StatusFailed
	for _, op := range ops {
		if err := repo.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation() error = %v", err)
		}
	}

	all, err := repo.ListOperations(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i := range all {
		if all[i].ID != ops[i].ID {
			t.Errorf("all[%d] = %s, want %s", i, all[i].ID, ops[i].ID)
		}
	}

	pending, _ := repo.ListOperations(ctx, ListFilter{Statuses: []models.Status{models.StatusPending}})
	if len(pending) != 2 {
		t.Errorf("pending len = %d, want 2", len(pending))
	}

	e1, _ := repo.ListOperations(ctx, ListFilter{EntityID: "e1"})
	if len(e1) != 2 {
		t.Errorf("e1 len = %d, want 2", len(e1))
	}

	limited, _ := repo.ListOperations(ctx, ListFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != ops[0].ID {
		t.Errorf("limited = %v", limited)
	}
}

// TestCountByStatus verifies per-status counts.
func TestCountByStatus(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, s := range []models.Status{models.StatusPending, models.StatusPending, models.StatusCompleted} {
		op := newTestOperation(uuid.New(), models.KindCreate)
		op.Status = s
		if err := repo.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation() error = %v", err)
		}
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusCompleted] != 1 || counts[models.StatusFailed] != 0 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

// TestEarliestNextAttempt verifies the minimum pending deadline after a cutoff.
func TestEarliestNextAttempt(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, ok, err := repo.EarliestNextAttempt(ctx, 0); err != nil || ok {
		t.Errorf("EarliestNextAttempt() on empty = %v, %v", ok, err)
	}

	for _, at := range []int64{300, 100, 200} {
		op := newTestOperation(uuid.New(), models.KindCreate)
		op.NextAttemptAt = at
		if err := repo.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation() error = %v", err)
		}
	}
	done := newTestOperation(uuid.New(), models.KindCreate)
	done.Status = models.StatusCompleted
	done.NextAttemptAt = 1
	_ = repo.InsertOperation(ctx, done)

	got, ok, err := repo.EarliestNextAttempt(ctx, 0)
	if err != nil || !ok || got != 100 {
		t.Errorf("EarliestNextAttempt() = %d, %v, %v; want 100, true, nil", got, ok, err)
	}

	got, ok, err = repo.EarliestNextAttempt(ctx, 100)
	if err != nil || !ok || got != 200 {
		t.Errorf("EarliestNextAttempt(100) = %d, %v, %v; want 200, true, nil", got, ok, err)
	}

	if _, ok, _ := repo.EarliestNextAttempt(ctx, 300); ok {
		t.Error("EarliestNextAttempt(300) should find nothing")
	}
}

// =====================================================
// Update / Delete Tests
// =====================================================

// TestUpdateOperation verifies mutable columns are written.
func TestUpdateOperation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindCreate)
	_ = repo.InsertOperation(ctx, op)

	op.Status = models.StatusFailed
	op.Attempts = 3
	op.LastError = "retries exhausted"
	op.RemoteID = "r1"
	if err := repo.UpdateOperation(ctx, op); err != nil {
		t.Fatalf("UpdateOperation() error = %v", err)
	}

	got, _ := repo.GetOperation(ctx, string(op.ID))
	if got.Status != models.StatusFailed || got.Attempts != 3 || got.LastError != "retries exhausted" || got.RemoteID != "r1" {
		t.Errorf("after update = %+v", got)
	}

	missing := newTestOperation("e2", models.KindCreate)
	if err := repo.UpdateOperation(ctx, missing); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateOperation() missing error = %v, want NOT_FOUND", err)
	}
}

// TestReplaceEntityID verifies placeholder rewriting.
func TestReplaceEntityID(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_ = repo.InsertOperation(ctx, newTestOperation("local:x", models.KindCreate))
	_ = repo.InsertOperation(ctx, newTestOperation("local:x", models.KindUpdate))
	_ = repo.InsertOperation(ctx, newTestOperation("other", models.KindUpdate))

	n, err := repo.ReplaceEntityID(ctx, "local:x", "123", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("ReplaceEntityID() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReplaceEntityID() = %d, want 2", n)
	}
	got, _ := repo.ListOperations(ctx, ListFilter{EntityID: "123"})
	if len(got) != 2 {
		t.Errorf("rewritten = %d, want 2", len(got))
	}
}

// TestResetInFlight verifies crash recovery of in-flight records.
func TestResetInFlight(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindCreate)
	op.Status = models.StatusInFlight
	_ = repo.InsertOperation(ctx, op)

	n, err := repo.ResetInFlight(ctx, time.Now().UnixMilli())
	if err != nil || n != 1 {
		t.Fatalf("ResetInFlight() = %d, %v", n, err)
	}
	got, _ := repo.GetOperation(ctx, string(op.ID))
	if got.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

// TestDeletePendingForEntity verifies only pending records are removed.
func TestDeletePendingForEntity(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	done := newTestOperation("e1", models.KindDelete)
	done.Status = models.StatusCompleted
	_ = repo.InsertOperation(ctx, done)
	_ = repo.InsertOperation(ctx, newTestOperation("e1", models.KindUpdate))
	_ = repo.InsertOperation(ctx, newTestOperation("e2", models.KindUpdate))

	n, err := repo.DeletePendingForEntity(ctx, "e1")
	if err != nil || n != 1 {
		t.Fatalf("DeletePendingForEntity() = %d, %v", n, err)
	}
	all, _ := repo.ListOperations(ctx, ListFilter{})
	if len(all) != 2 {
		t.Errorf("remaining = %d, want 2", len(all))
	}
}

// TestDeleteByStatus verifies status-scoped deletion.
func TestDeleteByStatus(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, s := range []models.Status{models.StatusPending, models.StatusCompleted, models.StatusFailed} {
		op := newTestOperation(uuid.New(), models.KindCreate)
		op.Status = s
		_ = repo.InsertOperation(ctx, op)
	}

	if n, _ := repo.DeleteByStatus(ctx); n != 0 {
		t.Errorf("DeleteByStatus() with no statuses = %d, want 0", n)
	}
	n, err := repo.DeleteByStatus(ctx, models.StatusCompleted, models.StatusFailed)
	if err != nil || n != 2 {
		t.Fatalf("DeleteByStatus() = %d, %v", n, err)
	}
	counts, _ := repo.CountByStatus(ctx)
	if counts[models.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", counts[models.StatusPending])
	}
}

// TestDeleteCompletedBefore verifies retention purging.
func TestDeleteCompletedBefore(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	old := newTestOperation("e1", models.KindCreate)
	old.Status = models.StatusCompleted
	old.UpdatedAt = 1000
	recent := newTestOperation("e2", models.KindCreate)
	recent.Status = models.StatusCompleted
	recent.UpdatedAt = 5000
	_ = repo.InsertOperation(ctx, old)
	_ = repo.InsertOperation(ctx, recent)

	n, err := repo.DeleteCompletedBefore(ctx, 2000)
	if err != nil || n != 1 {
		t.Fatalf("DeleteCompletedBefore() = %d, %v", n, err)
	}
	if _, err := repo.GetOperation(ctx, string(recent.ID)); err != nil {
		t.Errorf("recent record purged: %v", err)
	}
}

// TestDeleteAll verifies every record is removed.
func TestDeleteAll(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_ = repo.InsertOperation(ctx, newTestOperation("e1", models.KindCreate))
	_ = repo.InsertOperation(ctx, newTestOperation("e2", models.KindCreate))

	n, err := repo.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("DeleteAll() = %d, %v", n, err)
	}
}

// =====================================================
// Transaction Tests
// =====================================================

// TestWithTx_Commit verifies writes inside fn are committed.
func TestWithTx_Commit(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindCreate)
	err := repo.WithTx(ctx, func(tx OperationRepository) error {
		return tx.InsertOperation(ctx, op)
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	if _, err := repo.GetOperation(ctx, string(op.ID)); err != nil {
		t.Errorf("committed record missing: %v", err)
	}
}

// TestWithTx_Rollback verifies an error from fn discards its writes.
func TestWithTx_Rollback(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := newTestOperation("e1", models.KindCreate)
	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx OperationRepository) error {
		if err := tx.InsertOperation(ctx, op); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	if _, err := repo.GetOperation(ctx, string(op.ID)); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("rolled back record still present: %v", err)
	}
}

// TestWithTx_Nested verifies nested transactions are rejected.
func TestWithTx_Nested(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx OperationRepository) error {
		inner, ok := tx.(OperationStore)
		if !ok {
			t.Fatal("transaction repository should still expose WithTx")
		}
		return inner.WithTx(ctx, func(OperationRepository) error { return nil })
	})
	if err == nil {
		t.Error("nested WithTx() should fail")
	}
}
