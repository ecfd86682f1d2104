// Package sync drains queued operations against the remote store.
package sync

import (
	"context"
	"iter"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one drain pass. It returns an error only when the pass could
	// not start; per-operation failures are recorded on the operations.
	Sync(ctx context.Context) (*SyncResult, error)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last pass that ran.
	LastSync() *time.Time

	// LastError returns the last operation failure seen by a pass.
	LastError() error

	// Refresh recomputes the published snapshot.
	Refresh(ctx context.Context)
}

// OperationQueue is the part of the queue store the engine drives.
type OperationQueue interface {
	ListUnsettled(ctx context.Context) iter.Seq2[*models.Operation, error]
	NextAttemptAt(ctx context.Context, after time.Time) (time.Time, bool, error)
	Resolved(ctx context.Context, dependsOn models.UUID) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
	MarkInFlight(ctx context.Context, id string) (*models.Operation, error)
	MarkCompleted(ctx context.Context, id, remoteID string) (*models.Operation, error)
	MarkFailed(ctx context.Context, id, reason string) (*models.Operation, error)
	MarkRetry(ctx context.Context, id, reason string, next time.Time) (*models.Operation, error)
	DiscardOperationsFor(ctx context.Context, entityID string) (int, error)
}

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

var (
	_ OperationQueue      = (*queue.Store)(nil)
	_ SyncEngineInterface = (*SyncEngine)(nil)
)
