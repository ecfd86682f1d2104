// Package db provides repository interfaces for queued operations.
package db

import (
	"context"

	"github.com/kimhsiao/invsync/backend/internal/models"
)

// OperationReader defines read access to persisted operations.
type OperationReader interface {
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
	ListOperations(ctx context.Context, filter ListFilter) ([]*models.Operation, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	EarliestNextAttempt(ctx context.Context, after int64) (int64, bool, error)
}

// OperationWriter defines the mutations the queue store performs.
type OperationWriter interface {
	InsertOperation(ctx context.Context, op *models.Operation) error
	UpdateOperation(ctx context.Context, op *models.Operation) error
	ReplaceEntityID(ctx context.Context, from, to string, now int64) (int64, error)
	ResetInFlight(ctx context.Context, now int64) (int64, error)
	DeletePendingForEntity(ctx context.Context, entityID string) (int64, error)
	DeleteOperation(ctx context.Context, id string) (int64, error)
	DeleteByStatus(ctx context.Context, statuses ...models.Status) (int64, error)
	DeleteCompletedBefore(ctx context.Context, cutoff int64) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// OperationRepository combines read and write access.
type OperationRepository interface {
	OperationReader
	OperationWriter
}

// OperationStore is an OperationRepository that can run a group of
// reads and writes in one transaction.
type OperationStore interface {
	OperationRepository
	WithTx(ctx context.Context, fn func(tx OperationRepository) error) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ OperationReader     = (*Repository)(nil)
	_ OperationWriter     = (*Repository)(nil)
	_ OperationRepository = (*Repository)(nil)
	_ OperationStore      = (*Repository)(nil)
)
