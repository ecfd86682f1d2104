// Package queue provides the durable store of offline operations.
package queue

import (
	"context"
	"database/sql"
	"iter"
	"sync"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/db"
	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/uuid"
)

// EventType describes what changed in the store.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventInFlight  EventType = "in_flight"
	EventCompleted EventType = "completed"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
	EventRequeued  EventType = "requeued"
	EventRemoved   EventType = "removed"
)

// Event is delivered to listeners after a mutation commits.
// Op is nil for bulk changes.
type Event struct {
	Type  EventType
	Op    *models.Operation
	Count int
}

// Listener receives store events. It must not block.
type Listener func(Event)

// Filter narrows List.
type Filter struct {
	Statuses []models.Status
	EntityID string
	Limit    int
}

// Stats holds per-status record counts.
type Stats struct {
	Pending   int `json:"pending" yaml:"pending"`
	InFlight  int `json:"in_flight" yaml:"in_flight"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
	Total     int `json:"total" yaml:"total"`
}

// Options configures a Store.
type Options struct {
	// MaxSize caps the number of non-terminal records; 0 means unlimited.
	MaxSize int
	// Schemas validates payloads at enqueue time. Defaults to DefaultSchemas.
	Schemas *models.SchemaRegistry
	// Now overrides the clock.
	Now func() time.Time
}

// Store is the single writer of operation records.
type Store struct {
	repo    db.OperationStore
	schemas *models.SchemaRegistry
	maxSize int
	now     func() time.Time

	mu sync.Mutex // serializes writers

	lmu       sync.RWMutex
	listeners []Listener
}

// Open creates a Store over a migrated database and resets records left
// in flight by a previous process to pending.
func Open(ctx context.Context, database *sql.DB, opts Options) (*Store, error) {
	return OpenRepository(ctx, db.NewRepository(database), opts)
}

// OpenRepository creates a Store over repo. Open is the usual entry point.
func OpenRepository(ctx context.Context, repo db.OperationStore, opts Options) (*Store, error) {
	s := &Store{
		repo:    repo,
		schemas: opts.Schemas,
		maxSize: opts.MaxSize,
		now:     opts.Now,
	}
	if s.schemas == nil {
		s.schemas = models.DefaultSchemas()
	}
	if s.now == nil {
		s.now = time.Now
	}

	n, err := s.repo.ResetInFlight(ctx, s.now().UnixMilli())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to reset in-flight operations", err)
	}
	if n > 0 {
		logging.Warn("Reset interrupted operations to pending", map[string]interface{}{
			"count": n,
		})
	}
	return s, nil
}

// OnChange registers a listener for committed mutations.
func (s *Store) OnChange(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(ev Event) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, l := range s.listeners {
		l(ev)
	}
}

// storageErr keeps AppErrors as they are and wraps everything else as a
// queue storage failure.
func storageErr(message string, err error) error {
	if apperrors.CodeOf(err) != apperrors.ErrInternal {
		return err
	}
	return apperrors.Wrap(apperrors.ErrQueueStorage, message, err)
}

// mutate runs fn in a transaction under the writer lock and notifies
// listeners once the transaction has committed.
func (s *Store) mutate(ctx context.Context, message string, fn func(tx db.OperationRepository, now int64) (Event, error)) (Event, error) {
	s.mu.Lock()
	var ev Event
	err := s.repo.WithTx(ctx, func(tx db.OperationRepository) error {
		var err error
		ev, err = fn(tx, s.now().UnixMilli())
		return err
	})
	s.mu.Unlock()

	if err != nil {
		return Event{}, storageErr(message, err)
	}
	if ev.Type != "" {
		s.notify(ev)
	}
	return ev, nil
}

// Enqueue validates op, assigns its id and persists it as pending. The
// record is durable when Enqueue returns.
//
// A Create without an entity id gets a local placeholder id. An operation
// that targets a placeholder whose Create has not completed depends on it.
func (s *Store) Enqueue(ctx context.Context, op *models.Operation) (string, error) {
	if op == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "operation is required")
	}
	if err := s.schemas.Validate(op.Kind, op.EntityType, op.Payload); err != nil {
		return "", err
	}
	if op.Kind != models.KindCreate && op.EntityID == "" {
		return "", apperrors.Newf(apperrors.ErrInvalid, "%s requires an entity id", op.Kind)
	}

	rec := &models.Operation{
		ID:         models.UUID(uuid.New()),
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Kind:       op.Kind,
		Payload:    op.Payload.Clone(),
		Status:     models.StatusPending,
		DependsOn:  op.DependsOn,
		UserID:     op.UserID,
	}
	if rec.EntityID == "" {
		rec.EntityID = uuid.Placeholder(string(rec.ID))
	}

	ev, err := s.mutate(ctx, "failed to enqueue operation", func(tx db.OperationRepository, now int64) (Event, error) {
		if s.maxSize > 0 {
			counts, err := tx.CountByStatus(ctx)
			if err != nil {
				return Event{}, err
			}
			if counts[models.StatusPending]+counts[models.StatusInFlight] >= s.maxSize {
				return Event{}, apperrors.Newf(apperrors.ErrState, "queue is full (max size: %d)", s.maxSize)
			}
		}

		if rec.DependsOn != "" {
			if _, err := tx.GetOperation(ctx, string(rec.DependsOn)); err != nil {
				if apperrors.Is(err, apperrors.ErrNotFound) {
					return Event{}, apperrors.Newf(apperrors.ErrInvalid, "dependency %s does not exist", rec.DependsOn)
				}
				return Event{}, err
			}
		} else if owner, ok := uuid.PlaceholderOwner(rec.EntityID); ok && owner != string(rec.ID) {
			create, err := tx.GetOperation(ctx, owner)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrNotFound) {
					return Event{}, apperrors.Newf(apperrors.ErrInvalid, "unknown placeholder entity %s", rec.EntityID)
				}
				return Event{}, err
			}
			if create.Status == models.StatusCompleted {
				rec.EntityID = create.EntityID
			} else {
				rec.DependsOn = create.ID
			}
		}

		rec.NextAttemptAt = now
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if err := tx.InsertOperation(ctx, rec); err != nil {
			return Event{}, err
		}
		return Event{Type: EventEnqueued, Op: rec.Clone()}, nil
	})
	if err != nil {
		return "", err
	}

	logging.Info("Operation enqueued", map[string]interface{}{
		"operation_id": ev.Op.ID,
		"kind":         ev.Op.Kind,
		"entity_type":  ev.Op.EntityType,
		"entity_id":    ev.Op.EntityID,
		"depends_on":   ev.Op.DependsOn,
	})
	return string(rec.ID), nil
}

// ListPending returns every non-terminal record in creation order. The
// sequence is lazy and restartable: each range reads a fresh snapshot.
func (s *Store) ListPending(ctx context.Context) iter.Seq2[*models.Operation, error] {
	return s.listSeq(ctx, "failed to list pending operations",
		models.StatusPending, models.StatusInFlight)
}

// ListUnsettled is ListPending plus failed records. A failed record still
// heads its entity until it is retried or removed, so callers that pick
// the next operation per entity range over this sequence.
func (s *Store) ListUnsettled(ctx context.Context) iter.Seq2[*models.Operation, error] {
	return s.listSeq(ctx, "failed to list unsettled operations",
		models.StatusPending, models.StatusInFlight, models.StatusFailed)
}

func (s *Store) listSeq(ctx context.Context, message string, statuses ...models.Status) iter.Seq2[*models.Operation, error] {
	return func(yield func(*models.Operation, error) bool) {
		ops, err := s.repo.ListOperations(ctx, db.ListFilter{Statuses: statuses})
		if err != nil {
			yield(nil, storageErr(message, err))
			return
		}
		for _, op := range ops {
			if !yield(op, nil) {
				return
			}
		}
	}
}

// List returns records matching filter in creation order.
func (s *Store) List(ctx context.Context, filter Filter) ([]*models.Operation, error) {
	ops, err := s.repo.ListOperations(ctx, db.ListFilter{
		Statuses: filter.Statuses,
		EntityID: filter.EntityID,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, storageErr("failed to list operations", err)
	}
	return ops, nil
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, id string) (*models.Operation, error) {
	op, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return nil, storageErr("failed to get operation", err)
	}
	return op, nil
}

// Stats returns per-status counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, storageErr("failed to count operations", err)
	}
	st := Stats{
		Pending:   counts[models.StatusPending],
		InFlight:  counts[models.StatusInFlight],
		Completed: counts[models.StatusCompleted],
		Failed:    counts[models.StatusFailed],
	}
	st.Total = st.Pending + st.InFlight + st.Completed + st.Failed
	return st, nil
}

// Resolved reports whether the dependency dependsOn no longer blocks.
// A dependency that was purged counts as completed.
func (s *Store) Resolved(ctx context.Context, dependsOn models.UUID) (bool, error) {
	ok, err := resolved(ctx, s.repo, dependsOn)
	if err != nil {
		return false, storageErr("failed to resolve dependency", err)
	}
	return ok, nil
}

func resolved(ctx context.Context, repo db.OperationReader, dependsOn models.UUID) (bool, error) {
	if dependsOn == "" {
		return true, nil
	}
	dep, err := repo.GetOperation(ctx, string(dependsOn))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return dep.Status == models.StatusCompleted, nil
}

// NextAttemptAt returns the earliest backoff deadline after the given time
// among pending records.
func (s *Store) NextAttemptAt(ctx context.Context, after time.Time) (time.Time, bool, error) {
	ms, ok, err := s.repo.EarliestNextAttempt(ctx, after.UnixMilli())
	if err != nil {
		return time.Time{}, false, storageErr("failed to read next attempt", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// transition loads id, checks it is in one of from and applies fn.
func (s *Store) transition(ctx context.Context, id string, evType EventType, from []models.Status,
	fn func(tx db.OperationRepository, op *models.Operation, now int64) error) (*models.Operation, error) {
	ev, err := s.mutate(ctx, "failed to update operation", func(tx db.OperationRepository, now int64) (Event, error) {
		op, err := tx.GetOperation(ctx, id)
		if err != nil {
			return Event{}, err
		}
		allowed := false
		for _, st := range from {
			if op.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return Event{}, apperrors.Newf(apperrors.ErrState, "operation %s is %s", id, op.Status)
		}
		if err := fn(tx, op, now); err != nil {
			return Event{}, err
		}
		op.UpdatedAt = now
		if err := tx.UpdateOperation(ctx, op); err != nil {
			return Event{}, err
		}
		return Event{Type: evType, Op: op.Clone()}, nil
	})
	if err != nil {
		return nil, err
	}
	return ev.Op, nil
}

// MarkInFlight moves a pending record to in flight and counts the attempt.
// It refuses records whose dependency has not completed.
func (s *Store) MarkInFlight(ctx context.Context, id string) (*models.Operation, error) {
	return s.transition(ctx, id, EventInFlight, []models.Status{models.StatusPending},
		func(tx db.OperationRepository, op *models.Operation, now int64) error {
			ok, err := resolved(ctx, tx, op.DependsOn)
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.Newf(apperrors.ErrState, "operation %s is blocked on %s", id, op.DependsOn)
			}
			op.Status = models.StatusInFlight
			op.Attempts++
			return nil
		})
}

// MarkCompleted records a successful send. For a Create, remoteID replaces
// the entity id on this and every other record that references it.
func (s *Store) MarkCompleted(ctx context.Context, id, remoteID string) (*models.Operation, error) {
	op, err := s.transition(ctx, id, EventCompleted, []models.Status{models.StatusInFlight},
		func(tx db.OperationRepository, op *models.Operation, now int64) error {
			if op.Kind == models.KindCreate {
				if remoteID == "" && uuid.IsPlaceholder(op.EntityID) {
					return apperrors.Newf(apperrors.ErrInvalid, "create %s completed without a remote id", id)
				}
				if remoteID != "" && remoteID != op.EntityID {
					if _, err := tx.ReplaceEntityID(ctx, op.EntityID, remoteID, now); err != nil {
						return err
					}
					op.EntityID = remoteID
				}
			}
			op.Status = models.StatusCompleted
			op.RemoteID = remoteID
			op.LastError = ""
			return nil
		})
	if err != nil {
		return nil, err
	}
	logging.Info("Operation completed", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"entity_id":    op.EntityID,
		"attempts":     op.Attempts,
	})
	return op, nil
}

// MarkFailed moves a record to failed. It stays there until retried or removed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*models.Operation, error) {
	op, err := s.transition(ctx, id, EventFailed, []models.Status{models.StatusPending, models.StatusInFlight},
		func(tx db.OperationRepository, op *models.Operation, now int64) error {
			op.Status = models.StatusFailed
			op.LastError = reason
			return nil
		})
	if err != nil {
		return nil, err
	}
	logging.Warn("Operation failed", map[string]interface{}{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"entity_id":    op.EntityID,
		"attempts":     op.Attempts,
		"reason":       reason,
	})
	return op, nil
}

// MarkRetry returns an in-flight record to pending, eligible again at next.
func (s *Store) MarkRetry(ctx context.Context, id, reason string, next time.Time) (*models.Operation, error) {
	return s.transition(ctx, id, EventRetry, []models.Status{models.StatusInFlight},
		func(tx db.OperationRepository, op *models.Operation, now int64) error {
			op.Status = models.StatusPending
			op.LastError = reason
			op.NextAttemptAt = next.UnixMilli()
			return nil
		})
}

// Retry moves a failed record back to pending. The attempts counter is kept;
// the retry ceiling restarts from the current value.
func (s *Store) Retry(ctx context.Context, id string) (*models.Operation, error) {
	return s.transition(ctx, id, EventRequeued, []models.Status{models.StatusFailed},
		func(tx db.OperationRepository, op *models.Operation, now int64) error {
			requeue(op, now)
			return nil
		})
}

func requeue(op *models.Operation, now int64) {
	op.Status = models.StatusPending
	op.AttemptFloor = op.Attempts
	op.NextAttemptAt = now
	op.LastError = ""
}

// RetryAllFailed moves every failed record back to pending.
func (s *Store) RetryAllFailed(ctx context.Context) (int, error) {
	ev, err := s.mutate(ctx, "failed to retry operations", func(tx db.OperationRepository, now int64) (Event, error) {
		failed, err := tx.ListOperations(ctx, db.ListFilter{Statuses: []models.Status{models.StatusFailed}})
		if err != nil {
			return Event{}, err
		}
		for _, op := range failed {
			requeue(op, now)
			op.UpdatedAt = now
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return Event{}, err
			}
		}
		if len(failed) == 0 {
			return Event{}, nil
		}
		return Event{Type: EventRequeued, Count: len(failed)}, nil
	})
	if err != nil {
		return 0, err
	}
	if ev.Count > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{
			"count": ev.Count,
		})
	}
	return ev.Count, nil
}

// Remove deletes a single record that is not in flight.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, "failed to remove operation", func(tx db.OperationRepository, now int64) (Event, error) {
		op, err := tx.GetOperation(ctx, id)
		if err != nil {
			return Event{}, err
		}
		if op.Status == models.StatusInFlight {
			return Event{}, apperrors.Newf(apperrors.ErrState, "operation %s is in flight", id)
		}
		if _, err := tx.DeleteOperation(ctx, id); err != nil {
			return Event{}, err
		}
		return Event{Type: EventRemoved, Op: op, Count: 1}, nil
	})
	return err
}

// removeWith runs a bulk delete and reports how many records went away.
func (s *Store) removeWith(ctx context.Context, message string, del func(tx db.OperationRepository, now int64) (int64, error)) (int, error) {
	ev, err := s.mutate(ctx, message, func(tx db.OperationRepository, now int64) (Event, error) {
		n, err := del(tx, now)
		if err != nil || n == 0 {
			return Event{}, err
		}
		return Event{Type: EventRemoved, Count: int(n)}, nil
	})
	return ev.Count, err
}

// DiscardOperationsFor removes every pending record of entityID.
func (s *Store) DiscardOperationsFor(ctx context.Context, entityID string) (int, error) {
	n, err := s.removeWith(ctx, "failed to discard operations", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeletePendingForEntity(ctx, entityID)
	})
	if n > 0 {
		logging.Info("Discarded pending operations", map[string]interface{}{
			"entity_id": entityID,
			"count":     n,
		})
	}
	return n, err
}

// ClearCompleted removes completed records.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	return s.removeWith(ctx, "failed to clear completed operations", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeleteByStatus(ctx, models.StatusCompleted)
	})
}

// ClearFailed removes failed records.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	return s.removeWith(ctx, "failed to clear failed operations", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeleteByStatus(ctx, models.StatusFailed)
	})
}

// DiscardPending removes pending records, dropping unsynced local edits.
func (s *Store) DiscardPending(ctx context.Context) (int, error) {
	n, err := s.removeWith(ctx, "failed to discard pending operations", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeleteByStatus(ctx, models.StatusPending)
	})
	if n > 0 {
		logging.Warn("Discarded unsynced operations", map[string]interface{}{
			"count": n,
		})
	}
	return n, err
}

// PurgeCompleted removes completed records older than retention.
func (s *Store) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return s.removeWith(ctx, "failed to purge completed operations", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeleteCompletedBefore(ctx, now-retention.Milliseconds())
	})
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.removeWith(ctx, "failed to clear queue", func(tx db.OperationRepository, now int64) (int64, error) {
		return tx.DeleteAll(ctx)
	})
	if err == nil {
		logging.Info("Queue cleared", map[string]interface{}{
			"count": n,
		})
	}
	return n, err
}
