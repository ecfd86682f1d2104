// Package db provides persistence of queued operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides SQL operations on the operations table.
type Repository struct {
	db *sql.DB
	q  querier
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// WithTx runs fn against a repository bound to a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
func (r *Repository) WithTx(ctx context.Context, fn func(tx OperationRepository) error) error {
	if r.db == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const operationColumns = `seq, id, entity_type, entity_id, kind, payload, status, attempts,
	attempt_floor, last_error, remote_id, depends_on, user_id, next_attempt_at, created_at, updated_at`

func scanOperation(row interface{ Scan(...interface{}) error }) (*models.Operation, error) {
	var op models.Operation
	var kind, status string
	err := row.Scan(&op.Seq, &op.ID, &op.EntityType, &op.EntityID, &kind, &op.Payload, &status,
		&op.Attempts, &op.AttemptFloor, &op.LastError, &op.RemoteID, &op.DependsOn, &op.UserID,
		&op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.Kind(kind)
	op.Status = models.Status(status)
	return &op, nil
}

// InsertOperation persists a new operation and sets its Seq.
func (r *Repository) InsertOperation(ctx context.Context, op *models.Operation) error {
	query := `
	INSERT INTO operations (id, entity_type, entity_id, kind, payload, status, attempts,
		attempt_floor, last_error, remote_id, depends_on, user_id, next_attempt_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.q.ExecContext(ctx, query, op.ID, op.EntityType, op.EntityID, string(op.Kind), op.Payload,
		string(op.Status), op.Attempts, op.AttemptFloor, op.LastError, op.RemoteID, op.DependsOn,
		op.UserID, op.NextAttemptAt, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	op.Seq = seq
	return nil
}

// GetOperation retrieves an operation by id.
func (r *Repository) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM operations WHERE id = ?", id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", id)
	}
	return op, err
}

// ListFilter narrows ListOperations.
type ListFilter struct {
	Statuses []models.Status
	EntityID string
	Limit    int
}

// ListOperations returns operations in creation order.
func (r *Repository) ListOperations(ctx context.Context, filter ListFilter) ([]*models.Operation, error) {
	var where []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT " + operationColumns + " FROM operations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// UpdateOperation writes every mutable column of op.
func (r *Repository) UpdateOperation(ctx context.Context, op *models.Operation) error {
	query := `
	UPDATE operations SET entity_id = ?, status = ?, attempts = ?, attempt_floor = ?, last_error = ?,
		remote_id = ?, depends_on = ?, next_attempt_at = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.q.ExecContext(ctx, query, op.EntityID, string(op.Status), op.Attempts, op.AttemptFloor,
		op.LastError, op.RemoteID, op.DependsOn, op.NextAttemptAt, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", op.ID)
	}
	return nil
}

// ReplaceEntityID rewrites every reference to entity id from to to.
func (r *Repository) ReplaceEntityID(ctx context.Context, from, to string, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE operations SET entity_id = ?, updated_at = ? WHERE entity_id = ?", to, now, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetInFlight returns every in-flight operation to pending.
func (r *Repository) ResetInFlight(ctx context.Context, now int64) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE operations SET status = ?, updated_at = ? WHERE status = ?",
		string(models.StatusPending), now, string(models.StatusInFlight))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeletePendingForEntity removes pending operations of an entity.
func (r *Repository) DeletePendingForEntity(ctx context.Context, entityID string) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM operations WHERE entity_id = ? AND status = ?", entityID, string(models.StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOperation removes a single operation.
func (r *Repository) DeleteOperation(ctx context.Context, id string) (int64, error) {
	res, err := r.q.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByStatus removes operations in any of the given statuses.
func (r *Repository) DeleteByStatus(ctx context.Context, statuses ...models.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM operations WHERE status IN ("+strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCompletedBefore removes completed operations last updated before cutoff.
func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM operations WHERE status = ? AND updated_at < ?", string(models.StatusCompleted), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAll removes every operation.
func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, "DELETE FROM operations")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of operations per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM operations GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// EarliestNextAttempt returns the smallest next_attempt_at after the given
// time among pending operations.
func (r *Repository) EarliestNextAttempt(ctx context.Context, after int64) (int64, bool, error) {
	var next sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		"SELECT MIN(next_attempt_at) FROM operations WHERE status = ? AND next_attempt_at > ?",
		string(models.StatusPending), after).Scan(&next)
	if err != nil {
		return 0, false, err
	}
	return next.Int64, next.Valid, nil
}
