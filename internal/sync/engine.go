// Package sync drains queued operations against the remote store.
package sync

import (
	"context"
	"math/rand/v2"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
	"github.com/kimhsiao/invsync/backend/internal/sync/remote"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
	"github.com/kimhsiao/invsync/backend/internal/uuid"
)

// ReasonRetriesExhausted is recorded when transient failures hit the ceiling.
const ReasonRetriesExhausted = "retries exhausted"

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Config holds drain pass tuning.
type Config struct {
	MaxConcurrentSends int
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	// Jitter adds up to this fraction of the delay at random.
	Jitter      float64
	SendTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSends: 4,
		MaxAttempts:        5,
		BaseBackoff:        2 * time.Second,
		MaxBackoff:         time.Hour,
		Jitter:             0.2,
		SendTimeout:        30 * time.Second,
	}
}

// SyncResult represents the result of a drain pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time" yaml:"start_time"`
	EndTime   time.Time     `json:"end_time" yaml:"end_time"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Sent      int           `json:"sent" yaml:"sent"`
	Completed int           `json:"completed" yaml:"completed"`
	Retried   int           `json:"retried" yaml:"retried"`
	Failed    int           `json:"failed" yaml:"failed"`
	Discarded int           `json:"discarded" yaml:"discarded"`
	Cancelled bool          `json:"cancelled" yaml:"cancelled"`
}

// SyncEngine replays queued operations against the remote store.
type SyncEngine struct {
	queue     OperationQueue
	remote    remote.Store
	auth      remote.AuthProvider
	conn      Connectivity
	publisher *status.Publisher
	now       func() time.Time
	jitter    func() float64

	mu       stdsync.Mutex
	cfg      Config
	status   SyncStatus
	busy     map[string]bool // entity ids with a send outstanding
	passDone int
	result   *SyncResult
	lastSync *time.Time
	lastErr  error
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q OperationQueue, store remote.Store, auth remote.AuthProvider, conn Connectivity,
	publisher *status.Publisher, cfg Config) *SyncEngine {
	if publisher == nil {
		publisher = status.NewPublisher()
	}
	return &SyncEngine{
		queue:     q,
		remote:    store,
		auth:      auth,
		conn:      conn,
		publisher: publisher,
		now:       time.Now,
		jitter:    rand.Float64,
		cfg:       normalize(cfg),
		status:    SyncStatusIdle,
		busy:      make(map[string]bool),
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxConcurrentSends < 1 {
		cfg.MaxConcurrentSends = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	return cfg
}

// SetLimits changes the concurrency limit and retry ceiling. A running pass
// keeps its concurrency limit; the ceiling applies to the next failure.
func (e *SyncEngine) SetLimits(maxConcurrentSends, maxAttempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxConcurrentSends = maxConcurrentSends
	e.cfg.MaxAttempts = maxAttempts
	e.cfg = normalize(e.cfg)
}

// Config returns the current configuration.
func (e *SyncEngine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Publisher returns the status publisher the engine reports to.
func (e *SyncEngine) Publisher() *status.Publisher {
	return e.publisher
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last pass that ran.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the last operation failure seen by a pass.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// backoff returns the delay before retry number attempts:
// min(base*2^attempts, max) plus up to Jitter of that at random.
func (e *SyncEngine) backoff(cfg Config, attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	delay := cfg.BaseBackoff << uint(attempts)
	if delay > cfg.MaxBackoff || delay < 0 {
		delay = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * cfg.Jitter * e.jitter())
	}
	return delay
}

// Sync runs one drain pass: it keeps dispatching the oldest eligible
// operation of every idle entity until nothing is eligible, connectivity
// drops, the user signs out or ctx is cancelled. Cancelling stops
// dispatching; sends already started run to completion.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.conn.Online() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "remote store is unreachable")
	}
	if _, ok := e.auth.CurrentUser(ctx); !ok {
		return nil, apperrors.New(apperrors.ErrSyncAuthRequired, "no authenticated user")
	}

	e.mu.Lock()
	if e.status == SyncStatusSyncing {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrState, "sync already in progress")
	}
	e.status = SyncStatusSyncing
	e.passDone = 0
	result := &SyncResult{StartTime: e.now()}
	e.result = result
	cfg := e.cfg
	e.mu.Unlock()

	logging.Debug("Sync pass started", map[string]interface{}{
		"max_concurrent_sends": cfg.MaxConcurrentSends,
	})
	e.Refresh(ctx)

	e.drain(ctx, cfg)

	e.mu.Lock()
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Cancelled = ctx.Err() != nil
	end := result.EndTime
	e.lastSync = &end
	e.result = nil
	e.status = SyncStatusIdle
	if result.Failed > 0 {
		e.status = SyncStatusFailed
	}
	out := *result
	e.mu.Unlock()

	e.Refresh(context.WithoutCancel(ctx))

	if out.Sent > 0 {
		logging.Info("Sync pass finished", map[string]interface{}{
			"sent":      out.Sent,
			"completed": out.Completed,
			"retried":   out.Retried,
			"failed":    out.Failed,
			"discarded": out.Discarded,
			"cancelled": out.Cancelled,
			"duration":  out.Duration.String(),
		})
	}
	return &out, nil
}

func (e *SyncEngine) drain(ctx context.Context, cfg Config) {
	var g errgroup.Group
	g.SetLimit(cfg.MaxConcurrentSends)
	finished := make(chan struct{}, 1)
	// Sends and their bookkeeping survive cancellation of ctx.
	sendCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil || !e.conn.Online() {
			break
		}
		user, ok := e.auth.CurrentUser(ctx)
		if !ok {
			break
		}

		checked := e.now()
		eligible, err := e.eligible(ctx, checked)
		if err != nil {
			logging.ErrorWithCode("Failed to read pending operations", string(apperrors.CodeOf(err)), err)
			break
		}

		for _, op := range eligible {
			if !e.claim(op.EntityID) {
				continue
			}
			started := g.TryGo(func() error {
				defer func() {
					e.release(op.EntityID)
					select {
					case finished <- struct{}{}:
					default:
					}
				}()
				e.send(sendCtx, cfg, op, user)
				return nil
			})
			if !started {
				e.release(op.EntityID)
				break
			}
		}

		if e.active() == 0 {
			// Nothing in flight and nothing could be dispatched.
			if len(eligible) == 0 {
				break
			}
			continue
		}

		wake, stop := e.retryTimer(ctx, checked)
		select {
		case <-finished:
		case <-wake:
		case <-ctx.Done():
		}
		stop()
	}

	_ = g.Wait()
}

// retryTimer fires at the earliest backoff deadline after checked, so a
// retry that comes due while other sends are outstanding is dispatched
// without waiting for them.
func (e *SyncEngine) retryTimer(ctx context.Context, checked time.Time) (<-chan time.Time, func() bool) {
	if ctx.Err() != nil {
		return nil, func() bool { return false }
	}
	next, ok, err := e.queue.NextAttemptAt(ctx, checked)
	if err != nil {
		logging.ErrorWithCode("Failed to read next retry deadline", string(apperrors.CodeOf(err)), err)
	}
	if err != nil || !ok {
		return nil, func() bool { return false }
	}
	timer := time.NewTimer(next.Sub(e.now()))
	return timer.C, timer.Stop
}

// eligible returns the head operation of every entity that has no send
// outstanding, is past its backoff and is not blocked on a dependency.
// The head is the oldest unsettled record; a failed head holds back the
// rest of its entity until it is retried or removed.
func (e *SyncEngine) eligible(ctx context.Context, checked time.Time) ([]*models.Operation, error) {
	now := checked.UnixMilli()
	seen := make(map[string]bool)
	var out []*models.Operation

	for op, err := range e.queue.ListUnsettled(ctx) {
		if err != nil {
			return nil, err
		}
		if seen[op.EntityID] {
			continue
		}
		seen[op.EntityID] = true

		if op.Status != models.StatusPending || e.isBusy(op.EntityID) || op.NextAttemptAt > now {
			continue
		}
		ok, err := e.queue.Resolved(ctx, op.DependsOn)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, op)
		}
	}
	return out, nil
}

func (e *SyncEngine) claim(entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[entityID] {
		return false
	}
	e.busy[entityID] = true
	return true
}

func (e *SyncEngine) release(entityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, entityID)
}

func (e *SyncEngine) isBusy(entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy[entityID]
}

func (e *SyncEngine) active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.busy)
}

// record updates the running pass result under the lock.
func (e *SyncEngine) record(fn func(r *SyncResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result != nil {
		fn(e.result)
	}
}

// send performs one remote call for op and records the outcome.
func (e *SyncEngine) send(ctx context.Context, cfg Config, op *models.Operation, user string) {
	id := string(op.ID)
	rec, err := e.queue.MarkInFlight(ctx, id)
	if err != nil {
		// Discarded or cleared since it was listed.
		logging.Debug("Skipping operation", map[string]interface{}{
			"operation_id": id,
			"error":        err.Error(),
		})
		return
	}
	e.record(func(r *SyncResult) { r.Sent++ })

	if rec.UserID != "" {
		user = rec.UserID
	}
	req := remote.Request{
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		Payload:        rec.Payload,
		IdempotencyKey: id,
		UserID:         user,
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	var remoteID string
	switch rec.Kind {
	case models.KindCreate:
		remoteID, err = e.remote.Create(callCtx, req)
		if err == nil && remoteID == "" && uuid.IsPlaceholder(rec.EntityID) {
			err = apperrors.Permanent(0, "remote returned no id")
		}
	case models.KindUpdate:
		err = e.remote.Update(callCtx, req)
	case models.KindDelete:
		err = e.remote.Delete(callCtx, req)
	default:
		err = apperrors.Permanent(0, "unknown operation kind "+string(rec.Kind))
	}
	cancel()

	if err != nil {
		e.fail(ctx, cfg, rec, err)
		return
	}

	if _, err := e.queue.MarkCompleted(ctx, id, remoteID); err != nil {
		logging.ErrorWithCode("Failed to record completed operation", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": id,
		})
		return
	}
	e.finishOne(func(r *SyncResult) { r.Completed++ })

	if rec.Kind == models.KindDelete {
		n, err := e.queue.DiscardOperationsFor(ctx, rec.EntityID)
		if err != nil {
			logging.ErrorWithCode("Failed to discard operations of deleted entity", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"entity_id": rec.EntityID,
			})
			return
		}
		e.record(func(r *SyncResult) { r.Discarded += n })
	}
}

// fail classifies a send error and moves rec to pending or failed.
func (e *SyncEngine) fail(ctx context.Context, cfg Config, rec *models.Operation, sendErr error) {
	id := string(rec.ID)
	reason := apperrors.Reason(sendErr)

	e.mu.Lock()
	e.lastErr = sendErr
	maxAttempts := e.cfg.MaxAttempts
	e.mu.Unlock()

	var err error
	switch {
	case apperrors.Classify(sendErr) == apperrors.KindPermanent:
		_, err = e.queue.MarkFailed(ctx, id, reason)
		e.finishOne(func(r *SyncResult) { r.Failed++ })
	case rec.RetryAttempts() >= maxAttempts:
		_, err = e.queue.MarkFailed(ctx, id, ReasonRetriesExhausted)
		e.finishOne(func(r *SyncResult) { r.Failed++ })
	default:
		delay := e.backoff(cfg, rec.RetryAttempts())
		_, err = e.queue.MarkRetry(ctx, id, reason, e.now().Add(delay))
		e.record(func(r *SyncResult) { r.Retried++ })
		logging.Debug("Operation scheduled for retry", map[string]interface{}{
			"operation_id": id,
			"attempts":     rec.Attempts,
			"delay":        delay.String(),
			"reason":       reason,
		})
	}
	if err != nil {
		logging.ErrorWithCode("Failed to record send failure", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": id,
		})
	}
}

// finishOne counts an operation that reached a terminal state in this pass.
func (e *SyncEngine) finishOne(fn func(r *SyncResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result != nil {
		fn(e.result)
		e.passDone++
	}
}

// Refresh recomputes counts and phase and publishes them.
func (e *SyncEngine) Refresh(ctx context.Context) {
	st, err := e.queue.Stats(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to read queue stats", string(apperrors.CodeOf(err)), err)
		return
	}

	e.mu.Lock()
	syncing := e.status == SyncStatusSyncing
	done := e.passDone
	var lastErr string
	if e.lastErr != nil {
		lastErr = apperrors.Reason(e.lastErr)
	}
	e.mu.Unlock()

	online := e.conn.Online()
	e.publisher.Update(func(s *status.Snapshot) {
		s.Pending = st.Pending
		s.InFlight = st.InFlight
		s.Completed = st.Completed
		s.Failed = st.Failed
		s.Online = online
		s.LastError = lastErr

		switch {
		case syncing:
			s.Phase = status.PhaseSyncing
		case st.Failed > 0:
			s.Phase = status.PhaseError
		default:
			s.Phase = status.PhaseIdle
		}
		if syncing || done > 0 {
			s.Progress = status.Progress(done, done+st.Pending+st.InFlight)
		} else {
			s.Progress = 0
		}
	})
}

// Observe publishes a queue change. Register it with the queue store's
// OnChange.
func (e *SyncEngine) Observe(ev queue.Event) {
	if ev.Op != nil {
		op := ev.Op
		e.publisher.Update(func(s *status.Snapshot) {
			s.LastOperation = &status.OperationState{
				ID:        string(op.ID),
				EntityID:  op.EntityID,
				Kind:      string(op.Kind),
				Status:    string(op.Status),
				Attempts:  op.Attempts,
				LastError: op.LastError,
			}
		})
	}
	e.Refresh(context.Background())
}
