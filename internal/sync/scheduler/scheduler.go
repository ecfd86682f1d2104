// Package scheduler runs the background worker loop that decides when the
// sync engine drains the queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	syncpkg "github.com/kimhsiao/invsync/backend/internal/sync"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
)

// Queue is the part of the queue store the scheduler watches.
type Queue interface {
	OnChange(l queue.Listener)
	NextAttemptAt(ctx context.Context, after time.Time) (time.Time, bool, error)
	PurgeCompleted(ctx context.Context, retention time.Duration) (int, error)
}

// Monitor reports connectivity transitions.
type Monitor interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

var _ Queue = (*queue.Store)(nil)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine      syncpkg.SyncEngineInterface
	queue       Queue
	monitor     Monitor
	passTimeout time.Duration
	purgeEvery  time.Duration
	retention   time.Duration
	now         func() time.Time

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	syncInProgress bool
	cancelPass     context.CancelFunc
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	passStarted    time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PassTimeout   time.Duration // Upper bound of one drain pass (default: 5 minutes)
	PurgeInterval time.Duration // How often completed records are purged (default: 1 hour)
	Retention     time.Duration // How long completed records are kept (default: 24 hours)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PassTimeout:   5 * time.Minute,
		PurgeInterval: time.Hour,
		Retention:     24 * time.Hour,
	}
}

// NewScheduler creates a new Scheduler. It registers a queue listener so
// an enqueue while online starts a pass.
func NewScheduler(engine syncpkg.SyncEngineInterface, q Queue, monitor Monitor, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = defaults.PurgeInterval
	}

	s := &Scheduler{
		engine:      engine,
		queue:       q,
		monitor:     monitor,
		passTimeout: config.PassTimeout,
		purgeEvery:  config.PurgeInterval,
		retention:   config.Retention,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	q.OnChange(s.onQueueChange)
	return s
}

func (s *Scheduler) onQueueChange(ev queue.Event) {
	switch ev.Type {
	case queue.EventEnqueued, queue.EventRequeued:
		if s.monitor.Online() {
			s.TriggerSync()
		}
	}
}

// Start starts the worker loop. A pass runs right away if online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	// Subscribe before the goroutine starts so no transition is missed.
	online, unsubscribe := s.monitor.Subscribe()

	s.wg.Add(1)
	go s.loop(ctx, online, unsubscribe)

	if s.monitor.Online() {
		s.TriggerSync()
	}
	logging.Info("Background sync scheduler started", nil)
}

// Stop cancels the current pass, waits for in-flight sends and stops the
// worker loop. A stopped Scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.CancelSync()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// loop is the single worker goroutine. Passes run inline; triggers that
// arrive during a pass coalesce into one follow-up pass.
func (s *Scheduler) loop(ctx context.Context, online <-chan bool, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	purge := time.NewTicker(s.purgeEvery)
	defer purge.Stop()

	backoff := time.NewTimer(time.Hour)
	backoff.Stop()
	defer backoff.Stop()
	var backoffC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up {
				s.runPass(ctx, "online")
			}
		case <-s.kick:
			s.runPass(ctx, "trigger")
		case <-backoffC:
			backoffC = nil
			s.runPass(ctx, "backoff")
		case <-purge.C:
			s.purge(ctx)
		}

		backoffC = s.armBackoff(ctx, backoff, backoffC)
	}
}

// armBackoff points the timer at the earliest retry deadline after the
// start of the last pass. A deadline that came due while that pass ran
// fires at once.
func (s *Scheduler) armBackoff(ctx context.Context, timer *time.Timer, current <-chan time.Time) <-chan time.Time {
	if ctx.Err() != nil {
		return nil
	}
	now := s.now()
	s.mu.RLock()
	after := s.passStarted
	s.mu.RUnlock()
	if after.IsZero() || after.After(now) {
		after = now
	}
	next, ok, err := s.queue.NextAttemptAt(ctx, after)
	if err != nil {
		logging.ErrorWithCode("Failed to read next retry deadline", string(errors.CodeOf(err)), err)
		return current
	}
	timer.Stop()
	if !ok {
		return nil
	}
	timer.Reset(next.Sub(now))
	return timer.C
}

// runPass executes one drain pass with the pass timeout applied.
func (s *Scheduler) runPass(ctx context.Context, reason string) (*syncpkg.SyncResult, error) {
	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrState, "sync already in progress")
	}
	s.syncInProgress = true
	s.cancelPass = cancel
	s.passStarted = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.cancelPass = nil
		s.mu.Unlock()
	}()

	result, err := s.engine.Sync(passCtx)
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.ErrSyncOffline, errors.ErrSyncAuthRequired, errors.ErrState:
			logging.Debug("Sync pass skipped", map[string]interface{}{
				"reason":  reason,
				"code":    errors.CodeOf(err),
				"message": err.Error(),
			})
		default:
			logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err,
				map[string]interface{}{"reason": reason})
		}
		return nil, err
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.lastResult = result
	s.mu.Unlock()

	logging.Debug("Sync pass completed", map[string]interface{}{
		"reason":    reason,
		"sent":      result.Sent,
		"completed": result.Completed,
		"failed":    result.Failed,
	})
	return result, nil
}

func (s *Scheduler) purge(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	n, err := s.queue.PurgeCompleted(ctx, s.retention)
	if err != nil {
		logging.ErrorWithCode("Failed to purge completed operations", string(errors.CodeOf(err)), err)
		return
	}
	if n > 0 {
		logging.Info("Purged completed operations", map[string]interface{}{
			"count":     n,
			"retention": s.retention.String(),
		})
	}
}

// TriggerSync asks the worker loop for a pass without waiting.
// Triggers that arrive while a pass is running coalesce into one.
func (s *Scheduler) TriggerSync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass on the caller's goroutine and returns its result.
// It fails with ErrState while another pass is running.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.runPass(ctx, "manual")
}

// CancelSync aborts the current pass. Sends already started finish first.
// It reports whether a pass was running.
func (s *Scheduler) CancelSync() bool {
	s.mu.RLock()
	cancel := s.cancelPass
	s.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	logging.Info("Sync pass cancelled", nil)
	return true
}

// SchedulerStatus reports the state of the worker loop.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running" yaml:"is_running"`
	IsOnline       bool                `json:"is_online" yaml:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress" yaml:"sync_in_progress"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.Online(),
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
