// Package services wires the queue, engine and worker loop into the
// facade used by the CLI and the desktop server.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/config"
	"github.com/kimhsiao/invsync/backend/internal/db"
	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	"github.com/kimhsiao/invsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/invsync/backend/internal/sync"
	"github.com/kimhsiao/invsync/backend/internal/sync/connectivity"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
	"github.com/kimhsiao/invsync/backend/internal/sync/remote"
	"github.com/kimhsiao/invsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
)

// Dependencies overrides collaborators built from the config.
type Dependencies struct {
	// Remote replaces the client selected by remote.base_url.
	Remote remote.Store
	// Auth replaces a StaticAuth seeded from remote.user_id.
	Auth remote.AuthProvider
	// Online sets the initial connectivity state. By default the service
	// starts online unless a probe URL is configured.
	Online *bool
}

// SyncService is the entry point for enqueueing edits and controlling sync.
type SyncService struct {
	database  *db.DB
	store     *queue.Store
	engine    *syncpkg.SyncEngine
	scheduler *scheduler.Scheduler
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	publisher *status.Publisher
	auth      remote.AuthProvider
	remote    remote.Store

	mu      sync.Mutex
	cfg     *config.Config
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewSyncService opens the queue database under cfg.DataDir and builds the
// sync stack. Call Start to run the worker loop.
func NewSyncService(ctx context.Context, cfg *config.Config, deps Dependencies) (*SyncService, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.OpenMigrated(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open queue database", err)
	}

	store, err := queue.Open(ctx, database.DB, queue.Options{MaxSize: cfg.Queue.MaxSize})
	if err != nil {
		database.Close()
		return nil, err
	}

	remoteStore := deps.Remote
	if remoteStore == nil {
		remoteStore = newRemote(cfg.Remote)
	}
	auth := deps.Auth
	if auth == nil {
		auth = remote.NewStaticAuth(cfg.Remote.UserID)
	}

	online := cfg.Connectivity.ProbeURL == ""
	if deps.Online != nil {
		online = *deps.Online
	}
	monitor := connectivity.NewMonitor(online, cfg.Connectivity.Debounce)

	var prober *connectivity.Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober = connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, monitor, nil)
	}

	publisher := status.NewPublisher()
	engine := syncpkg.NewSyncEngine(store, remoteStore, auth, monitor, publisher, engineConfig(cfg.Sync))
	store.OnChange(engine.Observe)

	sched := scheduler.NewScheduler(engine, store, monitor, &scheduler.SchedulerConfig{
		PassTimeout:   cfg.Sync.PassTimeout,
		PurgeInterval: cfg.Queue.PurgeInterval,
		Retention:     cfg.Queue.Retention,
	})

	s := &SyncService{
		database:  database,
		store:     store,
		engine:    engine,
		scheduler: sched,
		monitor:   monitor,
		prober:    prober,
		publisher: publisher,
		auth:      auth,
		remote:    remoteStore,
		cfg:       cfg,
	}
	engine.Refresh(ctx)
	return s, nil
}

func newRemote(cfg config.RemoteConfig) remote.Store {
	if cfg.BaseURL == "" {
		logging.Warn("No remote base URL configured, using in-process store", nil)
		return remote.NewMemoryRemote()
	}
	return remote.NewHTTPRemote(remote.HTTPConfig{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.Token,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
}

func engineConfig(cfg config.SyncConfig) syncpkg.Config {
	return syncpkg.Config{
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		MaxAttempts:        cfg.MaxAttempts,
		BaseBackoff:        cfg.BaseBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		Jitter:             cfg.Jitter,
		SendTimeout:        cfg.SendTimeout,
	}
}

// Start runs the worker loop and, when configured, the connectivity prober.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.scheduler.Start(ctx)
	if s.prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.prober.Run(ctx)
		}()
	}
}

// Close stops background work, waits for in-flight sends and closes the
// database. It is safe to call more than once.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.monitor.Close()
	s.publisher.Close()
	return s.database.Close()
}

// Enqueue records a local edit. It returns once the record is durable.
// The current user is attached when the operation carries none.
func (s *SyncService) Enqueue(ctx context.Context, op *models.Operation) (string, error) {
	if op != nil && op.UserID == "" {
		if user, ok := s.auth.CurrentUser(ctx); ok {
			clone := *op
			clone.UserID = user
			op = &clone
		}
	}
	return s.store.Enqueue(ctx, op)
}

// Subscribe streams status snapshots, starting with the current one.
func (s *SyncService) Subscribe() (<-chan status.Snapshot, func()) {
	return s.publisher.Subscribe()
}

// Status returns the latest status snapshot.
func (s *SyncService) Status() status.Snapshot {
	return s.publisher.Snapshot()
}

// Stats returns per-status record counts.
func (s *SyncService) Stats(ctx context.Context) (queue.Stats, error) {
	return s.store.Stats(ctx)
}

// SyncNow runs a pass immediately and waits for it.
func (s *SyncService) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.scheduler.SyncNow(ctx)
}

// CancelSync aborts the running pass after in-flight sends finish.
func (s *SyncService) CancelSync() bool {
	return s.scheduler.CancelSync()
}

// ClearCompleted removes completed records.
func (s *SyncService) ClearCompleted(ctx context.Context) (int, error) {
	return s.store.ClearCompleted(ctx)
}

// ClearQueue removes completed and failed records, and pending ones too
// when includePending is set. In-flight records are never removed.
func (s *SyncService) ClearQueue(ctx context.Context, includePending bool) (int, error) {
	total := 0
	steps := []func(context.Context) (int, error){s.store.ClearCompleted, s.store.ClearFailed}
	if includePending {
		steps = append(steps, s.store.DiscardPending)
	}
	for _, step := range steps {
		n, err := step(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PurgeCompleted removes completed records older than retention.
func (s *SyncService) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return s.store.PurgeCompleted(ctx, retention)
}

// RetryFailed moves one failed record back to pending.
func (s *SyncService) RetryFailed(ctx context.Context, id string) (*models.Operation, error) {
	return s.store.Retry(ctx, id)
}

// RetryAllFailed moves every failed record back to pending.
func (s *SyncService) RetryAllFailed(ctx context.Context) (int, error) {
	return s.store.RetryAllFailed(ctx)
}

// Remove deletes one record that is not in flight.
func (s *SyncService) Remove(ctx context.Context, id string) error {
	return s.store.Remove(ctx, id)
}

// List returns records matching filter in creation order.
func (s *SyncService) List(ctx context.Context, filter queue.Filter) ([]*models.Operation, error) {
	return s.store.List(ctx, filter)
}

// Get returns one record.
func (s *SyncService) Get(ctx context.Context, id string) (*models.Operation, error) {
	return s.store.Get(ctx, id)
}

// SetOnline reports a connectivity observation from the host platform.
func (s *SyncService) SetOnline(online bool) {
	s.monitor.Set(online)
	s.engine.Refresh(context.Background())
}

// SetUser changes the signed-in user. An empty id signs out, which stops
// further sends. It fails when a custom AuthProvider was supplied.
func (s *SyncService) SetUser(userID string) error {
	auth, ok := s.auth.(*remote.StaticAuth)
	if !ok {
		return apperrors.New(apperrors.ErrState, "auth provider is not configurable")
	}
	auth.SetUser(userID)
	if userID != "" && s.monitor.Online() {
		s.scheduler.TriggerSync()
	}
	return nil
}

// SchedulerStatus returns the worker loop state.
func (s *SyncService) SchedulerStatus() scheduler.SchedulerStatus {
	return s.scheduler.GetStatus()
}

// Config returns the active configuration.
func (s *SyncService) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ApplyConfig applies the settings that can change at runtime: the log
// level, the concurrency limit and the retry ceiling. Other changes need a
// restart. It is meant as the config.Loader Watch callback.
func (s *SyncService) ApplyConfig(prev, next *config.Config) {
	if next == nil {
		return
	}
	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	logging.SetLevel(logging.ParseLevel(next.Log.Level))
	s.engine.SetLimits(next.Sync.MaxConcurrentSends, next.Sync.MaxAttempts)

	if prev != nil && (prev.DataDir != next.DataDir || prev.Remote.BaseURL != next.Remote.BaseURL) {
		logging.Warn("Configuration change requires a restart", map[string]interface{}{
			"data_dir": next.DataDir,
			"base_url": next.Remote.BaseURL,
		})
	}
	logging.Info("Sync limits updated", map[string]interface{}{
		"max_concurrent_sends": next.Sync.MaxConcurrentSends,
		"max_attempts":         next.Sync.MaxAttempts,
	})
}

// EngineConfig returns the engine's current tuning.
func (s *SyncService) EngineConfig() syncpkg.Config {
	return s.engine.Config()
}

// Remote returns the remote store sends go to.
func (s *SyncService) Remote() remote.Store {
	return s.remote
}
