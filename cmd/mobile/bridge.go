// Package main provides the C ABI bridge for mobile platforms.
// Build as shared library: libinvsync.so (Android) / invsync.framework (iOS)
//
//	go build -buildmode=c-shared -o libinvsync.so ./cmd/mobile
//
// Requests and results are JSON strings. A nil result means failure; the
// message is available from InvsyncLastError.
package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/config"
	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/services"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
)

// bridge owns the service for the lifetime of the host app.
type bridge struct {
	mu          sync.Mutex
	svc         *services.SyncService
	cancel      context.CancelFunc
	snapshots   <-chan status.Snapshot
	unsubscribe func()

	errMu   sync.RWMutex
	lastErr string
}

var core = &bridge{}

var errNotOpen = apperrors.New(apperrors.ErrState, "core is not open")

func (b *bridge) setLastError(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *bridge) lastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

// service returns the open service or errNotOpen.
func (b *bridge) service() (*services.SyncService, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, errNotOpen
	}
	return b.svc, nil
}

// open loads configPath (may be empty), overrides the data directory when
// dataDir is set and starts the worker loop. The host reports connectivity,
// so the service starts offline.
func (b *bridge) open(configPath, dataDir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return nil
	}

	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Log.InitLogging(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	online := false
	svc, err := services.NewSyncService(ctx, cfg, services.Dependencies{Online: &online})
	if err != nil {
		cancel()
		return err
	}
	svc.Start(ctx)

	b.svc = svc
	b.cancel = cancel
	b.snapshots, b.unsubscribe = svc.Subscribe()
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil
	}
	b.unsubscribe()
	err := b.svc.Close()
	b.cancel()
	b.svc = nil
	b.snapshots = nil
	return err
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}

// enqueueRequest is the JSON accepted by InvsyncEnqueue.
type enqueueRequest struct {
	Kind       models.Kind    `json:"kind"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    models.Payload `json:"payload"`
	DependsOn  string         `json:"depends_on"`
}

func (b *bridge) enqueue(request string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	var req enqueueRequest
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err)
	}
	if req.EntityType == "" {
		req.EntityType = models.EntityInventoryItem
	}

	ctx := context.Background()
	id, err := svc.Enqueue(ctx, &models.Operation{
		Kind:       req.Kind,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		DependsOn:  models.UUID(req.DependsOn),
	})
	if err != nil {
		return "", err
	}
	op, err := svc.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return marshal(op)
}

// listRequest is the JSON accepted by InvsyncList. An empty string lists
// everything.
type listRequest struct {
	Statuses []models.Status `json:"statuses"`
	EntityID string          `json:"entity_id"`
	Limit    int             `json:"limit"`
}

func (b *bridge) list(request string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	var req listRequest
	if request != "" {
		if err := json.Unmarshal([]byte(request), &req); err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err)
		}
	}

	ops, err := svc.List(context.Background(), queue.Filter{
		Statuses: req.Statuses,
		EntityID: req.EntityID,
		Limit:    req.Limit,
	})
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"items": ops,
		"total": len(ops),
	})
}

func (b *bridge) status() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	return marshal(svc.Status())
}

// nextStatus waits up to timeout for a new snapshot. On timeout it returns
// the current one, so hosts can poll in a loop.
func (b *bridge) nextStatus(timeout time.Duration) (string, error) {
	b.mu.Lock()
	svc, snapshots := b.svc, b.snapshots
	b.mu.Unlock()
	if svc == nil {
		return "", errNotOpen
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case snap, ok := <-snapshots:
		if ok {
			return marshal(snap)
		}
	case <-timer.C:
	}
	return marshal(svc.Status())
}

func (b *bridge) syncNow() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	result, err := svc.SyncNow(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(result)
}

func (b *bridge) cancelSync() (bool, error) {
	svc, err := b.service()
	if err != nil {
		return false, err
	}
	return svc.CancelSync(), nil
}

func (b *bridge) retry(id string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	op, err := svc.RetryFailed(context.Background(), id)
	if err != nil {
		return "", err
	}
	return marshal(op)
}

func (b *bridge) retryAll() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	n, err := svc.RetryAllFailed(context.Background())
	if err != nil {
		return "", err
	}
	return marshal(map[string]int{"count": n})
}

func (b *bridge) clear(includePending bool) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	n, err := svc.ClearQueue(context.Background(), includePending)
	if err != nil {
		return "", err
	}
	return marshal(map[string]int{"count": n})
}

func (b *bridge) setOnline(online bool) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	svc.SetOnline(online)
	return nil
}

func (b *bridge) setUser(userID string) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	return svc.SetUser(userID)
}

func main() {}
