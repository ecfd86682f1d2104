// Package handlers provides REST API handlers for the offline queue and
// sync control.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/logging"
	"github.com/kimhsiao/invsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/invsync/backend/internal/sync"
	"github.com/kimhsiao/invsync/backend/internal/sync/queue"
	"github.com/kimhsiao/invsync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
)

// QueueService is the part of services.SyncService the handlers use.
type QueueService interface {
	Enqueue(ctx context.Context, op *models.Operation) (string, error)
	Get(ctx context.Context, id string) (*models.Operation, error)
	List(ctx context.Context, filter queue.Filter) ([]*models.Operation, error)
	Remove(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string) (*models.Operation, error)
	RetryAllFailed(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context, includePending bool) (int, error)
	PurgeCompleted(ctx context.Context, retention time.Duration) (int, error)
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	CancelSync() bool
	Status() status.Snapshot
	SchedulerStatus() scheduler.SchedulerStatus
	SetOnline(online bool)
	SetUser(userID string) error
}

// SyncHandler handles queue and sync operations.
type SyncHandler struct {
	svc QueueService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc QueueService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Routes mounts the handlers on r.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/scheduler", h.GetScheduler)

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", h.ListOperations)
		r.Post("/", h.EnqueueOperation)
		r.Post("/retry", h.RetryAll)
		r.Get("/{id}", h.GetOperation)
		r.Delete("/{id}", h.RemoveOperation)
		r.Post("/{id}/retry", h.RetryOperation)
	})

	r.Post("/queue/clear", h.ClearQueue)
	r.Post("/queue/purge", h.PurgeQueue)

	r.Post("/sync", h.SyncNow)
	r.Post("/sync/cancel", h.CancelSync)

	r.Put("/connectivity", h.SetConnectivity)
	r.Put("/session", h.SetSession)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrState:
		status = http.StatusConflict
	case apperrors.ErrSyncAuthRequired:
		status = http.StatusUnauthorized
	case apperrors.ErrSyncOffline:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err)
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Message: err.Error()})
}

// GetStatus handles GET /status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// GetScheduler handles GET /scheduler
func (h *SyncHandler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.SchedulerStatus())
}

// ListOperations handles GET /operations?status=pending,failed&entity=&limit=
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{EntityID: q.Get("entity")}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.Status(strings.TrimSpace(s))
			switch st {
			case models.StatusPending, models.StatusInFlight, models.StatusCompleted, models.StatusFailed:
				filter.Statuses = append(filter.Statuses, st)
			default:
				writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", s))
				return
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	ops, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// EnqueueRequest is the body of POST /operations.
type EnqueueRequest struct {
	Kind       models.Kind    `json:"kind"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    models.Payload `json:"payload"`
	DependsOn  string         `json:"depends_on"`
}

// EnqueueOperation handles POST /operations
func (h *SyncHandler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if req.EntityType == "" {
		req.EntityType = models.EntityInventoryItem
	}

	id, err := h.svc.Enqueue(r.Context(), &models.Operation{
		Kind:       req.Kind,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		DependsOn:  models.UUID(req.DependsOn),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	op, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// GetOperation handles GET /operations/{id}
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RemoveOperation handles DELETE /operations/{id}
func (h *SyncHandler) RemoveOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryOperation handles POST /operations/{id}/retry
func (h *SyncHandler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// CountResponse reports how many records an action touched.
type CountResponse struct {
	Count int `json:"count"`
}

// RetryAll handles POST /operations/retry
func (h *SyncHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryAllFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// ClearQueue handles POST /queue/clear?pending=true
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	includePending := false
	if raw := r.URL.Query().Get("pending"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "pending must be a boolean"))
			return
		}
		includePending = v
	}

	n, err := h.svc.ClearQueue(r.Context(), includePending)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// PurgeQueue handles POST /queue/purge?older_than=24h
func (h *SyncHandler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	retention := 24 * time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "older_than must be a non-negative duration"))
			return
		}
		retention = d
	}

	n, err := h.svc.PurgeCompleted(r.Context(), retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// SyncNow handles POST /sync
// It runs a pass and responds with its result.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelSync handles POST /sync/cancel
func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.svc.CancelSync()})
}

// SetConnectivity handles PUT /connectivity
// The host platform reports network changes here.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}
	h.svc.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// SetSession handles PUT /session
// An empty user_id signs out.
func (h *SyncHandler) SetSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if err := h.svc.SetUser(req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"signed_in": req.UserID != ""})
}
