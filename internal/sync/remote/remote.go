// Package remote provides clients for the authoritative remote store.
package remote

import (
	"context"
	"sync"

	"github.com/kimhsiao/invsync/backend/internal/models"
)

// Request describes one mutation sent to the remote store.
type Request struct {
	EntityType     string
	EntityID       string
	Payload        models.Payload
	IdempotencyKey string
	UserID         string
}

// Store is the remote authority. Implementations must treat a repeated
// IdempotencyKey as a no-op returning the original result, and report
// failures as *errors.RemoteError so they can be classified.
type Store interface {
	// Create stores a new entity and returns the id the remote assigned.
	Create(ctx context.Context, req Request) (string, error)
	// Update applies changed fields to an existing entity.
	Update(ctx context.Context, req Request) error
	// Delete removes an entity.
	Delete(ctx context.Context, req Request) error
}

// AuthProvider supplies the identity sends are scoped to.
type AuthProvider interface {
	CurrentUser(ctx context.Context) (string, bool)
}

// StaticAuth is an AuthProvider holding a fixed user that can be changed
// at runtime, for example on sign-in and sign-out.
type StaticAuth struct {
	mu     sync.RWMutex
	userID string
}

// NewStaticAuth creates a StaticAuth. An empty userID means signed out.
func NewStaticAuth(userID string) *StaticAuth {
	return &StaticAuth{userID: userID}
}

// CurrentUser implements AuthProvider.
func (a *StaticAuth) CurrentUser(ctx context.Context) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID, a.userID != ""
}

// SetUser replaces the current user.
func (a *StaticAuth) SetUser(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userID = userID
}
