package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
	"github.com/kimhsiao/invsync/backend/internal/uuid"
)

// Call records one request received by a MemoryRemote.
type Call struct {
	Method string
	Request
}

// FaultFunc lets tests fail a call before it is applied. Returning nil
// lets the call proceed.
type FaultFunc func(method string, req Request) error

// MemoryRemote is an in-process Store. Repeating an idempotency key returns
// the first result without applying the mutation again.
type MemoryRemote struct {
	mu       sync.Mutex
	entities map[string]map[string]models.Payload
	results  map[string]string
	calls    []Call
	nextID   int
	fault    FaultFunc
}

// NewMemoryRemote creates an empty MemoryRemote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		entities: make(map[string]map[string]models.Payload),
		results:  make(map[string]string),
	}
}

// SetFault installs f; nil removes it.
func (m *MemoryRemote) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// begin records the call and runs the fault hook outside the lock, so a
// hook may block without serializing other calls.
func (m *MemoryRemote) begin(ctx context.Context, method string, req Request) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Request: req})
	fault := m.fault
	m.mu.Unlock()

	if fault != nil {
		if err := fault(method, req); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return &apperrors.RemoteError{Kind: apperrors.KindTransient, Reason: "timeout", Err: err}
	}
	return nil
}

// replay returns the stored result of an already applied key.
// Caller must hold m.mu.
func (m *MemoryRemote) replay(req Request) (string, bool) {
	if req.IdempotencyKey == "" {
		return "", false
	}
	res, ok := m.results[req.IdempotencyKey]
	return res, ok
}

func (m *MemoryRemote) remember(req Request, result string) {
	if req.IdempotencyKey != "" {
		m.results[req.IdempotencyKey] = result
	}
}

func (m *MemoryRemote) collection(entityType string) map[string]models.Payload {
	c, ok := m.entities[entityType]
	if !ok {
		c = make(map[string]models.Payload)
		m.entities[entityType] = c
	}
	return c
}

// Create implements Store.
func (m *MemoryRemote) Create(ctx context.Context, req Request) (string, error) {
	if err := m.begin(ctx, "create", req); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.replay(req); ok {
		return res, nil
	}

	id := req.EntityID
	if id == "" || uuid.IsPlaceholder(id) {
		m.nextID++
		id = fmt.Sprintf("%d", m.nextID)
	}
	c := m.collection(req.EntityType)
	if _, exists := c[id]; exists {
		return "", &apperrors.RemoteError{
			Kind:       apperrors.KindPermanent,
			StatusCode: 409,
			Reason:     fmt.Sprintf("%s %s already exists", req.EntityType, id),
			Err:        apperrors.New(apperrors.ErrSyncConflict, "entity already exists"),
		}
	}
	c[id] = req.Payload.Clone()
	m.remember(req, id)
	return id, nil
}

// Update implements Store.
func (m *MemoryRemote) Update(ctx context.Context, req Request) error {
	if err := m.begin(ctx, "update", req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replay(req); ok {
		return nil
	}

	c := m.collection(req.EntityType)
	current, ok := c[req.EntityID]
	if !ok {
		return apperrors.Permanent(404, fmt.Sprintf("%s %s not found", req.EntityType, req.EntityID))
	}
	for k, v := range req.Payload {
		current[k] = v
	}
	m.remember(req, req.EntityID)
	return nil
}

// Delete implements Store. Deleting a missing entity succeeds.
func (m *MemoryRemote) Delete(ctx context.Context, req Request) error {
	if err := m.begin(ctx, "delete", req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replay(req); ok {
		return nil
	}

	delete(m.collection(req.EntityType), req.EntityID)
	m.remember(req, req.EntityID)
	return nil
}

// Get returns a copy of a stored entity.
func (m *MemoryRemote) Get(entityType, id string) (models.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entities[entityType][id]
	return p.Clone(), ok
}

// Count returns the number of entities of entityType.
func (m *MemoryRemote) Count(entityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities[entityType])
}

// IDs returns the sorted ids of entityType.
func (m *MemoryRemote) IDs(entityType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entities[entityType]))
	for id := range m.entities[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Calls returns every request received so far, in order.
func (m *MemoryRemote) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
