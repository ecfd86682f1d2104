package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/invsync/backend/internal/errors"
	"github.com/kimhsiao/invsync/backend/internal/models"
)

func TestMemoryRemote_CreateAssignsID(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	id, err := m.Create(ctx, Request{EntityType: "inventory_item", EntityID: "local:abc", Payload: models.Payload{"name": "Scope"}})
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	p, ok := m.Get("inventory_item", id)
	require.True(t, ok)
	assert.Equal(t, "Scope", p["name"])
}

func TestMemoryRemote_CreateKeepsClientID(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	id, err := m.Create(ctx, Request{EntityType: "inventory_item", EntityID: "sku-9", Payload: models.Payload{"name": "x"}})
	require.NoError(t, err)
	assert.Equal(t, "sku-9", id)

	_, err = m.Create(ctx, Request{EntityType: "inventory_item", EntityID: "sku-9", Payload: models.Payload{"name": "y"}})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPermanent, apperrors.Classify(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncConflict))
}

func TestMemoryRemote_IdempotentReplay(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()

	create := Request{EntityType: "inventory_item", Payload: models.Payload{"name": "Scope"}, IdempotencyKey: "op-1"}
	first, err := m.Create(ctx, create)
	require.NoError(t, err)
	second, err := m.Create(ctx, create)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.Count("inventory_item"), "replayed create must not duplicate")

	update := Request{EntityType: "inventory_item", EntityID: first, Payload: models.Payload{"quantity": 1.0}, IdempotencyKey: "op-2"}
	require.NoError(t, m.Update(ctx, update))
	require.NoError(t, m.Update(ctx, update))

	del := Request{EntityType: "inventory_item", EntityID: first, IdempotencyKey: "op-3"}
	require.NoError(t, m.Delete(ctx, del))
	require.NoError(t, m.Delete(ctx, del))
	assert.Equal(t, 0, m.Count("inventory_item"))
	assert.Len(t, m.Calls(), 6)
}

func TestMemoryRemote_UpdateMissing(t *testing.T) {
	m := NewMemoryRemote()

	err := m.Update(context.Background(), Request{EntityType: "inventory_item", EntityID: "nope", Payload: models.Payload{"price": 1.0}})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPermanent, apperrors.Classify(err))
}

func TestMemoryRemote_Fault(t *testing.T) {
	m := NewMemoryRemote()
	ctx := context.Background()
	boom := errors.New("boom")

	m.SetFault(func(method string, req Request) error {
		if method == "create" {
			return boom
		}
		return nil
	})
	_, err := m.Create(ctx, Request{EntityType: "inventory_item", Payload: models.Payload{"name": "x"}, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Count("inventory_item"))

	m.SetFault(nil)
	_, err = m.Create(ctx, Request{EntityType: "inventory_item", Payload: models.Payload{"name": "x"}, IdempotencyKey: "k"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, m.IDs("inventory_item"))
}

func TestMemoryRemote_CancelledContext(t *testing.T) {
	m := NewMemoryRemote()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Delete(ctx, Request{EntityType: "inventory_item", EntityID: "1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransient, apperrors.Classify(err))
}

func TestStaticAuth(t *testing.T) {
	a := NewStaticAuth("")
	_, ok := a.CurrentUser(context.Background())
	assert.False(t, ok)

	a.SetUser("user-1")
	user, ok := a.CurrentUser(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "user-1", user)
}
