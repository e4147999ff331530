package webhooks

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCachedStore_NilClientPassesThrough covers the nil-client degraded
// mode: every call reaches the underlying Store directly.
func TestCachedStore_NilClientPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	cached := NewCachedStore(store, nil, slog.Default())

	spec := validSpec()
	spec.EventMask = []EventType{EventSMSSent}
	sub, err := cached.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	subs, err := cached.ListActiveForEvent(context.Background(), "ten_1", EventSMSSent)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)
}

func TestCachedStore_MutationsInvalidateWithoutError(t *testing.T) {
	store := NewMemoryStore()
	cached := NewCachedStore(store, nil, slog.Default())

	sub, err := cached.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	newName := "renamed"
	updated, err := cached.Update(context.Background(), "ten_1", sub.ID, SubscriptionPatch{Name: &newName})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = cached.RotateSecret(context.Background(), "ten_1", sub.ID)
	require.NoError(t, err)

	require.NoError(t, cached.Delete(context.Background(), "ten_1", sub.ID))
	_, err = cached.Get(context.Background(), "ten_1", sub.ID)
	var ne *NotFoundError
	require.ErrorAs(t, err, &ne)
}

func TestCacheKey_ScopesByTenantAndEvent(t *testing.T) {
	a := cacheKey("ten_1", EventSMSSent)
	b := cacheKey("ten_2", EventSMSSent)
	c := cacheKey("ten_1", EventSMSFailed)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
