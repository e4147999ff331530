package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_EmitFansOutToMatchingSubscriptions(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()

	spec := validSpec()
	spec.EventMask = []EventType{EventSMSDelivered}
	matching, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	otherSpec := validSpec()
	otherSpec.EventMask = []EventType{EventSMSFailed}
	_, err = store.Create(context.Background(), "ten_1", otherSpec)
	require.NoError(t, err)

	router := NewRouter(store, outbox, nil, slog.Default())
	event := LifecycleEvent{TenantID: "ten_1", EventType: EventSMSDelivered, Recipient: "+15551234567"}
	require.NoError(t, router.Emit(context.Background(), "ten_1", EventSMSDelivered, event))

	page, err := outbox.ListForSubscription(context.Background(), "ten_1", matching.ID, ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	var decoded LifecycleEvent
	require.NoError(t, json.Unmarshal(page.Items[0].Payload, &decoded))
	assert.Equal(t, event.Recipient, decoded.Recipient)
}

func TestRouter_EmitWithNoSubscribersInsertsNothing(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	router := NewRouter(store, outbox, nil, slog.Default())

	event := LifecycleEvent{TenantID: "ten_1", EventType: EventSMSBounced}
	require.NoError(t, router.Emit(context.Background(), "ten_1", EventSMSBounced, event))

	page, err := store.List(context.Background(), "ten_1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	outbox.mu.RLock()
	defer outbox.mu.RUnlock()
	assert.Empty(t, outbox.rows, "no delivery attempt is inserted")
}

func TestRouter_EmitRespectsEventMaskMismatch(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()

	spec := validSpec()
	spec.EventMask = []EventType{EventSMSSent}
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	router := NewRouter(store, outbox, nil, slog.Default())
	event := LifecycleEvent{TenantID: "ten_1", EventType: EventSMSBounced}
	require.NoError(t, router.Emit(context.Background(), "ten_1", EventSMSBounced, event))

	page, err := outbox.ListForSubscription(context.Background(), "ten_1", sub.ID, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "a subscription outside the event mask receives nothing")

	refreshed, err := store.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refreshed.Stats.TotalCalls, "stats are untouched when nothing is dispatched")
}

func TestRouter_EmitHandsOffToFreshChannel(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()

	spec := validSpec()
	_, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	fresh := make(chan *DeliveryAttempt, 1)
	router := NewRouter(store, outbox, fresh, slog.Default())

	event := LifecycleEvent{TenantID: "ten_1", EventType: EventSMSSent}
	require.NoError(t, router.Emit(context.Background(), "ten_1", EventSMSSent, event))

	select {
	case attempt := <-fresh:
		assert.Equal(t, "ten_1", attempt.TenantID)
	default:
		t.Fatal("expected an attempt handed off on the fresh channel")
	}
}
