package webhooks

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SweepClaimsAndDelivers(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = server.URL
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	require.NoError(t, outbox.Insert(context.Background(), &DeliveryAttempt{
		SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: sub.MaxAttempts,
	}))

	d := NewDispatcher(store, outbox, 2, 2*time.Second, slog.Default(), WithAllowLocalEndpoints())
	s := NewScheduler(outbox, d, 10*time.Millisecond, 10, time.Minute, slog.Default())

	s.sweep(context.Background())

	require.Eventually(t, func() bool { return hits == 1 }, time.Second, 10*time.Millisecond)
}

func TestScheduler_SweepReclaimsStuckInFlight(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: sub.MaxAttempts}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	_, err = outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	outbox.mu.Lock()
	outbox.rows[attempt.ID].LastAttemptAt = &past
	outbox.mu.Unlock()

	d := NewDispatcher(store, outbox, 1, time.Second, slog.Default())
	s := NewScheduler(outbox, d, time.Hour, 10, time.Minute, slog.Default())
	s.sweep(context.Background())

	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, row.Status, "reclaimed then immediately re-claimed by the same sweep")
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	d := NewDispatcher(store, outbox, 1, time.Second, slog.Default())
	s := NewScheduler(outbox, d, 5*time.Millisecond, 10, time.Minute, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
}
