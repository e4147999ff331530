package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(store Store, outbox Outbox) *Dispatcher {
	return NewDispatcher(store, outbox, 2, 2*time.Second, slog.Default(), WithAllowLocalEndpoints())
}

// TestDispatcher_HappyPathSignsPayload verifies the exact wire contract
// (§6): X-Webhook-Signature is hex(HMAC_SHA256(secret, body)).
func TestDispatcher_HappyPathSignsPayload(t *testing.T) {
	var gotSig, gotEvent, gotDeliveryID string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDeliveryID = r.Header.Get("X-Webhook-Delivery")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = server.URL
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	attempt := &DeliveryAttempt{
		ID:             "da_1",
		SubscriptionID: sub.ID,
		TenantID:       "ten_1",
		EventType:      EventSMSSent,
		Payload:        []byte(`{"hello":"world"}`),
		MaxAttempts:    sub.MaxAttempts,
	}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d := newTestDispatcher(store, outbox)
	d.Deliver(context.Background(), claimed[0])

	assert.Equal(t, "sms.sent", gotEvent)
	assert.Equal(t, "da_1", gotDeliveryID)

	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	row, err := outbox.Get(context.Background(), "ten_1", "da_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, row.Status)
}

// TestDispatcher_RetriableFailureReschedules covers a 5xx response: the row
// goes back to Pending with attempts_made incremented and a future
// next_retry_at.
func TestDispatcher_RetriableFailureReschedules(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = server.URL
	spec.BackoffBaseMs = MinBackoffBaseMs
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: sub.MaxAttempts}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	d := newTestDispatcher(store, outbox)
	before := time.Now()
	d.Deliver(context.Background(), claimed[0])

	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 1, row.AttemptsMade)
	require.NotNil(t, row.NextRetryAt)
	assert.True(t, row.NextRetryAt.After(before))
	require.NotNil(t, row.LastHTTPCode)
	assert.Equal(t, 503, *row.LastHTTPCode)
}

// TestDispatcher_TerminalAfterAttemptsExhausted covers a non-retriable 4xx
// on the final attempt: the row becomes Failed.
func TestDispatcher_TerminalAfterAttemptsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = server.URL
	spec.MaxAttempts = 1
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: 1}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	d := newTestDispatcher(store, outbox)
	d.Deliver(context.Background(), claimed[0])

	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)
	require.NotNil(t, row.LastHTTPCode)
	assert.Equal(t, 400, *row.LastHTTPCode)
}

// TestDispatcher_TerminalFourOhFourFailsWithAttemptsRemaining covers §8 S3:
// a non-retriable 4xx always fails the delivery immediately, even when the
// subscription's retry budget isn't exhausted.
func TestDispatcher_TerminalFourOhFourFailsWithAttemptsRemaining(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = server.URL
	spec.MaxAttempts = 5
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: 5}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	d := newTestDispatcher(store, outbox)
	d.Deliver(context.Background(), claimed[0])

	assert.Equal(t, 1, hits)
	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, 1, row.AttemptsMade)
	require.NotNil(t, row.LastHTTPCode)
	assert.Equal(t, 404, *row.LastHTTPCode)
}

// TestDispatcher_RetriableStatusCodesIncludeRateLimitAndTimeout covers the
// non-5xx retriable set from §4.4: 408, 425, 429.
func TestDispatcher_RetriableStatusCodesIncludeRateLimitAndTimeout(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests} {
		assert.True(t, isRetriableStatus(code), "status %d should be retriable", code)
	}
	for _, code := range []int{400, 401, 403, 404, 410, 422} {
		assert.False(t, isRetriableStatus(code), "status %d should be terminal", code)
	}
	for _, code := range []int{500, 502, 503, 599} {
		assert.True(t, isRetriableStatus(code), "status %d should be retriable", code)
	}
}

// TestDispatcher_TransportErrorRecordsNegativeOne covers a connection that
// never yields an HTTP response: last_http_code must be -1, distinct from
// any real status code (§8 S4).
func TestDispatcher_TransportErrorRecordsNegativeOne(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = "http://127.0.0.1:1" // nothing listens here
	spec.MaxAttempts = 1
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: 1}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	d := newTestDispatcher(store, outbox)
	d.Deliver(context.Background(), claimed[0])

	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, row.LastHTTPCode)
	assert.Equal(t, -1, *row.LastHTTPCode)
}

func TestDispatcher_PayloadTooLargeIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	outbox := NewMemoryOutbox()
	spec := validSpec()
	spec.URL = "https://example.com/hook"
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	oversized := make([]byte, sub.MaxPayloadBytes+1)
	attempt := &DeliveryAttempt{SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: oversized, MaxAttempts: sub.MaxAttempts}
	require.NoError(t, outbox.Insert(context.Background(), attempt))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)

	d := newTestDispatcher(store, outbox)
	d.Deliver(context.Background(), claimed[0])

	row, err := outbox.Get(context.Background(), "ten_1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Contains(t, row.LastError, "payload too large")
}
