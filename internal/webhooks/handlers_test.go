package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-webhooks/internal/auth"
)

// withTenant stubs the auth middleware's effect, setting tenantID in gin
// context the way auth.Middleware does after verifying a bearer token.
func withTenant(tenantID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.ContextKeyTenantID, tenantID)
		c.Next()
	}
}

func setupTestRouter(t *testing.T, store Store, outbox Outbox, d *Dispatcher, feed *Feed) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h := NewHandler(store, outbox, d, feed)
	group := engine.Group("/")
	group.Use(withTenant("ten_1"))
	h.RegisterRoutes(group)
	return engine, h
}

func doJSON(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateSubscription(t *testing.T) {
	store := NewMemoryStore()
	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)

	w := doJSON(engine, http.MethodPost, "/webhooks", map[string]interface{}{
		"url":    "https://example.com/hook",
		"name":   "primary",
		"events": []string{"sms.sent"},
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	sub := resp["subscription"].(map[string]interface{})
	assert.NotEmpty(t, sub["secret"])
}

func TestHandler_CreateSubscriptionValidationError(t *testing.T) {
	store := NewMemoryStore()
	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)

	w := doJSON(engine, http.MethodPost, "/webhooks", map[string]interface{}{
		"url":    "not-a-url",
		"name":   "primary",
		"events": []string{"sms.sent"},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
}

func TestHandler_GetSubscriptionCrossTenantCollapsesTo404(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_other", validSpec())
	require.NoError(t, err)

	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)
	w := doJSON(engine, http.MethodGet, "/webhooks/"+sub.ID, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListSubscriptionsRedactsSecret(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)
	w := doJSON(engine, http.MethodGet, "/webhooks", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool `json:"success"`
		Page    struct {
			Items []Subscription `json:"items"`
		} `json:"page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Page.Items, 1)
	assert.Empty(t, resp.Page.Items[0].Secret)
}

func TestHandler_UpdateSubscription(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)
	w := doJSON(engine, http.MethodPut, "/webhooks/"+sub.ID, map[string]interface{}{"name": "renamed"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	updated := resp["subscription"].(map[string]interface{})
	assert.Equal(t, "renamed", updated["name"])
}

func TestHandler_DeleteSubscription(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)
	w := doJSON(engine, http.MethodDelete, "/webhooks/"+sub.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err = store.Get(context.Background(), "ten_1", sub.ID)
	var ne *NotFoundError
	require.ErrorAs(t, err, &ne)
}

func TestHandler_RotateSecretChangesSecret(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)
	w := doJSON(engine, http.MethodPost, "/webhooks/"+sub.ID+"/rotate-secret", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	rotated := resp["subscription"].(map[string]interface{})
	assert.NotEqual(t, sub.Secret, rotated["secret"])
}

func TestHandler_TestSubscriptionProbesSynchronously(t *testing.T) {
	var hit bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	spec := validSpec()
	spec.URL = server.URL
	sub, err := store.Create(context.Background(), "ten_1", spec)
	require.NoError(t, err)

	outbox := NewMemoryOutbox()
	d := NewDispatcher(store, outbox, 1, 2*time.Second, slog.Default(), WithAllowLocalEndpoints())
	engine, _ := setupTestRouter(t, store, outbox, d, nil)

	w := doJSON(engine, http.MethodPost, "/webhooks/"+sub.ID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, hit)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])

	page, err := outbox.ListForSubscription(context.Background(), "ten_1", sub.ID, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "a test probe must not create an Outbox row")
}

func TestHandler_ListEventsFiltersByStatus(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	outbox := NewMemoryOutbox()
	require.NoError(t, outbox.Insert(context.Background(), &DeliveryAttempt{
		SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: 3,
	}))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, outbox.MarkSuccess(context.Background(), claimed[0].ID, 200, 10))

	engine, _ := setupTestRouter(t, store, outbox, nil, nil)
	w := doJSON(engine, http.MethodGet, "/webhooks/"+sub.ID+"/events?status=success", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Page struct {
			Items []DeliveryAttempt `json:"items"`
		} `json:"page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Page.Items, 1)
	assert.Equal(t, StatusSuccess, resp.Page.Items[0].Status)
}

func TestHandler_StatsAggregatesCounts(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Create(context.Background(), "ten_1", validSpec())
	require.NoError(t, err)

	outbox := NewMemoryOutbox()
	require.NoError(t, outbox.Insert(context.Background(), &DeliveryAttempt{
		SubscriptionID: sub.ID, TenantID: "ten_1", EventType: EventSMSSent, Payload: []byte(`{}`), MaxAttempts: 3,
	}))
	claimed, err := outbox.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, outbox.MarkSuccess(context.Background(), claimed[0].ID, 200, 10))
	require.NoError(t, store.IncrementStats(context.Background(), sub.ID, StatSuccess, 10, 200))

	engine, _ := setupTestRouter(t, store, outbox, nil, nil)
	w := doJSON(engine, http.MethodGet, "/webhooks/"+sub.ID+"/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats subscriptionStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.SuccessCount)
	assert.Equal(t, int64(1), resp.Stats.Stats.TotalCalls)
}

func TestHandler_FeedDisabledReturns503(t *testing.T) {
	store := NewMemoryStore()
	engine, _ := setupTestRouter(t, store, NewMemoryOutbox(), nil, nil)

	w := doJSON(engine, http.MethodGet, "/webhooks/feed", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
