package webhooks

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-webhooks/internal/auth"
	"github.com/mbd888/alancoin-webhooks/internal/pagination"
	"github.com/mbd888/alancoin-webhooks/internal/validation"
)

// Handler exposes the Admin API (§6): tenant-scoped CRUD over subscriptions
// plus secret rotation, synchronous test probes, and delivery history/stats.
type Handler struct {
	store      Store
	outbox     Outbox
	dispatcher *Dispatcher
	feed       *Feed
}

// NewHandler builds an Admin API handler. feed may be nil, in which case
// GET /webhooks/feed responds 503.
func NewHandler(store Store, outbox Outbox, dispatcher *Dispatcher, feed *Feed) *Handler {
	return &Handler{store: store, outbox: outbox, dispatcher: dispatcher, feed: feed}
}

// RegisterRoutes wires the Admin API under r. Every route expects
// auth.Middleware and auth.RequireAuth to already be in the group's
// middleware chain.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.GET("/webhooks/feed", h.Feed)
	r.GET("/webhooks/:id", h.GetSubscription)
	r.PUT("/webhooks/:id", h.UpdateSubscription)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
	r.POST("/webhooks/:id/rotate-secret", h.RotateSecret)
	r.POST("/webhooks/:id/test", h.TestSubscription)
	r.GET("/webhooks/:id/events", h.ListEvents)
	r.GET("/webhooks/:id/stats", h.Stats)
}

// createSubscriptionRequest is the POST /webhooks body.
type createSubscriptionRequest struct {
	URL             string      `json:"url" binding:"required"`
	Name            string      `json:"name" binding:"required"`
	Description     string      `json:"description"`
	Events          []EventType `json:"events" binding:"required"`
	MaxAttempts     *int        `json:"max_attempts"`
	BackoffBaseMs   *int64      `json:"backoff_base_ms"`
	NotifyOnFailure bool        `json:"notify_on_failure"`
}

// CreateSubscription handles POST /webhooks.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", "url, name and events are required")
		return
	}

	spec := SubscriptionSpec{
		URL:             req.URL,
		Name:            validation.SanitizeString(req.Name, validation.MaxStringLength),
		Description:     validation.SanitizeString(req.Description, validation.MaxStringLength),
		EventMask:       req.Events,
		RetryEnabled:    true,
		NotifyOnFailure: req.NotifyOnFailure,
	}
	if req.MaxAttempts != nil {
		spec.MaxAttempts = *req.MaxAttempts
	}
	if req.BackoffBaseMs != nil {
		spec.BackoffBaseMs = *req.BackoffBaseMs
	}

	sub, err := h.store.Create(c.Request.Context(), auth.GetTenantID(c), spec)
	if err != nil {
		writeErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "subscription": sub})
}

// ListSubscriptions handles GET /webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	opts := ListOptions{
		Limit:  queryInt(c, "limit", 0),
		Offset: queryInt(c, "offset", 0),
	}
	if raw := c.Query("active"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			opts.Active = &b
		}
	}

	page, err := h.store.List(c.Request.Context(), auth.GetTenantID(c), opts)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "page": page})
}

// GetSubscription handles GET /webhooks/{id}.
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), auth.GetTenantID(c), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": sub})
}

// updateSubscriptionRequest is the PUT /webhooks/{id} body; every field is
// optional, matching SubscriptionPatch's nil-means-unchanged semantics.
type updateSubscriptionRequest struct {
	URL             *string     `json:"url"`
	Name            *string     `json:"name"`
	Description     *string     `json:"description"`
	Events          []EventType `json:"events"`
	Active          *bool       `json:"active"`
	RetryEnabled    *bool       `json:"retry_enabled"`
	MaxAttempts     *int        `json:"max_attempts"`
	BackoffBaseMs   *int64      `json:"backoff_base_ms"`
	NotifyOnFailure *bool       `json:"notify_on_failure"`
}

// UpdateSubscription handles PUT /webhooks/{id}.
func (h *Handler) UpdateSubscription(c *gin.Context) {
	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	patch := SubscriptionPatch{
		URL:             req.URL,
		Name:            req.Name,
		Description:     req.Description,
		EventMask:       req.Events,
		Active:          req.Active,
		RetryEnabled:    req.RetryEnabled,
		MaxAttempts:     req.MaxAttempts,
		BackoffBaseMs:   req.BackoffBaseMs,
		NotifyOnFailure: req.NotifyOnFailure,
	}

	sub, err := h.store.Update(c.Request.Context(), auth.GetTenantID(c), c.Param("id"), patch)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": sub})
}

// DeleteSubscription handles DELETE /webhooks/{id}.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), auth.GetTenantID(c), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RotateSecret handles POST /webhooks/{id}/rotate-secret.
func (h *Handler) RotateSecret(c *gin.Context) {
	sub, err := h.store.RotateSecret(c.Request.Context(), auth.GetTenantID(c), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": sub})
}

// TestSubscription handles POST /webhooks/{id}/test: a synchronous probe
// (§4.6) that signs and sends a synthetic event with the subscription's
// current secret, bypassing the Outbox entirely.
func (h *Handler) TestSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), auth.GetTenantID(c), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}

	payload := []byte(`{"event_type":"webhook.test","tenant_id":"` + sub.TenantID + `","subscription_id":"` + sub.ID + `"}`)
	probe := &DeliveryAttempt{
		ID:             "probe",
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventType:      "webhook.test",
		Payload:        payload,
		MaxAttempts:    1,
	}

	start := time.Now()
	statusCode, _, sendErr := h.dispatcher.send(c.Request.Context(), sub, probe)
	latency := time.Since(start)

	resp := gin.H{
		"success":    true,
		"ok":         sendErr == nil && statusCode >= 200 && statusCode < 400,
		"http_code":  statusCode,
		"latency_ms": latency.Milliseconds(),
	}
	if sendErr != nil {
		resp["error"] = sendErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /webhooks/{id}/events: delivery-attempt history for
// one subscription. start/end (RFC 3339) narrow the query itself; status/
// event_type narrow the already-fetched page.
func (h *Handler) ListEvents(c *gin.Context) {
	tenantID := auth.GetTenantID(c)
	id := c.Param("id")

	if _, err := h.store.Get(c.Request.Context(), tenantID, id); err != nil {
		writeErr(c, err)
		return
	}

	opts := ListOptions{
		Limit:  queryInt(c, "limit", 0),
		Offset: queryInt(c, "offset", 0),
		Start:  queryTime(c, "start"),
		End:    queryTime(c, "end"),
	}
	page, err := h.outbox.ListForSubscription(c.Request.Context(), tenantID, id, opts)
	if err != nil {
		writeErr(c, err)
		return
	}

	if status := Status(c.Query("status")); status != "" {
		page = filterPage(page, func(a DeliveryAttempt) bool { return a.Status == status })
	}
	if et := EventType(c.Query("event_type")); et != "" {
		page = filterPage(page, func(a DeliveryAttempt) bool { return a.EventType == et })
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "page": page})
}

// filterPage narrows an already-fetched page to rows matching keep, without
// re-querying the store. Total/HasMore describe the unfiltered page.
func filterPage(page pagination.Page[DeliveryAttempt], keep func(DeliveryAttempt) bool) pagination.Page[DeliveryAttempt] {
	filtered := make([]DeliveryAttempt, 0, len(page.Items))
	for _, a := range page.Items {
		if keep(a) {
			filtered = append(filtered, a)
		}
	}
	page.Items = filtered
	return page
}

// subscriptionStats is the GET /webhooks/{id}/stats response shape: the
// subscription's running counters plus a small aggregation over its
// delivery attempts (§4.6).
type subscriptionStats struct {
	Stats          Stats              `json:"stats"`
	PendingCount   int                `json:"pending_count"`
	SuccessCount   int                `json:"success_count"`
	FailedCount    int                `json:"failed_count"`
	ByEventType    map[EventType]int  `json:"by_event_type"`
	RecentAttempts []*DeliveryAttempt `json:"recent_attempts"`
}

// Stats handles GET /webhooks/{id}/stats.
func (h *Handler) Stats(c *gin.Context) {
	tenantID := auth.GetTenantID(c)
	id := c.Param("id")

	sub, err := h.store.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		writeErr(c, err)
		return
	}

	recent, err := h.outbox.ListForSubscription(c.Request.Context(), tenantID, id, ListOptions{Limit: 10})
	if err != nil {
		writeErr(c, err)
		return
	}

	all, err := h.outbox.ListForSubscription(c.Request.Context(), tenantID, id, ListOptions{Limit: pagination.MaxLimit})
	if err != nil {
		writeErr(c, err)
		return
	}

	result := subscriptionStats{
		Stats:       sub.Stats,
		ByEventType: map[EventType]int{},
	}
	for _, a := range all.Items {
		switch a.Status {
		case StatusPending, StatusInFlight:
			result.PendingCount++
		case StatusSuccess:
			result.SuccessCount++
		case StatusFailed:
			result.FailedCount++
		}
		result.ByEventType[a.EventType]++
	}

	recentPtrs := make([]*DeliveryAttempt, len(recent.Items))
	for i := range recent.Items {
		recentPtrs[i] = &recent.Items[i]
	}
	result.RecentAttempts = recentPtrs

	c.JSON(http.StatusOK, gin.H{"success": true, "stats": result})
}

// Feed handles GET /webhooks/feed: upgrades to the tenant-scoped live
// delivery WebSocket stream (§10.7/S9).
func (h *Handler) Feed(c *gin.Context) {
	if h.feed == nil {
		fail(c, http.StatusServiceUnavailable, "feed_disabled", "live delivery feed is not configured")
		return
	}
	h.feed.HandleWebSocket(c.Writer, c.Request, auth.GetTenantID(c))
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryTime parses an RFC 3339 timestamp query parameter, returning nil if
// absent or malformed (a malformed bound is treated as "no bound" rather
// than a 400, since it only narrows an already-authorized read).
func queryTime(c *gin.Context, key string) *time.Time {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// writeErr translates a Store/Outbox error into the §7 HTTP mapping.
// Forbidden collapses into NotFound so a cross-tenant probe can't
// distinguish "not yours" from "doesn't exist".
func writeErr(c *gin.Context, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		fail(c, http.StatusBadRequest, "invalid_request", ve.Error())
		return
	}
	var fe *ForbiddenError
	if errors.As(err, &fe) {
		fail(c, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	var ne *NotFoundError
	if errors.As(err, &ne) {
		fail(c, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	fail(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": code, "message": message})
}
