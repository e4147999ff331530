package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/alancoin-webhooks/internal/circuitbreaker"
	"github.com/mbd888/alancoin-webhooks/internal/metrics"
	"github.com/mbd888/alancoin-webhooks/internal/security"
	"github.com/mbd888/alancoin-webhooks/internal/traces"
)

// maxResponseBodyRead caps how much of a subscriber's response we buffer,
// protecting the dispatcher from a misbehaving endpoint streaming gigabytes.
const maxResponseBodyRead = 4 * 1024

// Dispatcher is the bounded worker pool (C4) that turns a claimed
// DeliveryAttempt into a signed outbound HTTP POST, classifies the result,
// and advances the attempt's state in the Outbox.
type Dispatcher struct {
	store         Store
	outbox        Outbox
	notifier      *Notifier
	feed          *Feed
	breaker       *circuitbreaker.Breaker
	client        *http.Client
	logger        *slog.Logger
	workers       int
	fresh         chan *DeliveryAttempt
	skipSSRFCheck bool // allow loopback endpoints; tests and local dev only
}

// DispatcherOption configures optional Dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithNotifier attaches a failure notifier fired when a delivery exhausts
// retries for a subscription with notify_on_failure set.
func WithNotifier(n *Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithFeed attaches a live delivery feed that receives every delivery
// outcome as it's recorded.
func WithFeed(f *Feed) DispatcherOption {
	return func(d *Dispatcher) { d.feed = f }
}

// WithAllowLocalEndpoints disables the SSRF guard, allowing loopback
// subscription URLs to be dispatched to. Only use this for tests and local
// dev mode where subscriber endpoints run on the same host.
func WithAllowLocalEndpoints() DispatcherOption {
	return func(d *Dispatcher) { d.skipSSRFCheck = true }
}

// NewDispatcher builds a Dispatcher with workers concurrent goroutines
// draining fresh (the Router's handoff channel) plus whatever the Retry
// Scheduler feeds it directly.
func NewDispatcher(store Store, outbox Outbox, workers int, dispatchTimeout time.Duration, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		store:   store,
		outbox:  outbox,
		breaker: circuitbreaker.New(5, 30*time.Second),
		client: &http.Client{
			Timeout: dispatchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("webhooks: stopped after 3 redirects")
				}
				return nil
			},
		},
		logger:  logger,
		workers: workers,
		fresh:   make(chan *DeliveryAttempt, workers*4),
	}
	d.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		metrics.CircuitBreakerStateChanges.WithLabelValues(to.String()).Inc()
	})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channel exposes the handoff channel the Event Router and Retry Scheduler
// feed claimed/fresh attempts into.
func (d *Dispatcher) Channel() chan<- *DeliveryAttempt {
	return d.fresh
}

// Run starts the worker pool. Call in a goroutine; returns when ctx is done
// and all in-flight workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < d.workers; i++ {
		go d.worker(ctx, done)
	}
	<-ctx.Done()
	for i := 0; i < d.workers; i++ {
		<-done
	}
}

func (d *Dispatcher) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case attempt := <-d.fresh:
			d.deliver(ctx, attempt)
		}
	}
}

// Deliver is exported so the Retry Scheduler can push a directly-claimed row
// through the same delivery path without going through the channel.
func (d *Dispatcher) Deliver(ctx context.Context, attempt *DeliveryAttempt) {
	d.deliver(ctx, attempt)
}

func (d *Dispatcher) deliver(ctx context.Context, attempt *DeliveryAttempt) {
	ctx, span := traces.StartSpan(ctx, "webhooks.dispatcher.deliver",
		traces.TenantID(attempt.TenantID), traces.DeliveryID(attempt.ID),
		traces.EventType(string(attempt.EventType)), traces.AttemptsMade(attempt.AttemptsMade))
	defer span.End()

	sub, err := d.store.GetByID(ctx, attempt.SubscriptionID)
	if err != nil {
		d.logger.Error("dispatcher: subscription lookup failed", "subscription_id", attempt.SubscriptionID, "error", err)
		_ = d.outbox.MarkFailed(ctx, attempt.ID, "subscription not found", nil)
		return
	}

	host := hostOf(sub.URL)
	if !d.breaker.Allow(host) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("breaker_open").Inc()
		d.retryOrFail(ctx, attempt, sub, "circuit breaker open for destination host", nil)
		return
	}

	if int64(len(attempt.Payload)) > sub.MaxPayloadBytes {
		metrics.WebhookDeliveriesTotal.WithLabelValues("payload_too_large").Inc()
		_ = d.outbox.MarkFailed(ctx, attempt.ID, ErrPayloadTooLarge.Error(), nil)
		_ = d.store.IncrementStats(ctx, sub.ID, StatFailure, 0, 0)
		return
	}

	if !d.skipSSRFCheck {
		if err := security.ValidateEndpointURL(sub.URL); err != nil {
			_ = d.outbox.MarkFailed(ctx, attempt.ID, "endpoint rejected: "+err.Error(), nil)
			_ = d.store.IncrementStats(ctx, sub.ID, StatFailure, 0, 0)
			return
		}
	}

	start := time.Now()
	statusCode, respBody, sendErr := d.send(ctx, sub, attempt)
	durationMs := time.Since(start).Milliseconds()
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if sendErr == nil && statusCode >= 200 && statusCode < 400 {
		d.breaker.RecordSuccess(host)
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		_ = d.outbox.MarkSuccess(ctx, attempt.ID, statusCode, durationMs)
		_ = d.store.IncrementStats(ctx, sub.ID, StatSuccess, durationMs, statusCode)
		d.publish(attempt, sub.TenantID, StatusSuccess, statusCode, "")
		return
	}

	d.breaker.RecordFailure(host)
	errMsg := classifyError(sendErr, statusCode, respBody)
	// -1 marks a transport failure (no HTTP response at all) so it's
	// distinguishable from a genuine HTTP status code in last_http_code.
	recordedCode := statusCode
	if sendErr != nil {
		recordedCode = -1
	}
	if sendErr == nil && !isRetriableStatus(statusCode) {
		// Terminal 4xx (per §4.4: "any other status in [400,500) except
		// the retriable ones"): the receiver will not retroactively accept
		// a retry, so this always fails regardless of attempts remaining.
		metrics.WebhookDeliveriesTotal.WithLabelValues("terminal").Inc()
		_ = d.outbox.MarkFailed(ctx, attempt.ID, errMsg, &recordedCode)
		d.publish(attempt, sub.TenantID, StatusFailed, statusCode, errMsg)
		if sub.NotifyOnFailure && d.notifier != nil {
			d.notifier.NotifyFailure(sub, attempt, errMsg)
		}
	} else {
		d.retryOrFail(ctx, attempt, sub, errMsg, &recordedCode)
	}
	_ = d.store.IncrementStats(ctx, sub.ID, StatFailure, durationMs, recordedCode)
}

// isRetriableStatus reports whether statusCode is one of the retriable
// codes from §4.4: 408, 425, 429, or any 5xx.
func isRetriableStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return false
}

func (d *Dispatcher) publish(attempt *DeliveryAttempt, tenantID string, status Status, httpCode int, errMsg string) {
	if d.feed == nil {
		return
	}
	var codePtr *int
	if httpCode != 0 {
		codePtr = &httpCode
	}
	d.feed.Publish(tenantID, &FeedEvent{
		Timestamp:      time.Now(),
		DeliveryID:     attempt.ID,
		SubscriptionID: attempt.SubscriptionID,
		EventType:      attempt.EventType,
		Status:         status,
		AttemptsMade:   attempt.AttemptsMade + 1,
		HTTPStatus:     codePtr,
		Error:          errMsg,
	})
}

func (d *Dispatcher) retryOrFail(ctx context.Context, attempt *DeliveryAttempt, sub *Subscription, errMsg string, httpCode *int) {
	attemptsAfter := attempt.AttemptsMade + 1
	code := 0
	if httpCode != nil {
		code = *httpCode
	}
	if !sub.RetryEnabled || attemptsAfter >= attempt.MaxAttempts {
		metrics.WebhookDeliveriesTotal.WithLabelValues("terminal").Inc()
		_ = d.outbox.MarkFailed(ctx, attempt.ID, errMsg, httpCode)
		d.publish(attempt, sub.TenantID, StatusFailed, code, errMsg)
		if sub.NotifyOnFailure && d.notifier != nil {
			d.notifier.NotifyFailure(sub, attempt, errMsg)
		}
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("retriable").Inc()
	delay := backoffDelay(sub.BackoffBaseMs, attempt.AttemptsMade)
	_ = d.outbox.ScheduleRetry(ctx, attempt.ID, errMsg, httpCode, time.Now().Add(delay))
	d.publish(attempt, sub.TenantID, StatusPending, code, errMsg)
}

// send performs the signed HTTP POST and returns the status code (0 if the
// request never completed) and a bounded snippet of the response body.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, attempt *DeliveryAttempt) (int, string, error) {
	signature := sign(attempt.Payload, sub.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(attempt.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", string(attempt.EventType))
	req.Header.Set("X-Webhook-Delivery", attempt.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", attempt.AttemptsMade+1))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	return resp.StatusCode, string(body), nil
}

// sign computes the lowercase hex HMAC-SHA256 of payload under secret, the
// value subscribers verify against X-Webhook-Signature.
func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func classifyError(sendErr error, statusCode int, respBody string) string {
	if sendErr != nil {
		return "transport error: " + sendErr.Error()
	}
	snippet := respBody
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return fmt.Sprintf("unexpected status %d: %s", statusCode, snippet)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
