// Package webhooks implements the tenant-scoped webhook delivery engine:
// subscription management, durable delivery attempts, signed outbound
// callbacks, and bounded-retry dispatch for SMS lifecycle events.
package webhooks

import (
	"encoding/json"
	"net/url"
	"time"
)

// EventType is one of the SMS lifecycle events a subscription can be
// registered against.
type EventType string

const (
	EventSMSSent      EventType = "sms.sent"
	EventSMSDelivered EventType = "sms.delivered"
	EventSMSFailed    EventType = "sms.failed"
	EventSMSBounced   EventType = "sms.bounced"
	EventSMSRead      EventType = "sms.read"
)

// allEventTypes is the complete set subscriptions may filter on.
var allEventTypes = map[EventType]bool{
	EventSMSSent:      true,
	EventSMSDelivered: true,
	EventSMSFailed:    true,
	EventSMSBounced:   true,
	EventSMSRead:      true,
}

// ValidEventType reports whether e is one of the defined lifecycle events.
func ValidEventType(e EventType) bool {
	return allEventTypes[e]
}

// Status is the lifecycle state of a DeliveryAttempt.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Subscription bounds, per spec.md §3/§4.1.
const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10
	MinBackoffBaseMs   = 1_000
	MaxBackoffBaseMs   = 3_600_000
	MinMaxPayloadBytes = 10 * 1024
	MaxMaxPayloadBytes = 10 * 1024 * 1024

	// MaxRetryDelay is the hard cap on computed backoff, regardless of
	// attempts_made or backoff_base_ms.
	MaxRetryDelay = time.Hour
)

// Stats are the running counters attached to a Subscription. Mutated only
// by the Dispatcher via Store.IncrementStats; never by admin input.
type Stats struct {
	TotalCalls     int64      `json:"total_calls"`
	SuccessCalls   int64      `json:"success_calls"`
	FailureCalls   int64      `json:"failure_calls"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
	LastStatusCode int        `json:"last_status_code"`
	AvgResponseMs  float64    `json:"avg_response_ms"`
}

// Subscription is a per-tenant, event-filtered registration of a callback
// URL plus its retry policy and signing secret.
type Subscription struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	URL             string      `json:"url"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	EventMask       []EventType `json:"event_mask"`
	Secret          string      `json:"secret,omitempty"`
	Active          bool        `json:"active"`
	RetryEnabled    bool        `json:"retry_enabled"`
	MaxAttempts     int         `json:"max_attempts"`
	BackoffBaseMs   int64       `json:"backoff_base_ms"`
	MaxPayloadBytes int64       `json:"max_payload_bytes"`
	NotifyOnFailure bool        `json:"notify_on_failure"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Stats           Stats       `json:"stats"`
}

// Matches reports whether the subscription is active and subscribed to
// eventType.
func (s *Subscription) Matches(eventType EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.EventMask {
		if e == eventType {
			return true
		}
	}
	return false
}

// Redacted returns a shallow copy with Secret cleared, for list responses
// (§4.1: "secret never ... returned in list operations").
func (s *Subscription) Redacted() *Subscription {
	cp := *s
	cp.Secret = ""
	return &cp
}

// Clone returns a deep-enough copy safe to hand to a caller without
// aliasing the store's EventMask slice.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.EventMask = append([]EventType(nil), s.EventMask...)
	return &cp
}

// DeliveryAttempt is the durable record of a single logical delivery
// (across all retries) to one subscription for one emission.
type DeliveryAttempt struct {
	ID                string          `json:"id"`
	SubscriptionID    string          `json:"subscription_id"`
	TenantID          string          `json:"tenant_id"`
	SourceEventID     string          `json:"source_event_id,omitempty"`
	EventType         EventType       `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	Status            Status          `json:"status"`
	AttemptsMade      int             `json:"attempts_made"`
	MaxAttempts       int             `json:"max_attempts"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	LastHTTPCode      *int            `json:"last_http_code,omitempty"`
	LastAttemptAt     *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	Signature         string          `json:"signature,omitempty"`
	RequestDurationMs int64           `json:"request_duration_ms,omitempty"`
}

// LifecycleEvent is the external SMS lifecycle event the Router serializes
// verbatim as the wire payload for matching subscriptions.
type LifecycleEvent struct {
	TenantID          string     `json:"tenant_id"`
	SourceEventID     string     `json:"source_event_id,omitempty"`
	EventType         EventType  `json:"event_type"`
	Recipient         string     `json:"recipient"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Cost              string     `json:"cost,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ErrorReason       string     `json:"error_reason,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
}

// SubscriptionSpec is the caller-supplied shape for Store.Create.
type SubscriptionSpec struct {
	URL             string
	Name            string
	Description     string
	EventMask       []EventType
	MaxAttempts     int
	BackoffBaseMs   int64
	MaxPayloadBytes int64
	RetryEnabled    bool
	NotifyOnFailure bool
}

// SubscriptionPatch is the caller-supplied shape for Store.Update. Nil
// fields are left unchanged.
type SubscriptionPatch struct {
	URL             *string
	Name            *string
	Description     *string
	EventMask       []EventType
	Active          *bool
	RetryEnabled    *bool
	MaxAttempts     *int
	BackoffBaseMs   *int64
	NotifyOnFailure *bool
}

// ListOptions filters Store.List and Outbox.ListForSubscription. Active is
// only meaningful for subscriptions; Start/End are only meaningful for
// delivery-attempt history (§6 GET /webhooks/{id}/events).
type ListOptions struct {
	Active *bool
	Limit  int
	Offset int
	Start  *time.Time
	End    *time.Time
}

// validateSpec checks the fields shared by Create and Update against the
// bounds in §4.1. Callers fill omitted numeric fields before calling it.
func validateSpec(url_ string, eventMask []EventType, maxAttempts int, backoffBaseMs int64) error {
	if err := validateURL(url_); err != nil {
		return err
	}
	if len(eventMask) == 0 {
		return &ValidationError{Field: "events", Message: "must be non-empty"}
	}
	for _, e := range eventMask {
		if !ValidEventType(e) {
			return &ValidationError{Field: "events", Message: "unknown event type: " + string(e)}
		}
	}
	if maxAttempts < MinMaxAttempts || maxAttempts > MaxMaxAttempts {
		return &ValidationError{Field: "max_attempts", Message: "must be within [1, 10]"}
	}
	if backoffBaseMs < MinBackoffBaseMs || backoffBaseMs > MaxBackoffBaseMs {
		return &ValidationError{Field: "backoff_base_ms", Message: "must be within [1000, 3600000]"}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "url", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	return nil
}

// backoffDelay computes the retry spacing for the k-th retriable failure
// (attemptsMade is the count *before* increment, i.e. the number of
// attempts already made when this failure occurred), per §4.4:
//
//	delay = backoff_base_ms * 2^(attempts_made) capped at MaxRetryDelay.
//
// Integer arithmetic throughout avoids float drift; the shift is bounded so
// it cannot overflow before the cap kicks in.
func backoffDelay(backoffBaseMs int64, attemptsMade int) time.Duration {
	shift := uint(attemptsMade)
	if shift > 40 { // far beyond anything that keeps us under the 1h cap
		shift = 40
	}
	ms := backoffBaseMs << shift
	if ms <= 0 || ms > MaxRetryDelay.Milliseconds() {
		return MaxRetryDelay
	}
	return time.Duration(ms) * time.Millisecond
}
