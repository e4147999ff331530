package webhooks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/alancoin-webhooks/internal/idgen"
	"github.com/mbd888/alancoin-webhooks/internal/pagination"
	"github.com/mbd888/alancoin-webhooks/internal/syncutil"
)

// Outbox is the Delivery Outbox (C3): the durable record of every delivery
// attempt, claimed by the Dispatcher and advanced through its state machine
// by the Dispatcher and Retry Scheduler.
//
// Implementations must make ClaimDue safe against concurrent callers: two
// schedulers racing to claim the same due row must never both succeed.
type Outbox interface {
	// Insert durably records a new attempt in StatusPending.
	Insert(ctx context.Context, attempt *DeliveryAttempt) error

	// ClaimDue atomically transitions up to limit Pending rows whose
	// next_retry_at has passed (or is nil, for first attempts) into
	// InFlight and returns them. Rows already InFlight are untouched unless
	// ReclaimStuck is called first.
	ClaimDue(ctx context.Context, limit int) ([]*DeliveryAttempt, error)

	// Claim atomically transitions a single Pending row to InFlight. Used
	// by the Router's immediate-dispatch fast path so a freshly inserted
	// row reaches the Dispatcher already InFlight, same as a row claimed by
	// the Retry Scheduler's sweep. ok is false if the row is no longer
	// Pending (e.g. a concurrent scheduler sweep claimed it first); that is
	// not an error, the row is simply someone else's to deliver.
	Claim(ctx context.Context, id string) (attempt *DeliveryAttempt, ok bool, err error)

	// MarkSuccess transitions an InFlight attempt to Success. durationMs and
	// httpCode are recorded for observability.
	MarkSuccess(ctx context.Context, id string, httpCode int, durationMs int64) error

	// ScheduleRetry transitions an InFlight attempt back to Pending with an
	// incremented attempts_made and a computed next_retry_at.
	ScheduleRetry(ctx context.Context, id string, lastErr string, httpCode *int, nextRetryAt time.Time) error

	// MarkFailed transitions an InFlight attempt to the terminal Failed
	// state; attempts are exhausted or the error is non-retriable.
	MarkFailed(ctx context.Context, id string, lastErr string, httpCode *int) error

	// ReclaimStuck resets InFlight rows whose last_attempt_at is older than
	// olderThan back to Pending, recovering from a dispatcher crash
	// mid-delivery. Returns the number of rows reclaimed.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)

	Get(ctx context.Context, tenantID, id string) (*DeliveryAttempt, error)
	ListForSubscription(ctx context.Context, tenantID, subscriptionID string, opts ListOptions) (pagination.Page[DeliveryAttempt], error)
}

// MemoryOutbox is an in-memory Outbox for tests and local development. A
// single mutex guards the row map, so ClaimDue cannot double-claim a row
// even under concurrent callers; every operation holds it, so operations on
// unrelated rows are serialized too.
type MemoryOutbox struct {
	mu    sync.RWMutex
	rows  map[string]*DeliveryAttempt
	locks syncutil.ShardedMutex
}

// NewMemoryOutbox creates an empty in-memory delivery outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{rows: make(map[string]*DeliveryAttempt)}
}

func (o *MemoryOutbox) Insert(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = idgen.WithPrefix("da_")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	attempt.Status = StatusPending

	// Defensive copy of the payload so the caller mutating its buffer later
	// cannot corrupt the stored row.
	payload := make(json.RawMessage, len(attempt.Payload))
	copy(payload, attempt.Payload)
	stored := *attempt
	stored.Payload = payload

	o.mu.Lock()
	o.rows[stored.ID] = &stored
	o.mu.Unlock()
	return nil
}

func (o *MemoryOutbox) ClaimDue(ctx context.Context, limit int) ([]*DeliveryAttempt, error) {
	o.mu.Lock()
	var candidates []*DeliveryAttempt
	now := time.Now()
	for _, row := range o.rows {
		if row.Status != StatusPending {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			continue
		}
		candidates = append(candidates, row)
	}
	// Due rows go by ascending next_retry_at (rows never retried, with no
	// next_retry_at, first), then by ascending created_at.
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := candidates[i].NextRetryAt, candidates[j].NextRetryAt
		if (ni == nil) != (nj == nil) {
			return ni == nil
		}
		if ni != nil && !ni.Equal(*nj) {
			return ni.Before(*nj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*DeliveryAttempt, 0, len(candidates))
	for _, row := range candidates {
		row.Status = StatusInFlight
		t := now
		row.LastAttemptAt = &t
		cp := *row
		cp.Payload = append(json.RawMessage(nil), row.Payload...)
		claimed = append(claimed, &cp)
	}
	o.mu.Unlock()
	return claimed, nil
}

func (o *MemoryOutbox) Claim(ctx context.Context, id string) (*DeliveryAttempt, bool, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.Status != StatusPending {
		return nil, false, nil
	}
	row.Status = StatusInFlight
	now := time.Now()
	row.LastAttemptAt = &now
	cp := *row
	cp.Payload = append(json.RawMessage(nil), row.Payload...)
	return &cp, true, nil
}

func (o *MemoryOutbox) MarkSuccess(ctx context.Context, id string, httpCode int, durationMs int64) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.Status != StatusInFlight {
		return nil // already resolved by a concurrent caller; idempotent no-op
	}
	row.Status = StatusSuccess
	row.AttemptsMade++
	code := httpCode
	row.LastHTTPCode = &code
	row.RequestDurationMs = durationMs
	now := time.Now()
	row.SentAt = &now
	row.NextRetryAt = nil
	return nil
}

func (o *MemoryOutbox) ScheduleRetry(ctx context.Context, id string, lastErr string, httpCode *int, nextRetryAt time.Time) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.Status != StatusInFlight {
		return nil
	}
	row.Status = StatusPending
	row.AttemptsMade++
	row.LastError = lastErr
	row.LastHTTPCode = httpCode
	row.NextRetryAt = &nextRetryAt
	return nil
}

func (o *MemoryOutbox) MarkFailed(ctx context.Context, id string, lastErr string, httpCode *int) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok || row.Status != StatusInFlight {
		return nil
	}
	row.Status = StatusFailed
	row.AttemptsMade++
	row.LastError = lastErr
	row.LastHTTPCode = httpCode
	row.NextRetryAt = nil
	return nil
}

func (o *MemoryOutbox) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, row := range o.rows {
		if row.Status != StatusInFlight {
			continue
		}
		if row.LastAttemptAt != nil && row.LastAttemptAt.Before(cutoff) {
			row.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (o *MemoryOutbox) Get(ctx context.Context, tenantID, id string) (*DeliveryAttempt, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	row, ok := o.rows[id]
	if !ok {
		return nil, &NotFoundError{Resource: "delivery_attempt", ID: id}
	}
	if row.TenantID != tenantID {
		return nil, &ForbiddenError{Resource: "delivery_attempt", ID: id}
	}
	cp := *row
	cp.Payload = append(json.RawMessage(nil), row.Payload...)
	return &cp, nil
}

func (o *MemoryOutbox) ListForSubscription(ctx context.Context, tenantID, subscriptionID string, opts ListOptions) (pagination.Page[DeliveryAttempt], error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var matched []*DeliveryAttempt
	for _, row := range o.rows {
		if row.TenantID != tenantID || row.SubscriptionID != subscriptionID {
			continue
		}
		if opts.Start != nil && row.CreatedAt.Before(*opts.Start) {
			continue
		}
		if opts.End != nil && row.CreatedAt.After(*opts.End) {
			continue
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := pagination.ClampLimit(opts.Limit)
	offset := pagination.ClampOffset(opts.Offset)
	total := len(matched)

	var window []DeliveryAttempt
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		window = make([]DeliveryAttempt, 0, end-offset)
		for _, row := range matched[offset:end] {
			cp := *row
			cp.Payload = append(json.RawMessage(nil), row.Payload...)
			window = append(window, cp)
		}
	}

	return pagination.NewPage(window, total, limit, offset), nil
}
