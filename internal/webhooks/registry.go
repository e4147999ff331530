package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/alancoin-webhooks/internal/idgen"
	"github.com/mbd888/alancoin-webhooks/internal/pagination"
)

// StatOutcome is the classification IncrementStats records against a
// subscription's running counters.
type StatOutcome int

const (
	StatSuccess StatOutcome = iota
	StatFailure
)

// Store is the Subscription Registry (C1): per-tenant webhook
// configurations, their retry policy, and delivery statistics.
type Store interface {
	Create(ctx context.Context, tenantID string, spec SubscriptionSpec) (*Subscription, error)
	Get(ctx context.Context, tenantID, id string) (*Subscription, error)
	List(ctx context.Context, tenantID string, opts ListOptions) (pagination.Page[Subscription], error)
	Update(ctx context.Context, tenantID, id string, patch SubscriptionPatch) (*Subscription, error)
	Delete(ctx context.Context, tenantID, id string) error
	RotateSecret(ctx context.Context, tenantID, id string) (*Subscription, error)
	IncrementStats(ctx context.Context, id string, outcome StatOutcome, latencyMs int64, httpCode int) error

	// ListActiveForEvent is C2's hot-path lookup: active subscriptions for
	// tenantID whose event_mask contains eventType. Unlike Get, it performs
	// no tenant-mismatch check by design (the tenant is the query key).
	ListActiveForEvent(ctx context.Context, tenantID string, eventType EventType) ([]*Subscription, error)

	// GetByID looks up a subscription by id alone, used internally by the
	// Dispatcher which already trusts the tenant_id recorded on the
	// DeliveryAttempt. It does not enforce tenant isolation.
	GetByID(ctx context.Context, id string) (*Subscription, error)
}

func generateSecret() string {
	return idgen.Hex(32) // 256 bits, comfortably above the >=128 bit floor
}

// MemoryStore is an in-memory Store for tests and local development,
// mirroring the teacher's mutex-guarded map idiom.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory subscription registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, tenantID string, spec SubscriptionSpec) (*Subscription, error) {
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = MinMaxAttempts
	}
	backoff := spec.BackoffBaseMs
	if backoff == 0 {
		backoff = MinBackoffBaseMs
	}
	maxPayload := spec.MaxPayloadBytes
	if maxPayload == 0 {
		maxPayload = MinMaxPayloadBytes
	}
	if maxPayload < MinMaxPayloadBytes || maxPayload > MaxMaxPayloadBytes {
		return nil, &ValidationError{Field: "max_payload_bytes", Message: "must be within [10KiB, 10MiB]"}
	}
	if err := validateSpec(spec.URL, spec.EventMask, maxAttempts, backoff); err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		ID:              idgen.WithPrefix("wh_"),
		TenantID:        tenantID,
		URL:             spec.URL,
		Name:            spec.Name,
		Description:     spec.Description,
		EventMask:       append([]EventType(nil), spec.EventMask...),
		Secret:          generateSecret(),
		Active:          true,
		RetryEnabled:    spec.RetryEnabled,
		MaxAttempts:     maxAttempts,
		BackoffBaseMs:   backoff,
		MaxPayloadBytes: maxPayload,
		NotifyOnFailure: spec.NotifyOnFailure,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	return sub.Clone(), nil
}

func (m *MemoryStore) lookup(tenantID, id string) (*Subscription, error) {
	sub, ok := m.subs[id]
	if !ok {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	if sub.TenantID != tenantID {
		return nil, &ForbiddenError{Resource: "subscription", ID: id}
	}
	return sub, nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	return sub.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID string, opts ListOptions) (pagination.Page[Subscription], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range m.subs {
		if sub.TenantID != tenantID {
			continue
		}
		if opts.Active != nil && sub.Active != *opts.Active {
			continue
		}
		matched = append(matched, sub)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := pagination.ClampLimit(opts.Limit)
	offset := pagination.ClampOffset(opts.Offset)
	total := len(matched)

	var window []Subscription
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		window = make([]Subscription, 0, end-offset)
		for _, sub := range matched[offset:end] {
			window = append(window, *sub.Redacted())
		}
	}

	return pagination.NewPage(window, total, limit, offset), nil
}

func (m *MemoryStore) Update(ctx context.Context, tenantID, id string, patch SubscriptionPatch) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}

	next := *sub
	next.EventMask = append([]EventType(nil), sub.EventMask...)
	if patch.URL != nil {
		next.URL = *patch.URL
	}
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.EventMask != nil {
		next.EventMask = append([]EventType(nil), patch.EventMask...)
	}
	if patch.Active != nil {
		next.Active = *patch.Active
	}
	if patch.RetryEnabled != nil {
		next.RetryEnabled = *patch.RetryEnabled
	}
	if patch.MaxAttempts != nil {
		next.MaxAttempts = *patch.MaxAttempts
	}
	if patch.BackoffBaseMs != nil {
		next.BackoffBaseMs = *patch.BackoffBaseMs
	}
	if patch.NotifyOnFailure != nil {
		next.NotifyOnFailure = *patch.NotifyOnFailure
	}

	if err := validateSpec(next.URL, next.EventMask, next.MaxAttempts, next.BackoffBaseMs); err != nil {
		return nil, err
	}

	next.UpdatedAt = time.Now()
	m.subs[id] = &next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(tenantID, id); err != nil {
		return err
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RotateSecret(ctx context.Context, tenantID, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	sub.Secret = generateSecret()
	sub.UpdatedAt = time.Now()
	return sub.Clone(), nil
}

func (m *MemoryStore) IncrementStats(ctx context.Context, id string, outcome StatOutcome, latencyMs int64, httpCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil // row may have been deleted concurrently; not an error for a background updater
	}

	sub.Stats.TotalCalls++
	switch outcome {
	case StatSuccess:
		sub.Stats.SuccessCalls++
	case StatFailure:
		sub.Stats.FailureCalls++
	}
	now := time.Now()
	sub.Stats.LastCallAt = &now
	sub.Stats.LastStatusCode = httpCode

	n := float64(sub.Stats.TotalCalls)
	sample := float64(latencyMs)
	sub.Stats.AvgResponseMs += (sample - sub.Stats.AvgResponseMs) / n

	return nil
}

func (m *MemoryStore) ListActiveForEvent(ctx context.Context, tenantID string, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range m.subs {
		if sub.TenantID == tenantID && sub.Matches(eventType) {
			matched = append(matched, sub.Clone())
		}
	}
	return matched, nil
}
