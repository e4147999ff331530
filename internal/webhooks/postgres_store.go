package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/alancoin-webhooks/internal/idgen"
	"github.com/mbd888/alancoin-webhooks/internal/pagination"
)

// PostgresStore persists subscriptions and delivery attempts in PostgreSQL.
// It implements both Store (C1) and Outbox (C3); the two tables share a
// connection pool and a transactional claim path so ClaimDue composes
// cleanly with the scheduler's stuck-row reclaim.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription registry
// and delivery outbox. Schema is managed by goose migrations, not here.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)
var _ Outbox = (*PostgresStore)(nil)

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// --- Subscription Registry (C1) ---

const subscriptionColumns = `id, tenant_id, url, name, description, event_mask, secret,
	active, retry_enabled, max_attempts, backoff_base_ms, max_payload_bytes,
	notify_on_failure, created_at, updated_at,
	total_calls, success_calls, failure_calls, last_call_at, last_status_code, avg_response_ms`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		description    sql.NullString
		eventMask      pq.StringArray
		lastCallAt     sql.NullTime
		lastStatusCode sql.NullInt64
	)

	err := s.Scan(
		&sub.ID, &sub.TenantID, &sub.URL, &sub.Name, &description, &eventMask, &sub.Secret,
		&sub.Active, &sub.RetryEnabled, &sub.MaxAttempts, &sub.BackoffBaseMs, &sub.MaxPayloadBytes,
		&sub.NotifyOnFailure, &sub.CreatedAt, &sub.UpdatedAt,
		&sub.Stats.TotalCalls, &sub.Stats.SuccessCalls, &sub.Stats.FailureCalls,
		&lastCallAt, &lastStatusCode, &sub.Stats.AvgResponseMs,
	)
	if err != nil {
		return nil, err
	}

	sub.Description = description.String
	sub.EventMask = make([]EventType, len(eventMask))
	for i, e := range eventMask {
		sub.EventMask[i] = EventType(e)
	}
	if lastCallAt.Valid {
		sub.Stats.LastCallAt = &lastCallAt.Time
	}
	sub.Stats.LastStatusCode = int(lastStatusCode.Int64)

	return sub, nil
}

func (p *PostgresStore) Create(ctx context.Context, tenantID string, spec SubscriptionSpec) (*Subscription, error) {
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

	mask := make(pq.StringArray, len(sub.EventMask))
	for i, e := range sub.EventMask {
		mask[i] = string(e)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, tenant_id, url, name, description, event_mask, secret,
			active, retry_enabled, max_attempts, backoff_base_ms, max_payload_bytes,
			notify_on_failure, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.TenantID, sub.URL, sub.Name, nullString(sub.Description), mask, sub.Secret,
		sub.Active, sub.RetryEnabled, sub.MaxAttempts, sub.BackoffBaseMs, sub.MaxPayloadBytes,
		sub.NotifyOnFailure, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, &ForbiddenError{Resource: "subscription", ID: id}
	}
	return sub, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, opts ListOptions) (pagination.Page[Subscription], error) {
	limit := pagination.ClampLimit(opts.Limit)
	offset := pagination.ClampOffset(opts.Offset)

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM subscriptions WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if opts.Active != nil {
		query += ` AND active = $2`
		countQuery += ` AND active = $2`
		args = append(args, *opts.Active)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, limit, offset)

	var total int
	countArgs := args[:1]
	if opts.Active != nil {
		countArgs = args[:2]
	}
	if err := p.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return pagination.Page[Subscription]{}, err
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return pagination.Page[Subscription]{}, err
	}
	defer func() { _ = rows.Close() }()

	var items []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return pagination.Page[Subscription]{}, err
		}
		items = append(items, *sub.Redacted())
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Subscription]{}, err
	}

	return pagination.NewPage(items, total, limit, offset), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (p *PostgresStore) Update(ctx context.Context, tenantID, id string, patch SubscriptionPatch) (*Subscription, error) {
	existing, err := p.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	next := *existing
	next.EventMask = append([]EventType(nil), existing.EventMask...)
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

	mask := make(pq.StringArray, len(next.EventMask))
	for i, e := range next.EventMask {
		mask[i] = string(e)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			url = $1, name = $2, description = $3, event_mask = $4, active = $5,
			retry_enabled = $6, max_attempts = $7, backoff_base_ms = $8,
			notify_on_failure = $9, updated_at = $10
		WHERE id = $11 AND tenant_id = $12`,
		next.URL, next.Name, nullString(next.Description), mask, next.Active,
		next.RetryEnabled, next.MaxAttempts, next.BackoffBaseMs,
		next.NotifyOnFailure, next.UpdatedAt,
		id, tenantID,
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	return &next, nil
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return &NotFoundError{Resource: "subscription", ID: id}
	}
	return nil
}

func (p *PostgresStore) RotateSecret(ctx context.Context, tenantID, id string) (*Subscription, error) {
	secret := generateSecret()
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET secret = $1, updated_at = $2 WHERE id = $3 AND tenant_id = $4`,
		secret, time.Now(), id, tenantID)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, &NotFoundError{Resource: "subscription", ID: id}
	}
	return p.Get(ctx, tenantID, id)
}

func (p *PostgresStore) IncrementStats(ctx context.Context, id string, outcome StatOutcome, latencyMs int64, httpCode int) error {
	successDelta, failureDelta := 0, 0
	switch outcome {
	case StatSuccess:
		successDelta = 1
	case StatFailure:
		failureDelta = 1
	}
	// avg_response_ms is updated as a running mean computed server-side so
	// concurrent dispatcher workers never clobber each other's sample.
	_, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			total_calls = total_calls + 1,
			success_calls = success_calls + $1,
			failure_calls = failure_calls + $2,
			last_call_at = $3,
			last_status_code = $4,
			avg_response_ms = avg_response_ms + ($5 - avg_response_ms) / (total_calls + 1)
		WHERE id = $6`,
		successDelta, failureDelta, time.Now(), httpCode, float64(latencyMs), id,
	)
	return err
}

func (p *PostgresStore) ListActiveForEvent(ctx context.Context, tenantID string, eventType EventType) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND active = true AND $2 = ANY(event_mask)`,
		tenantID, string(eventType),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// --- Delivery Outbox (C3) ---

const deliveryColumns = `id, subscription_id, tenant_id, source_event_id, event_type, payload,
	status, attempts_made, max_attempts, next_retry_at, last_error, last_http_code,
	last_attempt_at, created_at, sent_at, signature, request_duration_ms`

func scanDelivery(s scanner) (*DeliveryAttempt, error) {
	d := &DeliveryAttempt{}
	var (
		sourceEventID sql.NullString
		status        string
		nextRetryAt   sql.NullTime
		lastError     sql.NullString
		lastHTTPCode  sql.NullInt64
		lastAttemptAt sql.NullTime
		sentAt        sql.NullTime
		signature     sql.NullString
		payload       []byte
	)

	err := s.Scan(
		&d.ID, &d.SubscriptionID, &d.TenantID, &sourceEventID, &d.EventType, &payload,
		&status, &d.AttemptsMade, &d.MaxAttempts, &nextRetryAt, &lastError, &lastHTTPCode,
		&lastAttemptAt, &d.CreatedAt, &sentAt, &signature, &d.RequestDurationMs,
	)
	if err != nil {
		return nil, err
	}

	d.SourceEventID = sourceEventID.String
	d.Status = Status(status)
	d.Payload = json.RawMessage(payload)
	d.LastError = lastError.String
	d.Signature = signature.String
	if nextRetryAt.Valid {
		d.NextRetryAt = &nextRetryAt.Time
	}
	if lastHTTPCode.Valid {
		code := int(lastHTTPCode.Int64)
		d.LastHTTPCode = &code
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if sentAt.Valid {
		d.SentAt = &sentAt.Time
	}

	return d, nil
}

func (p *PostgresStore) Insert(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = idgen.WithPrefix("da_")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	attempt.Status = StatusPending

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			id, subscription_id, tenant_id, source_event_id, event_type, payload,
			status, attempts_made, max_attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		attempt.ID, attempt.SubscriptionID, attempt.TenantID, nullString(attempt.SourceEventID),
		attempt.EventType, []byte(attempt.Payload), attempt.Status, attempt.AttemptsMade,
		attempt.MaxAttempts, attempt.CreatedAt,
	)
	return err
}

// ClaimDue uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent dispatcher
// instances never claim the same row twice: a row already locked by another
// transaction is simply excluded from this one's candidate set rather than
// blocking on it.
func (p *PostgresStore) ClaimDue(ctx context.Context, limit int) ([]*DeliveryAttempt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM delivery_attempts
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY next_retry_at ASC NULLS FIRST, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	idArray := pq.StringArray(ids)
	claimRows, err := tx.QueryContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'in_flight', last_attempt_at = now()
		WHERE id = ANY($1)
		RETURNING `+deliveryColumns, idArray)
	if err != nil {
		return nil, err
	}
	defer func() { _ = claimRows.Close() }()

	var claimed []*DeliveryAttempt
	for claimRows.Next() {
		d, err := scanDelivery(claimRows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := claimRows.Err(); err != nil {
		return nil, err
	}

	return claimed, tx.Commit()
}

// Claim transitions a single Pending row to InFlight for the Router's
// immediate-dispatch fast path, mirroring ClaimDue's row-level atomicity via
// the same status-gated UPDATE ... RETURNING idiom.
func (p *PostgresStore) Claim(ctx context.Context, id string) (*DeliveryAttempt, bool, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE delivery_attempts
		SET status = 'in_flight', last_attempt_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns, id)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	d, err := scanDelivery(rows)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (p *PostgresStore) MarkSuccess(ctx context.Context, id string, httpCode int, durationMs int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_attempts SET
			status = 'success', attempts_made = attempts_made + 1,
			last_http_code = $1, request_duration_ms = $2, sent_at = now(), next_retry_at = NULL
		WHERE id = $3 AND status = 'in_flight'`,
		httpCode, durationMs, id,
	)
	return err
}

func (p *PostgresStore) ScheduleRetry(ctx context.Context, id string, lastErr string, httpCode *int, nextRetryAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_attempts SET
			status = 'pending', attempts_made = attempts_made + 1,
			last_error = $1, last_http_code = $2, next_retry_at = $3
		WHERE id = $4 AND status = 'in_flight'`,
		lastErr, nullInt(httpCode), nextRetryAt, id,
	)
	return err
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, lastErr string, httpCode *int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_attempts SET
			status = 'failed', attempts_made = attempts_made + 1,
			last_error = $1, last_http_code = $2, next_retry_at = NULL
		WHERE id = $3 AND status = 'in_flight'`,
		lastErr, nullInt(httpCode), id,
	)
	return err
}

func (p *PostgresStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE delivery_attempts SET status = 'pending'
		WHERE status = 'in_flight' AND last_attempt_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*DeliveryAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "delivery_attempt", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, &ForbiddenError{Resource: "delivery_attempt", ID: id}
	}
	return d, nil
}

func (p *PostgresStore) ListForSubscription(ctx context.Context, tenantID, subscriptionID string, opts ListOptions) (pagination.Page[DeliveryAttempt], error) {
	limit := pagination.ClampLimit(opts.Limit)
	offset := pagination.ClampOffset(opts.Offset)

	where := `WHERE tenant_id = $1 AND subscription_id = $2`
	args := []interface{}{tenantID, subscriptionID}
	if opts.Start != nil {
		args = append(args, *opts.Start)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.End != nil {
		args = append(args, *opts.End)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts `+where, args...).Scan(&total); err != nil {
		return pagination.Page[DeliveryAttempt]{}, err
	}

	args = append(args, limit, offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_attempts
		`+where+`
		ORDER BY created_at DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return pagination.Page[DeliveryAttempt]{}, err
	}
	defer func() { _ = rows.Close() }()

	var items []DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return pagination.Page[DeliveryAttempt]{}, err
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[DeliveryAttempt]{}, err
	}

	return pagination.NewPage(items, total, limit, offset), nil
}
