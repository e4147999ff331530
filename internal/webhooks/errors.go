package webhooks

import "errors"

// Sentinel error kinds surfaced by the Admin API (§7). Use errors.Is/As
// against these; handlers translate them to HTTP status codes.
var (
	// ErrValidation is the sentinel underlying every *ValidationError.
	ErrValidation = errors.New("webhooks: validation error")
	// ErrNotFound means the subscription or attempt id is unknown.
	ErrNotFound = errors.New("webhooks: not found")
	// ErrForbidden means the caller's tenant does not own the resource.
	// Handlers may collapse this with ErrNotFound at the HTTP boundary so
	// existence is never leaked across tenants.
	ErrForbidden = errors.New("webhooks: forbidden")
	// ErrPayloadTooLarge means the payload exceeded max_payload_bytes at
	// send time. This is a terminal delivery outcome, not an API error.
	ErrPayloadTooLarge = errors.New("webhooks: payload too large")
)

// ValidationError reports a single malformed input field on subscription CRUD.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "webhooks: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the resource and id that could not be located.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return "webhooks: " + e.Resource + " " + e.ID + " not found"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError records a tenant mismatch on a lookup.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e *ForbiddenError) Error() string {
	return "webhooks: tenant mismatch on " + e.Resource + " " + e.ID
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }
