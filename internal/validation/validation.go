// Package validation provides input validation middleware for the webhook Admin API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the default request body size cap (1MB) applied ahead of
// any subscription-specific max_payload_bytes limit.
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text string fields (name, description).
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a single field validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs a set of field validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IntRange checks that an int field falls within [min, max] inclusive.
func IntRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: "out of allowed range"}
		}
		return nil
	}
}
