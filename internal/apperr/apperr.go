package apperr

import (
	"errors"
	"fmt"
	"time"

	"rollcall/internal/ids"
)

// Category groups failures by what the user can do about them.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNotFound       Category = "not_found"
	CategoryUnknown        Category = "unknown"
)

// Severity ranks how bad a failure is for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AppError is the stable record every failure is reduced to before it
// reaches a user. Details holds the raw cause text for logs and is never
// serialized.
type AppError struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Details    string         `json:"-"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Retryable  bool           `json:"retryable"`
	RetryCount int            `json:"retry_count"`

	cause error
}

func (e *AppError) Error() string {
	if e.Details != "" && e.Details != e.Message {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

// New builds an AppError for a rejection the caller already understands.
// Retryability follows the same policy as classified errors.
func New(category Category, severity Severity, message string) *AppError {
	return &AppError{
		ID:        ids.New(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   message,
		Timestamp: time.Now().UTC(),
		Retryable: retryable(message, category),
	}
}

// WithContext attaches free-form context and returns e.
func (e *AppError) WithContext(kv map[string]any) *AppError {
	if len(kv) == 0 {
		return e
	}
	if e.Context == nil {
		e.Context = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		e.Context[k] = v
	}
	return e
}

// As extracts an AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
