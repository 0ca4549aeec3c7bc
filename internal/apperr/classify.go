package apperr

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/ids"
	"rollcall/internal/store"
	"rollcall/internal/token"
)

const maxUserMessageLength = 100

var templates = map[Category]string{
	CategoryNetwork:        "Network error. Please check your connection and try again.",
	CategoryDatabase:       "A database error occurred. Please try again in a moment.",
	CategoryValidation:     "Please check your input and try again.",
	CategoryAuthentication: "Your sign-in has expired. Please sign in again.",
	CategoryAuthorization:  "You do not have permission to perform this action.",
	CategoryNotFound:       "The requested item could not be found.",
	CategoryUnknown:        "An unexpected error occurred. Please try again.",
}

// Substrings that make an error terminal whatever its category.
var nonRetryable = []string{
	"already marked",
	"already enrolled",
	"not enrolled",
	"qr code expired",
	"invalid qr code",
	"permission denied",
	"has been cancelled",
	"has already ended",
}

// Substrings that mark an error as likely transient.
var transient = []string{
	"network",
	"connection",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"session not found",
}

var technical = []string{"sql", "pgx", "pq:", "stack", "panic", "nil pointer", "goroutine", "dial tcp", "exception", "syntax", "{"}

type rule struct {
	category Category
	severity Severity
	keywords []string
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{CategoryNotFound, SeverityWarning, []string{"not found", "no rows"}},
	{CategoryAuthorization, SeverityError, []string{"permission", "forbidden", "access denied", "not allowed", "row-level security"}},
	{CategoryAuthentication, SeverityCritical, []string{"jwt", "token is expired", "invalid token", "unauthenticated", "unauthorized", "not authenticated", "refresh token"}},
	{CategoryNetwork, SeverityError, []string{"network", "connection", "timeout", "timed out", "fetch", "dial", "econnrefused"}},
	{CategoryDatabase, SeverityError, []string{"database", "sql", "relation", "constraint", "duplicate key"}},
	{CategoryValidation, SeverityWarning, []string{"invalid", "required", "must be", "validation", "already"}},
}

// Classifier reduces raw failures to AppErrors.
type Classifier struct {
	now func() time.Time
}

// NewClassifier creates a classifier stamping errors with now.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

// Classify maps err to a category and severity, picks a user-facing message,
// and decides whether the failure is worth retrying. An AppError already in
// err's chain is returned as is, with kv merged into its context.
func (c *Classifier) Classify(err error, kv map[string]any) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr.WithContext(kv)
	}

	category, severity, message := c.inspect(err)
	details := err.Error()
	if message == "" {
		message = userMessage(details, category)
	}
	out := &AppError{
		ID:        ids.New(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: c.now().UTC(),
		Retryable: retryable(details, category),
		cause:     err,
	}
	return out.WithContext(kv)
}

// inspect looks at structural hints first and falls back to the message.
// A non-empty message overrides the category template.
func (c *Classifier) inspect(err error) (Category, Severity, string) {
	switch {
	case errors.Is(err, token.ErrExpired):
		return CategoryValidation, SeverityWarning, "QR code expired. Please scan the current code."
	case errors.Is(err, token.ErrSessionMismatch):
		return CategoryValidation, SeverityWarning, "Invalid QR code: it belongs to a different session."
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrBadSignature), errors.Is(err, token.ErrNotYetValid):
		return CategoryValidation, SeverityWarning, "Invalid QR code. Please scan the code shown by your lecturer."
	case errors.Is(err, store.ErrDuplicate):
		return CategoryValidation, SeverityWarning, "This record already exists."
	case errors.Is(err, store.ErrNotFound):
		return CategoryNotFound, SeverityWarning, ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryNetwork, SeverityError, ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return CategoryNetwork, SeverityError, ""
		case pgErr.Code == "42501":
			return CategoryAuthorization, SeverityError, ""
		case pgErr.Code == "28P01" || pgErr.Code == "28000":
			return CategoryDatabase, SeverityCritical, ""
		default:
			return CategoryDatabase, SeverityError, ""
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork, SeverityError, ""
	}

	lower := strings.ToLower(err.Error())
	for _, r := range rules {
		if containsAny(lower, r.keywords) {
			return r.category, r.severity, ""
		}
	}
	return CategoryUnknown, SeverityError, ""
}

// userMessage keeps short, plain messages and replaces technical ones with
// the category template.
func userMessage(raw string, category Category) string {
	lower := strings.ToLower(raw)
	if raw == "" || len(raw) > maxUserMessageLength || containsAny(lower, technical) {
		return templates[category]
	}
	return raw
}

func retryable(message string, category Category) bool {
	lower := strings.ToLower(message)
	if containsAny(lower, nonRetryable) {
		return false
	}
	if containsAny(lower, transient) {
		return true
	}
	switch category {
	case CategoryNetwork, CategoryDatabase:
		return true
	default:
		return false
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
