package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed call. The runner's retry and abort policy
// is driven entirely by the kind.
type ErrorKind string

const (
	KindInvalidFilters ErrorKind = "invalid_filters"
	KindAuth           ErrorKind = "auth_error"
	KindNetwork        ErrorKind = "network_error"
	KindNoResults      ErrorKind = "no_results"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindUnknown        ErrorKind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Code    string // provider error_code, when present
	Message string
	Status  int // HTTP status, 0 when no response arrived
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" (" + e.Code + ")")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Context deadlines count as network
// errors; anything unclassified is KindUnknown. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// Fatal reports whether err must abort the whole job.
func Fatal(err error) bool {
	k := KindOf(err)
	return k == KindAuth || k == KindQuotaExceeded
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Billed reports whether a call that returned err consumed a credit. The
// provider bills every answered search, successful or not; calls that
// never reached it, were throttled, or were refused for the account are
// free.
func Billed(err error) bool {
	if err == nil {
		return true
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Status == 0 {
		return false
	}
	switch pe.Kind {
	case KindNetwork, KindAuth, KindQuotaExceeded:
		return false
	}
	return true
}

// IsSubdomainError reports whether err is the provider's rejection of a
// website filter that is not a root domain.
func IsSubdomainError(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidFilters {
		return false
	}
	return strings.Contains(strings.ToLower(pe.Message), "subdomain")
}

// classify maps a provider error code and HTTP status to a kind. Codes
// win over statuses.
func classify(status int, code string) ErrorKind {
	switch strings.ToUpper(code) {
	case "INVALID_FILTERS", "INVALID_REQUEST", "MISSING_PARAM":
		return KindInvalidFilters
	case "NO_RESULTS", "NO_MATCH":
		return KindNoResults
	case "INVALID_API_KEY", "MISSING_API_KEY", "UNAUTHORIZED", "ACCOUNT_DISABLED", "FORBIDDEN":
		return KindAuth
	case "INSUFFICIENT_CREDITS", "QUOTA_EXCEEDED", "NO_CREDITS":
		return KindQuotaExceeded
	case "RATE_LIMITED", "RATE_LIMIT_EXCEEDED", "TOO_MANY_REQUESTS", "INTERNAL_ERROR", "SERVICE_UNAVAILABLE":
		return KindNetwork
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status == http.StatusTooManyRequests, status >= 500:
		return KindNetwork
	case status == http.StatusNotFound:
		return KindNoResults
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindInvalidFilters
	}
	return KindUnknown
}
