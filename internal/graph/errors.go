package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for downstream handling.
// Call sites never re-parse HTTP status codes out of error strings; they
// switch on the kind carried here.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"      // 401, token rejected
	KindForbidden ErrorKind = "forbidden" // 403, suspension or quota class
	KindThrottled ErrorKind = "throttled" // 429 after retries exhausted
	KindNotFound  ErrorKind = "not_found" // 404, message or subscription gone
	KindGone      ErrorKind = "gone"      // 410, stale sync cursor
	KindTransient ErrorKind = "transient" // 5xx after retries exhausted
	KindInvalid   ErrorKind = "invalid"   // 4xx request problem
)

// Error is a typed provider failure carrying the HTTP status and the
// provider's own error code alongside the classification.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s (%d %s): %s", e.Code, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("provider error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
}

// quota-class provider codes that require operator action on the account
var quotaCodes = map[string]bool{
	"ErrorExceededMessageLimit": true,
	"ErrorQuotaExceeded":        true,
	"ErrorAccountSuspend":       true,
	"ErrorAccountDisabled":      true,
}

func classify(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuth
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 410:
		return KindGone
	case status == 429:
		return KindThrottled
	case status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsAuth reports whether err is a provider authentication failure
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsNotFound reports whether err means the resource no longer exists
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsGone reports whether err is the provider's stale-cursor signal
func IsGone(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindGone
}

// IsSubscriptionInvalid reports whether err means the subscription must be
// recreated rather than renewed
func IsSubscriptionInvalid(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindNotFound || k == KindGone || k == KindInvalid)
}

// IsQuota reports whether err is a suspension/quota-class failure that needs
// account-side operator action
func IsQuota(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindForbidden || quotaCodes[pe.Code]
}
