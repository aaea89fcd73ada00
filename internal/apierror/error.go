// Package apierror defines the gateway's error taxonomy (spec §7).
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the taxonomy entries from spec §7.
type Kind string

const (
	KindRouteNotFound            Kind = "route_not_found"
	KindBadRequest                Kind = "bad_request"
	KindPaymentMissing            Kind = "payment_missing"
	KindPaymentInvalid            Kind = "payment_invalid"
	KindPaymentSettleFailed       Kind = "payment_settle_failed"
	KindFacilitatorUnreachable    Kind = "facilitator_unreachable"
	KindUpstreamTimeout           Kind = "upstream_timeout"
	KindUpstreamUnreachable       Kind = "upstream_unreachable"
	KindRateLimited                Kind = "rate_limited"
	KindConfigError                Kind = "config_error"
	KindHookError                  Kind = "hook_error"
)

// Error is the gateway's uniform wrapped error type. Stages attach a Kind and
// an HTTP status so the pipeline, the structured logs, and onError hooks all
// share one representation instead of inventing ad-hoc error values.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of kind with the given HTTP status and message.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Wrap builds an Error of kind around cause.
func Wrap(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Cause: cause}
}

// As is a small helper so callers don't need to import errors everywhere.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// RouteNotFound builds a 404 taxonomy error.
func RouteNotFound(message string) *Error {
	return New(KindRouteNotFound, http.StatusNotFound, message)
}

// BadRequest builds a 400 taxonomy error.
func BadRequest(message string) *Error {
	return New(KindBadRequest, http.StatusBadRequest, message)
}

// PaymentMissing builds a 402 taxonomy error for a missing payment-signature header.
func PaymentMissing(message string) *Error {
	return New(KindPaymentMissing, http.StatusPaymentRequired, message)
}

// PaymentInvalid builds a 402 taxonomy error for a rejected verification.
func PaymentInvalid(message string) *Error {
	return New(KindPaymentInvalid, http.StatusPaymentRequired, message)
}

// PaymentSettleFailed builds a 502 taxonomy error for a failed settlement.
func PaymentSettleFailed(message string, cause error) *Error {
	return Wrap(KindPaymentSettleFailed, http.StatusBadGateway, message, cause)
}

// FacilitatorUnreachable builds a taxonomy error for a facilitator I/O failure.
// status is 402 when it occurred during verify, 502 during settle.
func FacilitatorUnreachable(status int, message string, cause error) *Error {
	return Wrap(KindFacilitatorUnreachable, status, message, cause)
}

// UpstreamTimeout builds a 502 taxonomy error for a tripped connect deadline.
func UpstreamTimeout(message string) *Error {
	return New(KindUpstreamTimeout, http.StatusBadGateway, message)
}

// UpstreamUnreachable builds a 502 taxonomy error for connect refused/DNS failure.
func UpstreamUnreachable(message string, cause error) *Error {
	return Wrap(KindUpstreamUnreachable, http.StatusBadGateway, message, cause)
}

// RateLimited builds a 429 taxonomy error.
func RateLimited(message string) *Error {
	return New(KindRateLimited, http.StatusTooManyRequests, message)
}

// ConfigError builds a taxonomy error for startup-time schema violations.
func ConfigError(message string, cause error) *Error {
	return Wrap(KindConfigError, 0, message, cause)
}

// HookError builds a 502 taxonomy error for a user hook that panicked or returned an error.
func HookError(message string, cause error) *Error {
	return Wrap(KindHookError, http.StatusBadGateway, message, cause)
}
