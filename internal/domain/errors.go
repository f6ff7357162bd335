package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrCrypto              = errors.New("credential encryption failed")
	ErrTransport           = errors.New("broker transport failure")
	ErrConfirmationTimeout = errors.New("deal confirmation timed out")
	ErrDealRejected        = errors.New("deal rejected")
	ErrStreamClosed        = errors.New("price stream closed")
	ErrRefreshUnsupported  = errors.New("token refresh not supported")
	ErrUnknownBroker       = errors.New("unknown broker")
	ErrLockHeld            = errors.New("lock already held")
	ErrInstrumentBlocked   = errors.New("instrument not allowed")
	ErrUnsupported         = errors.New("operation not supported by broker")
)

// APIError is a non-success response from a broker REST endpoint.
type APIError struct {
	Broker string
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: api error %d: %s", e.Broker, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: api error %d", e.Broker, e.Status)
}

// Is reports 404s and not-found error codes as ErrNotFound, and 401/403 as
// ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || strings.Contains(strings.ToLower(e.Code), "not-found") ||
			strings.Contains(strings.ToLower(e.Code), "notfound")
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}

// AuthError means a login or token refresh was refused by the broker.
type AuthError struct {
	Broker  string
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: authentication failed (%d): %s", e.Broker, e.Status, msg)
	}
	return fmt.Sprintf("%s: authentication failed: %s", e.Broker, msg)
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError wraps connection, timeout and decoding failures.
type TransportError struct {
	Broker string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Broker, e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError rejects an order before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidOrder }

// ConfirmationTimeoutError carries the last status seen before polling gave up.
type ConfirmationTimeoutError struct {
	Reference DealReference
	Attempts  int
	Last      DealStatus
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("deal %s not confirmed after %d attempts (last status %q)", e.Reference, e.Attempts, e.Last)
}

func (e *ConfirmationTimeoutError) Is(target error) bool { return target == ErrConfirmationTimeout }

// DealRejectedError is returned when the broker confirms a deal as REJECTED.
type DealRejectedError struct {
	Confirmation DealConfirmation
}

func (e *DealRejectedError) Error() string {
	reason := e.Confirmation.Reason
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("deal %s rejected: %s", e.Confirmation.DealReference, reason)
}

// Is matches ErrDealRejected, and also ErrNotFound when the broker rejected
// the deal because the position it names does not exist.
func (e *DealRejectedError) Is(target error) bool {
	switch target {
	case ErrDealRejected:
		return true
	case ErrNotFound:
		return e.PositionMissing()
	}
	return false
}

// PositionMissing reports whether the rejection reason says the referenced
// position is unknown, e.g. POSITION_NOT_AVAILABLE or error.not-found.dealId.
func (e *DealRejectedError) PositionMissing() bool {
	reason := strings.ToUpper(e.Confirmation.Reason)
	return reason == "POSITION_NOT_AVAILABLE" ||
		strings.Contains(reason, "NOT_FOUND") ||
		strings.Contains(reason, "NOT-FOUND") ||
		strings.Contains(reason, "NOTFOUND")
}
