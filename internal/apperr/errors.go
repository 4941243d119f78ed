package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a protocol failure kind
type Code string

const (
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeStaleRequest          Code = "STALE_REQUEST"
	CodeUnknownDevice         Code = "UNKNOWN_DEVICE"
	CodeNotPaired             Code = "NOT_PAIRED"
	CodeDeviceDeactivated     Code = "DEVICE_DEACTIVATED"
	CodeSubscriptionInactive  Code = "SUBSCRIPTION_INACTIVE"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamUnavailable   Code = "UPSTREAM_UNAVAILABLE"
	CodeTimeout               Code = "TIMEOUT"
	CodeMalformedWebhook      Code = "MALFORMED_WEBHOOK"
	CodeUnknownSession        Code = "UNKNOWN_SESSION"
	CodeAlreadyPaired         Code = "ALREADY_PAIRED"
	CodeChildAlreadyHasDevice Code = "CHILD_ALREADY_HAS_DEVICE"
	CodeSerialExists          Code = "SERIAL_NUMBER_EXISTS"
	CodeChildNotFound         Code = "CHILD_NOT_FOUND"
	CodeInvalidRequest        Code = "INVALID_REQUEST"
	CodeNotFound              Code = "NOT_FOUND"
)

var (
	// ErrInvalidSignature is returned when a device or provider signature does not match
	ErrInvalidSignature = New(CodeInvalidSignature, "invalid signature")
	// ErrStaleRequest is returned when the signed timestamp is outside the freshness window
	ErrStaleRequest = New(CodeStaleRequest, "request timestamp outside freshness window")
	// ErrUnknownDevice is returned when the serial has no registered identity
	ErrUnknownDevice = New(CodeUnknownDevice, "unknown device")
	// ErrNotPaired is returned when the device is not paired with the requested child
	ErrNotPaired = New(CodeNotPaired, "device is not paired with a child")
	// ErrDeviceDeactivated is returned for devices switched off by an operator
	ErrDeviceDeactivated = New(CodeDeviceDeactivated, "device is deactivated")
	// ErrSubscriptionInactive is returned when the entitlement is not active or trial
	ErrSubscriptionInactive = New(CodeSubscriptionInactive, "subscription is not active")
	// ErrRateLimitExceeded is returned when a quota window is exhausted
	ErrRateLimitExceeded = New(CodeRateLimitExceeded, "rate limit exceeded")
	// ErrUpstreamUnavailable is returned when the voice provider call fails
	ErrUpstreamUnavailable = New(CodeUpstreamUnavailable, "voice upstream unavailable")
	// ErrTimeout is returned when an upstream call exceeds its deadline
	ErrTimeout = New(CodeTimeout, "upstream call timed out")
	// ErrMalformedWebhook is returned when a webhook payload cannot be parsed
	ErrMalformedWebhook = New(CodeMalformedWebhook, "malformed webhook payload")
	// ErrUnknownSession is reported when a webhook names an unknown upstream session
	ErrUnknownSession = New(CodeUnknownSession, "unknown upstream session")
	// ErrAlreadyPaired is returned when pairing a device that is already paired
	ErrAlreadyPaired = New(CodeAlreadyPaired, "device is already paired with a child")
	// ErrChildAlreadyHasDevice is returned when the child already has an active device
	ErrChildAlreadyHasDevice = New(CodeChildAlreadyHasDevice, "child already has an active device")
	// ErrSerialExists is returned when registering a serial twice
	ErrSerialExists = New(CodeSerialExists, "device with this serial number already registered")
	// ErrChildNotFound is returned when the child profile is missing or inactive
	ErrChildNotFound = New(CodeChildNotFound, "child not found")
	// ErrNotFound is returned by operator lookups of missing resources
	ErrNotFound = New(CodeNotFound, "resource not found")
)

// Error is a protocol error with a stable code
type Error struct {
	Code    Code
	Message string
	// ResetAt is set for rate limit denials
	ResetAt time.Time
	cause   error
}

// New creates an error for a code
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.cause = cause
	return &out
}

// WithMessage returns a copy of e with a different message
func (e *Error) WithMessage(message string) *Error {
	out := *e
	out.Message = message
	return &out
}

// RateLimited builds a RateLimitExceeded error advertising the next window reset
func RateLimited(resetAt time.Time) *Error {
	out := *ErrRateLimitExceeded
	out.ResetAt = resetAt.UTC()
	return &out
}

// As extracts an *Error from err
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps the code to a response status
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidSignature, CodeStaleRequest, CodeUnknownDevice:
		return http.StatusUnauthorized
	case CodeDeviceDeactivated, CodeSubscriptionInactive:
		return http.StatusForbidden
	case CodeNotPaired, CodeAlreadyPaired, CodeChildAlreadyHasDevice, CodeSerialExists:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeMalformedWebhook, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnknownSession:
		return http.StatusAccepted
	case CodeChildNotFound, CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
