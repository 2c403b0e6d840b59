package entities

import "errors"

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrLimitExceeded      = errors.New("usage limit exceeded")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrTimestampSkew      = errors.New("timestamp outside allowed skew")
	ErrDispatchFailed     = errors.New("dispatch failed")
	ErrDispatchTimedOut   = errors.New("dispatch timed out")
	ErrTenantMismatch     = errors.New("tenant mismatch")
	ErrTokenInvalid       = errors.New("callback token invalid")
	ErrRunNotFound        = errors.New("run not found")
	ErrInvalidTransition  = errors.New("invalid run transition")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrCallerCancelled    = errors.New("caller cancelled")
	ErrChannelUnavailable = errors.New("channel unavailable")
)
