// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"strconv"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes stream errors for handling.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindInvalidURL
	ErrKindHTTPStatus
	ErrKindPayloadTooLarge
	ErrKindTimeout
	ErrKindCancelled
	ErrKindTransport
)

// String returns the wire name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindInvalidURL:
		return "invalid-url"
	case ErrKindHTTPStatus:
		return "http-status"
	case ErrKindPayloadTooLarge:
		return "payload-too-large"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error represents a terminal stream failure.
//
// Per-frame decode failures are deliberately absent from this taxonomy: a
// single malformed chunk is dropped and counted, never surfaced (see
// FrameDecoder.DroppedFrames).
type Error struct {
	Kind ErrorKind

	// StatusCode and BodyPreview are set for ErrKindHTTPStatus. The preview
	// is capped at MaxErrorBodyBytes.
	StatusCode  int
	BodyPreview string

	// Reason is set for ErrKindTimeout: "first-token" or "silence".
	Reason string

	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Kind == ErrKindHTTPStatus {
		msg += " (HTTP " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Kind == ErrKindTimeout && e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Sentinel errors for easy checking.
var (
	ErrPayloadTooLarge = &Error{Kind: ErrKindPayloadTooLarge, Message: "stream payload exceeds ceiling"}
	ErrCancelled       = &Error{Kind: ErrKindCancelled, Message: "stream cancelled"}
)

// Is lets sentinel comparisons match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// ERROR CONSTRUCTORS
// =============================================================================

func newInvalidURLError(raw string, cause error) *Error {
	return &Error{Kind: ErrKindInvalidURL, Message: "invalid endpoint URL " + raw, Cause: cause}
}

func newHTTPStatusError(code int, preview string) *Error {
	return &Error{
		Kind:        ErrKindHTTPStatus,
		StatusCode:  code,
		BodyPreview: preview,
		Message:     "endpoint returned error",
	}
}

func newTimeoutError(reason string) *Error {
	return &Error{Kind: ErrKindTimeout, Reason: reason, Message: "stream stalled"}
}

func newTransportError(cause error) *Error {
	return &Error{Kind: ErrKindTransport, Message: "transport failure", Cause: cause}
}

// =============================================================================
// ERROR PREDICATES
// =============================================================================

// KindOf extracts the error kind, or ErrKindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrKindUnknown
}

// IsCancelled checks if an error is a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == ErrKindCancelled
}

// IsTimeout checks if an error is a watchdog timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}
