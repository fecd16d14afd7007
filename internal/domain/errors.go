package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindInternal is an invariant violation inside the orchestrator.
	KindInternal Kind = iota
	// KindValidation is malformed input; surfaced immediately, never retried.
	KindValidation
	// KindAuth means the venue rejected our token; recovered once by refresh.
	KindAuth
	// KindRateLimit means the venue reported too many requests; retryable.
	KindRateLimit
	// KindNetwork is a transport failure; retryable with backoff.
	KindNetwork
	// KindRequest is a vendor rejection (bad code, insufficient balance); not retryable.
	KindRequest
	// KindOrder is an ambiguous post-send order failure; caller must reconcile.
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindRequest:
		return "request"
	case KindOrder:
		return "order"
	default:
		return "internal"
	}
}

// Error is the structured error carried across component boundaries.
// Code preserves the vendor return code when one exists.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error. The vendor code may be empty.
func E(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors are internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// VendorCode extracts the preserved vendor code, if any.
func VendorCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Retryable reports whether the error kind is safe to retry with backoff.
// Auth errors are handled separately (single token refresh, then surface).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit:
		return true
	}
	return false
}
