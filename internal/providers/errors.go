package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind discriminates provider failures. The aggregator walks fallback
// sources by matching on the kind, never by string inspection.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"          // network, timeout, connection reset
	KindRateLimited ErrorKind = "rate_limited"       // 429 or provider throttle
	KindAuth        ErrorKind = "auth"               // 401/403, bad or expired key
	KindNotFound    ErrorKind = "not_found"          // symbol not carried by this provider
	KindMalformed   ErrorKind = "malformed_response" // undecodable or contract-violating payload
	KindServer      ErrorKind = "server"             // upstream 5xx
)

// Error is the discriminated provider failure.
type Error struct {
	Source     string
	Kind       ErrorKind
	Status     int           // HTTP status when one was received
	RetryAfter time.Duration // advisory hint, only on rate_limited
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may clear on its own. Auth,
// not-found, and malformed responses will not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindRateLimited, KindServer:
		return true
	}
	return false
}

// NewError builds a provider error of the given kind.
func NewError(source string, kind ErrorKind, err error) *Error {
	return &Error{Source: source, Kind: kind, Err: err}
}

// FromStatus maps an HTTP response status onto a provider error. retryAfter
// carries the parsed Retry-After hint for 429s; zero means no hint.
func FromStatus(source string, status int, retryAfter time.Duration, err error) *Error {
	e := &Error{Source: source, Status: status, Err: err}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindMalformed
	}
	return e
}

// FromTransport wraps a network-level failure. Provider errors raised inside
// the transport middleware (budget, pacing) pass through, as does context
// cancellation so callers can distinguish an operator abort from a provider
// fault; a blown per-call deadline is a transport failure.
func FromTransport(source string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Source: source, Kind: KindTransport, Err: err}
}

// ParseRetryAfter reads a Retry-After header value: either delta-seconds or
// an HTTP date. Zero means no usable hint.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// AsError unwraps err to a provider error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
