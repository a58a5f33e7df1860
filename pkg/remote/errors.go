// Package remote defines the error taxonomy shared by the tracker and
// calendar adapters. Adapters map protocol status codes to a Kind; the
// engine only ever looks at the Kind.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type Kind int

const (
	// Permanent failures are logged and the item skipped.
	Permanent Kind = iota
	// Transient failures (timeouts, resets, rate limits, 5xx) are retried.
	Transient
	// QuotaExhausted is a daily quota hit; the poll loop pauses for a day.
	QuotaExhausted
	NotFound
	// Conflict is returned when a client-chosen id already exists.
	Conflict
	// Gone means an incremental cursor expired and a full listing is needed.
	Gone
	Auth
	// Invalid covers bad requests and payloads that fail validation.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case QuotaExhausted:
		return "quota exhausted"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case Auth:
		return "auth"
	case Invalid:
		return "invalid"
	default:
		return "permanent"
	}
}

// Error is a classified failure of a remote call.
type Error struct {
	Service string // "todoist", "google"
	Op      string
	Kind    Kind
	Status  int
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Service, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromStatus classifies an HTTP status without a provider-specific reason.
func FromStatus(service, op string, status int, reason string, err error) *Error {
	e := &Error{Service: service, Op: op, Status: status, Reason: reason, Err: err}
	switch {
	case status == 429 || status >= 500:
		e.Kind = Transient
	case status == 401 || status == 403:
		e.Kind = Auth
	case status == 404:
		e.Kind = NotFound
	case status == 409:
		e.Kind = Conflict
	case status == 410:
		e.Kind = Gone
	case status == 400 || status == 422:
		e.Kind = Invalid
	default:
		e.Kind = Permanent
	}
	return e
}

// Wrap classifies a transport-level failure. Timeouts, resets and truncated
// responses are transient; cancellation is returned unchanged.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	kind := Permanent
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		kind = Transient
	}
	return &Error{Service: service, Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of err, or Permanent for unclassified errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Permanent
}

func is(err error, k Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == k
}

func IsTransient(err error) bool      { return is(err, Transient) }
func IsQuotaExhausted(err error) bool { return is(err, QuotaExhausted) }
func IsNotFound(err error) bool       { return is(err, NotFound) }
func IsConflict(err error) bool       { return is(err, Conflict) }
func IsGone(err error) bool           { return is(err, Gone) }
func IsAuth(err error) bool           { return is(err, Auth) }
