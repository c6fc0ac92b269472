// Package apierror normalises transport and channel failures into one taxonomy.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindInvalid         Kind = "invalid"
	KindServer          Kind = "server"
	KindChannel         Kind = "channel"
)

// Sentinels usable with errors.Is; matching is by Kind.
var (
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalid         = &Error{Kind: KindInvalid}
	ErrServer          = &Error{Kind: KindServer}
	ErrChannel         = &Error{Kind: KindChannel}
)

// Error is the only error shape callers of the transport client and presence channel see.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an error of the given kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// FromStatus maps a non-2xx HTTP response onto the taxonomy. The body is inspected for
// the backend's {"error": "..."} shape.
func FromStatus(status int, body []byte) *Error {
	e := &Error{Status: status, Message: messageFromBody(body)}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthenticated
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindInvalid
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// FromTransport wraps an error returned by the HTTP round trip.
func FromTransport(err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	msg := "request failed"
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		msg = "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "request timed out"
	}
	return &Error{Kind: KindNetwork, Message: msg, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient: network or 5xx.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

func messageFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return ""
}
