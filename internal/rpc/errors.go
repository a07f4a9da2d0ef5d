package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an RPC failure by how the caller should react to it.
type Kind int

const (
	// KindTransient covers network failures and server errors; retry later.
	KindTransient Kind = iota
	// KindPermanent covers malformed requests; retrying cannot succeed.
	KindPermanent
	// KindConflict means the idempotency key was already accepted.
	KindConflict
	// KindRateLimited means the server asked us to slow down.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rpc %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("rpc %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("rpc %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that did not come from this package
// are treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the server-directed delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// transportError wraps a failure that happened before any HTTP status was received.
func transportError(err error) *Error {
	msg := err.Error()
	if errors.Is(err, context.Canceled) {
		msg = "canceled"
	}
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// statusError classifies a non-2xx response.
func statusError(status int, header http.Header, body string) *Error {
	e := &Error{Status: status, Message: strings.TrimSpace(body)}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	switch status {
	case http.StatusConflict:
		e.Kind = KindConflict
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		e.Kind = KindPermanent
	default:
		e.Kind = KindTransient
	}
	return e
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
