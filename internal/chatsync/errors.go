package chatsync

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransportUnavailable Kind = "TRANSPORT_UNAVAILABLE"
	KindRequestFailed        Kind = "REQUEST_FAILED"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindMalformedEvent       Kind = "MALFORMED_EVENT"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrRequestFailed        = errors.New("request failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrMalformedEvent       = errors.New("malformed event")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrUnsupportedEvent     = errors.New("unsupported event")
	ErrSessionClosed        = errors.New("session closed")
)

// Error carries a Kind so callers can match with errors.Is against the
// sentinel for that kind while keeping the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, sentinelFor(e.Kind))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindTransportUnavailable:
		return ErrTransportUnavailable
	case KindRequestFailed:
		return ErrRequestFailed
	case KindUnauthorized:
		return ErrUnauthorized
	case KindMalformedEvent:
		return ErrMalformedEvent
	default:
		return nil
	}
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// requestError classifies a failed round trip. Errors that already match
// ErrUnauthorized keep that classification.
func requestError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return newError(KindUnauthorized, op, err)
	}
	return newError(KindRequestFailed, op, err)
}
