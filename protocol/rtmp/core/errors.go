package core

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindHandshakeFailed Kind = iota + 1
	KindFramingError
	KindCommandRejected
	KindInvalidState
	KindConnectionLost
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeFailed:
		return "handshake failed"
	case KindFramingError:
		return "framing error"
	case KindCommandRejected:
		return "command rejected"
	case KindInvalidState:
		return "invalid state"
	case KindConnectionLost:
		return "connection lost"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrHandshakeFailed = &Error{Kind: KindHandshakeFailed}
	ErrFramingError    = &Error{Kind: KindFramingError}
	ErrCommandRejected = &Error{Kind: KindCommandRejected}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrConnectionLost  = &Error{Kind: KindConnectionLost}
)

type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "connect" or "read chunk".
	Op string
	// Reason is the peer supplied description for CommandRejected.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
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

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Reason == "" && t.Err == nil
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func FramingError(op string, format string, args ...any) *Error {
	return newError(KindFramingError, op, fmt.Errorf(format, args...))
}

func HandshakeFailed(err error) *Error {
	return newError(KindHandshakeFailed, "handshake", err)
}

func CommandRejected(op, reason string) *Error {
	return &Error{Kind: KindCommandRejected, Op: op, Reason: reason}
}

func InvalidState(op string, state fmt.Stringer) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Reason: "not allowed in state " + state.String()}
}

func ConnectionLost(op string, err error) *Error {
	return newError(KindConnectionLost, op, err)
}

// KindOf reports the Kind carried by err, or 0 when err is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
