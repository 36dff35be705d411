// Package status defines the error taxonomy shared by the VFS, the guest
// import surface and the IPC layer.
//
// Every failure that crosses the guest boundary is reduced to a [Code]: a
// small negative integer returned from the corresponding tw_* import. The same
// codes travel in IPC responses so that the calling side can tell an unknown
// method from an unreachable peer.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the numeric status returned to guests and carried in RPC responses.
// Zero is success; all failures are negative.
type Code int32

const (
	OK            Code = 0
	NotFound      Code = -1 // unknown path or RPC method
	InvalidHandle Code = -2 // stale or unknown handle
	Unsupported   Code = -3 // capability mismatch
	OutOfBounds   Code = -4 // guest pointer/length outside its memory
	Unreachable   Code = -5 // IPC target not connected or registered
	Malformed     Code = -6 // undecodable RPC payload
	Internal      Code = -7 // recovered panic or unexpected host failure
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NotFound:
		return "not_found"
	case InvalidHandle:
		return "invalid_handle"
	case Unsupported:
		return "unsupported"
	case OutOfBounds:
		return "out_of_bounds"
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Sentinels for errors.Is. Any *Error with the same Code matches.
var (
	ErrNotFound      = &Error{Code: NotFound}
	ErrInvalidHandle = &Error{Code: InvalidHandle}
	ErrUnsupported   = &Error{Code: Unsupported}
	ErrOutOfBounds   = &Error{Code: OutOfBounds}
	ErrUnreachable   = &Error{Code: Unreachable}
	ErrMalformed     = &Error{Code: Malformed}
	ErrInternal      = &Error{Code: Internal}
)

// Error is the structured error used across the host.
type Error struct {
	Cause  error
	Op     string
	Detail string
	Code   Code
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(e.Code.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error for op with a formatted detail message.
func New(op string, code Code, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Op: op, Code: code, Detail: detail}
}

// Wrap attaches a code to an underlying cause.
func Wrap(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Cause: cause}
}

// CodeOf extracts the status code carried by err. Errors that carry no code
// map to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}

// FromCode rebuilds an error from a code and message received over the wire.
func FromCode(op string, code Code, msg string) error {
	if code == OK {
		return nil
	}
	return &Error{Op: op, Code: code, Detail: msg}
}
