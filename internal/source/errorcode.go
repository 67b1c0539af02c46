// Package source holds the error taxonomy shared by every protocol
// driver (spec.md §7): the recoverable conditions an adapter's state
// machine keys its recovery transitions on.
//
// The codes and their messages are ported verbatim from
// error_code.hpp's std::error_category, since this is the exact,
// closed enumeration the recovery table in spec.md §4.11 dispatches on.
package source

import "fmt"

// ErrorCode is a recoverable or fatal condition an adapter can report.
type ErrorCode int

const (
	OK ErrorCode = iota
	AdapterFailed
	StreamClosed
	InstanceIDChanged
	RestartStream
	RetryRequest
	MultipartStreamFailed
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "OK"
	case AdapterFailed:
		return "ADAPTER_FAILED"
	case StreamClosed:
		return "STREAM_CLOSED"
	case InstanceIDChanged:
		return "INSTANCE_ID_CHANGED"
	case RestartStream:
		return "RESTART_STREAM"
	case RetryRequest:
		return "RETRY_REQUEST"
	case MultipartStreamFailed:
		return "MULTIPART_STREAM_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Message returns the human-readable description, matching
// error_code.hpp's category messages.
func (c ErrorCode) Message() string {
	switch c {
	case OK:
		return "OK"
	case AdapterFailed:
		return "Adapter failed and cannot recover"
	case StreamClosed:
		return "The stream closed"
	case InstanceIDChanged:
		return "The instance Id of an agent has changed"
	case RestartStream:
		return "The data stream needs to restart"
	case RetryRequest:
		return "Retry last failed request"
	case MultipartStreamFailed:
		return "Multipart/x-mixed-replace is not available"
	default:
		return "Unknown error"
	}
}

// Error wraps an ErrorCode with the identity of the source that
// reported it and an optional underlying cause, so a single structured
// log entry (spec.md §7's propagation policy) can carry all three.
type Error struct {
	Code   ErrorCode
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Code.Message(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Code.Message())
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a *Error, matching the propagation policy in spec.md §7:
// every error that reaches a strand boundary carries a code, a source
// identity, and (optionally) the underlying cause.
func Wrap(source string, code ErrorCode, err error) *Error {
	return &Error{Code: code, Source: source, Err: err}
}
