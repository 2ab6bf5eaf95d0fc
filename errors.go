// Copyright 2024 Immowelt AG
// Licensed under Apache 2.0, see LICENCE file for details.

package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// The driver classifies every failure into one of five kinds. All errors
// propagate to the immediate caller of the triggering operation; the driver
// never retries, logs or swallows.
//
//   - TransportError: the HTTP call itself failed (network, timeout).
//   - ServerError: the server answered with an error text instead of a
//     result set.
//   - ProtocolError: the response did not match the header-and-rows shape.
//   - DecodingError: a cell could not be decoded under its declared type.
//   - UsageError: illegal operation ordering or invalid arguments, a
//     programmer error.

// TransportError reports a failed network exchange with the server.
type TransportError struct {
	// Op is the operation that failed, such as "send" or "ping".
	Op    string
	cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Op, e.cause)
}

func (e *TransportError) Unwrap() error {
	return e.cause
}

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.cause, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.cause, &ne) && ne.Timeout()
}

// ServerError carries the error text the server returned in place of a
// result set. The message is surfaced verbatim.
type ServerError struct {
	// Code is the ClickHouse error code, or zero when the message carries
	// none.
	Code int
	// StatusCode is the HTTP status of the response, or zero when the error
	// arrived in the body of a successful response.
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// ProtocolError reports a response that does not match the expected
// header-and-rows shape, indicating a format mismatch between driver and
// server.
type ProtocolError struct {
	msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.msg
}

func (e *ProtocolError) Unwrap() error {
	return e.cause
}

// DecodingError reports a cell whose raw text could not be decoded under
// the column's declared wire type. Rows already fetched remain valid; the
// result stream is considered broken.
type DecodingError struct {
	// Row is the zero based index of the offending row within the result
	// set.
	Row      int
	Column   string
	WireType string
	// Raw is the offending cell text as received.
	Raw   string
	cause error
}

func (e *DecodingError) Error() string {
	return e.cause.Error()
}

func (e *DecodingError) Unwrap() error {
	return e.cause
}

// UsageError reports an illegal operation ordering or invalid arguments.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string {
	return e.msg
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a ServerError.
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}

// IsDecodingError reports whether err is a DecodingError.
func IsDecodingError(err error) bool {
	var e *DecodingError
	return errors.As(err, &e)
}

// IsUsageError reports whether err is a UsageError.
func IsUsageError(err error) bool {
	var e *UsageError
	return errors.As(err, &e)
}

// serverErrorCode matches the numeric code ClickHouse prefixes its error
// texts with, e.g. "Code: 62. DB::Exception: ...".
var serverErrorCode = regexp.MustCompile(`Code:\s*(\d+)`)

func newServerError(statusCode int, message string) *ServerError {
	e := &ServerError{StatusCode: statusCode, Message: message}
	if m := serverErrorCode.FindStringSubmatch(message); m != nil {
		e.Code, _ = strconv.Atoi(m[1])
	}
	return e
}
