// Package status implements the Triple RPC status model.
//
// A status is the terminal result of every call: a numeric code aligned with
// gRPC, an optional human-readable message, and an optional wrapped cause.
// Statuses travel on the wire as the `grpc-status` / `grpc-message` trailers
// and map onto plain HTTP status codes for HTTP/JSON unary calls.
package status

import (
	"fmt"
	"net/http"
)

// Code is a Triple status code, numerically identical to gRPC.
type Code uint32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Cancelled:          "Cancelled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Status is the terminal result of a call. The zero value is OK.
type Status struct {
	code    Code
	message string
	cause   error
}

// New builds a status from a code and message.
func New(code Code, message string) *Status {
	return &Status{code: code, message: message}
}

// Newf builds a status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// WithCause attaches an underlying error, preserved for diagnostics only;
// it is never sent on the wire.
func (s *Status) WithCause(err error) *Status {
	return &Status{code: s.code, message: s.message, cause: err}
}

func (s *Status) Code() Code      { return s.code }
func (s *Status) Message() string { return s.message }
func (s *Status) Cause() error    { return s.cause }

// Err returns nil for OK, the status itself otherwise.
func (s *Status) Err() error {
	if s.code == OK {
		return nil
	}
	return s
}

func (s *Status) Error() string {
	if s.message == "" {
		return fmt.Sprintf("rpc error: code = %s", s.code)
	}
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.code, s.message)
}

func (s *Status) Unwrap() error { return s.cause }

// FromError extracts a *Status from err. Non-status errors become Unknown
// with the error text as message.
func FromError(err error) *Status {
	if err == nil {
		return New(OK, "")
	}
	if st, ok := err.(*Status); ok {
		return st
	}
	return New(Unknown, err.Error()).WithCause(err)
}

// CodeOf is a convenience for error inspection in callers and tests.
func CodeOf(err error) Code {
	return FromError(err).Code()
}

// FromHTTPStatus synthesizes a status for a response that carried an HTTP
// error instead of grpc-status trailers, following the gRPC HTTP mapping.
func FromHTTPStatus(httpStatus int) *Status {
	var code Code
	switch {
	case httpStatus >= 100 && httpStatus < 200:
		code = Internal
	case httpStatus == http.StatusBadRequest,
		httpStatus == http.StatusRequestHeaderFieldsTooLarge:
		code = Internal
	case httpStatus == http.StatusUnauthorized:
		code = Unauthenticated
	case httpStatus == http.StatusForbidden:
		code = PermissionDenied
	case httpStatus == http.StatusNotFound:
		code = NotFound
	case httpStatus == http.StatusBadGateway,
		httpStatus == http.StatusTooManyRequests,
		httpStatus == http.StatusServiceUnavailable,
		httpStatus == http.StatusGatewayTimeout:
		code = Unavailable
	default:
		code = Unknown
	}
	return Newf(code, "unexpected HTTP status %d", httpStatus)
}

// ToHTTPStatus maps a status code onto a plain HTTP status code, used by the
// HTTP/JSON unary path.
func ToHTTPStatus(code Code) int {
	switch code {
	case OK:
		return http.StatusOK
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
