// package errors holds the error taxonomy shared by every dispatcher layer.
// errors are compared by code, so a prototype like [ErrHeadersTimeout]
// matches any error derived from it through [Error.Wrap] or [Error.With].
package errors

import (
	"errors"
)

type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindInvalidRequest
	KindTransport
	KindProtocol
	KindTimeout
	KindCapacity
	KindAborted
	KindInformational
)

var kindNames = map[Kind]string{
	KindConfiguration:  "configuration",
	KindInvalidRequest: "invalid-request",
	KindTransport:      "transport",
	KindProtocol:       "protocol",
	KindTimeout:        "timeout",
	KindCapacity:       "capacity",
	KindAborted:        "aborted",
	KindInformational:  "informational",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

type Code string

type Error struct {
	code Code
	kind Kind
	msg  string
	error
}

func (e Error) Error() string {
	msg := e.msg
	if e.error != nil {
		msg += ": " + e.error.Error()
	}
	return msg
}

// Wrap returns a copy of e carrying err as its cause.
func (e Error) Wrap(err error) Error {
	if err == nil {
		return e
	}
	return Error{e.code, e.kind, e.msg, err}
}

// With returns a copy of e with a different message and the same code.
func (e Error) With(msg string) Error {
	return Error{e.code, e.kind, msg, e.error}
}

func (e Error) Unwrap() error {
	return e.error
}

func (e Error) Is(err error) bool {
	if err, ok := err.(Error); ok {
		return e.code == err.code
	}
	return false
}

func (e Error) Code() Code { return e.code }
func (e Error) Kind() Kind { return e.kind }

func reg(code Code, kind Kind, msg string) Error {
	return Error{code: code, kind: kind, msg: msg}
}

var (
	ErrInvalidArgument = reg("INVALID_ARG", KindInvalidRequest, "invalid argument")
	ErrNotSupported    = reg("NOT_SUPPORTED", KindInvalidRequest, "not supported")
	ErrConfiguration   = reg("INVALID_CONFIG", KindConfiguration, "invalid configuration")

	ErrClientClosed    = reg("CLOSED", KindInvalidRequest, "the client is closed")
	ErrClientDestroyed = reg("DESTROYED", KindInvalidRequest, "the client is destroyed")
	ErrMissingUpstream = reg("BPL_MISSING_UPSTREAM", KindConfiguration, "no upstream has been added to the balanced pool")

	ErrConnectTimeout = reg("CONNECT_TIMEOUT", KindTimeout, "connect timeout")
	ErrSocket         = reg("SOCKET", KindTransport, "socket error")
	ErrInformational  = reg("INFO", KindInformational, "request information")

	ErrRequestAborted = reg("ABORTED", KindAborted, "request aborted")
	ErrHeadersTimeout = reg("HEADERS_TIMEOUT", KindTimeout, "headers timeout error")
	ErrBodyTimeout    = reg("BODY_TIMEOUT", KindTimeout, "body timeout error")

	ErrHeadersOverflow               = reg("HEADERS_OVERFLOW", KindProtocol, "headers overflow error")
	ErrHTTPParser                    = reg("HTTP_PARSER", KindProtocol, "http parser error")
	ErrRequestContentLengthMismatch  = reg("REQ_CONTENT_LENGTH_MISMATCH", KindInvalidRequest, "request body length does not match content-length header")
	ErrResponseContentLengthMismatch = reg("RES_CONTENT_LENGTH_MISMATCH", KindProtocol, "response body length does not match content-length header")
	ErrResponseExceededMaxSize       = reg("RES_EXCEEDED_MAX_SIZE", KindCapacity, "response content exceeded max size")
)

// KindOf reports the kind of the first [Error] in err's chain, or 0.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.kind
	}
	return 0
}

func CodeOf(err error) Code {
	var e Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

func IsInformational(err error) bool { return CodeOf(err) == ErrInformational.code }
func IsSocket(err error) bool        { return CodeOf(err) == ErrSocket.code }

// Informational builds an [ErrInformational] with the given message.
func Informational(msg string) Error { return ErrInformational.With(msg) }

// Socket builds an [ErrSocket] with the given message.
func Socket(msg string) Error { return ErrSocket.With(msg) }

// InvalidArgument builds an [ErrInvalidArgument] with the given message.
func InvalidArgument(msg string) Error { return ErrInvalidArgument.With(msg) }
