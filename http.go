// Package dispatch is an HTTP/1.1 dispatch engine: persistent pipelined
// connections ([Client]), pools of them per origin ([Pool]), weighted pools
// of pools ([BalancedPool]) and a router over origins ([Agent]).
//
// Dispatchers are driven by callbacks on a single event loop. [Request],
// [Upgrade], [Close] and [Destroy] wrap them into blocking calls.
package dispatch

import (
	"context"

	"github.com/frankli0324/go-dispatch/internal/api"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

type Dispatcher = http.Dispatcher
type DispatchOptions = http.DispatchOptions
type Handler = http.Handler
type HandlerFuncs = http.HandlerFuncs
type Header = http.Header
type Field = http.Field
type Origin = http.Origin
type Stats = http.Stats
type Event = http.Event
type EventKind = http.EventKind
type Listener = http.Listener
type Factory = http.Factory
type FactoryFunc = http.FactoryFunc

const (
	EventConnect         = http.EventConnect
	EventDisconnect      = http.EventDisconnect
	EventConnectionError = http.EventConnectionError
	EventDrain           = http.EventDrain
)

type Response = api.Response
type Body = api.Body
type Upgraded = api.Upgraded

// Error is the error type of every failure reported by a dispatcher, match
// it against the sentinels below with [errors.Is].
type Error = errs.Error

var (
	ErrInvalidArgument               = errs.ErrInvalidArgument
	ErrNotSupported                  = errs.ErrNotSupported
	ErrConfiguration                 = errs.ErrConfiguration
	ErrClientClosed                  = errs.ErrClientClosed
	ErrClientDestroyed               = errs.ErrClientDestroyed
	ErrMissingUpstream               = errs.ErrMissingUpstream
	ErrConnectTimeout                = errs.ErrConnectTimeout
	ErrSocket                        = errs.ErrSocket
	ErrInformational                 = errs.ErrInformational
	ErrRequestAborted                = errs.ErrRequestAborted
	ErrHeadersTimeout                = errs.ErrHeadersTimeout
	ErrBodyTimeout                   = errs.ErrBodyTimeout
	ErrHeadersOverflow               = errs.ErrHeadersOverflow
	ErrHTTPParser                    = errs.ErrHTTPParser
	ErrRequestContentLengthMismatch  = errs.ErrRequestContentLengthMismatch
	ErrResponseContentLengthMismatch = errs.ErrResponseContentLengthMismatch
	ErrResponseExceededMaxSize       = errs.ErrResponseExceededMaxSize
)

var StatusText = http.StatusText

func ParseOrigin(raw string) (Origin, error) { return http.ParseOrigin(raw) }

// H builds a header from name, value pairs.
func H(kv ...string) Header { return http.H(kv...) }

func Ptr[T any](v T) *T { return &v }

// Request sends a request through d and waits for its response headers.
func Request(ctx context.Context, d Dispatcher, opts DispatchOptions) (*Response, error) {
	return api.Request(ctx, d, opts)
}

func Upgrade(ctx context.Context, d Dispatcher, opts DispatchOptions) (*Upgraded, error) {
	return api.Upgrade(ctx, d, opts)
}

func Close(ctx context.Context, d Dispatcher) error { return api.Close(ctx, d) }

func Destroy(ctx context.Context, d Dispatcher, err error) error { return api.Destroy(ctx, d, err) }
