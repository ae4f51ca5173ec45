package http

import (
	"bytes"
	"context"
	"io"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
)

// DispatchOptions describes one request. Nil pointers take the defaults
// documented on each field.
type DispatchOptions struct {
	// Origin is required by dispatchers spanning several origins and
	// defaults to the dispatcher's own origin otherwise.
	Origin  Origin
	Path    string
	Method  string
	Headers Header
	// Body is one of string, []byte, *bytes.Buffer, *bytes.Reader,
	// *strings.Reader, an io.Reader streamed as it is read or an
	// iter.Seq2[[]byte, error] pulled chunk by chunk.
	Body any

	Idempotent *bool // defaults to true for GET and HEAD
	Blocking   *bool // defaults to true except for HEAD
	Reset      *bool // close the connection after this request
	Upgrade    string

	HeadersTimeout *time.Duration // defaults to the dispatcher's
	BodyTimeout    *time.Duration // defaults to the dispatcher's

	// MaxRedirections is validated only, redirects are not followed.
	MaxRedirections int

	// Context cancels the request: a request not yet written is removed
	// from the queue, a request in flight tears its connection down.
	Context context.Context
}

// Ptr returns a pointer to v, handy for the optional option fields.
func Ptr[T any](v T) *T { return &v }

type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyBuffer
	BodyStream
	BodyIterable
)

// Request is the normalized form of [DispatchOptions] a connection queues.
type Request struct {
	Origin Origin
	Method string
	Path   string
	// Host is the value of the host header, empty for the origin default.
	Host       string
	ServerName string
	Headers    Header // caller headers without host and content-length
	Upgrade    string

	BodyKind BodyKind
	Buffer   []byte
	Stream   io.Reader
	Iterable iter.Seq2[[]byte, error]
	// ContentLength is the declared content-length header, -1 if absent.
	ContentLength int64

	Idempotent bool
	Blocking   bool
	Reset      *bool

	HeadersTimeout *time.Duration
	BodyTimeout    *time.Duration
	Context        context.Context

	Aborted   bool
	Completed bool

	handler Handler
	abort   func(err error)
	stop    func() bool
}

var duplicatesAllowed = map[string]bool{
	"accept": true, "accept-encoding": true, "accept-language": true,
	"cache-control": true, "cookie": true, "forwarded": true,
	"te": true, "via": true, "x-forwarded-for": true,
}

// NewRequest validates opts and builds the queued form of a request.
// Errors are of the invalid-request kind.
func NewRequest(origin Origin, opts DispatchOptions, h Handler) (*Request, error) {
	if h == nil {
		return nil, errs.InvalidArgument("handler must be set")
	}
	method, path := opts.Method, opts.Path
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, errs.InvalidArgument("invalid request method")
	}
	if method != "CONNECT" && !strings.HasPrefix(path, "/") &&
		!strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return nil, errs.InvalidArgument("path must be an absolute URL or start with a slash")
	}
	for i := 0; i < len(path); i++ {
		if path[i] <= ' ' || path[i] == 0x7f {
			return nil, errs.InvalidArgument("invalid request path")
		}
	}
	if opts.Upgrade != "" && !httpguts.ValidHeaderFieldValue(opts.Upgrade) {
		return nil, errs.InvalidArgument("invalid upgrade header")
	}
	if opts.HeadersTimeout != nil && *opts.HeadersTimeout < 0 {
		return nil, errs.InvalidArgument("invalid headersTimeout")
	}
	if opts.BodyTimeout != nil && *opts.BodyTimeout < 0 {
		return nil, errs.InvalidArgument("invalid bodyTimeout")
	}
	if opts.MaxRedirections < 0 {
		return nil, errs.InvalidArgument("maxRedirections must be a positive number")
	} else if opts.MaxRedirections > 0 {
		return nil, errs.ErrNotSupported.With("redirections are not supported")
	}

	r := &Request{
		Origin: origin, Method: method, Path: path,
		Upgrade:        opts.Upgrade,
		ContentLength:  -1,
		Idempotent:     method == "GET" || method == "HEAD",
		Blocking:       method != "HEAD",
		Reset:          opts.Reset,
		HeadersTimeout: opts.HeadersTimeout,
		BodyTimeout:    opts.BodyTimeout,
		Context:        opts.Context,
		handler:        h,
	}
	if opts.Idempotent != nil {
		r.Idempotent = *opts.Idempotent
	}
	if opts.Blocking != nil {
		r.Blocking = *opts.Blocking
	}
	seen := make(map[string]bool, len(opts.Headers))
	for _, f := range opts.Headers {
		if err := r.processHeader(f, seen); err != nil {
			return nil, err
		}
	}
	if err := r.setBody(opts.Body); err != nil {
		return nil, err
	}
	r.ServerName = origin.ServerName()
	if r.Host != "" && origin.TLS() {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")
		if net.ParseIP(host) == nil {
			r.ServerName = host
		} else {
			r.ServerName = ""
		}
	}
	return r, nil
}

func (r *Request) processHeader(f Field, seen map[string]bool) error {
	key := strings.ToLower(f.Name)
	if !httpguts.ValidHeaderFieldName(f.Name) {
		return errs.InvalidArgument("invalid header key")
	}
	if !httpguts.ValidHeaderFieldValue(f.Value) {
		return errs.InvalidArgument("invalid " + f.Name + " header")
	}
	if seen[key] && !duplicatesAllowed[key] {
		return errs.InvalidArgument("duplicate " + f.Name + " header")
	}
	seen[key] = true
	switch key {
	case "host":
		r.Host = f.Value
	case "content-length":
		cl, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil || cl < 0 {
			return errs.InvalidArgument("invalid content-length header")
		}
		r.ContentLength = cl
	case "transfer-encoding", "keep-alive", "upgrade":
		return errs.InvalidArgument("invalid " + key + " header")
	case "connection":
		switch strings.ToLower(f.Value) {
		case "close":
			r.Reset = Ptr(true)
		case "keep-alive":
		default:
			return errs.InvalidArgument("invalid connection header")
		}
	case "expect":
		return errs.ErrNotSupported.With("expect header not supported")
	default:
		r.Headers = append(r.Headers, f)
	}
	return nil
}

// setBody is adapted from the buffered body kinds accepted by
// net/http.NewRequest; everything else is streamed.
func (r *Request) setBody(body any) error {
	var buf []byte
	switch b := body.(type) {
	case nil:
		return nil
	case string:
		buf = []byte(b)
	case []byte:
		buf = b
	case *bytes.Buffer:
		buf = b.Bytes()
	case *bytes.Reader:
		snapshot := *b
		buf, _ = io.ReadAll(&snapshot)
	case *strings.Reader:
		snapshot := *b
		buf, _ = io.ReadAll(&snapshot)
	case iter.Seq2[[]byte, error]:
		r.BodyKind, r.Iterable = BodyIterable, b
		return nil
	case func(yield func([]byte, error) bool):
		r.BodyKind, r.Iterable = BodyIterable, b
		return nil
	case io.Reader:
		r.BodyKind, r.Stream = BodyStream, b
		return nil
	default:
		return errs.InvalidArgument("body must be a string, a []byte, an io.Reader or an iter.Seq2[[]byte, error]")
	}
	if len(buf) > 0 {
		r.BodyKind, r.Buffer = BodyBuffer, buf
	}
	return nil
}

// BodyLength is the length known from the body itself: 0 without a body,
// -1 when it can only be learned by reading it.
func (r *Request) BodyLength() int64 {
	switch r.BodyKind {
	case BodyNone:
		return 0
	case BodyBuffer:
		return int64(len(r.Buffer))
	case BodyStream:
		if sizer, ok := r.Stream.(interface{ Size() int64 }); ok {
			return sizer.Size()
		}
		if lener, ok := r.Stream.(interface{ Len() int }); ok {
			return int64(lener.Len())
		}
	}
	return -1
}

// ClearBody drops a body known to be empty.
func (r *Request) ClearBody() {
	if c, ok := r.Stream.(io.Closer); ok {
		c.Close()
	}
	r.BodyKind, r.Buffer, r.Stream, r.Iterable = BodyNone, nil, nil, nil
}

// Watch calls onCancel once the request context is done, until the
// request reaches a terminal callback.
func (r *Request) Watch(onCancel func(err error)) {
	if r.Context == nil || r.Context.Done() == nil {
		return
	}
	ctx := r.Context
	r.stop = context.AfterFunc(ctx, func() { onCancel(context.Cause(ctx)) })
}

func (r *Request) finally() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

// Abort runs the abort callback handed to OnConnect, reporting false when
// the request has not been connected yet.
func (r *Request) Abort(err error) bool {
	if r.abort == nil {
		return false
	}
	r.abort(err)
	return true
}

func (r *Request) OnConnect(abort func(err error)) {
	r.abort = abort
	r.handler.OnConnect(abort)
}

func (r *Request) OnHeaders(status int, headers Header, resume func()) bool {
	if r.Aborted || r.Completed {
		return true
	}
	return r.handler.OnHeaders(status, headers, resume)
}

func (r *Request) OnData(chunk []byte) bool {
	if r.Aborted || r.Completed {
		return true
	}
	return r.handler.OnData(chunk)
}

func (r *Request) OnUpgrade(status int, headers Header, conn net.Conn) {
	r.finally()
	if r.Aborted || r.Completed {
		conn.Close()
		return
	}
	r.Completed = true
	r.handler.OnUpgrade(status, headers, conn)
}

func (r *Request) OnComplete(trailers Header) {
	r.finally()
	if r.Aborted || r.Completed {
		return
	}
	r.Completed = true
	r.handler.OnComplete(trailers)
}

func (r *Request) OnError(err error) {
	r.finally()
	if r.Aborted || r.Completed {
		return
	}
	r.Aborted = true
	r.handler.OnError(err)
}

func (r *Request) OnBodySent(chunk []byte) {
	if h, ok := r.handler.(BodySentHandler); ok && !r.Aborted {
		h.OnBodySent(chunk)
	}
}

func (r *Request) OnRequestSent() {
	if h, ok := r.handler.(RequestSentHandler); ok && !r.Aborted {
		h.OnRequestSent()
	}
}
