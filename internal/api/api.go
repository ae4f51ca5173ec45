// package api wraps the callback based [http.Dispatcher] contract into
// blocking calls that are safe to use from any goroutine.
package api

import (
	"context"
	"net"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

type Response struct {
	Status  int
	Headers http.Header
	// Body streams the response. Reading it resumes a paused connection,
	// closing it before the end aborts the request.
	Body *Body
}

// Trailers returns the response trailers once Body reached io.EOF.
func (r *Response) Trailers() http.Header { return r.Body.trailers() }

type result struct {
	resp *Response
	up   *Upgraded
	err  error
}

type handler struct {
	d      http.Dispatcher
	res    chan result
	body   *Body
	header bool
}

func (h *handler) OnConnect(abort func(err error)) {
	h.body.setAbort(func(err error) { h.d.Loop().Post(func() { abort(err) }) })
}

func (h *handler) OnHeaders(status int, headers http.Header, resume func()) bool {
	h.header = true
	h.body.setResume(resume)
	h.res <- result{resp: &Response{Status: status, Headers: headers, Body: h.body}}
	return true
}

func (h *handler) OnData(chunk []byte) bool { return h.body.push(chunk) }

func (h *handler) OnUpgrade(_ int, _ http.Header, conn net.Conn) {
	conn.Close()
	h.res <- result{err: errs.ErrNotSupported.With("upgrade responses need api.Upgrade")}
}

func (h *handler) OnComplete(trailers http.Header) { h.body.finish(trailers, nil) }

func (h *handler) OnError(err error) {
	if !h.header {
		h.res <- result{err: err}
		return
	}
	h.body.finish(nil, err)
}

// Request dispatches opts on d and waits for the response headers. ctx
// stays attached to the request until its body has been read.
func Request(ctx context.Context, d http.Dispatcher, opts http.DispatchOptions) (*Response, error) {
	opts.Context = ctx
	h := &handler{d: d, res: make(chan result, 1), body: newBody()}
	r, err := dispatch(ctx, d, opts, h, h.res)
	if err != nil {
		return nil, err
	}
	return r.resp, nil
}

func dispatch(ctx context.Context, d http.Dispatcher, opts http.DispatchOptions, h http.Handler, res <-chan result) (result, error) {
	if !d.Loop().Post(func() { d.Dispatch(opts, h) }) {
		return result{}, errs.ErrClientDestroyed
	}
	select {
	case r := <-res:
		return r, r.err
	case <-ctx.Done():
		return result{}, errs.ErrRequestAborted.Wrap(context.Cause(ctx))
	}
}

// Upgraded is a connection handed over by an upgrade or CONNECT request.
type Upgraded struct {
	Status  int
	Headers http.Header
	Conn    net.Conn
}

type upgradeHandler struct {
	d     http.Dispatcher
	res   chan result
	abort func(error)
}

func (h *upgradeHandler) OnConnect(abort func(err error)) { h.abort = abort }

func (h *upgradeHandler) OnHeaders(int, http.Header, func()) bool {
	err := errs.Socket("bad upgrade")
	if abort := h.abort; abort != nil {
		h.d.Loop().Post(func() { abort(err) })
	}
	h.res <- result{err: err}
	return true
}

func (h *upgradeHandler) OnData([]byte) bool { return true }

func (h *upgradeHandler) OnUpgrade(status int, headers http.Header, conn net.Conn) {
	h.res <- result{up: &Upgraded{Status: status, Headers: headers, Conn: conn}}
}

func (h *upgradeHandler) OnComplete(http.Header) {}

func (h *upgradeHandler) OnError(err error) {
	select {
	case h.res <- result{err: err}:
	default:
	}
}

// Upgrade dispatches an upgrade or CONNECT request and returns the raw
// connection once the server switched protocols. opts.Upgrade defaults to
// "Websocket" unless the method is CONNECT.
func Upgrade(ctx context.Context, d http.Dispatcher, opts http.DispatchOptions) (*Upgraded, error) {
	if opts.Method == "" {
		opts.Method = "GET"
	}
	if opts.Upgrade == "" && opts.Method != "CONNECT" {
		opts.Upgrade = "Websocket"
	}
	opts.Context = ctx
	h := &upgradeHandler{d: d, res: make(chan result, 1)}
	r, err := dispatch(ctx, d, opts, h, h.res)
	if err != nil {
		return nil, err
	}
	return r.up, nil
}

// Close closes d and waits for its queued requests to finish.
func Close(ctx context.Context, d http.Dispatcher) error {
	return wait(ctx, d, func() <-chan struct{} { return d.Close() })
}

// Destroy fails every request queued on d with err, nil meaning
// ClientDestroyed, and waits for its connections to go away.
func Destroy(ctx context.Context, d http.Dispatcher, err error) error {
	return wait(ctx, d, func() <-chan struct{} { return d.Destroy(err) })
}

func wait(ctx context.Context, d http.Dispatcher, fn func() <-chan struct{}) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	got := make(chan (<-chan struct{}), 1)
	if !d.Loop().Post(func() { got <- fn() }) {
		return errs.ErrClientDestroyed
	}
	var done <-chan struct{}
	select {
	case done = <-got:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
