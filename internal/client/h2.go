package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

// h2 multiplexes requests as streams of one HTTP/2 connection. Streams
// leave the queue as soon as they start and complete in any order.
type h2 struct {
	c    *Client
	conn net.Conn
	cc   *http2.ClientConn

	streams     map[*h2stream]struct{}
	isDestroyed bool
	done        []func()
}

func newH2(c *Client, conn net.Conn) (*h2, error) {
	s := &h2{c: c, conn: conn, streams: make(map[*h2stream]struct{})}
	t := &http2.Transport{
		IdleConnTimeout:            c.keepAliveTimeout,
		StrictMaxConcurrentStreams: true,
	}
	cc, err := t.NewClientConn(&notifyConn{Conn: conn, onError: func(err error) {
		c.Loop().Post(func() { s.destroy(errs.ErrSocket.Wrap(err)) })
	}})
	if err != nil {
		return nil, err
	}
	s.cc = cc
	return s, nil
}

// notifyConn reports the first read error, the http2 read loop being the
// only reader.
type notifyConn struct {
	net.Conn
	once    sync.Once
	onError func(error)
}

func (c *notifyConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.once.Do(func() { c.onError(err) })
	}
	return n, err
}

func (s *h2) destroyed() bool { return s.isDestroyed }
func (s *h2) limit() int      { return s.c.opts.MaxConcurrentStreams }
func (s *h2) resume()         {}

func (s *h2) busy(*http.Request) bool {
	return len(s.streams) >= s.c.opts.MaxConcurrentStreams || !s.cc.CanTakeNewRequest()
}

func (s *h2) write(req *http.Request) bool {
	c := s.c
	if req.Upgrade != "" {
		c.errorRequest(req, errs.ErrNotSupported.With("upgrade not supported for HTTP/2"))
		return false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	st := &h2stream{s: s, req: req, cancel: cancel, ack: make(chan struct{}, 1), stop: make(chan struct{})}
	req.OnConnect(func(err error) {
		if req.Aborted || req.Completed {
			return
		}
		if err == nil {
			err = errs.ErrRequestAborted
		}
		st.fail(err)
	})
	if req.Aborted {
		cancel()
		return false
	}

	hreq := s.request(ctx, st)
	s.streams[st] = struct{}{}
	c.streams++
	go func() {
		resp, err := s.cc.RoundTrip(hreq)
		if !c.Loop().Post(func() { st.onResponse(resp, err) }) && resp != nil {
			resp.Body.Close()
		}
	}()
	if req.BodyKind == http.BodyBuffer {
		req.OnBodySent(req.Buffer)
	}
	if req.BodyKind <= http.BodyBuffer && req.Method != "CONNECT" {
		req.OnRequestSent()
	}
	return false
}

// request maps req onto the net/http request understood by http2, which
// derives the :method, :path and :authority pseudo headers from it.
func (s *h2) request(ctx context.Context, st *h2stream) *nethttp.Request {
	req := st.req
	authority := req.Host
	if authority == "" {
		authority = s.c.origin.HostHeader()
	}
	hreq := &nethttp.Request{
		Method:        req.Method,
		URL:           &url.URL{Scheme: s.c.origin.Scheme, Host: authority, Opaque: req.Path},
		Host:          authority,
		Header:        make(nethttp.Header, len(req.Headers)),
		ContentLength: req.ContentLength,
		Proto:         "HTTP/2.0", ProtoMajor: 2,
	}
	if req.Method == "CONNECT" {
		hreq.URL = &url.URL{Host: authority}
	}
	for _, f := range req.Headers {
		hreq.Header.Add(f.Name, f.Value)
	}
	switch req.BodyKind {
	case http.BodyBuffer:
		hreq.Body = io.NopCloser(bytes.NewReader(req.Buffer))
		hreq.ContentLength = int64(len(req.Buffer))
	case http.BodyStream:
		hreq.Body = &sentReader{st: st, r: req.Stream}
	case http.BodyIterable:
		hreq.Body = &sentReader{st: st, r: newIterReader(req.Iterable)}
	default:
		hreq.ContentLength = 0
	}
	if req.Method == "CONNECT" {
		st.pr, st.pw = io.Pipe()
		hreq.Body, hreq.ContentLength = st.pr, -1
	}
	return hreq.WithContext(ctx)
}

func (s *h2) teardown(err error, done func()) {
	if done != nil {
		s.done = append(s.done, done)
	}
	s.destroy(err)
}

func (s *h2) destroy(err error) {
	if s.isDestroyed {
		return
	}
	s.isDestroyed = true
	s.cc.Close()
	s.conn.Close()
	s.c.Loop().Post(func() {
		for st := range s.streams {
			s.c.errorRequest(st.req, err)
			st.finish()
		}
		s.c.onSessionClose(s, err)
		for _, done := range s.done {
			done()
		}
		s.done = nil
	})
}

type h2stream struct {
	s      *h2
	req    *http.Request
	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter

	body      io.ReadCloser
	trailer   func() nethttp.Header
	ack       chan struct{}
	stop      chan struct{}
	paused    bool
	reading   bool
	bytesRead int64
	finished  bool
}

func (st *h2stream) finish() {
	if st.finished {
		return
	}
	st.finished = true
	delete(st.s.streams, st)
	st.s.c.streams--
	st.cancel()
	close(st.stop)
	if st.body != nil {
		st.body.Close()
	}
}

func (st *h2stream) fail(err error) {
	st.s.c.errorRequest(st.req, err)
	st.finish()
	st.s.c.resume(false)
}

func (st *h2stream) onResponse(resp *nethttp.Response, err error) {
	if st.finished {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	if err != nil {
		st.fail(err)
		return
	}
	c, req := st.s.c, st.req
	headers := toHeader(resp.Header)

	if req.Method == "CONNECT" {
		conn := &streamConn{body: resp.Body, pw: st.pw, cancel: st.cancel, local: st.s.conn.LocalAddr(), remote: st.s.conn.RemoteAddr()}
		// the stream outlives the request, its conn owns the context now
		st.cancel = func() {}
		st.finish()
		req.OnUpgrade(resp.StatusCode, headers, conn)
		c.resume(false)
		return
	}

	st.body = resp.Body
	st.trailer = func() nethttp.Header { return resp.Trailer }
	if !req.OnHeaders(resp.StatusCode, headers, st.resume) {
		st.paused = true
	}
	if st.finished || req.Aborted {
		return
	}
	if !st.paused {
		st.read()
	}
}

func (st *h2stream) resume() {
	st.s.c.Loop().Post(func() {
		if st.finished || !st.paused {
			return
		}
		st.paused = false
		if !st.reading {
			st.read()
			return
		}
		select {
		case st.ack <- struct{}{}:
		default:
		}
	})
}

func (st *h2stream) read() {
	st.reading = true
	loop := st.s.c.Loop()
	body := st.body
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				if !loop.Post(func() { st.onData(data) }) {
					return
				}
				select {
				case <-st.ack:
				case <-st.stop:
					return
				}
			}
			if err == io.EOF {
				loop.Post(st.onEnd)
				return
			}
			if err != nil {
				loop.Post(func() {
					if !st.finished {
						st.fail(errs.ErrSocket.Wrap(err))
					}
				})
				return
			}
		}
	}()
}

func (st *h2stream) onData(data []byte) {
	if st.finished {
		return
	}
	if maxSize := st.s.c.opts.MaxResponseSize; maxSize > -1 && st.bytesRead+int64(len(data)) > maxSize {
		st.fail(errs.ErrResponseExceededMaxSize)
		return
	}
	st.bytesRead += int64(len(data))
	if !st.req.OnData(data) {
		st.paused = true
		return
	}
	select {
	case st.ack <- struct{}{}:
	default:
	}
}

func (st *h2stream) onEnd() {
	if st.finished {
		return
	}
	st.s.c.completeRequest(st.req, toHeader(st.trailer()))
	st.finish()
	st.s.c.resume(false)
}

func toHeader(h nethttp.Header) http.Header {
	out := make(http.Header, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, http.Field{Name: strings.ToLower(k), Value: v})
		}
	}
	return out
}

// sentReader reports request body progress back to the loop.
type sentReader struct {
	st *h2stream
	r  io.Reader
}

func (r *sentReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	st := r.st
	if n > 0 {
		chunk := append([]byte(nil), b[:n]...)
		st.s.c.Loop().Post(func() {
			if !st.req.Aborted {
				st.req.OnBodySent(chunk)
			}
		})
	}
	if err == io.EOF {
		st.s.c.Loop().Post(func() {
			if !st.req.Aborted {
				st.req.OnRequestSent()
			}
		})
	}
	return n, err
}

func (r *sentReader) Close() error {
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// iterReader adapts a chunk iterator to io.Reader.
type iterReader struct {
	next func() ([]byte, error, bool)
	stop func()
	buf  []byte
}

func newIterReader(seq iter.Seq2[[]byte, error]) *iterReader {
	next, stop := iter.Pull2(seq)
	return &iterReader{next: next, stop: stop}
}

func (r *iterReader) Read(b []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err, ok := r.next()
		if !ok {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *iterReader) Close() error {
	r.stop()
	return nil
}

var errNoDeadline = errors.New("deadlines are not supported on HTTP/2 streams")

// streamConn is the tunnel opened by a CONNECT stream.
type streamConn struct {
	body   io.ReadCloser
	pw     *io.PipeWriter
	cancel context.CancelFunc

	local, remote net.Addr
}

func (c *streamConn) Read(b []byte) (int, error)  { return c.body.Read(b) }
func (c *streamConn) Write(b []byte) (int, error) { return c.pw.Write(b) }

func (c *streamConn) Close() error {
	c.pw.Close()
	err := c.body.Close()
	c.cancel()
	return err
}

func (c *streamConn) LocalAddr() net.Addr              { return c.local }
func (c *streamConn) RemoteAddr() net.Addr             { return c.remote }
func (c *streamConn) SetDeadline(time.Time) error      { return errNoDeadline }
func (c *streamConn) SetReadDeadline(time.Time) error  { return errNoDeadline }
func (c *streamConn) SetWriteDeadline(time.Time) error { return errNoDeadline }
