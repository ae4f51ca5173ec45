package client

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/wire/chunked"
)

// errStop ends the writer without reporting a socket error.
var errStop = errors.New("writer stopped")

// writer serializes writes to a connection on its own goroutine so the
// loop never blocks on a slow peer.
type writer struct {
	conn net.Conn
	fail func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func(conn net.Conn) error
	closed bool
}

func newWriter(conn net.Conn, fail func(error)) *writer {
	w := &writer{conn: conn, fail: fail}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *writer) run() {
	for {
		w.mu.Lock()
		for len(w.jobs) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.jobs = nil
			w.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs[0] = nil
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		if err := job(w.conn); err != nil {
			if err != errStop {
				w.fail(err)
			}
			return
		}
	}
}

func (w *writer) push(job func(conn net.Conn) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.jobs = append(w.jobs, job)
	w.cond.Signal()
}

func (w *writer) pushBytes(b []byte) {
	w.push(func(conn net.Conn) error {
		_, err := conn.Write(b)
		return err
	})
}

func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *writer) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func expectsPayload(method string) bool {
	switch method {
	case "PUT", "POST", "PATCH", "QUERY", "PROPFIND", "PROPPATCH":
		return true
	}
	return false
}

func shouldSendContentLength(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "CONNECT":
		return false
	}
	return true
}

func (s *h1) write(req *http.Request) bool {
	c := s.c
	payload := expectsPayload(req.Method)

	bodyLength := req.BodyLength()
	contentLength := bodyLength
	if contentLength < 0 {
		contentLength = req.ContentLength
	}
	if contentLength == 0 && !payload {
		// RFC 7230 3.3.2
		contentLength = -1
	}
	if shouldSendContentLength(req.Method) && contentLength > 0 && req.ContentLength >= 0 && req.ContentLength != contentLength {
		if c.opts.StrictContentLength {
			c.errorRequest(req, errs.ErrRequestContentLengthMismatch)
			return false
		}
		c.log.Warn("request body length does not match content-length", "path", req.Path)
	}

	abort := func(err error) {
		if req.Aborted || req.Completed {
			return
		}
		if err == nil {
			err = errs.ErrRequestAborted
		}
		c.errorRequest(req, err)
		if closer, ok := req.Stream.(io.Closer); ok {
			closer.Close()
		}
		s.destroy(errs.Informational("aborted"))
	}
	req.OnConnect(abort)
	if req.Aborted {
		return false
	}

	if req.Method == "HEAD" {
		// misbehaving servers may send a body anyway
		s.reset = true
	}
	if req.Upgrade != "" || req.Method == "CONNECT" {
		s.reset = true
	}
	if req.Reset != nil {
		s.reset = *req.Reset
	}
	if n := c.opts.MaxRequestsPerClient; n > 0 {
		if s.counter++; s.counter >= n {
			s.reset = true
		}
	}
	if req.Blocking {
		s.blocking = true
	}

	head := s.requestHead(req)
	switch {
	case req.BodyKind == http.BodyNone || bodyLength == 0:
		s.writeBuffer(req, head, nil, contentLength, payload)
	case req.BodyKind == http.BodyBuffer:
		s.writeBuffer(req, head, req.Buffer, contentLength, payload)
	default:
		s.writeStream(req, head, contentLength, payload, abort)
	}
	return true
}

// requestHead renders the request line and the headers, without the framing
// headers and the final CRLF:
//
//	GET /path HTTP/1.1\r\n
//	host: example.com\r\n
//	connection: keep-alive\r\n
//	x-caller: value\r\n
func (s *h1) requestHead(req *http.Request) *bytes.Buffer {
	c := s.c
	b := &bytes.Buffer{}
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)
	b.WriteString(" HTTP/1.1\r\n")
	if req.Host != "" {
		b.WriteString("host: ")
		b.WriteString(req.Host)
		b.WriteString("\r\n")
	} else {
		b.WriteString(c.hostHeader)
	}
	switch {
	case req.Upgrade != "":
		b.WriteString("connection: upgrade\r\nupgrade: ")
		b.WriteString(req.Upgrade)
		b.WriteString("\r\n")
	case c.pipelining > 0 && !s.reset:
		b.WriteString("connection: keep-alive\r\n")
	default:
		b.WriteString("connection: close\r\n")
	}
	for _, f := range req.Headers {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	return b
}

func (s *h1) writeBuffer(req *http.Request, head *bytes.Buffer, body []byte, contentLength int64, payload bool) {
	if body == nil {
		if contentLength == 0 {
			head.WriteString("content-length: 0\r\n\r\n")
		} else {
			head.WriteString("\r\n")
		}
	} else {
		head.WriteString("content-length: ")
		head.WriteString(strconv.Itoa(len(body)))
		head.WriteString("\r\n\r\n")
		head.Write(body)
	}
	s.w.pushBytes(head.Bytes())
	if body != nil {
		req.OnBodySent(body)
		if !payload && (req.Reset == nil || *req.Reset) {
			s.reset = true
		}
	}
	req.OnRequestSent()
}

// bodyError marks failures of the request body source, as opposed to
// failures of the connection.
type bodyError struct{ error }

func (e bodyError) Unwrap() error { return e.error }

// streamWriter writes a body of unknown length on the writer goroutine.
// Everything touching the connection state is posted back to the loop.
type streamWriter struct {
	s             *h1
	req           *http.Request
	head          []byte
	contentLength int64
	payload       bool
	strict        bool
	written       int64
}

func (s *h1) writeStream(req *http.Request, head *bytes.Buffer, contentLength int64, payload bool, abort func(error)) {
	s.writing = true
	if closer, ok := req.Stream.(io.Closer); ok {
		s.body = closer
	}
	sw := &streamWriter{
		s: s, req: req, head: head.Bytes(),
		contentLength: contentLength,
		payload:       payload,
		strict:        s.c.opts.StrictContentLength,
	}
	s.w.push(func(conn net.Conn) error {
		err := sw.run(conn)
		var berr bodyError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &berr):
			s.c.Loop().Post(func() {
				s.writing, s.body = false, nil
				abort(berr.error)
			})
			return errStop
		default:
			return err
		}
	})
}

func (sw *streamWriter) run(conn net.Conn) error {
	switch sw.req.BodyKind {
	case http.BodyStream:
		buf := make([]byte, 32<<10)
		for {
			n, err := sw.req.Stream.Read(buf)
			if n > 0 {
				if werr := sw.write(conn, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return bodyError{err}
			}
		}
	case http.BodyIterable:
		for chunk, err := range sw.req.Iterable {
			if err != nil {
				return bodyError{err}
			}
			if werr := sw.write(conn, chunk); werr != nil {
				return werr
			}
		}
	}
	return sw.end(conn)
}

func (sw *streamWriter) write(conn net.Conn, chunk []byte) error {
	if sw.s.w.stopped() {
		return errStop
	}
	n := int64(len(chunk))
	if n == 0 {
		return nil
	}
	if sw.contentLength >= 0 && sw.written+n > sw.contentLength {
		if sw.strict {
			return bodyError{errs.ErrRequestContentLengthMismatch}
		}
		sw.s.c.log.Warn("request body longer than content-length", "path", sw.req.Path)
	}

	b := &bytes.Buffer{}
	if sw.written == 0 {
		if !sw.payload && (sw.req.Reset == nil || *sw.req.Reset) {
			sw.post(func() { sw.s.reset = true })
		}
		b.Write(sw.head)
		if sw.contentLength < 0 {
			b.WriteString("transfer-encoding: chunked\r\n")
		} else {
			b.WriteString("content-length: ")
			b.WriteString(strconv.FormatInt(sw.contentLength, 10))
			b.WriteString("\r\n\r\n")
		}
	}
	if sw.contentLength < 0 {
		chunked.NewWriter(b).Write(chunk)
	} else {
		b.Write(chunk)
	}
	sw.written += n
	if _, err := conn.Write(b.Bytes()); err != nil {
		return err
	}
	sent := append([]byte(nil), chunk...)
	sw.post(func() {
		sw.s.refreshHeadersTimer()
		sw.req.OnBodySent(sent)
	})
	return nil
}

func (sw *streamWriter) end(conn net.Conn) error {
	var err error
	switch {
	case sw.written == 0 && sw.payload:
		_, err = conn.Write(append(sw.head, "content-length: 0\r\n\r\n"...))
	case sw.written == 0:
		_, err = conn.Write(append(sw.head, "\r\n"...))
	case sw.contentLength < 0:
		err = chunked.NewWriter(conn).Close()
	}
	if err != nil {
		return err
	}
	if sw.contentLength >= 0 && sw.written != sw.contentLength && sw.strict {
		return bodyError{errs.ErrRequestContentLengthMismatch}
	}
	sw.post(func() {
		s := sw.s
		s.writing, s.body = false, nil
		sw.req.OnRequestSent()
		s.refreshHeadersTimer()
		s.c.resume(false)
	})
	return nil
}

func (sw *streamWriter) post(fn func()) {
	sw.s.c.Loop().Post(func() {
		if !sw.s.isDestroyed {
			fn()
		}
	})
}

func (s *h1) refreshHeadersTimer() {
	if s.timeoutKind == timeoutHeaders {
		s.refreshTimer()
	}
}
