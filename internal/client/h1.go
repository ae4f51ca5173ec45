package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/frankli0324/go-dispatch/internal/dialer"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/sockprobe"
	"github.com/frankli0324/go-dispatch/internal/timers"
	"github.com/frankli0324/go-dispatch/internal/wire"
)

const readBufferSize = 64 << 10

// h1 drives one HTTP/1.1 connection. The reader goroutine hands every chunk
// it reads to the loop and waits for an acknowledgement before reading
// again, a paused parser holds the acknowledgement back.
type h1 struct {
	c      *Client
	conn   net.Conn
	parser *wire.Parser
	w      *writer

	ack  chan struct{}
	stop chan struct{}
	// unparsed is what a paused parser left of the last chunk
	unparsed []byte
	paused   bool

	isDestroyed bool
	upgraded    bool
	err         error
	done        []func()

	reset    bool // no more requests on this connection
	writing  bool // a streamed body is being written
	blocking bool // a blocking request is waiting for its headers
	counter  int
	body     io.Closer // streamed body being written

	// current response
	statusCode      int
	statusText      string
	headers         http.Header
	headersDone     bool
	keepAlive       string
	connection      string
	contentLength   string
	shouldKeepAlive bool
	upgrade         bool
	bytesRead       int64

	timeout      *timers.Timer
	timeoutValue time.Duration
	timeoutKind  timeoutKind
	deadline     time.Time
	timerGen     uint64
}

func newH1(c *Client, conn net.Conn) *h1 {
	s := &h1{
		c:    c,
		conn: conn,
		ack:  make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	s.parser = wire.NewParser(s, c.opts.MaxHeaderSize)
	s.w = newWriter(conn, func(err error) {
		c.Loop().Post(func() { s.destroy(errs.ErrSocket.Wrap(err)) })
	})
	go s.w.run()
	go s.readLoop()
	return s
}

func (s *h1) destroyed() bool { return s.isDestroyed }
func (s *h1) limit() int      { return 0 }

func (s *h1) busy(*http.Request) bool {
	return s.writing || s.reset || s.blocking
}

func (s *h1) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !s.c.Loop().Post(func() { s.onRead(data) }) {
				return
			}
			select {
			case <-s.ack:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			s.c.Loop().Post(func() { s.onReadError(err) })
			return
		}
	}
}

func (s *h1) onRead(data []byte) {
	if s.isDestroyed {
		return
	}
	s.unparsed = data
	s.execute()
}

// execute feeds the unparsed bytes to the parser, acknowledging the chunk
// once it has been consumed entirely.
func (s *h1) execute() {
	data := s.unparsed
	n, err := s.parser.Execute(data)
	s.unparsed = data[n:]
	switch {
	case err == nil:
		s.unparsed = nil
		select {
		case s.ack <- struct{}{}:
		default:
		}
	case errors.Is(err, wire.ErrPaused):
		s.paused = true
	case errors.Is(err, wire.ErrUpgrade):
		s.onUpgrade(s.unparsed)
	case errors.Is(err, wire.ErrAborted):
		// torn down by the callback
	default:
		s.destroy(parserError(err))
	}
}

func parserError(err error) error {
	var pe *wire.ParseError
	if errors.As(err, &pe) && pe.Code == wire.CodeHeaderOverflow {
		return errs.ErrHeadersOverflow.Wrap(err)
	}
	return errs.ErrHTTPParser.Wrap(err)
}

// resumeParser is handed to OnHeaders, it may be called from any
// goroutine.
func (s *h1) resumeParser() {
	s.c.Loop().Post(func() {
		if s.isDestroyed || !s.paused {
			return
		}
		s.paused = false
		s.parser.Resume()
		if s.timeoutKind == timeoutBody {
			s.refreshTimer()
		}
		s.execute()
	})
}

func (s *h1) onReadError(err error) {
	if s.isDestroyed {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		// a response delimited by the end of the connection, or cut short
		// while its length was announced, is decided here
		if s.statusCode != 0 && (!s.shouldKeepAlive || s.contentLength != "") {
			s.OnMessageComplete()
		}
		s.destroy(errs.Socket("other side closed"))
	case errors.Is(err, syscall.ECONNRESET) && s.statusCode != 0 && !s.shouldKeepAlive:
		s.OnMessageComplete()
		s.destroy(errs.ErrSocket.Wrap(err))
	default:
		s.destroy(errs.ErrSocket.Wrap(err))
	}
}

func (s *h1) head() *http.Request {
	c := s.c
	if c.inflight() == 0 {
		return nil
	}
	return c.queue[c.runningIdx]
}

func (s *h1) OnMessageBegin() wire.Action {
	if s.isDestroyed {
		return wire.Abort
	}
	if s.head() == nil {
		s.destroy(errs.Socket("unexpected response"))
		return wire.Abort
	}
	s.headers, s.headersDone = nil, false
	return wire.Continue
}

func (s *h1) OnHeader(name, value string) wire.Action {
	if s.isDestroyed {
		return wire.Abort
	}
	if !s.headersDone {
		switch strings.ToLower(name) {
		case "keep-alive":
			s.keepAlive = value
		case "connection":
			s.connection = value
		case "content-length":
			s.contentLength = value
		}
	}
	s.headers = append(s.headers, http.Field{Name: name, Value: value})
	return wire.Continue
}

func (s *h1) OnHeadersComplete(status int, statusText string, upgrade, keepAlive bool) wire.Action {
	if s.isDestroyed {
		return wire.Abort
	}
	c := s.c
	req := s.head()
	if req == nil {
		return wire.Abort
	}
	if status == 100 {
		s.destroy(errs.Socket("bad response"))
		return wire.Abort
	}
	if upgrade && req.Upgrade == "" && req.Method != "CONNECT" {
		s.destroy(errs.Socket("bad upgrade"))
		return wire.Abort
	}
	s.statusCode, s.statusText = status, statusText
	s.shouldKeepAlive = keepAlive ||
		// a HEAD response announcing a body still leaves the connection usable
		req.Method == "HEAD" && !s.reset && strings.EqualFold(s.connection, "keep-alive")

	if req.Method == "CONNECT" || upgrade {
		s.clearTimer()
		s.upgrade = true
		return wire.Upgrade
	}
	if status < 200 {
		s.headers = nil
		s.refreshTimer()
		return wire.SkipBody
	}
	s.setTimeout(bodyTimeout(c, req), timeoutBody)

	headers := s.headers
	s.headers, s.headersDone = nil, true

	if s.shouldKeepAlive && c.pipelining > 0 {
		if ka, ok := parseKeepAliveTimeout(s.keepAlive); ok {
			timeout := min(ka-c.opts.KeepAliveTimeoutThreshold, c.opts.KeepAliveMaxTimeout)
			if timeout <= 0 {
				s.reset = true
			} else {
				c.keepAliveTimeout = timeout
			}
		} else {
			c.keepAliveTimeout = c.opts.KeepAliveTimeout
		}
	} else {
		s.reset = true
	}

	pause := !req.OnHeaders(status, headers, s.resumeParser)
	if req.Aborted {
		return wire.Abort
	}
	if req.Method == "HEAD" {
		return wire.SkipBody
	}
	if s.blocking {
		s.blocking = false
		c.resume(false)
	}
	if pause {
		return wire.Pause
	}
	return wire.Continue
}

// parseKeepAliveTimeout reads the timeout parameter of a keep-alive
// header, e.g. "timeout=5, max=100".
func parseKeepAliveTimeout(v string) (time.Duration, bool) {
	for _, part := range strings.Split(v, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(key, "timeout") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n >= 0 {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

func (s *h1) OnBody(chunk []byte) wire.Action {
	if s.isDestroyed {
		return wire.Abort
	}
	req := s.head()
	if req == nil {
		return wire.Abort
	}
	s.refreshTimer()
	if maxSize := s.c.opts.MaxResponseSize; maxSize > -1 && s.bytesRead+int64(len(chunk)) > maxSize {
		s.destroy(errs.ErrResponseExceededMaxSize)
		return wire.Abort
	}
	s.bytesRead += int64(len(chunk))
	if !req.OnData(chunk) {
		return wire.Pause
	}
	return wire.Continue
}

func (s *h1) OnMessageComplete() wire.Action {
	status, keepAlive, contentLength, bytesRead := s.statusCode, s.shouldKeepAlive, s.contentLength, s.bytesRead
	if s.isDestroyed && (status == 0 || keepAlive) {
		return wire.Abort
	}
	if s.upgrade {
		return wire.Continue
	}
	c := s.c
	req := s.head()
	if req == nil {
		return wire.Abort
	}

	s.statusCode, s.statusText = 0, ""
	s.bytesRead = 0
	s.contentLength, s.keepAlive, s.connection = "", "", ""
	trailers := s.headers
	s.headers, s.headersDone = nil, false

	if status < 200 {
		return wire.Continue
	}
	if req.Method != "HEAD" && contentLength != "" && strconv.FormatInt(bytesRead, 10) != contentLength {
		s.destroy(errs.ErrResponseContentLengthMismatch)
		return wire.Abort
	}

	c.completeRequest(req, trailers)
	c.queue[c.runningIdx] = nil
	c.runningIdx++

	switch {
	case s.writing:
		// the response arrived before the request body was written
		s.destroy(errs.Informational("reset"))
		return wire.Abort
	case !keepAlive:
		s.destroy(errs.Informational("reset"))
		return wire.Abort
	case s.reset && c.inflight() == 0:
		s.destroy(errs.Informational("reset"))
		return wire.Abort
	case c.pipelining <= 1:
		// wait a turn before reusing the connection, peers closing a
		// connection they promised to keep get noticed in the meantime
		c.Loop().Post(func() {
			if s.isDestroyed {
				return
			}
			if sockprobe.PeerClosed(s.conn) {
				s.destroy(errs.Socket("other side closed"))
				return
			}
			c.resume(false)
		})
	default:
		c.resume(false)
	}
	return wire.Continue
}

func (s *h1) onUpgrade(head []byte) {
	c := s.c
	req := s.head()
	status, headers := s.statusCode, s.headers

	s.upgraded, s.isDestroyed = true, true
	close(s.stop)
	s.w.close()
	s.clearTimer()
	s.statusCode, s.statusText, s.headers = 0, "", nil

	c.sess = nil
	c.queue[c.runningIdx] = nil
	c.runningIdx++
	c.emit(http.EventDisconnect, errs.Informational("upgrade"))

	req.OnUpgrade(status, headers, dialer.WithPrefix(s.conn, head))
	c.resume(false)
}

func (s *h1) resume() {
	c := s.c
	if s.isDestroyed {
		return
	}
	if c.size() == 0 {
		if s.timeoutKind != timeoutIdle {
			s.setTimeout(c.keepAliveTimeout, timeoutIdle)
		}
	} else if c.inflight() > 0 && s.statusCode < 200 {
		if s.timeoutKind != timeoutHeaders {
			s.setTimeout(headersTimeout(c, c.queue[c.runningIdx]), timeoutHeaders)
		}
	}
}

// destroy closes the connection. The error and the close are handled in
// a later turn, like any other socket event.
func (s *h1) destroy(err error) {
	if s.isDestroyed {
		return
	}
	s.isDestroyed = true
	if s.err == nil {
		s.err = err
	}
	close(s.stop)
	s.conn.Close()
	s.w.close()
	if s.body != nil {
		s.body.Close()
	}
	s.clearTimer()
	s.c.Loop().Post(func() {
		if err != nil {
			s.c.onError(err)
		}
		s.onClose()
	})
}

func (s *h1) onClose() {
	err := s.err
	if err == nil {
		err = errs.Socket("closed")
	}
	s.c.onSessionClose(s, err)
	for _, done := range s.done {
		done()
	}
	s.done = nil
}

// teardown destroys the connection, done runs once the close has been
// handled.
func (s *h1) teardown(err error, done func()) {
	if done != nil {
		s.done = append(s.done, done)
	}
	s.destroy(err)
}

func (s *h1) String() string {
	return fmt.Sprintf("h1(%s)", s.conn.RemoteAddr())
}
