// package client implements a dispatcher bound to a single connection to
// one origin. Requests are kept in one queue split by two indices:
//
//	queue[:runningIdx]            completed, nil-ed until compaction
//	queue[runningIdx:pendingIdx]  written, waiting for their response
//	queue[pendingIdx:]            not written yet
//
// Every state transition runs on the client's loop.
package client

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/dialer"
	"github.com/frankli0324/go-dispatch/internal/dispatcher"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

// session is the protocol specific half of a connection.
type session interface {
	// busy reports whether req, or any request when nil, has to wait.
	busy(req *http.Request) bool
	// write starts req, reporting whether it joined the running region
	// of the queue. Requests that failed, or that the session tracks by
	// itself, are removed from the queue.
	write(req *http.Request) bool
	// resume arms the timer matching the client state.
	resume()
	// teardown closes the session, done runs after the disconnect has
	// been handled.
	teardown(err error, done func())
	destroyed() bool
	// limit overrides the number of requests in flight, 0 keeps the
	// pipelining factor.
	limit() int
}

type Client struct {
	dispatcher.Base

	origin    http.Origin
	opts      *config.Options
	log       hclog.Logger
	timers    *timers.Registry
	connector dialer.Connector
	labels    []metrics.Label

	ctx    context.Context
	cancel context.CancelFunc

	queue      []*http.Request
	runningIdx int
	pendingIdx int
	streams    int // requests tracked by the session outside of the queue

	resuming  int // 0 idle, 1 scheduled, 2 running
	needDrain int // 0 no, 1 drain scheduled, 2 dispatch should stop

	connecting bool
	sess       session
	serverName string
	closeDone  func()

	pipelining       int
	keepAliveTimeout time.Duration
	hostHeader       string
}

// New creates a client for origin. A nil opts uses [config.Defaults].
func New(origin http.Origin, opts *config.Options) (*Client, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if origin.IsZero() || (origin.Scheme != "http" && origin.Scheme != "https") {
		return nil, errs.InvalidArgument("invalid origin " + origin.String())
	}
	connector, err := opts.NewConnector()
	if err != nil {
		return nil, err
	}
	c := &Client{
		origin:           origin,
		opts:             opts,
		log:              opts.Log().Named("client").With("origin", origin.String()),
		timers:           opts.TimerRegistry(),
		connector:        connector,
		labels:           []metrics.Label{{Name: "origin", Value: origin.String()}},
		serverName:       origin.ServerName(),
		pipelining:       opts.Pipelining,
		keepAliveTimeout: opts.KeepAliveTimeout,
		hostHeader:       "host: " + origin.HostHeader() + "\r\n",
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.Init(opts.EventLoop(), dispatcher.Lifecycle{Drain: c.drain, Teardown: c.teardown})
	return c, nil
}

// Factory builds clients, for pools and agents.
var Factory = http.FactoryFunc(func(origin http.Origin, opts *config.Options) (http.Dispatcher, error) {
	return New(origin, opts)
})

func (c *Client) Origin() http.Origin { return c.origin }

func (c *Client) inflight() int { return c.pendingIdx - c.runningIdx }
func (c *Client) running() int  { return c.inflight() + c.streams }
func (c *Client) pending() int  { return len(c.queue) - c.pendingIdx }
func (c *Client) size() int     { return c.pending() + c.running() }

func (c *Client) limit() int {
	if c.sess != nil {
		if n := c.sess.limit(); n > 0 {
			return n
		}
	}
	return max(c.pipelining, 1)
}

func (c *Client) busy() bool {
	return c.sess != nil && c.sess.busy(nil) || c.size() >= c.limit() || c.pending() > 0
}

func (c *Client) connected() bool {
	return c.sess != nil && !c.sess.destroyed()
}

// NeedDrain reports whether Dispatch asked its caller to wait for drain.
func (c *Client) NeedDrain() bool { return c.needDrain == 2 }

func (c *Client) Stats() http.Stats {
	s := http.Stats{Pending: c.pending(), Running: c.running(), Size: c.size()}
	if c.connected() {
		s.Connected = 1
		if !c.busy() {
			s.Free = 1
		}
	}
	return s
}

// Dispatch queues a request, see [http.Dispatcher].
func (c *Client) Dispatch(opts http.DispatchOptions, h http.Handler) bool {
	if !c.Admit(h) {
		return false
	}
	req, err := http.NewRequest(c.origin, opts, h)
	if err != nil {
		h.OnError(err)
		return false
	}
	c.queue = append(c.queue, req)
	req.Watch(func(err error) {
		c.Loop().Post(func() { c.abort(req, err) })
	})

	if c.resuming != 0 {
		// picked up by the resume in progress
	} else if req.BodyLength() < 0 {
		// give a stream ended right away the chance to report its length
		c.resuming = 1
		c.Loop().Post(func() { c.resume(false) })
	} else {
		c.resume(true)
	}
	if c.resuming != 0 && c.needDrain != 2 && c.busy() {
		c.needDrain = 2
	}
	return c.needDrain < 2
}

// abort handles a cancelled request context.
func (c *Client) abort(req *http.Request, cause error) {
	if req.Aborted || req.Completed {
		return
	}
	err := errs.ErrRequestAborted.Wrap(cause)
	for i := c.pendingIdx; i < len(c.queue); i++ {
		if c.queue[i] == req {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.errorRequest(req, err)
			c.resume(false)
			return
		}
	}
	if !req.Abort(err) {
		c.errorRequest(req, err)
	}
	c.resume(false)
}

func (c *Client) errorRequest(req *http.Request, err error) {
	if req.Aborted || req.Completed {
		return
	}
	metrics.IncrCounterWithLabels([]string{"dispatch", "request", "error"}, 1, c.labels)
	req.OnError(err)
}

func (c *Client) completeRequest(req *http.Request, trailers http.Header) {
	metrics.IncrCounterWithLabels([]string{"dispatch", "request", "complete"}, 1, c.labels)
	req.OnComplete(trailers)
}

// failFrom fails and drops every request from queue[i:].
func (c *Client) failFrom(i int, err error) {
	requests := c.queue[i:]
	c.queue = c.queue[:i:i]
	for _, req := range requests {
		c.errorRequest(req, err)
	}
}

// onError fails the whole queue for errors not caused by a running request
// that the next connection would likely hit as well.
func (c *Client) onError(err error) {
	if c.running() == 0 && !errs.IsInformational(err) && !errs.IsSocket(err) {
		c.failFrom(c.runningIdx, err)
	}
}

func (c *Client) emit(kind http.EventKind, err error) {
	c.Emit(http.Event{Kind: kind, Origin: c.origin, Targets: []http.Dispatcher{c}, Err: err})
}

func (c *Client) emitDrain() {
	c.needDrain = 0
	c.emit(http.EventDrain, nil)
}

func (c *Client) resume(sync bool) {
	if c.resuming == 2 {
		return
	}
	c.resuming = 2
	c.doResume(sync)
	c.resuming = 0

	if c.runningIdx > 256 {
		n := copy(c.queue, c.queue[c.runningIdx:])
		clear(c.queue[n:])
		c.queue = c.queue[:n]
		c.pendingIdx -= c.runningIdx
		c.runningIdx = 0
	}
}

func (c *Client) doResume(sync bool) {
	for {
		if c.Destroyed() {
			return
		}
		if c.closeDone != nil && c.size() == 0 {
			done := c.closeDone
			c.closeDone = nil
			done()
			return
		}
		if c.sess != nil {
			c.sess.resume()
		}

		if c.busy() {
			c.needDrain = 2
		} else if c.needDrain == 2 {
			if sync {
				c.needDrain = 1
				c.Loop().Post(c.emitDrain)
			} else {
				c.emitDrain()
			}
			continue
		}

		if c.pending() == 0 || c.running() >= c.limit() {
			return
		}

		req := c.queue[c.pendingIdx]
		if c.origin.TLS() && c.serverName != req.ServerName {
			if c.running() > 0 {
				return
			}
			c.serverName = req.ServerName
			if c.sess != nil {
				c.sess.teardown(errs.Informational("servername changed"), nil)
				return
			}
		}

		if c.connecting {
			return
		}
		if c.sess == nil {
			c.connect()
			return
		}
		if c.sess.destroyed() || c.sess.busy(req) {
			return
		}
		if c.running() > 0 {
			if !req.Idempotent || req.Upgrade != "" || req.Method == "CONNECT" {
				// cannot be pipelined behind anything
				return
			}
			if req.BodyKind >= http.BodyStream && req.BodyLength() != 0 {
				return
			}
		}
		if req.BodyKind == http.BodyStream && req.BodyLength() == 0 {
			req.ClearBody()
		}

		if !req.Aborted && c.sess.write(req) {
			c.pendingIdx++
		} else {
			c.queue = append(c.queue[:c.pendingIdx], c.queue[c.pendingIdx+1:]...)
		}
	}
}

func (c *Client) connect() {
	c.connecting = true
	params := dialer.Params{
		Scheme:       c.origin.Scheme,
		Hostname:     c.origin.Host,
		Port:         c.origin.Port,
		ServerName:   c.serverName,
		LocalAddress: c.opts.LocalAddress,
	}
	c.log.Trace("connecting", "servername", params.ServerName)
	ctx := c.ctx
	go func() {
		conn, err := c.connector.Connect(ctx, params)
		if !c.Loop().Post(func() { c.onConnect(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) onConnect(conn net.Conn, err error) {
	if c.Destroyed() {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.connecting = false
	if err != nil {
		c.log.Debug("connect failed", "error", err)
		metrics.IncrCounterWithLabels([]string{"dispatch", "client", "connect_error"}, 1, c.labels)
		var hostErr x509.HostnameError
		if errors.As(err, &hostErr) {
			// only the requests expecting this name are doomed
			for c.pending() > 0 && c.queue[c.pendingIdx].ServerName == c.serverName {
				req := c.queue[c.pendingIdx]
				c.queue = append(c.queue[:c.pendingIdx], c.queue[c.pendingIdx+1:]...)
				c.errorRequest(req, err)
			}
		} else {
			c.onError(err)
		}
		c.emit(http.EventConnectionError, err)
		c.resume(false)
		return
	}

	if c.opts.AllowH2 && dialer.NegotiatedProtocol(conn) == "h2" {
		sess, err := newH2(c, conn)
		if err != nil {
			conn.Close()
			c.onConnect(nil, err)
			return
		}
		c.sess = sess
	} else {
		c.sess = newH1(c, conn)
	}
	c.log.Debug("connected", "remote", conn.RemoteAddr())
	metrics.IncrCounterWithLabels([]string{"dispatch", "client", "connect"}, 1, c.labels)
	c.emit(http.EventConnect, nil)
	c.resume(false)
}

// onSessionClose runs once the transport of s is gone. The head of the
// pipeline fails with err unless err is informational, requests written
// after it go back to pending.
func (c *Client) onSessionClose(s session, err error) {
	if c.sess == s {
		c.sess = nil
	}
	if c.Destroyed() {
		c.failFrom(c.runningIdx, err)
	} else if c.inflight() > 0 && !errs.IsInformational(err) {
		req := c.queue[c.runningIdx]
		c.queue[c.runningIdx] = nil
		c.runningIdx++
		c.errorRequest(req, err)
	}
	c.pendingIdx = c.runningIdx
	c.log.Debug("disconnected", "error", err)
	metrics.IncrCounterWithLabels([]string{"dispatch", "client", "disconnect"}, 1, c.labels)
	c.emit(http.EventDisconnect, err)
	c.resume(false)
}

func (c *Client) drain(done func()) {
	if c.size() > 0 {
		c.closeDone = done
		return
	}
	done()
}

func (c *Client) teardown(err error, done func()) {
	c.failFrom(c.pendingIdx, err)
	c.cancel()
	callback := func() {
		if c.closeDone != nil {
			cd := c.closeDone
			c.closeDone = nil
			cd()
		}
		done()
	}
	if c.sess != nil {
		c.sess.teardown(err, callback)
		c.sess = nil
	} else {
		c.Loop().Post(callback)
	}
	c.resume(false)
}
