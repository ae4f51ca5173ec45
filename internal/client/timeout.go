package client

import (
	"time"

	"github.com/armon/go-metrics"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

type timeoutKind int

const (
	timeoutHeaders timeoutKind = iota + 1
	timeoutBody
	timeoutIdle
)

func headersTimeout(c *Client, req *http.Request) time.Duration {
	if req.HeadersTimeout != nil {
		return *req.HeadersTimeout
	}
	return c.opts.HeadersTimeout
}

func bodyTimeout(c *Client, req *http.Request) time.Duration {
	if req.BodyTimeout != nil {
		return *req.BodyTimeout
	}
	return c.opts.BodyTimeout
}

// setTimeout arms the single timer of the connection, reusing it when the
// delay did not change.
func (s *h1) setTimeout(delay time.Duration, kind timeoutKind) {
	if delay != s.timeoutValue || s.timeout == nil {
		s.clearTimer()
		if delay > 0 {
			gen := s.timerGen
			s.deadline = time.Now().Add(delay)
			s.timeout = s.c.timers.Schedule(delay, func(any) {
				s.c.Loop().Post(func() { s.onTimeout(gen) })
			}, nil)
		}
	} else {
		s.refreshTimer()
	}
	s.timeoutValue, s.timeoutKind = delay, kind
}

func (s *h1) refreshTimer() {
	if s.timeout != nil {
		s.deadline = time.Now().Add(s.timeoutValue)
		s.timeout.Refresh()
	}
}

func (s *h1) clearTimer() {
	if s.timeout != nil {
		s.timeout.Cancel()
		s.timeout = nil
	}
	s.timerGen++
	s.timeoutValue, s.timeoutKind = 0, 0
}

func (s *h1) onTimeout(gen uint64) {
	if s.isDestroyed || gen != s.timerGen || time.Now().Before(s.deadline) {
		// stale, or refreshed after the timer fired
		return
	}
	var err error
	switch s.timeoutKind {
	case timeoutHeaders:
		if !s.writing || s.c.inflight() > 1 {
			err = errs.ErrHeadersTimeout
		}
	case timeoutBody:
		if !s.paused {
			err = errs.ErrBodyTimeout
		}
	case timeoutIdle:
		err = errs.Informational("socket idle timeout")
	}
	if err == nil {
		return
	}
	s.c.log.Debug("timeout", "error", err)
	metrics.IncrCounterWithLabels([]string{"dispatch", "client", "timeout"}, 1, s.c.labels)
	s.destroy(err)
}
