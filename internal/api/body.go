package api

import (
	"io"
	"sync"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

// HighWaterMark is the number of unread body bytes past which the
// connection stops reading.
var HighWaterMark = 64 << 10

var errBodyClosed = errs.ErrRequestAborted.With("response body closed")

// Body is the response body of [Request]. Chunks are buffered until read,
// the connection is paused while more than [HighWaterMark] bytes wait.
type Body struct {
	mu       sync.Mutex
	chunks   [][]byte
	buffered int
	paused   bool
	resume   func()
	abort    func(error)

	done    bool
	err     error
	trailer http.Header
	closed  bool
	signal  chan struct{}
}

func newBody() *Body {
	return &Body{signal: make(chan struct{}, 1)}
}

func (b *Body) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Body) setAbort(abort func(error)) {
	b.mu.Lock()
	b.abort = abort
	b.mu.Unlock()
}

func (b *Body) setResume(resume func()) {
	b.mu.Lock()
	b.resume = resume
	b.mu.Unlock()
}

// push runs on the loop, false pauses the connection.
func (b *Body) push(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return true
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.buffered += len(chunk)
	b.notify()
	if b.buffered >= HighWaterMark {
		b.paused = true
		return false
	}
	return true
}

func (b *Body) finish(trailer http.Header, err error) {
	b.mu.Lock()
	b.done, b.trailer, b.err = true, trailer, err
	b.mu.Unlock()
	b.notify()
}

func (b *Body) trailers() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done || b.err != nil {
		return nil
	}
	return b.trailer
}

func (b *Body) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return 0, errBodyClosed
		}
		if len(b.chunks) > 0 {
			n := copy(p, b.chunks[0])
			if n == len(b.chunks[0]) {
				b.chunks[0] = nil
				b.chunks = b.chunks[1:]
			} else {
				b.chunks[0] = b.chunks[0][n:]
			}
			b.buffered -= n
			var resume func()
			if b.paused && b.buffered < HighWaterMark {
				b.paused = false
				resume = b.resume
			}
			b.mu.Unlock()
			if resume != nil {
				resume()
			}
			return n, nil
		}
		if b.done {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.mu.Unlock()
		<-b.signal
	}
}

// Close discards what is left of the body, aborting the request when the
// response has not been fully received.
func (b *Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.chunks, b.buffered = nil, 0
	abort := b.abort
	if b.done {
		abort = nil
	}
	b.mu.Unlock()
	b.notify()
	if abort != nil {
		abort(errBodyClosed)
	}
	return nil
}
