package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-dispatch/internal/config"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

// listen answers every request with its path, except /hang which is read
// and never answered. hung receives the path of every hanging request.
func listen(t *testing.T, hung chan<- string) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := nethttp.ReadRequest(br)
					if err != nil {
						return
					}
					io.Copy(io.Discard, req.Body)
					if req.URL.Path == "/hang" {
						hung <- req.URL.Path
						io.Copy(io.Discard, br)
						return
					}
					fmt.Fprintf(c, "HTTP/1.1 200 OK\r\ncontent-length: %d\r\n\r\n%s", len(req.URL.Path), req.URL.Path)
				}
			}()
		}
	}()
	return "http://" + l.Addr().String()
}

func newTestClient(t *testing.T, origin string) (*Client, *loop.Loop) {
	l := loop.New()
	opts := config.Defaults()
	opts.Loop = l
	opts.Timers = timers.NewRegistry(10 * time.Millisecond)
	c, err := New(http.MustParseOrigin(origin), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		var done <-chan struct{}
		l.Call(func() { done = c.Destroy(nil) })
		<-done
		l.Stop()
		<-l.Done()
	})
	return c, l
}

// checkQueue asserts the ordering of the queue regions, it runs on the
// loop.
func checkQueue(t *testing.T, c *Client, at string) {
	t.Helper()
	assert.True(t, 0 <= c.runningIdx && c.runningIdx <= c.pendingIdx && c.pendingIdx <= len(c.queue),
		"%s: running %d, pending %d, queued %d", at, c.runningIdx, c.pendingIdx, len(c.queue))
}

type result struct {
	body string
	err  error
}

// checked checks the queue on every callback and reports the outcome
// on the returned channel.
func checked(t *testing.T, c *Client, name string) (http.Handler, <-chan result) {
	out := make(chan result, 1)
	var body []byte
	return &http.HandlerFuncs{
		Connect: func(func(error)) { checkQueue(t, c, name+" connect") },
		Headers: func(int, http.Header, func()) bool {
			checkQueue(t, c, name+" headers")
			return true
		},
		Data: func(chunk []byte) bool {
			checkQueue(t, c, name+" data")
			body = append(body, chunk...)
			return true
		},
		Complete: func(http.Header) {
			checkQueue(t, c, name+" complete")
			out <- result{body: string(body)}
		},
		Error: func(err error) {
			checkQueue(t, c, name+" error")
			out <- result{err: err}
		},
	}, out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
		return result{}
	}
}

func TestQueueIndices(t *testing.T) {
	hung := make(chan string, 1)
	c, l := newTestClient(t, listen(t, hung))

	hangCtx, cancelHang := context.WithCancel(context.Background())
	defer cancelHang()
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()

	a, aDone := checked(t, c, "a")
	hang, hangDone := checked(t, c, "hang")
	wait, waitDone := checked(t, c, "wait")
	d, dDone := checked(t, c, "d")
	l.Call(func() {
		for _, r := range []struct {
			opts http.DispatchOptions
			h    http.Handler
		}{
			{http.DispatchOptions{Method: "GET", Path: "/a"}, a},
			{http.DispatchOptions{Method: "GET", Path: "/hang", Context: hangCtx}, hang},
			{http.DispatchOptions{Method: "GET", Path: "/wait", Context: waitCtx}, wait},
			{http.DispatchOptions{Method: "GET", Path: "/d"}, d},
		} {
			c.Dispatch(r.opts, r.h)
			checkQueue(t, c, r.opts.Path+" dispatched")
		}
	})

	assert.Equal(t, "/a", await(t, aDone).body)
	select {
	case <-hung:
	case <-time.After(5 * time.Second):
		t.Fatal("/hang never written")
	}

	// not written yet
	cancelWait()
	assert.ErrorIs(t, await(t, waitDone).err, errs.ErrRequestAborted)
	l.Call(func() {
		checkQueue(t, c, "pending aborted")
		assert.Equal(t, 1, c.inflight())
		assert.Equal(t, 1, c.pending())
	})

	// written, waiting for its response
	cancelHang()
	assert.ErrorIs(t, await(t, hangDone).err, errs.ErrRequestAborted)
	assert.Equal(t, "/d", await(t, dDone).body)

	l.Call(func() {
		checkQueue(t, c, "idle")
		assert.Equal(t, 0, c.size())
		assert.Equal(t, c.runningIdx, c.pendingIdx)
		assert.Equal(t, c.pendingIdx, len(c.queue))
	})
}

func TestQueueIndicesOnSocketError(t *testing.T) {
	hung := make(chan string, 1)
	c, l := newTestClient(t, listen(t, hung))

	hang, hangDone := checked(t, c, "hang")
	next, nextDone := checked(t, c, "next")
	l.Call(func() {
		c.Dispatch(http.DispatchOptions{Method: "GET", Path: "/hang"}, hang)
		c.Dispatch(http.DispatchOptions{Method: "GET", Path: "/next"}, next)
	})
	select {
	case <-hung:
	case <-time.After(5 * time.Second):
		t.Fatal("/hang never written")
	}
	l.Call(func() {
		checkQueue(t, c, "hanging")
		c.sess.teardown(errs.Socket("reset by test"), nil)
	})

	assert.ErrorIs(t, await(t, hangDone).err, errs.ErrSocket)
	assert.Equal(t, "/next", await(t, nextDone).body)
	l.Call(func() { checkQueue(t, c, "idle") })
}

func TestQueueCompaction(t *testing.T) {
	c, l := newTestClient(t, listen(t, nil))

	const n = 300
	var dones []<-chan result
	l.Call(func() {
		for i := range n {
			h, done := checked(t, c, fmt.Sprint(i))
			dones = append(dones, done)
			c.Dispatch(http.DispatchOptions{Method: "GET", Path: fmt.Sprintf("/%d", i)}, h)
		}
	})
	for i, done := range dones {
		assert.Equal(t, fmt.Sprintf("/%d", i), await(t, done).body)
	}
	l.Call(func() {
		checkQueue(t, c, "compacted")
		assert.Less(t, c.runningIdx, n)
	})
}
