package api_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frankli0324/go-dispatch/internal/api"
	"github.com/frankli0324/go-dispatch/internal/client"
	"github.com/frankli0324/go-dispatch/internal/config"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newClient(t *testing.T, handler nethttp.HandlerFunc) *client.Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	l := loop.New()
	opts := config.Defaults()
	opts.Loop = l
	opts.Timers = timers.NewRegistry(10 * time.Millisecond)
	c, err := client.New(http.MustParseOrigin(srv.URL), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		api.Destroy(context.Background(), c, nil)
		l.Stop()
		<-l.Done()
	})
	return c
}

func echo(w nethttp.ResponseWriter, r *nethttp.Request) {
	w.Header().Set("Trailer", "X-Sum")
	w.Header().Set("X-Method", r.Method)
	n, _ := io.Copy(w, r.Body)
	w.Header().Set("X-Sum", strings.Repeat("#", int(n)))
}

func TestRequest(t *testing.T) {
	c := newClient(t, echo)

	resp, err := api.Request(context.Background(), c, http.DispatchOptions{
		Method: "POST", Path: "/", Body: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "POST", resp.Headers.Get("x-method"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "#####", resp.Trailers().Get("x-sum"))
	require.NoError(t, resp.Body.Close())
}

func TestLargeBodyPausesConnection(t *testing.T) {
	old := api.HighWaterMark
	api.HighWaterMark = 1 << 10
	t.Cleanup(func() { api.HighWaterMark = old })

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64<<10)
	c := newClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) { w.Write(payload) })

	resp, err := api.Request(context.Background(), c, http.DispatchOptions{Method: "GET", Path: "/"})
	require.NoError(t, err)
	// let the connection fill the buffer and pause
	time.Sleep(20 * time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)

	resp, err = api.Request(context.Background(), c, http.DispatchOptions{Method: "GET", Path: "/"})
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, len(payload), "the connection is reusable")
}

func TestBodyCloseAborts(t *testing.T) {
	c := newClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path == "/ok" {
			io.WriteString(w, "ok")
			return
		}
		io.WriteString(w, "partial")
		w.(nethttp.Flusher).Flush()
		<-r.Context().Done()
	})

	resp, err := api.Request(context.Background(), c, http.DispatchOptions{Method: "GET", Path: "/stuck"})
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(buf))

	require.NoError(t, resp.Body.Close())
	_, err = resp.Body.Read(buf)
	assert.ErrorIs(t, err, errs.ErrRequestAborted)

	resp, err = api.Request(context.Background(), c, http.DispatchOptions{Method: "GET", Path: "/ok"})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestContextCancel(t *testing.T) {
	c := newClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) { <-r.Context().Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := api.Request(ctx, c, http.DispatchOptions{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, errs.ErrRequestAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpgrade(t *testing.T) {
	c := newClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Upgrade") != "echo" {
			w.WriteHeader(nethttp.StatusBadRequest)
			return
		}
		conn, brw, err := w.(nethttp.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nconnection: upgrade\r\nupgrade: echo\r\n\r\n")
		io.Copy(conn, brw)
	})

	up, err := api.Upgrade(context.Background(), c, http.DispatchOptions{Path: "/", Upgrade: "echo"})
	require.NoError(t, err)
	defer up.Conn.Close()
	assert.Equal(t, 101, up.Status)
	assert.Equal(t, "echo", up.Headers.Get("upgrade"))

	_, err = io.WriteString(up.Conn, "ping\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(up.Conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	_, err = api.Upgrade(context.Background(), c, http.DispatchOptions{Path: "/", Upgrade: "other"})
	assert.ErrorIs(t, err, errs.ErrSocket)
}

func TestCloseAndDestroy(t *testing.T) {
	c := newClient(t, echo)

	require.NoError(t, api.Close(context.Background(), c))
	_, err := api.Request(context.Background(), c, http.DispatchOptions{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, errs.ErrClientDestroyed)
	require.NoError(t, api.Destroy(context.Background(), c, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, api.Close(ctx, c), context.Canceled)
}
