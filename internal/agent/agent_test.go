package agent_test

import (
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frankli0324/go-dispatch/internal/agent"
	"github.com/frankli0324/go-dispatch/internal/config"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func named(t *testing.T, name string) http.Origin {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		io.WriteString(w, name+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return http.MustParseOrigin(srv.URL)
}

type harness struct {
	loop   *loop.Loop
	a      *agent.Agent
	events chan http.Event
}

func newAgent(t *testing.T, configure func(o *config.Options)) *harness {
	l := loop.New()
	opts := config.Defaults()
	opts.Loop = l
	opts.Timers = timers.NewRegistry(10 * time.Millisecond)
	if configure != nil {
		configure(opts)
	}
	a, err := agent.New(opts, nil)
	require.NoError(t, err)
	h := &harness{loop: l, a: a, events: make(chan http.Event, 64)}
	l.Call(func() {
		a.Subscribe(func(e http.Event) {
			select {
			case h.events <- e:
			default:
			}
		})
	})
	t.Cleanup(func() {
		var done <-chan struct{}
		l.Call(func() { done = a.Destroy(nil) })
		<-done
		l.Stop()
		<-l.Done()
	})
	return h
}

type result struct {
	body string
	err  error
}

func (h *harness) get(origin http.Origin, path string) <-chan result {
	out := make(chan result, 1)
	var body []byte
	handler := &http.HandlerFuncs{
		Data: func(chunk []byte) bool {
			body = append(body, chunk...)
			return true
		},
		Complete: func(http.Header) { out <- result{body: string(body)} },
		Error:    func(err error) { out <- result{err: err} },
	}
	h.loop.Call(func() {
		h.a.Dispatch(http.DispatchOptions{Origin: origin, Method: "GET", Path: path}, handler)
	})
	return out
}

func wait(t *testing.T, out <-chan result) result {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request never finished")
		return result{}
	}
}

func (h *harness) waitEvent(t *testing.T, kind http.EventKind) http.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestRoutesByOrigin(t *testing.T) {
	a, b := named(t, "a"), named(t, "b")
	h := newAgent(t, nil)

	ra, rb := h.get(a, "/x"), h.get(b, "/y")
	r := wait(t, ra)
	require.NoError(t, r.err)
	assert.Equal(t, "a/x", r.body)
	r = wait(t, rb)
	require.NoError(t, r.err)
	assert.Equal(t, "b/y", r.body)

	var origins []string
	h.loop.Call(func() { origins = h.a.Origins() })
	assert.ElementsMatch(t, []string{a.String(), b.String()}, origins)

	e := h.waitEvent(t, http.EventConnect)
	require.Len(t, e.Targets, 3, "agent, pool and client")
	assert.Same(t, h.a, e.Targets[0])
}

func TestSingleConnectionPerOrigin(t *testing.T) {
	a := named(t, "a")
	h := newAgent(t, func(o *config.Options) { o.Connections = 1 })

	require.NoError(t, wait(t, h.get(a, "/")).err)
	e := h.waitEvent(t, http.EventConnect)
	assert.Len(t, e.Targets, 2, "agent and client")

	var stats map[string]http.Stats
	h.loop.Call(func() { stats = h.a.StatsByOrigin() })
	assert.Equal(t, 1, stats[a.String()].Connected)
}

func TestMissingOrigin(t *testing.T) {
	h := newAgent(t, nil)
	r := wait(t, h.get(http.Origin{}, "/"))
	assert.ErrorIs(t, r.err, errs.ErrInvalidArgument)
}

func TestReleasesIdleOrigins(t *testing.T) {
	a := named(t, "a")
	h := newAgent(t, func(o *config.Options) {
		o.Connections = 1
		o.KeepAliveTimeout = 50 * time.Millisecond
	})

	require.NoError(t, wait(t, h.get(a, "/")).err)
	e := h.waitEvent(t, http.EventDisconnect)
	assert.True(t, errs.IsInformational(e.Err))

	var origins []string
	h.loop.Call(func() { origins = h.a.Origins() })
	assert.Empty(t, origins)

	// a released origin is recreated on demand
	r := wait(t, h.get(a, "/again"))
	require.NoError(t, r.err)
	assert.Equal(t, "a/again", r.body)
}

func TestClose(t *testing.T) {
	a := named(t, "a")
	h := newAgent(t, nil)

	pending := h.get(a, "/")
	var (
		done   <-chan struct{}
		closed error
	)
	h.loop.Call(func() {
		done = h.a.Close()
		h.a.Dispatch(http.DispatchOptions{Origin: a, Method: "GET", Path: "/"}, &http.HandlerFuncs{
			Error: func(err error) { closed = err },
		})
	})
	assert.ErrorIs(t, closed, errs.ErrClientClosed)
	require.NoError(t, wait(t, pending).err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close never resolved")
	}

	r := wait(t, h.get(a, "/"))
	assert.ErrorIs(t, r.err, errs.ErrClientDestroyed)
}
