package balanced

import (
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/dispatcher"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fake accepts everything and finishes nothing, unless it is full.
type fake struct {
	dispatcher.Base
	origin     http.Origin
	dispatched int
	full       bool
	listener   http.Listener
}

func newFake(l *loop.Loop, origin http.Origin) *fake {
	f := &fake{origin: origin}
	f.Init(l, dispatcher.Lifecycle{
		Drain:    func(done func()) { done() },
		Teardown: func(_ error, done func()) { done() },
	})
	return f
}

func (f *fake) Dispatch(http.DispatchOptions, http.Handler) bool {
	f.dispatched++
	return !f.full
}

func (f *fake) Subscribe(l http.Listener) func() {
	f.listener = l
	return f.Base.Subscribe(l)
}

func (f *fake) Stats() http.Stats   { return http.Stats{} }
func (f *fake) Origin() http.Origin { return f.origin }

type fakes struct {
	loop  *loop.Loop
	p     *Pool
	byURL map[string]*fake
	built int
}

func newFakes(t *testing.T, configure func(o *config.Options), upstreams ...string) *fakes {
	l := loop.New()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	opts := config.Defaults()
	opts.Loop = l
	opts.Upstreams = upstreams
	if configure != nil {
		configure(opts)
	}
	fs := &fakes{loop: l, byURL: map[string]*fake{}}
	factory := http.FactoryFunc(func(origin http.Origin, _ *config.Options) (http.Dispatcher, error) {
		f := newFake(l, origin)
		fs.byURL[origin.String()] = f
		fs.built++
		return f, nil
	})
	var err error
	l.Call(func() { fs.p, err = New(opts, factory) })
	require.NoError(t, err)
	return fs
}

func (fs *fakes) upstream(origin string) *upstream {
	for _, u := range fs.p.upstreams {
		if u.origin.String() == origin {
			return u
		}
	}
	return nil
}

func TestWeightedRoundRobin(t *testing.T) {
	fs := newFakes(t, nil, "http://a.test", "http://b.test", "http://c.test")
	fs.loop.Call(func() {
		fs.upstream("http://a.test").weight = 100
		fs.upstream("http://b.test").weight = 50
		fs.upstream("http://c.test").weight = 25
		fs.p.updateGCD()
		for range 175 {
			assert.True(t, fs.p.Dispatch(http.DispatchOptions{Method: "GET", Path: "/"}, &http.HandlerFuncs{}))
		}
	})
	assert.Equal(t, 100, fs.byURL["http://a.test"].dispatched)
	assert.Equal(t, 50, fs.byURL["http://b.test"].dispatched)
	assert.Equal(t, 25, fs.byURL["http://c.test"].dispatched)
}

func TestErrorPenalty(t *testing.T) {
	fs := newFakes(t, nil, "http://a.test", "http://b.test")
	a := fs.byURL["http://a.test"]
	emit := func(kind http.EventKind, err error) {
		fs.loop.Call(func() {
			a.listener(http.Event{Kind: kind, Origin: a.origin, Targets: []http.Dispatcher{a}, Err: err})
		})
	}
	weight := func() (w, gcd int) {
		fs.loop.Call(func() { w, gcd = fs.upstream("http://a.test").weight, fs.p.gcd })
		return
	}

	emit(http.EventConnectionError, errs.Socket("refused"))
	w, g := weight()
	assert.Equal(t, 85, w)
	assert.Equal(t, 5, g)

	emit(http.EventDisconnect, errs.ErrClientDestroyed)
	w, _ = weight()
	assert.Equal(t, 85, w, "only socket errors count")

	emit(http.EventDisconnect, errs.Socket("other side closed"))
	w, _ = weight()
	assert.Equal(t, 70, w)

	for range 10 {
		emit(http.EventConnectionError, errs.Socket("refused"))
	}
	w, g = weight()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, g)

	emit(http.EventConnect, nil)
	w, _ = weight()
	assert.Equal(t, 16, w)
}

func TestWeightGauge(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	cfg := metrics.DefaultConfig("dispatch.test")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	metrics.NewGlobal(cfg, sink)
	t.Cleanup(func() { metrics.NewGlobal(cfg, &metrics.BlackholeSink{}) })

	fs := newFakes(t, nil, "http://a.test")
	a := fs.byURL["http://a.test"]
	fs.loop.Call(func() {
		a.listener(http.Event{Kind: http.EventConnectionError, Origin: a.origin, Targets: []http.Dispatcher{a}})
	})

	data := sink.Data()
	require.Len(t, data, 1)
	val, ok := data[0].Gauges["dispatch.test.dispatch.balanced.weight;upstream=http://a.test"]
	require.True(t, ok)
	assert.Equal(t, 85, int(val.Value))
	assert.Equal(t, []metrics.Label{{Name: "upstream", Value: "http://a.test"}}, val.Labels)
}

func TestUpstreams(t *testing.T) {
	fs := newFakes(t, nil, "http://a.test")
	fs.loop.Call(func() {
		assert.NoError(t, fs.p.AddUpstream(http.MustParseOrigin("http://b.test")))
		assert.NoError(t, fs.p.AddUpstream(http.MustParseOrigin("http://b.test:80")))
		assert.Len(t, fs.p.Upstreams(), 2)
		assert.Len(t, fs.byURL, 2)

		fs.p.RemoveUpstream(http.MustParseOrigin("http://a.test"))
		fs.p.RemoveUpstream(http.MustParseOrigin("http://missing.test"))
		assert.Equal(t, []http.Origin{http.MustParseOrigin("http://b.test")}, fs.p.Upstreams())
		assert.True(t, fs.byURL["http://a.test"].Closed())
	})
}

func TestAddUpstreamKeepsBusyUpstream(t *testing.T) {
	fs := newFakes(t, nil, "http://a.test", "http://b.test")
	a := fs.byURL["http://a.test"]
	fs.loop.Call(func() {
		a.listener(http.Event{Kind: http.EventConnectionError, Origin: a.origin, Targets: []http.Dispatcher{a}, Err: errs.Socket("refused")})
		a.full = true
		fs.byURL["http://b.test"].full = true
		fs.p.Dispatch(http.DispatchOptions{Method: "GET", Path: "/"}, &http.HandlerFuncs{})
		fs.p.Dispatch(http.DispatchOptions{Method: "GET", Path: "/"}, &http.HandlerFuncs{})
		assert.True(t, fs.upstream("http://a.test").m.NeedDrain())

		assert.NoError(t, fs.p.AddUpstream(http.MustParseOrigin("http://a.test")))
		assert.Equal(t, 2, fs.built)
		assert.Same(t, a, fs.byURL["http://a.test"])
		assert.False(t, a.Closed())
		assert.Equal(t, 85, fs.upstream("http://a.test").weight)
		assert.Len(t, fs.p.Upstreams(), 2)
	})
}

func TestMissingUpstream(t *testing.T) {
	fs := newFakes(t, nil)
	var got error
	fs.loop.Call(func() {
		ok := fs.p.Dispatch(http.DispatchOptions{Method: "GET", Path: "/"}, &http.HandlerFuncs{
			Error: func(err error) { got = err },
		})
		assert.False(t, ok)
	})
	assert.ErrorIs(t, got, errs.ErrMissingUpstream)
}

func TestSpreadsOverServers(t *testing.T) {
	var origins []string
	for _, name := range []string{"a", "b"} {
		srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			io.WriteString(w, name)
		}))
		t.Cleanup(srv.Close)
		origins = append(origins, srv.URL)
	}

	l := loop.New()
	opts := config.Defaults()
	opts.Loop = l
	opts.Timers = timers.NewRegistry(10 * time.Millisecond)
	opts.Upstreams = origins
	p, err := New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		var done <-chan struct{}
		l.Call(func() { done = p.Destroy(nil) })
		<-done
		l.Stop()
		<-l.Done()
	})

	out := make(chan string, 4)
	for i := range 4 {
		var body []byte
		h := &http.HandlerFuncs{
			Data: func(chunk []byte) bool {
				body = append(body, chunk...)
				return true
			},
			Complete: func(http.Header) { out <- string(body) },
			Error:    func(err error) { out <- err.Error() },
		}
		l.Call(func() { p.Dispatch(http.DispatchOptions{Method: "GET", Path: fmt.Sprintf("/%d", i)}, h) })
	}
	served := map[string]int{}
	for range 4 {
		select {
		case b := <-out:
			served[b]++
		case <-time.After(5 * time.Second):
			t.Fatal("request never finished")
		}
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, served)
}
