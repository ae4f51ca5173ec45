// package agent routes requests to a dispatcher per origin, creating
// them on first use and forgetting them once they go idle.
package agent

import (
	"github.com/hashicorp/go-hclog"

	"github.com/frankli0324/go-dispatch/internal/client"
	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/dispatcher"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/pool"
)

type entry struct {
	d     http.Dispatcher
	unsub func()
}

type Agent struct {
	dispatcher.Base

	opts    *config.Options
	factory http.Factory
	log     hclog.Logger

	entries map[string]*entry
}

// New creates an agent. Dispatchers are built by factory, or by the
// default one: a single client per origin when opts.Connections is 1 and
// a pool otherwise.
func New(opts *config.Options, factory http.Factory) (*Agent, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = pool.Factory
		if opts.Connections == 1 {
			factory = client.Factory
		}
	}
	a := &Agent{
		opts:    opts,
		factory: factory,
		log:     opts.Log().Named("agent"),
		entries: make(map[string]*entry),
	}
	a.Init(opts.EventLoop(), dispatcher.Lifecycle{Drain: a.drain, Teardown: a.teardown})
	return a, nil
}

// Dispatch routes the request by opts.Origin, which is required.
func (a *Agent) Dispatch(opts http.DispatchOptions, h http.Handler) bool {
	if !a.Admit(h) {
		return false
	}
	if opts.Origin.IsZero() {
		h.OnError(errs.InvalidArgument("invalid origin"))
		return false
	}
	key := opts.Origin.String()
	e := a.entries[key]
	if e == nil {
		d, err := a.factory.New(opts.Origin, a.opts)
		if err != nil {
			h.OnError(err)
			return false
		}
		e = &entry{d: d}
		e.unsub = d.Subscribe(func(ev http.Event) { a.onEvent(key, e, ev) })
		a.entries[key] = e
		a.log.Trace("dispatcher created", "origin", key)
	}
	return e.d.Dispatch(opts, h)
}

func (a *Agent) onEvent(key string, e *entry, ev http.Event) {
	a.Emit(ev.Prepend(a))
	if ev.Kind != http.EventDisconnect || a.entries[key] != e {
		return
	}
	if s := e.d.Stats(); s.Connected == 0 && s.Size == 0 && s.Queued == 0 {
		delete(a.entries, key)
		e.unsub()
		e.d.Close()
		a.log.Trace("dispatcher released", "origin", key)
	}
}

// Origins lists the origins with a live dispatcher.
func (a *Agent) Origins() []string {
	keys := make([]string, 0, len(a.entries))
	for k := range a.entries {
		keys = append(keys, k)
	}
	return keys
}

func (a *Agent) Stats() http.Stats {
	var s http.Stats
	for _, e := range a.entries {
		s = s.Add(e.d.Stats())
	}
	return s
}

// StatsByOrigin reports the stats of every live dispatcher.
func (a *Agent) StatsByOrigin() map[string]http.Stats {
	m := make(map[string]http.Stats, len(a.entries))
	for k, e := range a.entries {
		m[k] = e.d.Stats()
	}
	return m
}

// Origin is zero, an agent spans every origin.
func (a *Agent) Origin() http.Origin { return http.Origin{} }

func (a *Agent) drain(done func()) {
	chans := make([]<-chan struct{}, 0, len(a.entries))
	for _, e := range a.entries {
		chans = append(chans, e.d.Close())
	}
	dispatcher.WhenAll(a.Loop(), chans, done)
}

func (a *Agent) teardown(err error, done func()) {
	chans := make([]<-chan struct{}, 0, len(a.entries))
	for _, e := range a.entries {
		chans = append(chans, e.d.Destroy(err))
	}
	dispatcher.WhenAll(a.Loop(), chans, done)
}
