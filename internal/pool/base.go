package pool

import (
	"github.com/hashicorp/go-hclog"

	"github.com/frankli0324/go-dispatch/internal/dispatcher"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
)

// Member is one dispatcher owned by a [Base].
type Member struct {
	d         http.Dispatcher
	needDrain bool
	unsub     func()
}

func (m *Member) Dispatcher() http.Dispatcher { return m.d }

// NeedDrain reports whether the member refused work and has not drained
// since.
func (m *Member) NeedDrain() bool { return m.needDrain }

// Available reports whether the member can take a request right now.
func (m *Member) Available() bool {
	return !m.needDrain && !m.d.Closed() && !m.d.Destroyed()
}

type queued struct {
	opts http.DispatchOptions
	h    http.Handler
}

// Hooks customize a [Base].
type Hooks struct {
	// GetDispatcher picks the member for the next request, nil when every
	// member is saturated.
	GetDispatcher func() (*Member, error)
	// OnEvent sees member events before they are re-emitted.
	OnEvent func(m *Member, e http.Event)
}

// Base spreads requests over a set of dispatchers, queueing what none of
// them accepts until one of them drains.
type Base struct {
	dispatcher.Base

	self   http.Dispatcher
	origin http.Origin
	log    hclog.Logger
	hooks  Hooks

	members   []*Member
	queue     []queued
	needDrain bool
	closeDone func()
}

// Init binds the base to its loop. self is the dispatcher embedding it,
// prepended to the targets of re-emitted events.
func (p *Base) Init(l *loop.Loop, self http.Dispatcher, origin http.Origin, log hclog.Logger, hooks Hooks) {
	p.self, p.origin, p.log, p.hooks = self, origin, log, hooks
	p.Base.Init(l, dispatcher.Lifecycle{Drain: p.drain, Teardown: p.teardown})
}

func (p *Base) Origin() http.Origin { return p.origin }
func (p *Base) Members() []*Member  { return p.members }

// Dispatch hands the request to a member, or queues it when every member
// is saturated.
func (p *Base) Dispatch(opts http.DispatchOptions, h http.Handler) bool {
	if !p.Admit(h) {
		return false
	}
	// reject malformed requests here, a member refusing them would wait
	// for a drain that never comes
	if _, err := http.NewRequest(p.origin, opts, h); err != nil {
		h.OnError(err)
		return false
	}
	m, err := p.hooks.GetDispatcher()
	switch {
	case err != nil:
		h.OnError(err)
		return false
	case m == nil:
		p.needDrain = true
		p.queue = append(p.queue, queued{opts, h})
	case !m.d.Dispatch(opts, h):
		m.needDrain = true
		next, _ := p.hooks.GetDispatcher()
		p.needDrain = next == nil
	}
	return !p.needDrain
}

// AddDispatcher starts routing requests and events through d.
func (p *Base) AddDispatcher(d http.Dispatcher) *Member {
	m := &Member{d: d}
	m.unsub = d.Subscribe(func(e http.Event) { p.onEvent(m, e) })
	p.members = append(p.members, m)
	p.log.Trace("member added", "origin", d.Origin().String(), "members", len(p.members))
	p.scheduleDrain(m)
	return m
}

// RemoveDispatcher stops routing through m and closes its dispatcher.
func (p *Base) RemoveDispatcher(m *Member) {
	for i, o := range p.members {
		if o != m {
			continue
		}
		p.members = append(p.members[:i:i], p.members[i+1:]...)
		m.unsub()
		m.d.Close()
		p.log.Trace("member removed", "origin", m.d.Origin().String(), "members", len(p.members))
		for _, o := range p.members {
			p.scheduleDrain(o)
		}
		return
	}
}

// scheduleDrain lets m pick up queued work on the next turn when the pool
// is waiting for capacity.
func (p *Base) scheduleDrain(m *Member) {
	if !p.needDrain || !m.Available() {
		return
	}
	p.Loop().Post(func() {
		if p.needDrain && m.Available() {
			p.onDrain(m, http.Event{Kind: http.EventDrain, Origin: m.d.Origin(), Targets: []http.Dispatcher{m.d}})
		}
	})
}

func (p *Base) onEvent(m *Member, e http.Event) {
	if e.Kind == http.EventDrain {
		p.onDrain(m, e)
		return
	}
	if p.hooks.OnEvent != nil {
		p.hooks.OnEvent(m, e)
	}
	p.Emit(e.Prepend(p.self))
}

func (p *Base) onDrain(m *Member, e http.Event) {
	m.needDrain = false
	for len(p.queue) > 0 && !m.needDrain {
		item := p.queue[0]
		p.queue[0] = queued{}
		p.queue = p.queue[1:]
		if !m.d.Dispatch(item.opts, item.h) {
			m.needDrain = true
		}
	}
	if !m.needDrain && p.needDrain {
		p.needDrain = false
		p.Emit(e.Prepend(p.self))
	}
	if p.closeDone != nil && len(p.queue) == 0 {
		done := p.closeDone
		p.closeDone = nil
		p.closeMembers(done)
	}
}

func (p *Base) Stats() http.Stats {
	s := http.Stats{Queued: len(p.queue), Pending: len(p.queue), Size: len(p.queue)}
	for _, m := range p.members {
		s = s.Add(m.d.Stats())
	}
	return s
}

func (p *Base) drain(done func()) {
	if len(p.queue) > 0 {
		p.closeDone = done
		return
	}
	p.closeMembers(done)
}

func (p *Base) closeMembers(done func()) {
	chans := make([]<-chan struct{}, 0, len(p.members))
	for _, m := range p.members {
		chans = append(chans, m.d.Close())
	}
	dispatcher.WhenAll(p.Loop(), chans, done)
}

func (p *Base) teardown(err error, done func()) {
	queue := p.queue
	p.queue = nil
	for _, item := range queue {
		item.h.OnError(err)
	}
	p.closeDone = nil
	chans := make([]<-chan struct{}, 0, len(p.members))
	for _, m := range p.members {
		chans = append(chans, m.d.Destroy(err))
	}
	dispatcher.WhenAll(p.Loop(), chans, done)
}
