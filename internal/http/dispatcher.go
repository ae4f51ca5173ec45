package http

import (
	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/loop"
)

// Dispatcher is implemented by every layer: a single connection, a pool
// of connections to one origin, a balanced pool of pools and the agent.
//
// Dispatch, Close and Destroy must be called on the dispatcher's loop,
// either from a handler callback or through [loop.Loop.Post].
type Dispatcher interface {
	// Dispatch queues a request. It returns false once the caller should
	// wait for a drain event before dispatching more. Invalid requests
	// fail through h.OnError and return false.
	Dispatch(opts DispatchOptions, h Handler) bool
	// Close stops accepting requests, the returned channel is closed once
	// every queued request has finished.
	Close() <-chan struct{}
	// Destroy fails every queued request with err and tears down the
	// connections, the returned channel is closed once they are gone.
	Destroy(err error) <-chan struct{}
	Subscribe(l Listener) (unsubscribe func())

	Closed() bool
	Destroyed() bool
	Stats() Stats
	// Origin is the origin a connection or pool is bound to, zero for
	// routers spanning several origins.
	Origin() Origin
	Loop() *loop.Loop
}

type Stats struct {
	Connected int // connections established
	Free      int // connections established and able to take more work
	Pending   int // requests not yet written
	Queued    int // requests waiting in an overflow queue
	Running   int // requests written and waiting for their response
	Size      int // Pending + Running
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Connected: s.Connected + o.Connected,
		Free:      s.Free + o.Free,
		Pending:   s.Pending + o.Pending,
		Queued:    s.Queued + o.Queued,
		Running:   s.Running + o.Running,
		Size:      s.Size + o.Size,
	}
}

type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventConnectionError
	EventDrain
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventConnectionError:
		return "connectionError"
	case EventDrain:
		return "drain"
	}
	return "unknown"
}

// Event is published by a dispatcher and re-published by every layer
// above it with itself prepended to Targets.
type Event struct {
	Kind    EventKind
	Origin  Origin
	Targets []Dispatcher
	Err     error
}

func (e Event) Prepend(d Dispatcher) Event {
	targets := make([]Dispatcher, 0, len(e.Targets)+1)
	e.Targets = append(append(targets, d), e.Targets...)
	return e
}

type Listener func(Event)

// Factory builds the dispatcher serving one origin.
type Factory interface {
	New(origin Origin, opts *config.Options) (Dispatcher, error)
}

type FactoryFunc func(origin Origin, opts *config.Options) (Dispatcher, error)

func (f FactoryFunc) New(origin Origin, opts *config.Options) (Dispatcher, error) {
	return f(origin, opts)
}
