// package dispatcher holds the lifecycle and observer plumbing shared by
// every [http.Dispatcher] implementation.
package dispatcher

import (
	"golang.org/x/sync/errgroup"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
)

// Lifecycle holds the hooks of the dispatcher embedding a [Base].
type Lifecycle struct {
	// Drain calls done once every queued request has finished. It runs
	// once, after the dispatcher has been marked closed.
	Drain func(done func())
	// Teardown fails what is still queued with err and calls done once
	// the connections are gone.
	Teardown func(err error, done func())
}

type subscription struct {
	fn      http.Listener
	removed bool
}

// Base implements Close, Destroy, Subscribe and the closed / destroyed
// state of a dispatcher. It must only be used on its loop.
type Base struct {
	hooks Lifecycle
	loop  *loop.Loop

	closed, destroyed bool
	done              chan struct{}
	subs              []*subscription
}

func (b *Base) Init(l *loop.Loop, hooks Lifecycle) {
	b.loop, b.hooks = l, hooks
	b.done = make(chan struct{})
}

func (b *Base) Loop() *loop.Loop { return b.loop }
func (b *Base) Closed() bool     { return b.closed }
func (b *Base) Destroyed() bool  { return b.destroyed }

// Admit reports whether a new request may be dispatched, failing h with
// ClientDestroyed or ClientClosed otherwise.
func (b *Base) Admit(h http.Handler) bool {
	switch {
	case h == nil:
		return false
	case b.destroyed:
		h.OnError(errs.ErrClientDestroyed)
		return false
	case b.closed:
		h.OnError(errs.ErrClientClosed)
		return false
	}
	return true
}

func (b *Base) Close() <-chan struct{} {
	if b.closed || b.destroyed {
		return b.done
	}
	b.closed = true
	b.hooks.Drain(func() { b.Destroy(nil) })
	return b.done
}

func (b *Base) Destroy(err error) <-chan struct{} {
	if b.destroyed {
		return b.done
	}
	if err == nil {
		err = errs.ErrClientDestroyed
	}
	b.destroyed = true
	b.hooks.Teardown(err, func() {
		select {
		case <-b.done:
		default:
			close(b.done)
		}
	})
	return b.done
}

// Subscribe registers l for every event emitted after the call.
func (b *Base) Subscribe(l http.Listener) func() {
	s := &subscription{fn: l}
	b.subs = append(b.subs, s)
	return func() {
		if s.removed {
			return
		}
		s.removed = true
		for i, o := range b.subs {
			if o == s {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers e to the listeners registered when the call started.
// Listeners removed by an earlier listener are skipped.
func (b *Base) Emit(e http.Event) {
	subs := append([]*subscription(nil), b.subs...)
	for _, s := range subs {
		if !s.removed {
			s.fn(e)
		}
	}
}

// WhenAll runs done on l once every channel in chans is closed.
func WhenAll(l *loop.Loop, chans []<-chan struct{}, done func()) {
	if len(chans) == 0 {
		done()
		return
	}
	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			<-ch
			return nil
		})
	}
	go func() {
		g.Wait()
		l.Post(done)
	}()
}
