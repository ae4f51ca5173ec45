// package loop provides the single goroutine every dispatcher tree runs
// its state transitions on. Turns posted to a [Loop] never overlap, so the
// state they touch needs no locking.
package loop

import (
	"sync"
)

type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

var (
	defaultLoop *Loop
	defaultOnce sync.Once
)

// Default returns the process wide loop, started on first use.
func Default() *Loop {
	defaultOnce.Do(func() { defaultLoop = New() })
	return defaultLoop
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, fn := range batch {
			batch[i] = nil
			fn()
		}
	}
}

// Post queues fn to run on the loop after every previously posted turn.
// It is safe to call from any goroutine, including the loop itself, and
// reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop goroutine.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

// Stop rejects further posts. Turns already queued still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Done is closed once the loop goroutine exits after [Loop.Stop].
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
