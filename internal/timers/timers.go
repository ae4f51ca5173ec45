// package timers is a coarse timeout scheduler shared by every connection.
// all coarse timers of a [Registry] are driven by one underlying
// [time.Timer] ticking at the registry resolution; timers shorter than the
// resolution get a dedicated [time.Timer] instead.
package timers

import (
	"sync"
	"time"
)

const DefaultResolution = time.Second

type Registry struct {
	mu         sync.Mutex
	resolution time.Duration
	now        func() time.Time

	list   []*Timer
	driver *time.Timer
	rearms uint64
}

func NewRegistry(resolution time.Duration) *Registry {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Registry{resolution: resolution, now: time.Now}
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process wide registry, created on first use.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry(DefaultResolution) })
	return defaultRegistry
}

type Timer struct {
	r        *Registry
	delay    time.Duration
	callback func(opaque any)
	opaque   any

	// guarded by r.mu
	expires int64 // unix nanos, 0 when cancelled or fired
	listed  bool

	native *time.Timer
}

// Schedule arms a timer calling cb(opaque) once delay has passed. The
// callback runs on the driver goroutine.
func (r *Registry) Schedule(delay time.Duration, cb func(opaque any), opaque any) *Timer {
	t := &Timer{r: r, delay: delay, callback: cb, opaque: opaque}
	if delay < r.resolution {
		t.native = time.AfterFunc(delay, func() { cb(opaque) })
		return t
	}
	r.mu.Lock()
	r.insert(t)
	r.mu.Unlock()
	return t
}

// must hold r.mu
func (r *Registry) insert(t *Timer) {
	t.expires = r.now().Add(t.delay).UnixNano()
	if !t.listed {
		t.listed = true
		r.list = append(r.list, t)
	}
	if r.driver == nil {
		r.rearms++
		r.driver = time.AfterFunc(r.resolution, r.tick)
	}
}

func (r *Registry) tick() {
	r.mu.Lock()
	now := r.now().UnixNano()
	var fired []*Timer
	j := 0
	for _, t := range r.list {
		switch {
		case t.expires == 0:
			t.listed = false
		case t.expires <= now:
			t.expires = 0
			t.listed = false
			fired = append(fired, t)
		default:
			r.list[j] = t
			j++
		}
	}
	for k := j; k < len(r.list); k++ {
		r.list[k] = nil
	}
	r.list = r.list[:j]
	if len(r.list) > 0 {
		r.rearms++
		r.driver.Reset(r.resolution)
	} else {
		r.driver = nil
	}
	r.mu.Unlock()

	for _, t := range fired {
		t.callback(t.opaque)
	}
}

// Rearms reports how many times the shared driver has been armed.
func (r *Registry) Rearms() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rearms
}

// Len reports the number of coarse timers still tracked, including
// cancelled ones not yet compacted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// Refresh pushes the expiry back to now+delay, re-arming a timer that
// already fired or was cancelled.
func (t *Timer) Refresh() {
	if t.native != nil {
		t.native.Reset(t.delay)
		return
	}
	t.r.mu.Lock()
	t.r.insert(t)
	t.r.mu.Unlock()
}

// Cancel stops the timer. Coarse timers are dropped from the list on the
// next tick.
func (t *Timer) Cancel() {
	if t.native != nil {
		t.native.Stop()
		return
	}
	t.r.mu.Lock()
	t.expires = 0
	t.r.mu.Unlock()
}

func (t *Timer) Delay() time.Duration { return t.delay }
