package timers_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frankli0324/go-dispatch/internal/timers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const res = 50 * time.Millisecond

func TestCoalescing(t *testing.T) {
	r := timers.NewRegistry(res)

	const n = 10000
	var wg sync.WaitGroup
	var late atomic.Int32
	wg.Add(n)
	start := time.Now()
	for i := 0; i < n; i++ {
		r.Schedule(res, func(opaque any) {
			// one tick of slack on top of the nominal delay, plus scheduling noise
			if time.Since(opaque.(time.Time)) > 3*res {
				late.Add(1)
			}
			wg.Done()
		}, time.Now())
	}
	wg.Wait()

	assert.Zero(t, late.Load())
	assert.Less(t, time.Since(start), 10*res)
	// one arm for the first entry, at most one re-arm per following tick
	assert.LessOrEqual(t, r.Rearms(), uint64(3))
	assert.Zero(t, r.Len())
}

func TestCancelAndRefresh(t *testing.T) {
	r := timers.NewRegistry(res)

	var fired atomic.Int32
	cancelled := r.Schedule(res, func(any) { fired.Add(100) }, nil)
	cancelled.Cancel()

	done := make(chan time.Time, 1)
	refreshed := r.Schedule(2*res, func(any) { done <- time.Now() }, nil)
	begin := time.Now()
	time.Sleep(res)
	refreshed.Refresh()

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(begin), 3*res-res/2)
	case <-time.After(20 * res):
		t.Fatal("refreshed timer never fired")
	}
	assert.Zero(t, fired.Load())

	// fired timers are re-armed by Refresh
	refreshed.Refresh()
	select {
	case <-done:
	case <-time.After(20 * res):
		t.Fatal("re-armed timer never fired")
	}
	require.Eventually(t, func() bool { return r.Len() == 0 }, 20*res, res/5)
}

func TestNativeBelowResolution(t *testing.T) {
	r := timers.NewRegistry(time.Hour)
	done := make(chan struct{})
	tm := r.Schedule(10*time.Millisecond, func(any) { close(done) }, nil)
	assert.Zero(t, r.Len())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("native timer never fired")
	}
	tm.Cancel()
	assert.Zero(t, r.Rearms())
}
