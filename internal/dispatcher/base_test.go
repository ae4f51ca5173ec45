package dispatcher_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-dispatch/internal/dispatcher"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/loop"
)

type fakeImpl struct {
	dispatcher.Base
	drain    func()
	torndown error
}

func newFake() *fakeImpl {
	f := &fakeImpl{}
	f.Init(loop.New(), dispatcher.Lifecycle{
		Drain: func(done func()) { f.drain = done },
		Teardown: func(err error, done func()) {
			f.torndown = err
			done()
		},
	})
	return f
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestCloseWaitsForDrain(t *testing.T) {
	f := newFake()

	done := f.Close()
	require.True(t, f.Closed())
	require.False(t, closed(done))

	var got error
	require.False(t, f.Admit(&http.HandlerFuncs{Error: func(err error) { got = err }}))
	require.ErrorIs(t, got, errs.ErrClientClosed)

	f.drain()
	require.True(t, closed(done))
	require.True(t, f.Destroyed())
	require.ErrorIs(t, f.torndown, errs.ErrClientDestroyed)
	require.Equal(t, done, f.Close())
}

func TestDestroyKeepsFirstError(t *testing.T) {
	f := newFake()
	boom := errors.New("boom")

	require.True(t, closed(f.Destroy(boom)))
	f.Destroy(errors.New("second"))
	require.Equal(t, boom, f.torndown)

	var got error
	f.Admit(&http.HandlerFuncs{Error: func(err error) { got = err }})
	require.ErrorIs(t, got, errs.ErrClientDestroyed)
}

func TestSubscribe(t *testing.T) {
	f := newFake()

	var a, b []http.EventKind
	unsubA := f.Subscribe(func(e http.Event) { a = append(a, e.Kind) })
	f.Subscribe(func(e http.Event) { b = append(b, e.Kind) })

	f.Emit(http.Event{Kind: http.EventConnect})
	unsubA()
	unsubA()
	f.Emit(http.Event{Kind: http.EventDrain})

	require.Equal(t, []http.EventKind{http.EventConnect}, a)
	require.Equal(t, []http.EventKind{http.EventConnect, http.EventDrain}, b)
}

func TestSubscribeDuringEmit(t *testing.T) {
	f := newFake()

	var late []http.EventKind
	var unsubB func()
	f.Subscribe(func(e http.Event) {
		if e.Kind == http.EventConnect {
			f.Subscribe(func(e http.Event) { late = append(late, e.Kind) })
			unsubB()
		}
	})
	var b []http.EventKind
	unsubB = f.Subscribe(func(e http.Event) { b = append(b, e.Kind) })

	f.Emit(http.Event{Kind: http.EventConnect})
	require.Empty(t, late)
	require.Empty(t, b)

	f.Emit(http.Event{Kind: http.EventDrain})
	require.Equal(t, []http.EventKind{http.EventDrain}, late)
	require.Empty(t, b)
}

func TestWhenAll(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	a, b := make(chan struct{}), make(chan struct{})
	fired := make(chan struct{})
	dispatcher.WhenAll(l, []<-chan struct{}{a, b}, func() { close(fired) })
	close(a)
	select {
	case <-fired:
		t.Fatal("fired before every channel closed")
	case <-time.After(20 * time.Millisecond):
	}
	close(b)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("never fired")
	}

	ran := false
	dispatcher.WhenAll(l, nil, func() { ran = true })
	require.True(t, ran)
}
