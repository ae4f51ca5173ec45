package loop_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frankli0324/go-dispatch/internal/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPostOrder(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	var got []int
	l.Call(func() {
		for i := 0; i < 100; i++ {
			i := i
			l.Post(func() {
				got = append(got, i)
				if i == 50 {
					// posted from inside a turn, runs after everything queued so far
					l.Post(func() { got = append(got, -1) })
				}
			})
		}
	})
	l.Call(func() {})
	l.Call(func() {})

	require.Len(t, got, 101)
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, got[i])
	}
	assert.Equal(t, -1, got[100])
}

func TestStop(t *testing.T) {
	l := loop.New()
	ran := false
	l.Post(func() { ran = true })
	l.Stop()
	<-l.Done()
	assert.True(t, ran)
	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Call(func() {}))
}
