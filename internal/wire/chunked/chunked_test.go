package chunked_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-dispatch/internal/wire"
	"github.com/frankli0324/go-dispatch/internal/wire/chunked"
)

// body keeps what the parser decodes.
type body struct {
	bytes.Buffer
	complete bool
}

func (b *body) OnMessageBegin() wire.Action         { return wire.Continue }
func (b *body) OnHeader(string, string) wire.Action { return wire.Continue }
func (b *body) OnHeadersComplete(int, string, bool, bool) wire.Action {
	return wire.Continue
}

func (b *body) OnBody(chunk []byte) wire.Action {
	b.Write(chunk)
	return wire.Continue
}

func (b *body) OnMessageComplete() wire.Action {
	b.complete = true
	return wire.Continue
}

func TestWriterFraming(t *testing.T) {
	buf := &bytes.Buffer{}
	w := chunked.NewWriter(buf)
	for _, c := range []string{"hello", "", " world, and more"} {
		_, err := w.Write([]byte(c))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	assert.Equal(t, "\r\n5\r\nhello\r\n10\r\n world, and more\r\n0\r\n\r\n", buf.String())

	// the leading CRLF terminates the head
	b := &body{}
	raw := append([]byte("HTTP/1.1 200 OK\r\ntransfer-encoding: chunked\r\n"), buf.Bytes()...)
	n, err := wire.NewParser(b, 0).Execute(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.True(t, b.complete)
	assert.Equal(t, "hello world, and more", b.String())
}

type failing struct{ after int }

func (f *failing) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("broken pipe")
	}
	f.after--
	return len(p), nil
}

func TestWriterErrors(t *testing.T) {
	_, err := chunked.NewWriter(&failing{}).Write([]byte("a"))
	assert.EqualError(t, err, "broken pipe")
	_, err = chunked.NewWriter(&failing{after: 1}).Write([]byte("a"))
	assert.EqualError(t, err, "broken pipe")
	assert.EqualError(t, chunked.NewWriter(&failing{}).Close(), "broken pipe")
}
