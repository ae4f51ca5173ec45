package sockprobe_test

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-dispatch/internal/sockprobe"
)

func pair(t *testing.T) (client, server net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()
	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return client, server
}

func TestPeerClosed(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer hang-up probing is only implemented on linux")
	}
	client, server := pair(t)
	defer client.Close()

	require.False(t, sockprobe.PeerClosed(client))
	_, err := server.Write([]byte("pending data is not a hang-up"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.False(t, sockprobe.PeerClosed(client))

	server.Close()
	require.Eventually(t, func() bool { return sockprobe.PeerClosed(client) }, time.Second, 5*time.Millisecond)
}

func TestPeerClosedUnprobeable(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()
	require.False(t, sockprobe.PeerClosed(a))
}
