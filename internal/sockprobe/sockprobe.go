// package sockprobe checks the state of a socket without reading from it.
// It is used before reusing a keep-alive connection, to notice peers that
// closed a connection they announced to keep open.
package sockprobe

import (
	"net"
	"syscall"
)

// rawConn digs the syscall.RawConn out of conn, unwrapping TLS and other
// wrappers that expose NetConn.
func rawConn(conn net.Conn) syscall.RawConn {
	for {
		t, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		conn = t.NetConn()
	}
	if c, ok := conn.(syscall.Conn); ok {
		if rc, err := c.SyscallConn(); err == nil {
			return rc
		}
	}
	return nil
}

// PeerClosed reports whether the peer hung up on conn. It never blocks and
// reports false whenever the state cannot be probed.
func PeerClosed(conn net.Conn) bool {
	rc := rawConn(conn)
	if rc == nil {
		return false
	}
	closed := false
	if err := rc.Control(func(fd uintptr) {
		closed = hungUp(int(fd))
	}); err != nil {
		return false
	}
	return closed
}
