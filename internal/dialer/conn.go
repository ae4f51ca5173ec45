package dialer

import (
	"crypto/tls"
	"net"
	"time"
)

var zeroTime time.Time

type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// NetConn exposes the wrapped connection, like *[tls.Conn.NetConn].
func (c *prefixConn) NetConn() net.Conn { return c.Conn }

// ConnectionState forwards the TLS state of a wrapped *tls.Conn.
func (c *prefixConn) ConnectionState() tls.ConnectionState {
	if tc, ok := c.Conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}

// WithPrefix returns a conn replaying prefix before reading from conn.
func WithPrefix(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{conn, prefix}
}

// NegotiatedProtocol returns the ALPN protocol of a TLS conn, or "".
func NegotiatedProtocol(conn net.Conn) string {
	if tc, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		return tc.ConnectionState().NegotiatedProtocol
	}
	return ""
}
