package dialer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"net/url"

	"github.com/frankli0324/go-dispatch/internal/wire"
)

type ProxyConfig struct {
	URL            *url.URL    // http or https proxy, tunnelled with CONNECT
	TLSConfig      *tls.Config // the [*tls.Config] to use with proxy, if nil, *[CoreDialer.TLSConfig] will be used
	ResolveLocally bool
	ResolveConfig  *ResolveConfig // overrides the resolver config for dialer for proxy
}

func (c *ProxyConfig) Clone() *ProxyConfig {
	if c == nil {
		return nil
	}
	var u *url.URL
	if c.URL != nil {
		cp := *c.URL
		u = &cp
	}
	return &ProxyConfig{
		URL:            u,
		TLSConfig:      c.TLSConfig.Clone(),
		ResolveLocally: c.ResolveLocally,
		ResolveConfig:  c.ResolveConfig.Clone(),
	}
}

var proxyPorts = map[string]string{
	"http": "80", "https": "443",
}

// DialContextOverProxy creates a tunnel to the target through an http(s)
// proxy. This part of logic may be reused when wrapping *[CoreDialer] into
// a new custom [Connector]
func (d *CoreDialer) DialContextOverProxy(ctx context.Context, p Params) (net.Conn, error) {
	proxy := d.ProxyConfig.URL
	if proxy.Scheme != "http" && proxy.Scheme != "https" { // TODO: socks
		return nil, fmt.Errorf("unsupported proxy scheme: %s", proxy.Scheme)
	}
	hp := proxy.Host
	if proxy.Port() == "" {
		hp = net.JoinHostPort(proxy.Hostname(), proxyPorts[proxy.Scheme])
	}

	conn, err := zeroDialer.DialContext(ctx, "tcp", hp)
	if err != nil {
		return nil, err
	}

	if proxy.Scheme == "https" {
		tlsCfg := d.ProxyConfig.TLSConfig
		if tlsCfg == nil {
			tlsCfg = d.TLSConfig
		}
		tlsCfg = tlsCfg.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = proxy.Hostname()
		}
		c := tls.Client(conn, tlsCfg)
		if err := c.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = c
	}

	addr := p.Hostname
	if d.ProxyConfig.ResolveLocally {
		ips, err := d.ProxyConfig.ResolveConfig.Merge(d.ResolveConfig).lookup(ctx, addr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if len(ips) == 0 {
			conn.Close()
			return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
		}
		addr = ips[rand.Intn(len(ips))].String()
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(zeroTime)
	}
	target := net.JoinHostPort(addr, p.Port)
	head := &bytes.Buffer{}
	fmt.Fprintf(head, "CONNECT %s HTTP/1.1\r\nhost: %s\r\n", target, p.Addr())
	if auth := proxy.User.String(); auth != "" {
		fmt.Fprintf(head, "proxy-authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	head.WriteString("\r\n")
	if _, err := conn.Write(head.Bytes()); err != nil {
		conn.Close()
		return nil, err
	}

	rest, status, err := readTunnelResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if status != 200 {
		conn.Close()
		return nil, fmt.Errorf("proxy server returned error. status: %d", status)
	}
	return WithPrefix(conn, rest), nil
}

type tunnelResponse struct {
	status int
}

func (r *tunnelResponse) OnMessageBegin() wire.Action      { return wire.Continue }
func (r *tunnelResponse) OnHeader(_, _ string) wire.Action { return wire.Continue }
func (r *tunnelResponse) OnBody([]byte) wire.Action        { return wire.Continue }
func (r *tunnelResponse) OnMessageComplete() wire.Action   { return wire.Abort }

func (r *tunnelResponse) OnHeadersComplete(status int, _ string, _, _ bool) wire.Action {
	r.status = status
	if status == 200 {
		return wire.Upgrade
	}
	return wire.SkipBody
}

// readTunnelResponse reads the proxy's answer to CONNECT, returning the
// bytes already received past the header section.
func readTunnelResponse(conn net.Conn) ([]byte, int, error) {
	res := &tunnelResponse{}
	p := wire.NewParser(res, 16<<10)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			used, perr := p.Execute(buf[:n])
			switch perr {
			case nil:
			case wire.ErrUpgrade:
				return append([]byte(nil), buf[used:n]...), res.status, nil
			case wire.ErrAborted:
				return nil, res.status, nil
			default:
				return nil, 0, perr
			}
		}
		if err != nil {
			return nil, 0, err
		}
	}
}
