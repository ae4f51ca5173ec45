package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
)

var zeroDialer net.Dialer

func (d *CoreDialer) Connect(ctx context.Context, p Params) (conn net.Conn, err error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, err = d.connect(ctx, p)
	var ne net.Error
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) && ne.Timeout()) {
		return nil, errs.ErrConnectTimeout.Wrap(err)
	}
	return conn, err
}

func (d *CoreDialer) connect(ctx context.Context, p Params) (conn net.Conn, err error) {
	if d.ProxyConfig != nil && d.ProxyConfig.URL != nil {
		conn, err = d.DialContextOverProxy(ctx, p)
	} else {
		conn, err = d.dialDirect(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	if p.Scheme == "https" {
		config := d.TLSConfig.Clone()
		if config == nil {
			config = &tls.Config{}
		}
		config.ServerName = p.ServerName
		if config.ServerName == "" {
			config.ServerName = p.Hostname
		}
		if len(config.NextProtos) == 0 {
			if d.AllowH2 {
				config.NextProtos = []string{"h2", "http/1.1"}
			} else {
				config.NextProtos = []string{"http/1.1"}
			}
		}
		c := tls.Client(conn, config)
		if err := c.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = c
	}
	return conn, nil
}

func (d *CoreDialer) dialDirect(ctx context.Context, p Params) (net.Conn, error) {
	// as of now net.Dialer could handle current DNS configurations
	network, dialer, dialctx, dst := "tcp", zeroDialer, ctx, p.Addr()

	if cfg := d.ResolveConfig; cfg != nil {
		if cfg.Network == "ip4" {
			network = "tcp4"
		} else if cfg.Network == "ip6" {
			network = "tcp6"
		}
		if static, ok := cfg.StaticHosts[p.Hostname]; ok {
			dst = net.JoinHostPort(static, p.Port)
		}
		if dns := cfg.CustomDNSServer; dns != "" {
			dialctx = dnsServerCtx{dialctx, dns}
			dialer.Resolver = &customServerResolver
		}
	}
	if p.LocalAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(p.LocalAddress)}
	}
	return dialer.DialContext(dialctx, network, dst)
}
