package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Params describes the stream a connection needs.
type Params struct {
	Scheme   string // "http" or "https"
	Hostname string
	Port     string
	// ServerName is the TLS server name to verify, defaults to Hostname.
	ServerName   string
	LocalAddress string
}

func (p Params) Addr() string { return net.JoinHostPort(p.Hostname, p.Port) }

// Connectors handle pretty much everything related to establishing the
// transport stream of a connection, including setting a proxy, setting
// resolvers, TLS, etc. A Connector holds no connection state.
type Connector interface {
	Connect(ctx context.Context, p Params) (net.Conn, error)
}

type ConnectorFunc func(ctx context.Context, p Params) (net.Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, p Params) (net.Conn, error) {
	return f(ctx, p)
}

type CoreDialer struct {
	ResolveConfig *ResolveConfig

	TLSConfig *tls.Config // the config to use

	ProxyConfig *ProxyConfig
	// Timeout bounds the whole establishment, proxy and TLS included.
	Timeout time.Duration
	// AllowH2 advertises h2 through ALPN.
	AllowH2 bool
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		ResolveConfig: d.ResolveConfig.Clone(),
		TLSConfig:     d.TLSConfig.Clone(),
		ProxyConfig:   d.ProxyConfig.Clone(),
		Timeout:       d.Timeout,
		AllowH2:       d.AllowH2,
	}
}
