// package config holds the options shared by every dispatcher layer.
// Options are plain values: construct them with [Defaults] and override
// fields, or load them from a yaml or toml file with [LoadFile]. The zero
// value of a field means what it says, a zero timeout disables it.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/frankli0324/go-dispatch/internal/dialer"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/loop"
	"github.com/frankli0324/go-dispatch/internal/timers"
)

type Options struct {
	// Connections caps the connections a pool opens per origin, 0 is
	// unbounded. A value of 1 makes an agent use a single connection.
	Connections int `yaml:"connections" toml:"connections"`
	// Pipelining is the number of requests written on one connection
	// before their responses arrive. 0 disables keep-alive.
	Pipelining int `yaml:"pipelining" toml:"pipelining"`

	KeepAliveTimeout          time.Duration `yaml:"keep_alive_timeout" toml:"keep_alive_timeout"`
	KeepAliveMaxTimeout       time.Duration `yaml:"keep_alive_max_timeout" toml:"keep_alive_max_timeout"`
	KeepAliveTimeoutThreshold time.Duration `yaml:"keep_alive_timeout_threshold" toml:"keep_alive_timeout_threshold"`
	HeadersTimeout            time.Duration `yaml:"headers_timeout" toml:"headers_timeout"`
	BodyTimeout               time.Duration `yaml:"body_timeout" toml:"body_timeout"`
	ConnectTimeout            time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`

	MaxHeaderSize        int   `yaml:"max_header_size" toml:"max_header_size"`
	MaxResponseSize      int64 `yaml:"max_response_size" toml:"max_response_size"` // -1 disables
	MaxRedirections      int   `yaml:"max_redirections" toml:"max_redirections"`
	MaxRequestsPerClient int   `yaml:"max_requests_per_client" toml:"max_requests_per_client"`
	StrictContentLength  bool  `yaml:"strict_content_length" toml:"strict_content_length"`

	AllowH2              bool   `yaml:"allow_h2" toml:"allow_h2"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams" toml:"max_concurrent_streams"`
	LocalAddress         string `yaml:"local_address" toml:"local_address"`

	MaxWeightPerServer int      `yaml:"max_weight_per_server" toml:"max_weight_per_server"`
	ErrorPenalty       int      `yaml:"error_penalty" toml:"error_penalty"`
	Upstreams          []string `yaml:"upstreams" toml:"upstreams"`

	TLS     TLSOptions     `yaml:"tls" toml:"tls"`
	Proxy   string         `yaml:"proxy" toml:"proxy"`
	Resolve ResolveOptions `yaml:"resolve" toml:"resolve"`

	Logger    hclog.Logger     `yaml:"-" toml:"-"`
	Loop      *loop.Loop       `yaml:"-" toml:"-"`
	Timers    *timers.Registry `yaml:"-" toml:"-"`
	Connector dialer.Connector `yaml:"-" toml:"-"`
}

type TLSOptions struct {
	ServerName         string `yaml:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
}

type ResolveOptions struct {
	DNSServer   string            `yaml:"dns_server" toml:"dns_server"`
	Network     string            `yaml:"network" toml:"network"`
	StaticHosts map[string]string `yaml:"static_hosts" toml:"static_hosts"`
}

func Defaults() *Options {
	return &Options{
		Pipelining:                1,
		KeepAliveTimeout:          4 * time.Second,
		KeepAliveMaxTimeout:       600 * time.Second,
		KeepAliveTimeoutThreshold: time.Second,
		HeadersTimeout:            300 * time.Second,
		BodyTimeout:               300 * time.Second,
		ConnectTimeout:            10 * time.Second,
		MaxHeaderSize:             16 << 10,
		MaxResponseSize:           -1,
		StrictContentLength:       true,
		MaxConcurrentStreams:      100,
		MaxWeightPerServer:        100,
		ErrorPenalty:              15,
	}
}

// Clone returns a shallow copy, runtime collaborators are shared.
func (o *Options) Clone() *Options {
	c := *o
	c.Upstreams = append([]string(nil), o.Upstreams...)
	return &c
}

func invalid(format string, args ...any) error {
	return errs.ErrConfiguration.With(fmt.Sprintf(format, args...))
}

// Validate reports every invalid field at once.
func (o *Options) Validate() error {
	var merr *multierror.Error
	check := func(bad bool, format string, args ...any) {
		if bad {
			merr = multierror.Append(merr, invalid(format, args...))
		}
	}
	check(o.Connections < 0, "connections must be a positive integer or 0")
	check(o.Pipelining < 0, "pipelining must be a positive integer or 0")
	check(o.KeepAliveTimeout < 0, "invalid keep_alive_timeout")
	check(o.KeepAliveMaxTimeout <= 0, "invalid keep_alive_max_timeout")
	check(o.KeepAliveTimeoutThreshold < 0, "invalid keep_alive_timeout_threshold")
	check(o.HeadersTimeout < 0, "headers_timeout must be a positive duration or 0")
	check(o.BodyTimeout < 0, "body_timeout must be a positive duration or 0")
	check(o.ConnectTimeout < 0, "connect_timeout must be a positive duration or 0")
	check(o.MaxHeaderSize <= 0, "invalid max_header_size")
	check(o.MaxResponseSize < -1, "max_response_size must be greater than or equal to -1")
	check(o.MaxRedirections != 0, "max_redirections: redirections are not supported")
	check(o.MaxRequestsPerClient < 0, "max_requests_per_client must be a positive number")
	check(o.MaxConcurrentStreams <= 0, "max_concurrent_streams must be a positive integer")
	check(o.MaxWeightPerServer <= 0, "max_weight_per_server must be a positive integer")
	check(o.ErrorPenalty < 0, "error_penalty must be a positive integer or 0")
	check(o.LocalAddress != "" && net.ParseIP(o.LocalAddress) == nil, "local_address must be a valid ip address")
	switch o.Resolve.Network {
	case "", "ip", "ip4", "ip6":
	default:
		check(true, "resolve.network must be one of ip, ip4, ip6")
	}
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		check(err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "", "invalid proxy url %q", o.Proxy)
	}
	return merr.ErrorOrNil()
}

// Log returns the configured logger or a null one.
func (o *Options) Log() hclog.Logger {
	if o.Logger == nil {
		return hclog.NewNullLogger()
	}
	return o.Logger
}

// EventLoop returns the configured loop or the process wide one.
func (o *Options) EventLoop() *loop.Loop {
	if o.Loop == nil {
		return loop.Default()
	}
	return o.Loop
}

// TimerRegistry returns the configured registry or the process wide one.
func (o *Options) TimerRegistry() *timers.Registry {
	if o.Timers == nil {
		return timers.Default()
	}
	return o.Timers
}

// NewConnector returns the configured connector, or builds a
// *[dialer.CoreDialer] from the TLS, proxy and resolve options.
func (o *Options) NewConnector() (dialer.Connector, error) {
	if o.Connector != nil {
		return o.Connector, nil
	}
	d := &dialer.CoreDialer{
		Timeout: o.ConnectTimeout,
		AllowH2: o.AllowH2,
	}
	if o.TLS != (TLSOptions{}) {
		cfg := &tls.Config{ServerName: o.TLS.ServerName, InsecureSkipVerify: o.TLS.InsecureSkipVerify}
		if o.TLS.CAFile != "" {
			pem, err := os.ReadFile(o.TLS.CAFile)
			if err != nil {
				return nil, errs.ErrConfiguration.Wrap(err)
			}
			cfg.RootCAs = x509.NewCertPool()
			if !cfg.RootCAs.AppendCertsFromPEM(pem) {
				return nil, invalid("no certificate found in %s", o.TLS.CAFile)
			}
		}
		d.TLSConfig = cfg
	}
	if r := o.Resolve; r.DNSServer != "" || r.Network != "" || len(r.StaticHosts) > 0 {
		d.ResolveConfig = &dialer.ResolveConfig{CustomDNSServer: r.DNSServer, Network: r.Network, StaticHosts: r.StaticHosts}
	}
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		if err != nil {
			return nil, errs.ErrConfiguration.Wrap(err)
		}
		d.ProxyConfig = &dialer.ProxyConfig{URL: u}
	}
	return d, nil
}
