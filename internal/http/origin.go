package http

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
)

var defaultPorts = map[string]string{
	"http": "80", "https": "443",
}

// Origin is scheme + host + port, the routing key of every layer.
type Origin struct {
	Scheme string
	Host   string // hostname, IPv6 literals without brackets
	Port   string
}

// ParseOrigin accepts an absolute http(s) URL without path, query or
// fragment, e.g. "https://example.com:8443".
func ParseOrigin(raw string) (Origin, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, errs.ErrInvalidArgument.Wrap(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Origin{}, errs.InvalidArgument("invalid protocol " + u.Scheme)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return Origin{}, errs.InvalidArgument("invalid url: origin must not have path, query, fragment or userinfo")
	}
	host := u.Hostname()
	if host == "" {
		return Origin{}, errs.InvalidArgument("invalid url: empty host")
	}
	if net.ParseIP(host) == nil {
		if host, err = idna.Lookup.ToASCII(host); err != nil {
			return Origin{}, errs.ErrInvalidArgument.Wrap(err)
		}
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	}
	return Origin{Scheme: u.Scheme, Host: strings.ToLower(host), Port: port}, nil
}

// MustParseOrigin is like [ParseOrigin] but panics on error.
func MustParseOrigin(raw string) Origin {
	o, err := ParseOrigin(raw)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Origin) IsZero() bool { return o.Host == "" }

func (o Origin) TLS() bool { return o.Scheme == "https" }

// Addr is the host:port pair to dial.
func (o Origin) Addr() string { return net.JoinHostPort(o.Host, o.Port) }

// HostHeader is the default value of the host header, the port is omitted
// when it is the default one for the scheme.
func (o Origin) HostHeader() string {
	host := o.Host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if o.Port == defaultPorts[o.Scheme] {
		return host
	}
	return host + ":" + o.Port
}

// ServerName is the TLS server name for this origin, empty for plain text
// origins and IP literals.
func (o Origin) ServerName() string {
	if !o.TLS() || net.ParseIP(o.Host) != nil {
		return ""
	}
	return o.Host
}

func (o Origin) String() string {
	if o.IsZero() {
		return ""
	}
	return o.Scheme + "://" + o.HostHeader()
}
