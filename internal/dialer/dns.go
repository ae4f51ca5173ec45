package dialer

import (
	"context"
	"net"
)

// ResolveConfig customizes how origin hostnames are resolved.
type ResolveConfig struct {
	CustomDNSServer string            // host:port of a DNS server to query instead of the system one
	Network         string            // one of "ip4", "ip6", default is "ip"
	StaticHosts     map[string]string // resembles /etc/hosts
}

func (c *ResolveConfig) Clone() *ResolveConfig {
	if c == nil {
		return nil
	}
	hosts := make(map[string]string, len(c.StaticHosts))
	for k, v := range c.StaticHosts {
		hosts[k] = v
	}
	return &ResolveConfig{
		CustomDNSServer: c.CustomDNSServer,
		Network:         c.Network,
		StaticHosts:     hosts,
	}
}

// Merge fills the fields c leaves empty from fallback.
func (c *ResolveConfig) Merge(fallback *ResolveConfig) *ResolveConfig {
	if c == nil {
		return fallback.Clone()
	}
	merged := c.Clone()
	if fallback == nil {
		return merged
	}
	if merged.CustomDNSServer == "" {
		merged.CustomDNSServer = fallback.CustomDNSServer
	}
	if merged.Network == "" {
		merged.Network = fallback.Network
	}
	for k, v := range fallback.StaticHosts {
		if _, ok := merged.StaticHosts[k]; !ok {
			merged.StaticHosts[k] = v
		}
	}
	return merged
}

// this type should not be used outside this file.
// prevents non-custom DNS server contexts to iterate through all keys
type dnsServerCtx struct {
	context.Context
	server string
}

var dnsServerCtxKey = &dnsServerCtx{nil, "dns-server"} // non-nil pointer to any object, definitely unique

func (c dnsServerCtx) Value(key interface{}) interface{} {
	if key == dnsServerCtxKey {
		return c.server
	}
	return c.Context.Value(key)
}

// the standard library only follows the system configuration, the
// [net.Resolver.Dial] hook of a Go resolver is the one place a DNS server
// address can be swapped in.
var customServerResolver = net.Resolver{
	PreferGo: true,
	Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		if v, ok := ctx.Value(dnsServerCtxKey).(string); ok && v != "" {
			address = v
		}
		return zeroDialer.DialContext(ctx, network, address)
	},
}

// LookupIPServer performs DNS lookup for a host on a custom dns server,
// it calls [net.Resolver.LookupIP] with a Go Resolver behind the scenes.
func LookupIPServer(ctx context.Context, network, host, dns string) ([]net.IP, error) {
	return customServerResolver.LookupIP(dnsServerCtx{ctx, dns}, network, host)
}

func (c *ResolveConfig) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if c == nil {
		return LookupIPServer(ctx, "ip", host, "")
	}
	if static, ok := c.StaticHosts[host]; ok {
		return []net.IP{net.ParseIP(static)}, nil
	}
	network := c.Network
	if network == "" {
		network = "ip"
	}
	return LookupIPServer(ctx, network, host, c.CustomDNSServer)
}
