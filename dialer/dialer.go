package dialer

import (
	"github.com/frankli0324/go-dispatch/internal/dialer"
)

// Connectors open the transport a client writes requests to, for example
// a raw TCP connection or a TLS session negotiated through a proxy.
//
// A Connector MUST NOT hold connection state: every call returns a fresh
// connection and the client owns it from then on. It SHOULD hold the
// connection related settings like [ProxyConfig] or *[crypto/tls.Config].
type Connector = dialer.Connector

type ConnectorFunc = dialer.ConnectorFunc

// Params describe the connection a client needs.
type Params = dialer.Params

// CoreDialer is the default [Connector], built from the TLS, proxy and
// resolve options when none is configured.
type CoreDialer = dialer.CoreDialer

type ProxyConfig = dialer.ProxyConfig

// we need a dedicated resolver for two scenarios:
//
//  1. resolving the remote address locally for proxied connections
//  2. customizing the DNS server used to resolve origins
//
// the standard library only follows the system configuration, the
// [net.Resolver.Dial] hook of a Go resolver is the one place to plug a
// server in.
type ResolveConfig = dialer.ResolveConfig
