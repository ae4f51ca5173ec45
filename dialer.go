package dispatch

import (
	"github.com/frankli0324/go-dispatch/internal/dialer"
)

type Connector = dialer.Connector
type ConnectorFunc = dialer.ConnectorFunc
type ConnectParams = dialer.Params
type CoreDialer = dialer.CoreDialer

type ProxyConfig = dialer.ProxyConfig
type ResolveConfig = dialer.ResolveConfig
