package dispatch

import (
	"github.com/frankli0324/go-dispatch/internal/agent"
	"github.com/frankli0324/go-dispatch/internal/balanced"
	"github.com/frankli0324/go-dispatch/internal/client"
	"github.com/frankli0324/go-dispatch/internal/config"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/pool"
)

type Options = config.Options
type Client = client.Client
type Pool = pool.Pool
type BalancedPool = balanced.Pool
type Agent = agent.Agent

// DefaultOptions returns the options every constructor uses for a nil
// *Options.
func DefaultOptions() *Options { return config.Defaults() }

// LoadOptions reads options from a .yaml, .yml or .toml file.
func LoadOptions(path string) (*Options, error) { return config.LoadFile(path) }

// NewClient creates a dispatcher bound to a single connection to origin.
func NewClient(origin string, opts *Options) (*Client, error) {
	o, err := http.ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	return client.New(o, opts)
}

// NewPool creates a dispatcher spreading requests to origin over up to
// opts.Connections connections.
func NewPool(origin string, opts *Options) (*Pool, error) {
	o, err := http.ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	return pool.New(o, opts, nil)
}

// NewBalancedPool creates a dispatcher balancing over upstreams, appended
// to opts.Upstreams.
func NewBalancedPool(upstreams []string, opts *Options) (*BalancedPool, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	opts = opts.Clone()
	opts.Upstreams = append(opts.Upstreams, upstreams...)
	return balanced.New(opts, nil)
}

// NewAgent creates a dispatcher routing every request by its Origin.
func NewAgent(opts *Options) (*Agent, error) { return agent.New(opts, nil) }
