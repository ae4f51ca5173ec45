// package pool spreads the requests for one origin over a bounded set of
// connections.
package pool

import (
	"github.com/frankli0324/go-dispatch/internal/client"
	"github.com/frankli0324/go-dispatch/internal/config"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
)

type Pool struct {
	Base

	opts    *config.Options
	factory http.Factory
}

// New creates a pool for origin opening at most opts.Connections
// connections built by factory, [client.Factory] when nil.
func New(origin http.Origin, opts *config.Options, factory http.Factory) (*Pool, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if origin.IsZero() {
		return nil, errs.InvalidArgument("invalid origin")
	}
	if factory == nil {
		factory = client.Factory
	}
	p := &Pool{opts: opts, factory: factory}
	log := opts.Log().Named("pool").With("origin", origin.String())
	p.Init(opts.EventLoop(), p, origin, log, Hooks{
		GetDispatcher: p.getDispatcher,
		OnEvent:       p.onMemberEvent,
	})
	return p, nil
}

// Factory builds pools with the default connection factory.
var Factory = http.FactoryFunc(func(origin http.Origin, opts *config.Options) (http.Dispatcher, error) {
	return New(origin, opts, nil)
})

func (p *Pool) getDispatcher() (*Member, error) {
	for _, m := range p.members {
		if m.Available() {
			return m, nil
		}
	}
	if n := p.opts.Connections; n > 0 && len(p.members) >= n {
		return nil, nil
	}
	d, err := p.factory.New(p.origin, p.opts)
	if err != nil {
		return nil, err
	}
	return p.AddDispatcher(d), nil
}

func (p *Pool) onMemberEvent(m *Member, e http.Event) {
	if e.Kind == http.EventConnectionError {
		// a connection that cannot connect is replaced on demand
		p.log.Debug("dropping connection", "error", e.Err)
		p.RemoveDispatcher(m)
	}
}
