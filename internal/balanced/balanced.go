// package balanced spreads requests over several upstream origins with a
// weighted round robin. Upstreams gain weight when they connect and lose
// it when they fail to.
package balanced

import (
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/frankli0324/go-dispatch/internal/config"
	errs "github.com/frankli0324/go-dispatch/internal/errors"
	"github.com/frankli0324/go-dispatch/internal/http"
	"github.com/frankli0324/go-dispatch/internal/pool"
)

type upstream struct {
	m      *pool.Member
	origin http.Origin
	weight int
}

type Pool struct {
	pool.Base

	opts    *config.Options
	factory http.Factory
	log     hclog.Logger

	upstreams []*upstream
	byMember  map[*pool.Member]*upstream

	index         int
	currentWeight int
	gcd           int
}

// New creates a balanced pool over opts.Upstreams. Upstream pools are built
// by factory, [pool.Factory] when nil.
func New(opts *config.Options, factory http.Factory) (*Pool, error) {
	if opts == nil {
		opts = config.Defaults()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = pool.Factory
	}
	p := &Pool{
		opts:     opts,
		factory:  factory,
		log:      opts.Log().Named("balanced"),
		byMember: make(map[*pool.Member]*upstream),
		index:    -1,
	}
	p.Init(opts.EventLoop(), p, http.Origin{}, p.log, pool.Hooks{
		GetDispatcher: p.getDispatcher,
		OnEvent:       p.onMemberEvent,
	})
	for _, raw := range opts.Upstreams {
		origin, err := http.ParseOrigin(raw)
		if err != nil {
			return nil, err
		}
		if err := p.AddUpstream(origin); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) find(origin http.Origin) int {
	for i, u := range p.upstreams {
		if u.origin == origin {
			return i
		}
	}
	return -1
}

// AddUpstream starts balancing over origin, a no-op when it is already
// there. Every weight is reset to the maximum.
func (p *Pool) AddUpstream(origin http.Origin) error {
	if i := p.find(origin); i >= 0 {
		// a busy upstream is still the same upstream
		if d := p.upstreams[i].m.Dispatcher(); !d.Closed() && !d.Destroyed() {
			return nil
		}
		p.RemoveUpstream(origin)
	}
	d, err := p.factory.New(origin, p.opts)
	if err != nil {
		return err
	}
	u := &upstream{origin: origin}
	// registered before the member can emit anything
	u.m = p.AddDispatcher(d)
	p.byMember[u.m] = u
	p.upstreams = append(p.upstreams, u)
	for _, o := range p.upstreams {
		p.setWeight(o, p.opts.MaxWeightPerServer)
	}
	p.updateGCD()
	p.log.Debug("upstream added", "origin", origin.String())
	return nil
}

// RemoveUpstream closes the pool serving origin.
func (p *Pool) RemoveUpstream(origin http.Origin) {
	i := p.find(origin)
	if i < 0 {
		return
	}
	u := p.upstreams[i]
	p.upstreams = append(p.upstreams[:i:i], p.upstreams[i+1:]...)
	delete(p.byMember, u.m)
	p.RemoveDispatcher(u.m)
	p.updateGCD()
	p.log.Debug("upstream removed", "origin", origin.String())
}

// Upstreams lists the origins currently balanced over.
func (p *Pool) Upstreams() []http.Origin {
	var origins []http.Origin
	for _, u := range p.upstreams {
		if !u.m.Dispatcher().Closed() && !u.m.Dispatcher().Destroyed() {
			origins = append(origins, u.origin)
		}
	}
	return origins
}

func (p *Pool) setWeight(u *upstream, w int) {
	if u.weight == w {
		return
	}
	u.weight = w
	metrics.SetGaugeWithLabels([]string{"dispatch", "balanced", "weight"}, float32(w),
		[]metrics.Label{{Name: "upstream", Value: u.origin.String()}})
	p.log.Trace("weight changed", "origin", u.origin.String(), "weight", w)
}

func (p *Pool) penalize(u *upstream) {
	p.setWeight(u, max(1, u.weight-p.opts.ErrorPenalty))
	p.updateGCD()
}

func (p *Pool) onMemberEvent(m *pool.Member, e http.Event) {
	u := p.byMember[m]
	if u == nil {
		return
	}
	switch e.Kind {
	case http.EventConnect:
		p.setWeight(u, min(p.opts.MaxWeightPerServer, u.weight+p.opts.ErrorPenalty))
	case http.EventConnectionError:
		p.penalize(u)
	case http.EventDisconnect:
		if errs.IsSocket(e.Err) {
			p.penalize(u)
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (p *Pool) updateGCD() {
	g := 0
	for _, u := range p.upstreams {
		g = gcd(u.weight, g)
	}
	p.gcd = g
}

// getDispatcher walks the upstreams round robin, lowering the weight a
// pool needs to be picked by the GCD of all weights on every lap.
func (p *Pool) getDispatcher() (*pool.Member, error) {
	if len(p.upstreams) == 0 {
		return nil, errs.ErrMissingUpstream
	}
	maxIdx := -1
	for i, u := range p.upstreams {
		if u.m.Available() {
			maxIdx = i
			break
		}
	}
	if maxIdx < 0 {
		return nil, nil
	}

	for range p.upstreams {
		p.index = (p.index + 1) % len(p.upstreams)
		u := p.upstreams[p.index]
		if u.weight > p.upstreams[maxIdx].weight && u.m.Available() {
			maxIdx = p.index
		}
		if p.index == 0 {
			p.currentWeight -= p.gcd
			if p.currentWeight <= 0 {
				p.currentWeight = p.opts.MaxWeightPerServer
			}
		}
		if u.weight >= p.currentWeight && u.m.Available() {
			return u.m, nil
		}
	}

	p.currentWeight = p.upstreams[maxIdx].weight
	p.index = maxIdx
	return p.upstreams[maxIdx].m, nil
}
