// Command dispatch sends requests through an agent, or through a balanced
// pool when upstreams are given, and prints what came back.
//
//	dispatch [flags] http://example.com/path ...
//	dispatch -u http://10.0.0.1 -u http://10.0.0.2 [flags] /path ...
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	dispatch "github.com/frankli0324/go-dispatch"
)

type target struct {
	origin dispatch.Origin
	path   string
}

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "", "options file, .yaml or .toml")
		upstreams   = pflag.StringSliceP("upstream", "u", nil, "balance over these origins, arguments are paths")
		method      = pflag.StringP("method", "X", "GET", "request method")
		headers     = pflag.StringArrayP("header", "H", nil, "request header, \"name: value\"")
		data        = pflag.StringP("data", "d", "", "request body")
		count       = pflag.IntP("count", "n", 1, "requests per target")
		parallel    = pflag.IntP("parallel", "p", 8, "requests in flight")
		timeout     = pflag.Duration("timeout", 30*time.Second, "overall deadline")
		quiet       = pflag.BoolP("quiet", "q", false, "do not print response bodies")
		showStats   = pflag.Bool("stats", false, "print dispatcher stats when done")
		showMetrics = pflag.Bool("metrics", false, "print collected metrics when done")
		logLevel    = pflag.String("log-level", "warn", "trace, debug, info, warn or error")
	)
	pflag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:   "dispatch",
		Level:  hclog.LevelFromString(*logLevel),
		Output: os.Stderr,
	})
	if pflag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dispatch [flags] url|path ...")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	cfg := metrics.DefaultConfig("dispatch")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	metrics.NewGlobal(cfg, sink)

	opts := dispatch.DefaultOptions()
	if *configPath != "" {
		var err error
		if opts, err = dispatch.LoadOptions(*configPath); err != nil {
			log.Error("cannot load options", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	opts.Logger = log

	d, targets, err := build(opts, *upstreams, pflag.Args())
	if err != nil {
		log.Error("invalid arguments", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, *timeout)
	defer cancel()

	hdr, err := parseHeaders(*headers)
	if err != nil {
		log.Error("invalid header", "error", err)
		os.Exit(1)
	}

	out := &printer{w: os.Stdout, quiet: *quiet}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	failed := false
	for _, t := range targets {
		for range *count {
			g.Go(func() error {
				o := dispatch.DispatchOptions{Origin: t.origin, Path: t.path, Method: *method, Headers: hdr}
				if *data != "" {
					o.Body = *data
				}
				if err := do(gctx, d, o, out); err != nil {
					log.Warn("request failed", "origin", t.origin.String(), "path", t.path, "error", err)
					out.mark(&failed)
				}
				return nil
			})
		}
	}
	g.Wait()

	if *showStats {
		var s dispatch.Stats
		d.Loop().Call(func() { s = d.Stats() })
		fmt.Fprintf(os.Stderr, "connected=%d free=%d pending=%d queued=%d running=%d size=%d\n",
			s.Connected, s.Free, s.Pending, s.Queued, s.Running, s.Size)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := dispatch.Close(closeCtx, d); err != nil {
		dispatch.Destroy(context.Background(), d, err)
	}

	if *showMetrics {
		printMetrics(os.Stderr, sink)
	}
	if failed {
		os.Exit(1)
	}
}

func build(opts *dispatch.Options, upstreams, args []string) (dispatch.Dispatcher, []target, error) {
	var targets []target
	if len(upstreams) > 0 {
		for _, p := range args {
			if !strings.HasPrefix(p, "/") {
				return nil, nil, fmt.Errorf("%q: paths must start with a slash when balancing", p)
			}
			targets = append(targets, target{path: p})
		}
		bp, err := dispatch.NewBalancedPool(upstreams, opts)
		return bp, targets, err
	}
	for _, raw := range args {
		i := strings.Index(raw, "://")
		if i < 0 {
			return nil, nil, fmt.Errorf("%q: not an absolute url", raw)
		}
		origin, path := raw, "/"
		if j := strings.IndexAny(raw[i+3:], "/?"); j >= 0 {
			origin, path = raw[:i+3+j], raw[i+3+j:]
			if path[0] == '?' {
				path = "/" + path
			}
		}
		o, err := dispatch.ParseOrigin(origin)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, target{origin: o, path: path})
	}
	a, err := dispatch.NewAgent(opts)
	return a, targets, err
}

func parseHeaders(raw []string) (dispatch.Header, error) {
	var h dispatch.Header
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%q: missing colon", line)
		}
		h = append(h, dispatch.Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return h, nil
}

func do(ctx context.Context, d dispatch.Dispatcher, o dispatch.DispatchOptions, out *printer) error {
	start := time.Now()
	resp, err := dispatch.Request(ctx, d, o)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	out.print(o, resp.Status, body, time.Since(start))
	return nil
}

func printMetrics(w io.Writer, sink *metrics.InmemSink) {
	for _, interval := range sink.Data() {
		var lines []string
		for k, c := range interval.Counters {
			lines = append(lines, fmt.Sprintf("%s %d", k, c.Count))
		}
		for k, g := range interval.Gauges {
			lines = append(lines, fmt.Sprintf("%s %g", k, g.Value))
		}
		sort.Strings(lines)
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}
}
