package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	dispatch "github.com/frankli0324/go-dispatch"
)

// printer serializes the output of concurrent requests.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
}

func (p *printer) print(o dispatch.DispatchOptions, status int, body []byte, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	where := o.Path
	if !o.Origin.IsZero() {
		where = o.Origin.String() + o.Path
	}
	fmt.Fprintf(p.w, "%s %s %d %s %dB %s\n", o.Method, where, status, dispatch.StatusText(status), len(body), took.Round(time.Millisecond))
	if !p.quiet && len(body) > 0 {
		p.w.Write(body)
		if body[len(body)-1] != '\n' {
			fmt.Fprintln(p.w)
		}
	}
}

func (p *printer) mark(failed *bool) {
	p.mu.Lock()
	*failed = true
	p.mu.Unlock()
}
