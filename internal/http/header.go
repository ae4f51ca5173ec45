package http

import (
	"strings"
)

type Field struct {
	Name, Value string
}

// Header is an ordered list of header lines. Names keep the case they were
// given with and are compared case-insensitively.
type Header []Field

func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Header) Values(name string) []string {
	var vs []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h *Header) Add(name, value string) {
	*h = append(*h, Field{name, value})
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// H builds a [Header] from name, value pairs. It panics on an odd count.
func H(kv ...string) Header {
	if len(kv)%2 != 0 {
		panic("http: odd number of header arguments")
	}
	h := make(Header, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		h = append(h, Field{kv[i], kv[i+1]})
	}
	return h
}
