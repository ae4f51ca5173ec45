package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	errs "github.com/frankli0324/go-dispatch/internal/errors"
)

// LoadFile reads options from a .yaml, .yml or .toml file on top of
// [Defaults] and validates them.
func LoadFile(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.ErrConfiguration.Wrap(err)
	}
	defer f.Close()
	return Load(f, strings.TrimPrefix(filepath.Ext(path), "."))
}

// Load decodes options in the given format, "yaml" or "toml".
func Load(r io.Reader, format string) (*Options, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.ErrConfiguration.Wrap(err)
	}
	o := Defaults()
	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(o); err != nil && err != io.EOF {
			return nil, errs.ErrConfiguration.Wrap(err)
		}
	case "toml":
		md, err := toml.Decode(string(data), o)
		if err != nil {
			return nil, errs.ErrConfiguration.Wrap(err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, invalid("unknown keys %v", undecoded)
		}
	default:
		return nil, errs.ErrConfiguration.With(fmt.Sprintf("unsupported config format %q", format))
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
