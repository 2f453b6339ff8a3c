package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scientress/c3ds/internal/security"
)

const EnvPrefix = "C3DS_"

// Lookup reads one environment variable. os.LookupEnv in production.
type Lookup func(key string) (string, bool)

func OSLookup() Lookup { return os.LookupEnv }

type envReader struct {
	lookup Lookup
	err    error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) fail(name string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		r.fail(name, fmt.Errorf("invalid boolean %q", v))
	}
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, err)
		return
	}
	*dst = n
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, err)
		return
	}
	*dst = d
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.get(name); ok {
		*dst = security.SplitList(v)
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
