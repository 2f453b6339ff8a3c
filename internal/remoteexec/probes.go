package remoteexec

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/scientress/c3ds/internal/client"
)

type SyncState interface {
	Offset() (float64, bool)
	Latency() (float64, bool)
	AdjustedTime() time.Time
}

type ConnState interface {
	State() client.State
	UnansweredPings() int
	Commands() []string
}

// Probes answers bdMSG payloads naming a diagnostic value, or "all".
type Probes struct {
	probes map[string]func() (any, error)
}

func NewProbes(syncState SyncState, connState ConnState, version string, started time.Time) *Probes {
	p := &Probes{probes: map[string]func() (any, error){
		"offset": func() (any, error) {
			if v, ok := syncState.Offset(); ok {
				return v, nil
			}
			return nil, nil
		},
		"latency": func() (any, error) {
			if v, ok := syncState.Latency(); ok {
				return v, nil
			}
			return nil, nil
		},
		"adjusted_time": func() (any, error) {
			return syncState.AdjustedTime().UTC().Format(time.RFC3339Nano), nil
		},
		"state": func() (any, error) { return connState.State().String(), nil },
		"unanswered_pings": func() (any, error) {
			return connState.UnansweredPings(), nil
		},
		"commands": func() (any, error) { return connState.Commands(), nil },
		"uptime": func() (any, error) {
			return time.Since(started).Seconds(), nil
		},
		"version":    func() (any, error) { return version, nil },
		"hostname":   func() (any, error) { return os.Hostname() },
		"goroutines": func() (any, error) { return runtime.NumGoroutine(), nil },
	}}
	return p
}

func (p *Probes) Names() []string {
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Probes) Evaluate(_ context.Context, code string) (Result, error) {
	name := strings.TrimSpace(code)
	if name == "all" {
		all := make(map[string]any, len(p.probes))
		for _, n := range p.Names() {
			v, err := p.probes[n]()
			if err != nil {
				v = "error: " + err.Error()
			}
			all[n] = v
		}
		return Immediate(all), nil
	}
	probe, ok := p.probes[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown probe %q (known: %s)", name, strings.Join(p.Names(), ", "))
	}
	v, err := probe()
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", name, err)
	}
	return Immediate(v), nil
}
