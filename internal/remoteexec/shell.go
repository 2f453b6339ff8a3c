//go:build !noremoteexec

package remoteexec

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/scientress/c3ds/internal/pty"
	"github.com/scientress/c3ds/internal/security"
)

// Shell runs each payload with `sh -c` inside a pty and resolves to what it printed.
type Shell struct {
	cfg ShellConfig
	dir string
}

func NewShell(cfg ShellConfig) (Evaluator, error) {
	cfg.applyDefaults()
	roots, err := security.ResolveRoots(cfg.AllowRoots)
	if err != nil {
		return nil, fmt.Errorf("remote shell: %w", err)
	}
	dir, err := security.CheckDir(roots[0], roots)
	if err != nil {
		return nil, fmt.Errorf("remote shell: %w", err)
	}
	return &Shell{cfg: cfg, dir: dir}, nil
}

func (s *Shell) Evaluate(_ context.Context, code string) (Result, error) {
	p, err := pty.Start(s.cfg.Shell, []string{"-c", code}, pty.Options{
		Dir:         s.dir,
		Env:         s.cfg.Env.Apply(os.Environ()),
		OutputLimit: s.cfg.OutputLimit,
	})
	if err != nil {
		return Result{}, err
	}
	return Deferred(FutureFunc(func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		status, err := p.Wait(ctx)
		out := normalizeOutput(p.Output())
		if err != nil {
			return nil, fmt.Errorf("shell timed out after %s: %w", s.cfg.Timeout, err)
		}
		if !status.Success() {
			if out == "" {
				return nil, fmt.Errorf("shell: %s", status)
			}
			return nil, fmt.Errorf("shell: %s: %s", status, out)
		}
		return out, nil
	})), nil
}

// pty output uses CRLF line endings.
func normalizeOutput(b []byte) string {
	return strings.TrimRight(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
}
