// Package security confines the remote shell to operator-approved directories and
// environment variables.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNoRoots    = errors.New("at least one allowed root is required")
	ErrOutsideDir = errors.New("working directory is outside the allowed roots")
)

// SplitList splits a comma separated config value, dropping blanks.
func SplitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResolveRoots turns configured roots into clean absolute paths with symlinks
// resolved. Every root must be an existing directory.
func ResolveRoots(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		st, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("allowed root %s: %w", abs, err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("allowed root %s is not a directory", abs)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		out = append(out, filepath.Clean(abs))
	}
	return out, nil
}

// CheckDir returns the resolved form of dir if it lies inside one of roots.
func CheckDir(dir string, roots []string) (string, error) {
	if dir == "" {
		return "", errors.New("working directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	real = filepath.Clean(real)
	for _, root := range roots {
		rel, err := filepath.Rel(root, real)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return real, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideDir, real)
}

// EnvFilter decides which variables of the agent's own environment reach a child
// process.
type EnvFilter struct {
	Keys   map[string]struct{}
	Prefix string
}

func NewEnvFilter(keys []string, prefix string) EnvFilter {
	f := EnvFilter{Keys: make(map[string]struct{}, len(keys)), Prefix: prefix}
	for _, k := range keys {
		f.Keys[k] = struct{}{}
	}
	return f
}

func (f EnvFilter) Allowed(key string) bool {
	if _, ok := f.Keys[key]; ok {
		return true
	}
	return f.Prefix != "" && strings.HasPrefix(key, f.Prefix)
}

// Apply keeps the allowed KEY=VALUE entries of environ.
func (f EnvFilter) Apply(environ []string) []string {
	var out []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if ok && f.Allowed(key) {
			out = append(out, kv)
		}
	}
	return out
}
