package remoteexec

import (
	"time"

	"github.com/scientress/c3ds/internal/security"
)

// ShellConfig bounds what the rsMSG shell may do.
type ShellConfig struct {
	Shell string
	// AllowRoots lists the directories the shell may run in. The first one is the
	// working directory.
	AllowRoots  []string
	Env         security.EnvFilter
	Timeout     time.Duration
	OutputLimit int
}

func (cfg *ShellConfig) applyDefaults() {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 64 * 1024
	}
}
