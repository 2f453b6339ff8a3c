// Package reload restarts the display agent from scratch, the way a browser page
// reload throws away all client state.
package reload

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/logging"
)

// Func adapts a plain function to client.Reloader.
type Func func(reason string)

func (f Func) Reload(reason string) { f(reason) }

const defaultCommandTimeout = 30 * time.Second

// Exec re-executes the running binary with its original arguments and environment.
// An optional shell command runs first, e.g. to restart the browser showing the
// display. Only the first Reload has any effect.
type Exec struct {
	command string
	timeout time.Duration
	log     zerolog.Logger
	once    sync.Once

	execve     func(argv0 string, argv, envv []string) error
	executable func() (string, error)
	exit       func(code int)
	runCommand func(ctx context.Context, command string) ([]byte, error)
}

func NewExec(command string, timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Exec{
		command:    command,
		timeout:    timeout,
		log:        logging.Component("reload"),
		execve:     syscall.Exec,
		executable: os.Executable,
		exit:       os.Exit,
		runCommand: func(ctx context.Context, command string) ([]byte, error) {
			return exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
		},
	}
}

func (e *Exec) Reload(reason string) {
	e.once.Do(func() { e.reload(reason) })
}

func (e *Exec) reload(reason string) {
	e.log.Warn().Str("reason", reason).Msg("reloading display agent")

	if e.command != "" {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		out, err := e.runCommand(ctx, e.command)
		cancel()
		if err != nil {
			e.log.Error().Err(err).Bytes("output", out).Msg("reload command failed")
		} else {
			e.log.Info().Bytes("output", out).Msg("reload command finished")
		}
	}

	path, err := e.executable()
	if err == nil {
		err = e.execve(path, os.Args, os.Environ())
	}
	// Only reached when exec failed. Exiting hands the restart to the supervisor.
	e.log.Error().Err(err).Msg("re-exec failed, exiting")
	e.exit(1)
}
