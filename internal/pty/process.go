// Package pty runs a single command inside a pseudo terminal and captures what it
// prints.
package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var hostEnvAllowList = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM",
	"LANG", "LC_ALL", "LC_CTYPE", "TMPDIR",
}

func minimalHostEnv() []string {
	var env []string
	for _, key := range hostEnvAllowList {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

const (
	defaultCols = 120
	defaultRows = 40
	drainWait   = 200 * time.Millisecond
)

type Options struct {
	Dir string
	// Env entries are appended after the minimal host environment.
	Env         []string
	OutputLimit int
	StopGrace   time.Duration
}

// ExitStatus describes how the process ended. Code is nil if it was killed by a
// signal or never reported one.
type ExitStatus struct {
	Code   *int
	Signal string
	Reason string
}

func (s ExitStatus) Success() bool {
	return s.Code != nil && *s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "killed by " + s.Signal
	case s.Code != nil:
		return "exit status " + strconv.Itoa(*s.Code)
	default:
		return s.Reason
	}
}

type Process struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	out       *RingBuffer
	stopGrace time.Duration

	exited   chan struct{}
	readDone chan struct{}
	status   ExitStatus

	closeOnce sync.Once
}

func Start(name string, args []string, opts Options) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(minimalHostEnv(), opts.Env...)
	cmd.Env = append(cmd.Env,
		"COLUMNS="+strconv.Itoa(defaultCols),
		"LINES="+strconv.Itoa(defaultRows),
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return nil, fmt.Errorf("start %s in pty: %w", name, err)
	}

	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = 2 * time.Second
	}
	p := &Process{
		cmd:       cmd,
		ptmx:      ptmx,
		out:       NewRingBuffer(opts.OutputLimit),
		stopGrace: stopGrace,
		exited:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

func (p *Process) readLoop() {
	defer close(p.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			_, _ = p.out.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	status := ExitStatus{Reason: "exited"}
	if err != nil {
		var ex *exec.ExitError
		if errors.As(err, &ex) {
			if ws, ok := ex.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = ws.Signal().String()
			} else {
				code := ex.ExitCode()
				status.Code = &code
			}
		} else {
			status.Reason = err.Error()
		}
	} else if p.cmd.ProcessState != nil {
		code := p.cmd.ProcessState.ExitCode()
		status.Code = &code
	}

	// Output still buffered in the pty is readable after exit. A background child
	// holding the terminal must not keep the result pending forever.
	select {
	case <-p.readDone:
	case <-time.After(drainWait):
	}
	p.close()

	p.status = status
	close(p.exited)
}

func (p *Process) close() {
	p.closeOnce.Do(func() { _ = p.ptmx.Close() })
}

// Wait blocks until the process exits. When ctx ends first the process is stopped
// and ctx's error is returned along with whatever status it ended with.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, nil
	case <-ctx.Done():
	}
	p.Stop()
	<-p.exited
	return p.status, ctx.Err()
}

// Stop sends SIGTERM, then SIGKILL if the process is still running after the grace
// period.
func (p *Process) Stop() {
	proc := p.cmd.Process
	if proc == nil {
		return
	}
	select {
	case <-p.exited:
		return
	default:
	}
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(p.stopGrace):
		_ = proc.Kill()
	}
}

func (p *Process) Output() []byte { return p.out.Snapshot() }

func (p *Process) Truncated() bool { return p.out.Truncated() }

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
