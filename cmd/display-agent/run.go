package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scientress/c3ds/internal/client"
	"github.com/scientress/c3ds/internal/clock"
	"github.com/scientress/c3ds/internal/clocksync"
	"github.com/scientress/c3ds/internal/config"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/protocol"
	"github.com/scientress/c3ds/internal/reload"
	"github.com/scientress/c3ds/internal/remoteexec"
	"github.com/scientress/c3ds/internal/security"
)

const statusEvery = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the control server and serve the display",
	RunE:  runAgent,
}

func init() {
	f := runCmd.Flags()
	f.String("base-url", "", "control server address, http(s)://host[:port]")
	f.String("display-slug", "", "slug identifying this display")
	f.String("token", "", "bearer token for the display socket")
	f.Bool("tls-skip-verify", false, "skip TLS certificate verification")
	f.Bool("remote-shell", false, "allow the server to run shell commands")
	f.StringSlice("remote-shell-allow-root", nil, "directories the remote shell may run in")
	f.Bool("diagnostics", true, "answer diagnostic probes")
	f.String("reload-command", "", "shell command run before the agent restarts itself")
	f.String("log-level", "", "trace|debug|info|warn|error|disabled")
	f.String("log-format", "", "console|json")
}

// applyAgentFlags overrides cfg with the flags given on the command line.
func applyAgentFlags(cmd *cobra.Command, cfg *config.Agent) {
	f := cmd.Flags()
	if f.Changed("base-url") {
		cfg.BaseURL, _ = f.GetString("base-url")
	}
	if f.Changed("display-slug") {
		cfg.DisplaySlug, _ = f.GetString("display-slug")
	}
	if f.Changed("token") {
		cfg.Token, _ = f.GetString("token")
	}
	if f.Changed("tls-skip-verify") {
		cfg.TLSSkipVerify, _ = f.GetBool("tls-skip-verify")
	}
	if f.Changed("remote-shell") {
		cfg.RemoteShell, _ = f.GetBool("remote-shell")
	}
	if f.Changed("remote-shell-allow-root") {
		cfg.RemoteShellAllowRoots, _ = f.GetStringSlice("remote-shell-allow-root")
	}
	if f.Changed("diagnostics") {
		cfg.Diagnostics, _ = f.GetBool("diagnostics")
	}
	if f.Changed("reload-command") {
		cfg.ReloadCommand, _ = f.GetString("reload-command")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(configPath, config.OSLookup())
	if err != nil {
		return err
	}
	applyAgentFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logging.Init(appName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg, reload.NewExec(cfg.ReloadCommand, 0))
	if err != nil {
		return err
	}
	return a.run(ctx)
}

type agent struct {
	client   *client.Client
	sync     *clocksync.Engine
	clock    clock.Clock
	handlers []*remoteexec.Handler
	started  time.Time
}

func newAgent(cfg config.Agent, reloader client.Reloader) (*agent, error) {
	// receive stamps, NTP send stamps and exec timings must share one monotonic origin
	clk := clock.System()
	c, err := client.New(client.Config{
		BaseURL:            cfg.BaseURL,
		DisplaySlug:        cfg.DisplaySlug,
		Token:              cfg.Token,
		TLSSkipVerify:      cfg.TLSSkipVerify,
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectJitter:    cfg.ReconnectJitter,
		HeartbeatEvery:     cfg.HeartbeatInterval,
		MaxUnansweredPings: cfg.MaxUnansweredPings,
		ReloadSpread:       cfg.ReloadSpread,
	}, reloader, client.WithClock(clk))
	if err != nil {
		return nil, err
	}

	engine, err := clocksync.New(c, clk, cfg.ClockSyncInterval)
	if err != nil {
		return nil, err
	}
	c.OnConnect(engine.Run)

	a := &agent{client: c, sync: engine, clock: clk, started: time.Now()}

	var shell remoteexec.Evaluator = remoteexec.Disabled{}
	if cfg.RemoteShell {
		shell, err = remoteexec.NewShell(remoteexec.ShellConfig{
			AllowRoots:  cfg.RemoteShellAllowRoots,
			Env:         security.NewEnvFilter(cfg.RemoteShellEnvAllowKeys, cfg.RemoteShellEnvAllowPrefix),
			Timeout:     cfg.RemoteShellTimeout,
			OutputLimit: cfg.RemoteShellOutputBytes,
		})
		if err != nil {
			return nil, err
		}
	}
	var probes remoteexec.Evaluator = remoteexec.Disabled{}
	if cfg.Diagnostics {
		probes = remoteexec.NewProbes(engine, c, version, a.started)
	}
	for _, r := range []struct {
		cmd  string
		eval remoteexec.Evaluator
	}{
		{protocol.CmdRemoteShell, shell},
		{protocol.CmdDiagnostics, probes},
	} {
		h, err := remoteexec.Register(c, clk, r.cmd, r.eval)
		if err != nil {
			return nil, err
		}
		a.handlers = append(a.handlers, h)
	}
	return a, nil
}

func (a *agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error {
		a.logStatus(gctx)
		return nil
	})
	err := g.Wait()
	for _, h := range a.handlers {
		h.Wait()
	}
	return err
}

func (a *agent) logStatus(ctx context.Context) {
	t := time.NewTicker(statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ev := log.Info().
				Str("state", a.client.State().String()).
				Int("unanswered_pings", a.client.UnansweredPings()).
				Dur("uptime", time.Since(a.started))
			if offset, ok := a.sync.Offset(); ok {
				ev = ev.Float64("offset_ms", offset)
			}
			ev.Msg("display status")
		}
	}
}
