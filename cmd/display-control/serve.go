package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scientress/c3ds/internal/config"
	"github.com/scientress/c3ds/internal/httpapi"
	"github.com/scientress/c3ds/internal/hub"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/metrics"
	"github.com/scientress/c3ds/internal/store"
)

const (
	controlPingEvery = 15 * time.Second
	shutdownTimeout  = 8 * time.Second
	pruneEvery       = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("config", "c", "", "path to a TOML config file")
	f.String("addr", "", "listen address")
	f.String("db", "", "sqlite database path")
	f.String("audit-log", "", "audit log path, empty disables auditing")
	f.String("log-level", "", "trace|debug|info|warn|error|disabled")
	f.String("log-format", "", "console|json")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Control) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("db") {
		cfg.DBPath, _ = f.GetString("db")
	}
	if f.Changed("audit-log") {
		cfg.AuditPath, _ = f.GetString("audit-log")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadControl(configPath, config.OSLookup())
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logging.Init(appName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()
	return c.run(ctx)
}

type control struct {
	cfg     config.Control
	store   *store.Store
	audit   *hub.AuditLogger
	hub     *hub.Hub
	limiter *hub.RateLimiter
	handler http.Handler
}

func newControl(ctx context.Context, cfg config.Control) (*control, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit, err := hub.NewAuditLogger(cfg.AuditPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	m := metrics.New()
	h := hub.New(hub.Config{
		OfflineAfter: cfg.OfflineAfter,
		ExecTimeout:  cfg.ExecTimeout,
		PingEvery:    controlPingEvery,
	}, st, audit, m)
	c := &control{cfg: cfg, store: st, audit: audit, hub: h}
	if err := h.Load(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("load displays: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg, h); err != nil {
		c.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	c.limiter = hub.NewRateLimiter(cfg.RateLimitPerMin, time.Minute)
	api := &httpapi.Server{
		Hub:          h,
		APIToken:     cfg.APIToken,
		DisplayToken: cfg.DisplayToken,
		CheckOrigin:  cfg.CheckOrigin,
		Limiter:      c.limiter,
		Metrics:      m,
		Gatherer:     reg,
	}
	c.handler = api.Router()
	return c, nil
}

func (c *control) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", c.cfg.Addr).Msg("display-control listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return c.hub.RunSweeper(gctx, 0) })
	g.Go(func() error {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				c.limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (c *control) close() {
	if c.hub != nil {
		c.hub.Close()
	}
	if err := c.audit.Close(); err != nil {
		log.Warn().Err(err).Msg("close audit log")
	}
	if err := c.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
}
