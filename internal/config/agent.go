// Package config loads the agent and control server settings: defaults, then an
// optional TOML file, then C3DS_* environment variables. Command line flags are
// applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/scientress/c3ds/internal/logging"
)

type Agent struct {
	BaseURL       string
	DisplaySlug   string
	Token         string
	TLSSkipVerify bool

	ReconnectBase      time.Duration
	ReconnectJitter    time.Duration
	HeartbeatInterval  time.Duration
	MaxUnansweredPings int
	ReloadSpread       time.Duration
	ClockSyncInterval  time.Duration

	RemoteShell               bool
	RemoteShellAllowRoots     []string
	RemoteShellEnvAllowKeys   []string
	RemoteShellEnvAllowPrefix string
	RemoteShellTimeout        time.Duration
	RemoteShellOutputBytes    int
	Diagnostics               bool

	ReloadCommand string

	LogLevel  string
	LogFormat string
}

func DefaultAgent() Agent {
	return Agent{
		ReconnectBase:             5 * time.Second,
		ReconnectJitter:           2 * time.Second,
		HeartbeatInterval:         5 * time.Second,
		MaxUnansweredPings:        30,
		ReloadSpread:              20 * time.Second,
		ClockSyncInterval:         10 * time.Second,
		RemoteShellEnvAllowPrefix: EnvPrefix,
		RemoteShellTimeout:        30 * time.Second,
		RemoteShellOutputBytes:    64 * 1024,
		Diagnostics:               true,
		LogLevel:                  "info",
		LogFormat:                 "console",
	}
}

type agentFile struct {
	BaseURL                   string   `toml:"base_url"`
	DisplaySlug               string   `toml:"display_slug"`
	Token                     string   `toml:"token"`
	TLSSkipVerify             bool     `toml:"tls_skip_verify"`
	ReconnectBase             string   `toml:"reconnect_base"`
	ReconnectJitter           string   `toml:"reconnect_jitter"`
	HeartbeatInterval         string   `toml:"heartbeat_interval"`
	MaxUnansweredPings        int      `toml:"max_unanswered_pings"`
	ReloadSpread              string   `toml:"reload_spread"`
	ClockSyncInterval         string   `toml:"clock_sync_interval"`
	RemoteShell               bool     `toml:"remote_shell"`
	RemoteShellAllowRoots     []string `toml:"remote_shell_allow_roots"`
	RemoteShellEnvAllowKeys   []string `toml:"remote_shell_env_allow_keys"`
	RemoteShellEnvAllowPrefix string   `toml:"remote_shell_env_allow_prefix"`
	RemoteShellTimeout        string   `toml:"remote_shell_timeout"`
	RemoteShellOutputBytes    int      `toml:"remote_shell_output_bytes"`
	Diagnostics               bool     `toml:"diagnostics"`
	ReloadCommand             string   `toml:"reload_command"`
	LogLevel                  string   `toml:"log_level"`
	LogFormat                 string   `toml:"log_format"`
}

// LoadAgent builds the agent config from defaults, the file at path (skipped when
// empty) and the environment.
func LoadAgent(path string, lookup Lookup) (Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Agent{}, err
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Agent{}, err
		}
	}
	return cfg, nil
}

func (cfg *Agent) loadFile(path string) error {
	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load agent config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("base_url") {
		cfg.BaseURL = strings.TrimSpace(raw.BaseURL)
	}
	if meta.IsDefined("display_slug") {
		cfg.DisplaySlug = strings.TrimSpace(raw.DisplaySlug)
	}
	if meta.IsDefined("token") {
		cfg.Token = raw.Token
	}
	if meta.IsDefined("tls_skip_verify") {
		cfg.TLSSkipVerify = raw.TLSSkipVerify
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_base", raw.ReconnectBase, &cfg.ReconnectBase},
		{"reconnect_jitter", raw.ReconnectJitter, &cfg.ReconnectJitter},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"reload_spread", raw.ReloadSpread, &cfg.ReloadSpread},
		{"clock_sync_interval", raw.ClockSyncInterval, &cfg.ClockSyncInterval},
		{"remote_shell_timeout", raw.RemoteShellTimeout, &cfg.RemoteShellTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return fmt.Errorf("load agent config: %w", err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_unanswered_pings") {
		cfg.MaxUnansweredPings = raw.MaxUnansweredPings
	}
	if meta.IsDefined("remote_shell") {
		cfg.RemoteShell = raw.RemoteShell
	}
	if meta.IsDefined("remote_shell_allow_roots") {
		cfg.RemoteShellAllowRoots = normalizeList(raw.RemoteShellAllowRoots)
	}
	if meta.IsDefined("remote_shell_env_allow_keys") {
		cfg.RemoteShellEnvAllowKeys = normalizeList(raw.RemoteShellEnvAllowKeys)
	}
	if meta.IsDefined("remote_shell_env_allow_prefix") {
		cfg.RemoteShellEnvAllowPrefix = strings.TrimSpace(raw.RemoteShellEnvAllowPrefix)
	}
	if meta.IsDefined("remote_shell_output_bytes") {
		cfg.RemoteShellOutputBytes = raw.RemoteShellOutputBytes
	}
	if meta.IsDefined("diagnostics") {
		cfg.Diagnostics = raw.Diagnostics
	}
	if meta.IsDefined("reload_command") {
		cfg.ReloadCommand = strings.TrimSpace(raw.ReloadCommand)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func (cfg *Agent) applyEnv(lookup Lookup) error {
	r := &envReader{lookup: lookup}
	r.str("BASE_URL", &cfg.BaseURL)
	r.str("DISPLAY_SLUG", &cfg.DisplaySlug)
	r.str("TOKEN", &cfg.Token)
	r.boolean("TLS_SKIP_VERIFY", &cfg.TLSSkipVerify)
	r.duration("RECONNECT_BASE", &cfg.ReconnectBase)
	r.duration("RECONNECT_JITTER", &cfg.ReconnectJitter)
	r.duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	r.integer("MAX_UNANSWERED_PINGS", &cfg.MaxUnansweredPings)
	r.duration("RELOAD_SPREAD", &cfg.ReloadSpread)
	r.duration("CLOCK_SYNC_INTERVAL", &cfg.ClockSyncInterval)
	r.boolean("REMOTE_SHELL", &cfg.RemoteShell)
	r.list("REMOTE_SHELL_ALLOW_ROOTS", &cfg.RemoteShellAllowRoots)
	r.list("REMOTE_SHELL_ENV_ALLOW_KEYS", &cfg.RemoteShellEnvAllowKeys)
	r.str("REMOTE_SHELL_ENV_ALLOW_PREFIX", &cfg.RemoteShellEnvAllowPrefix)
	r.duration("REMOTE_SHELL_TIMEOUT", &cfg.RemoteShellTimeout)
	r.integer("REMOTE_SHELL_OUTPUT_BYTES", &cfg.RemoteShellOutputBytes)
	r.boolean("DIAGNOSTICS", &cfg.Diagnostics)
	r.str("RELOAD_COMMAND", &cfg.ReloadCommand)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)
	return r.err
}

func (cfg Agent) Validate() error {
	var errs []error
	if strings.TrimSpace(cfg.BaseURL) == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if strings.TrimSpace(cfg.DisplaySlug) == "" {
		errs = append(errs, errors.New("display_slug is required"))
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"reconnect_base", cfg.ReconnectBase},
		{"heartbeat_interval", cfg.HeartbeatInterval},
		{"clock_sync_interval", cfg.ClockSyncInterval},
		{"remote_shell_timeout", cfg.RemoteShellTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if cfg.ReconnectJitter < 0 || cfg.ReloadSpread < 0 {
		errs = append(errs, errors.New("reconnect_jitter and reload_spread must not be negative"))
	}
	if cfg.MaxUnansweredPings <= 0 {
		errs = append(errs, errors.New("max_unanswered_pings must be positive"))
	}
	if cfg.RemoteShell && len(cfg.RemoteShellAllowRoots) == 0 {
		errs = append(errs, errors.New("remote_shell needs remote_shell_allow_roots"))
	}
	errs = append(errs, validateLogging(cfg.LogLevel, cfg.LogFormat)...)
	return errors.Join(errs...)
}

func validateLogging(level, format string) []error {
	var errs []error
	if _, ok := logging.ParseLevel(level); !ok {
		errs = append(errs, fmt.Errorf("unknown log_level %q", level))
	}
	switch format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", format))
	}
	return errs
}
