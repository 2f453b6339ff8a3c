package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Control struct {
	Addr            string
	APIToken        string
	DisplayToken    string
	DBPath          string
	AuditPath       string
	OfflineAfter    time.Duration
	ExecTimeout     time.Duration
	RateLimitPerMin int
	CheckOrigin     bool
	LogLevel        string
	LogFormat       string
}

func DefaultControl() Control {
	return Control{
		Addr:            ":8080",
		DBPath:          "./c3ds.db",
		AuditPath:       "./audit.jsonl",
		OfflineAfter:    60 * time.Second,
		ExecTimeout:     30 * time.Second,
		RateLimitPerMin: 600,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

type controlFile struct {
	Addr            string `toml:"addr"`
	APIToken        string `toml:"api_token"`
	DisplayToken    string `toml:"display_token"`
	DBPath          string `toml:"db_path"`
	AuditPath       string `toml:"audit_path"`
	OfflineAfter    string `toml:"offline_after"`
	ExecTimeout     string `toml:"exec_timeout"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"`
	CheckOrigin     bool   `toml:"check_origin"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
}

func LoadControl(path string, lookup Lookup) (Control, error) {
	cfg := DefaultControl()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Control{}, err
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Control{}, err
		}
	}
	return cfg, nil
}

func (cfg *Control) loadFile(path string) error {
	var raw controlFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load control config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load control config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = raw.APIToken
	}
	if meta.IsDefined("display_token") {
		cfg.DisplayToken = raw.DisplayToken
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("audit_path") {
		cfg.AuditPath = strings.TrimSpace(raw.AuditPath)
	}
	if meta.IsDefined("offline_after") {
		if cfg.OfflineAfter, err = parseDuration("offline_after", raw.OfflineAfter); err != nil {
			return fmt.Errorf("load control config: %w", err)
		}
	}
	if meta.IsDefined("exec_timeout") {
		if cfg.ExecTimeout, err = parseDuration("exec_timeout", raw.ExecTimeout); err != nil {
			return fmt.Errorf("load control config: %w", err)
		}
	}
	if meta.IsDefined("rate_limit_per_min") {
		cfg.RateLimitPerMin = raw.RateLimitPerMin
	}
	if meta.IsDefined("check_origin") {
		cfg.CheckOrigin = raw.CheckOrigin
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

func (cfg *Control) applyEnv(lookup Lookup) error {
	r := &envReader{lookup: lookup}
	r.str("ADDR", &cfg.Addr)
	r.str("API_TOKEN", &cfg.APIToken)
	r.str("DISPLAY_TOKEN", &cfg.DisplayToken)
	r.str("DB_PATH", &cfg.DBPath)
	r.str("AUDIT_PATH", &cfg.AuditPath)
	r.duration("OFFLINE_AFTER", &cfg.OfflineAfter)
	r.duration("EXEC_TIMEOUT", &cfg.ExecTimeout)
	r.integer("RATE_LIMIT_PER_MIN", &cfg.RateLimitPerMin)
	r.boolean("CHECK_ORIGIN", &cfg.CheckOrigin)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)
	return r.err
}

func (cfg Control) Validate() error {
	var errs []error
	if strings.TrimSpace(cfg.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if cfg.OfflineAfter <= 0 {
		errs = append(errs, errors.New("offline_after must be positive"))
	}
	if cfg.ExecTimeout <= 0 {
		errs = append(errs, errors.New("exec_timeout must be positive"))
	}
	if cfg.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("rate_limit_per_min must not be negative"))
	}
	errs = append(errs, validateLogging(cfg.LogLevel, cfg.LogFormat)...)
	return errors.Join(errs...)
}
