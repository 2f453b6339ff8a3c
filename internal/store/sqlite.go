// Package store persists display status in sqlite so the control server
// remembers its displays across restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/scientress/c3ds/internal/logging"
)

type Display struct {
	Slug        string
	FirstSeenMS int64
	LastSeenMS  int64
	Online      bool
	ClockSkewMS *float64
	LatencyMS   *float64
	Connections int
	LastExecMS  int64
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log := logging.Component("store")
	log.Info().Str("path", path).Msg("display store opened")
	return &Store{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS displays (
  slug TEXT PRIMARY KEY,
  first_seen_ms INTEGER NOT NULL,
  last_seen_ms INTEGER NOT NULL,
  online INTEGER NOT NULL,
  clock_skew_ms REAL,
  latency_ms REAL,
  connections INTEGER NOT NULL,
  last_exec_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_displays_last_seen ON displays(last_seen_ms);
`)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert stores d. first_seen_ms keeps the earliest value ever written.
func (s *Store) Upsert(ctx context.Context, d Display) error {
	if d.Slug == "" {
		return errors.New("display slug required")
	}
	online := 0
	if d.Online {
		online = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO displays (slug, first_seen_ms, last_seen_ms, online, clock_skew_ms, latency_ms, connections, last_exec_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET
  first_seen_ms = MIN(displays.first_seen_ms, excluded.first_seen_ms),
  last_seen_ms = excluded.last_seen_ms,
  online = excluded.online,
  clock_skew_ms = excluded.clock_skew_ms,
  latency_ms = excluded.latency_ms,
  connections = excluded.connections,
  last_exec_ms = excluded.last_exec_ms`,
		d.Slug,
		d.FirstSeenMS,
		d.LastSeenMS,
		online,
		nullFloat(d.ClockSkewMS),
		nullFloat(d.LatencyMS),
		d.Connections,
		d.LastExecMS,
	)
	return err
}

func (s *Store) List(ctx context.Context) ([]Display, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT slug, first_seen_ms, last_seen_ms, online, clock_skew_ms, latency_ms, connections, last_exec_ms
FROM displays
ORDER BY slug
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Display
	for rows.Next() {
		var d Display
		var online int
		var skew, latency sql.NullFloat64
		if err := rows.Scan(&d.Slug, &d.FirstSeenMS, &d.LastSeenMS, &online, &skew, &latency, &d.Connections, &d.LastExecMS); err != nil {
			return nil, err
		}
		d.Online = online != 0
		if skew.Valid {
			d.ClockSkewMS = &skew.Float64
		}
		if latency.Valid {
			d.LatencyMS = &latency.Float64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, slug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM displays WHERE slug = ?`, slug)
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
