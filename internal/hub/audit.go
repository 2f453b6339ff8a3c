package hub

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one line of the audit trail. The JSON tags describe the line
// format so the file can be read back with encoding/json.
type AuditEvent struct {
	TsMS          int64          `json:"ts_ms"`
	Actor         string         `json:"actor"`
	DisplaySlug   string         `json:"display_slug,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Kind          string         `json:"kind"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// AuditLogger appends display actions (connects, reloads, remote executions)
// as JSON lines. A nil logger or one without a path drops everything.
type AuditLogger struct {
	file *os.File
	log  zerolog.Logger
}

func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{log: zerolog.Nop()}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{file: f, log: zerolog.New(zerolog.SyncWriter(f))}, nil
}

func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}

func (a *AuditLogger) Log(ev AuditEvent) {
	if a == nil || a.file == nil {
		return
	}
	if ev.TsMS == 0 {
		ev.TsMS = time.Now().UnixMilli()
	}
	e := a.log.Log().Int64("ts_ms", ev.TsMS).Str("actor", ev.Actor)
	if ev.DisplaySlug != "" {
		e = e.Str("display_slug", ev.DisplaySlug)
	}
	if ev.CorrelationID != "" {
		e = e.Str("correlation_id", ev.CorrelationID)
	}
	e = e.Str("kind", ev.Kind)
	if len(ev.Meta) > 0 {
		e = e.Dict("meta", zerolog.Dict().Fields(ev.Meta))
	}
	e.Send()
}
