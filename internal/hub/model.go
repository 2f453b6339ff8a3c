package hub

import "github.com/scientress/c3ds/internal/store"

type DisplayStatus string

const (
	DisplayOnline  DisplayStatus = "online"
	DisplayOffline DisplayStatus = "offline"
)

type Display struct {
	Slug        string        `json:"display_slug"`
	FirstSeenMS int64         `json:"first_seen_ms"`
	LastSeenMS  int64         `json:"last_seen_ms"`
	Status      DisplayStatus `json:"status"`
	// ClockSkewMS is the display clock minus the server clock as of the last NTPRequest.
	ClockSkewMS *float64 `json:"clock_skew_ms,omitempty"`
	LatencyMS   *float64 `json:"latency_ms,omitempty"`
	Connections int      `json:"connections"`
	LastExecMS  int64    `json:"last_exec_ms,omitempty"`
}

func (d Display) record() store.Display {
	return store.Display{
		Slug:        d.Slug,
		FirstSeenMS: d.FirstSeenMS,
		LastSeenMS:  d.LastSeenMS,
		Online:      d.Status == DisplayOnline,
		ClockSkewMS: d.ClockSkewMS,
		LatencyMS:   d.LatencyMS,
		Connections: d.Connections,
		LastExecMS:  d.LastExecMS,
	}
}

func displayFromRecord(r store.Display) *Display {
	return &Display{
		Slug:        r.Slug,
		FirstSeenMS: r.FirstSeenMS,
		LastSeenMS:  r.LastSeenMS,
		// nothing is connected right after a restart
		Status:      DisplayOffline,
		ClockSkewMS: r.ClockSkewMS,
		LatencyMS:   r.LatencyMS,
		LastExecMS:  r.LastExecMS,
	}
}

// ExecKind selects the evaluator on the display.
type ExecKind string

const (
	ExecShell       ExecKind = "shell"
	ExecDiagnostics ExecKind = "diagnostics"
)

type ExecRequest struct {
	Kind ExecKind `json:"kind"`
	Code string   `json:"code"`
}

type ExecResult struct {
	CorrelationID string   `json:"correlation_id"`
	DisplaySlug   string   `json:"display_slug"`
	ID            int64    `json:"id"`
	Result        any      `json:"result"`
	Error         *string  `json:"error"`
	PStart        float64  `json:"pStart"`
	PEnd          *float64 `json:"pEnd"`
	DurationMS    int64    `json:"duration_ms"`
}
