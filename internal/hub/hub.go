// Package hub is the server side of the display socket. It tracks connected
// displays, answers their housekeeping commands and sends them reload and remote
// execution requests.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/metrics"
	"github.com/scientress/c3ds/internal/protocol"
	"github.com/scientress/c3ds/internal/store"
)

var (
	ErrDisplayOffline  = errors.New("display offline")
	ErrExecTimeout     = errors.New("remote exec timed out")
	ErrUnknownExecKind = errors.New("unknown exec kind")
	ErrEmptyExecCode   = errors.New("exec code required")
)

// GroupAll holds every connected socket.
const GroupAll = "displays"

func DisplayGroup(slug string) string { return "display_" + slug }

type Persister interface {
	Upsert(ctx context.Context, d store.Display) error
	List(ctx context.Context) ([]store.Display, error)
}

type Config struct {
	OfflineAfter time.Duration
	ExecTimeout  time.Duration
	// PingEvery is the interval of websocket control pings used to measure latency.
	// Zero disables them.
	PingEvery time.Duration
	Now       func() time.Time
}

type pendingExec struct {
	slug string
	done chan protocol.ExecResult
}

type Hub struct {
	cfg     Config
	store   Persister
	audit   *AuditLogger
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.RWMutex
	displays map[string]*Display
	groups   map[string]map[*DisplayConn]struct{}

	pendingMu sync.Mutex
	pending   map[int64]*pendingExec
	nextID    atomic.Int64
}

// New creates a hub. st, audit and m may be nil.
func New(cfg Config, st Persister, audit *AuditLogger, m *metrics.Metrics) *Hub {
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 60 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg:      cfg,
		store:    st,
		audit:    audit,
		metrics:  m,
		log:      logging.Component("hub"),
		displays: make(map[string]*Display),
		groups:   make(map[string]map[*DisplayConn]struct{}),
		pending:  make(map[int64]*pendingExec),
	}
}

// Load restores the displays known from earlier runs, all marked offline.
func (h *Hub) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	records, err := h.store.List(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range records {
		if _, ok := h.displays[r.Slug]; !ok {
			h.displays[r.Slug] = displayFromRecord(r)
		}
	}
	h.log.Info().Int("displays", len(records)).Msg("restored display status")
	return nil
}

// Serve runs the socket of display slug until it closes.
func (h *Hub) Serve(ws *websocket.Conn, slug, remote string) {
	c := newDisplayConn(ws, slug, remote)
	c.pingEvery = h.cfg.PingEvery
	c.onPong = func(rtt time.Duration) { h.recordLatency(slug, rtt) }
	ws.SetPongHandler(c.handlePong)

	h.connect(c)
	defer h.disconnect(c)
	go c.writeLoop()
	defer c.Close()

	log := h.log.With().Str("display_slug", slug).Str("conn_id", c.ID).Logger()
	for {
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.OfflineAfter))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("display socket closed")
			return
		}
		env, err := protocol.Parse(frame, 0)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		h.metrics.CommandReceived(env.Cmd)
		h.handle(c, env, log)
	}
}

func (h *Hub) handle(c *DisplayConn, env *protocol.Envelope, log zerolog.Logger) {
	h.touch(c.Slug)
	switch env.Cmd {
	case protocol.CmdPing:
		h.reply(c, protocol.CmdPong, protocol.Pong())
	case protocol.CmdNTPRequest:
		var req protocol.NTPRequest
		if err := env.Decode(&req); err != nil {
			log.Warn().Err(err).Msg("bad NTP request")
			return
		}
		serverTime := h.cfg.Now().UnixMilli()
		h.reply(c, protocol.CmdNTPResponse, protocol.NTPResponse{
			Cmd:                 protocol.CmdNTPResponse,
			ClientSendTimestamp: req.SendTimestamp,
			ServerTime:          serverTime,
		})
		if req.LocalClockTime != 0 {
			h.recordSkew(c.Slug, float64(req.LocalClockTime-serverTime))
		}
	case protocol.CmdRemoteShellResult, protocol.CmdDiagnosticsResult:
		var res protocol.ExecResult
		if err := env.Decode(&res); err != nil {
			log.Warn().Err(err).Msg("bad exec result")
			return
		}
		h.completeExec(c.Slug, res)
	default:
		log.Warn().Str("cmd", env.Cmd).Msg("unknown command from display")
	}
}

func (h *Hub) reply(c *DisplayConn, cmd string, msg any) {
	if err := c.Send(msg); err != nil {
		h.log.Debug().Err(err).Str("display_slug", c.Slug).Str("cmd", cmd).Msg("reply dropped")
		return
	}
	h.metrics.CommandSent(cmd, 1)
}

func (h *Hub) connect(c *DisplayConn) {
	now := h.cfg.Now().UnixMilli()
	h.mu.Lock()
	d, ok := h.displays[c.Slug]
	if !ok {
		d = &Display{Slug: c.Slug, FirstSeenMS: now}
		h.displays[c.Slug] = d
	}
	d.Connections++
	d.Status = DisplayOnline
	d.LastSeenMS = now
	h.joinLocked(DisplayGroup(c.Slug), c)
	h.joinLocked(GroupAll, c)
	snapshot := *d
	h.mu.Unlock()

	h.persist(snapshot)
	h.audit.Log(AuditEvent{Actor: "display:" + c.Slug, DisplaySlug: c.Slug, Kind: "display_connected",
		Meta: map[string]any{"conn_id": c.ID, "remote": c.Remote}})
	h.log.Info().Str("display_slug", c.Slug).Str("conn_id", c.ID).Str("remote", c.Remote).Msg("display connected")
}

func (h *Hub) disconnect(c *DisplayConn) {
	h.mu.Lock()
	h.leaveLocked(DisplayGroup(c.Slug), c)
	h.leaveLocked(GroupAll, c)
	var snapshot Display
	if d, ok := h.displays[c.Slug]; ok {
		if d.Connections > 0 {
			d.Connections--
		}
		if d.Connections == 0 {
			d.Status = DisplayOffline
		}
		snapshot = *d
	}
	h.mu.Unlock()

	if snapshot.Slug != "" {
		h.persist(snapshot)
	}
	h.audit.Log(AuditEvent{Actor: "display:" + c.Slug, DisplaySlug: c.Slug, Kind: "display_disconnected",
		Meta: map[string]any{"conn_id": c.ID}})
}

func (h *Hub) joinLocked(group string, c *DisplayConn) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*DisplayConn]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leaveLocked(group string, c *DisplayConn) {
	members := h.groups[group]
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// broadcast sends msg to every socket in group and returns how many accepted it.
func (h *Hub) broadcast(group, cmd string, msg any) int {
	h.mu.RLock()
	conns := make([]*DisplayConn, 0, len(h.groups[group]))
	for c := range h.groups[group] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			h.log.Warn().Err(err).Str("display_slug", c.Slug).Str("cmd", cmd).Msg("send to display failed")
			continue
		}
		sent++
	}
	h.metrics.CommandSent(cmd, sent)
	return sent
}

func (h *Hub) touch(slug string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.displays[slug]; ok {
		d.LastSeenMS = h.cfg.Now().UnixMilli()
		d.Status = DisplayOnline
	}
}

func (h *Hub) recordSkew(slug string, skew float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.displays[slug]; ok {
		d.ClockSkewMS = &skew
	}
}

func (h *Hub) recordLatency(slug string, rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.displays[slug]; ok {
		d.LatencyMS = &ms
	}
}

func (h *Hub) persist(d Display) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.Upsert(ctx, d.record()); err != nil {
		h.log.Error().Err(err).Str("display_slug", d.Slug).Msg("persist display status failed")
	}
}

// Reload asks every socket of display slug to reload.
func (h *Hub) Reload(slug string, delayed bool, actor string) (int, error) {
	n := h.broadcast(DisplayGroup(slug), protocol.CmdReload, protocol.NewReload(delayed))
	h.audit.Log(AuditEvent{Actor: actor, DisplaySlug: slug, Kind: "reload",
		Meta: map[string]any{"delayed": delayed, "sockets": n}})
	if n == 0 {
		return 0, ErrDisplayOffline
	}
	h.log.Info().Str("display_slug", slug).Bool("delayed", delayed).Int("sockets", n).Msg("reload sent")
	return n, nil
}

// ReloadAll asks every connected display to reload.
func (h *Hub) ReloadAll(delayed bool, actor string) int {
	n := h.broadcast(GroupAll, protocol.CmdReload, protocol.NewReload(delayed))
	h.audit.Log(AuditEvent{Actor: actor, Kind: "reload_all",
		Meta: map[string]any{"delayed": delayed, "sockets": n}})
	h.log.Info().Bool("delayed", delayed).Int("sockets", n).Msg("reload sent to all displays")
	return n
}

// Sweep marks displays offline that were not heard from within OfflineAfter and
// writes the current status of every display to the store.
func (h *Hub) Sweep() {
	now := h.cfg.Now()
	h.mu.Lock()
	snapshots := make([]Display, 0, len(h.displays))
	for _, d := range h.displays {
		if d.Status == DisplayOnline && now.Sub(time.UnixMilli(d.LastSeenMS)) > h.cfg.OfflineAfter {
			d.Status = DisplayOffline
			h.log.Warn().Str("display_slug", d.Slug).Msg("display went silent, marking offline")
		}
		snapshots = append(snapshots, *d)
	}
	h.mu.Unlock()
	for _, d := range snapshots {
		h.persist(d)
	}
}

func (h *Hub) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = h.cfg.OfflineAfter / 2
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.Sweep()
		}
	}
}

func (h *Hub) Displays() []Display {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Display, 0, len(h.displays))
	for _, d := range h.displays {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (h *Hub) Display(slug string) (Display, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.displays[slug]
	if !ok {
		return Display{}, false
	}
	return *d, true
}

// DisplayMetrics implements metrics.Source.
func (h *Hub) DisplayMetrics() []metrics.Display {
	displays := h.Displays()
	out := make([]metrics.Display, 0, len(displays))
	for _, d := range displays {
		out = append(out, metrics.Display{
			Slug:     d.Slug,
			Online:   d.Status == DisplayOnline,
			OffsetMS: d.ClockSkewMS,
		})
	}
	return out
}

// Close drops every display socket.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*DisplayConn, 0, len(h.groups[GroupAll]))
	for c := range h.groups[GroupAll] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
