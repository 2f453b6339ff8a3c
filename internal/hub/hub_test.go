package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scientress/c3ds/internal/metrics"
	"github.com/scientress/c3ds/internal/protocol"
	"github.com/scientress/c3ds/internal/store"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	hub   *Hub
	clock *fixedClock
	srv   *httptest.Server
	audit string
	store *store.Store
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	clk := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := Config{OfflineAfter: time.Minute, ExecTimeout: 2 * time.Second, Now: clk.Now}
	if mutate != nil {
		mutate(&cfg)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "c3ds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLogger(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	h := New(cfg, st, audit, metrics.New())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/display/"), "/")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(ws, slug, r.RemoteAddr)
	}))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &testEnv{hub: h, clock: clk, srv: srv, audit: auditPath, store: st}
}

func (e *testEnv) dial(t *testing.T, slug string) *websocket.Conn {
	t.Helper()
	before, _ := e.hub.Display(slug)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/display/" + slug + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool {
		d, ok := e.hub.Display(slug)
		return ok && d.Status == DisplayOnline && d.Connections > before.Connections
	}, 2*time.Second, 5*time.Millisecond)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(frame, 0)
	require.NoError(t, err)
	return env
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	e := newTestEnv(t, nil)
	ws := e.dial(t, "saal-1")

	require.NoError(t, ws.WriteJSON(protocol.Ping()))
	assert.Equal(t, protocol.CmdPong, readEnvelope(t, ws).Cmd)
}

func TestNTPRequestIsAnsweredAndSkewRecorded(t *testing.T) {
	e := newTestEnv(t, nil)
	ws := e.dial(t, "saal-1")

	serverNow := e.clock.Now().UnixMilli()
	require.NoError(t, ws.WriteJSON(protocol.NTPRequest{
		Cmd:            protocol.CmdNTPRequest,
		LocalClockTime: serverNow + 1500,
		SendTimestamp:  1234.5,
	}))

	var resp protocol.NTPResponse
	require.NoError(t, readEnvelope(t, ws).Decode(&resp))
	assert.Equal(t, protocol.CmdNTPResponse, resp.Cmd)
	assert.Equal(t, 1234.5, resp.ClientSendTimestamp)
	assert.Equal(t, serverNow, resp.ServerTime)

	d, ok := e.hub.Display("saal-1")
	require.True(t, ok)
	require.NotNil(t, d.ClockSkewMS)
	assert.Equal(t, 1500.0, *d.ClockSkewMS)

	m := e.hub.DisplayMetrics()
	require.Len(t, m, 1)
	assert.True(t, m[0].Online)
	assert.Equal(t, 1500.0, *m[0].OffsetMS)
}

func TestReloadTargetsOneDisplay(t *testing.T) {
	e := newTestEnv(t, nil)
	saal := e.dial(t, "saal-1")
	lobby := e.dial(t, "lobby")

	n, err := e.hub.Reload("saal-1", true, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	env := readEnvelope(t, saal)
	assert.Equal(t, protocol.CmdReload, env.Cmd)
	assert.True(t, env.Delayed)

	// lobby got nothing: the next frame it sees is the pong to its own ping
	require.NoError(t, lobby.WriteJSON(protocol.Ping()))
	assert.Equal(t, protocol.CmdPong, readEnvelope(t, lobby).Cmd)

	_, err = e.hub.Reload("nobody", false, "test")
	require.ErrorIs(t, err, ErrDisplayOffline)
}

func TestReloadAllReachesEverySocket(t *testing.T) {
	e := newTestEnv(t, nil)
	socks := []*websocket.Conn{e.dial(t, "saal-1"), e.dial(t, "saal-2"), e.dial(t, "saal-2")}

	assert.Equal(t, 3, e.hub.ReloadAll(false, "test"))
	for _, ws := range socks {
		env := readEnvelope(t, ws)
		assert.Equal(t, protocol.CmdReload, env.Cmd)
		assert.False(t, env.Delayed)
	}
	d, _ := e.hub.Display("saal-2")
	assert.Equal(t, 2, d.Connections)
}

// answerExec plays the display side of one exec round trip.
func answerExec(t *testing.T, ws *websocket.Conn, result any, errMsg *string) {
	t.Helper()
	env := readEnvelope(t, ws)
	require.True(t, env.HasID())
	resCmd, ok := protocol.ResultCommand(env.Cmd)
	require.True(t, ok)
	end := 20.0
	res := protocol.ExecResult{Cmd: resCmd, ID: *env.ID, ReqCmd: env.Payload, Result: result, Error: errMsg, PStart: 10}
	if errMsg == nil {
		res.PEnd = &end
	}
	require.NoError(t, ws.WriteJSON(res))
}

func TestExecRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	ws := e.dial(t, "saal-1")

	go answerExec(t, ws, "v1.2.3", nil)
	res, err := e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: ExecDiagnostics, Code: "version"}, "api:test")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", res.Result)
	assert.Nil(t, res.Error)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Positive(t, res.ID)
	require.NotNil(t, res.PEnd)
	assert.Equal(t, 20.0, *res.PEnd)

	msg := "exit status 1"
	go answerExec(t, ws, nil, &msg)
	res2, err := e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: ExecShell, Code: "false"}, "api:test")
	require.NoError(t, err)
	require.NotNil(t, res2.Error)
	assert.Equal(t, msg, *res2.Error)
	assert.Greater(t, res2.ID, res.ID, "ids are allocated from a counter")

	d, _ := e.hub.Display("saal-1")
	assert.NotZero(t, d.LastExecMS)

	lines := readAudit(t, e.audit)
	kinds := map[string]int{}
	for _, ev := range lines {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 2, kinds["exec_request"])
	assert.Equal(t, 2, kinds["exec_result"])
	assert.Equal(t, 1, kinds["display_connected"])
}

func TestExecFailures(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.ExecTimeout = 50 * time.Millisecond })
	ws := e.dial(t, "saal-1")

	_, err := e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: "eval", Code: "1"}, "t")
	require.ErrorIs(t, err, ErrUnknownExecKind)

	_, err = e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: ExecShell, Code: " "}, "t")
	require.ErrorIs(t, err, ErrEmptyExecCode)

	_, err = e.hub.Exec(context.Background(), "lobby", ExecRequest{Kind: ExecShell, Code: "id"}, "t")
	require.ErrorIs(t, err, ErrDisplayOffline)

	_, err = e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: ExecShell, Code: "sleep 10"}, "t")
	require.ErrorIs(t, err, ErrExecTimeout)

	// a late answer for the timed out request is dropped without harm
	env := readEnvelope(t, ws)
	require.NoError(t, ws.WriteJSON(protocol.ExecResult{Cmd: protocol.CmdRemoteShellResult, ID: *env.ID, PStart: 1}))
	require.NoError(t, ws.WriteJSON(protocol.Ping()))
	assert.Equal(t, protocol.CmdPong, readEnvelope(t, ws).Cmd)
}

func TestResultFromOtherDisplayIsIgnored(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.ExecTimeout = 200 * time.Millisecond })
	saal := e.dial(t, "saal-1")
	lobby := e.dial(t, "lobby")

	go func() {
		env := readEnvelope(t, saal)
		_ = lobby.WriteJSON(protocol.ExecResult{Cmd: protocol.CmdDiagnosticsResult, ID: *env.ID, Result: "forged"})
	}()
	_, err := e.hub.Exec(context.Background(), "saal-1", ExecRequest{Kind: ExecDiagnostics, Code: "state"}, "t")
	require.ErrorIs(t, err, ErrExecTimeout)
}

func TestDisconnectAndSweep(t *testing.T) {
	e := newTestEnv(t, nil)
	ws := e.dial(t, "saal-1")
	e.dial(t, "lobby")

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		d, _ := e.hub.Display("saal-1")
		return d.Status == DisplayOffline && d.Connections == 0
	}, 2*time.Second, 5*time.Millisecond)

	e.clock.advance(2 * time.Minute)
	e.hub.Sweep()
	d, _ := e.hub.Display("lobby")
	assert.Equal(t, DisplayOffline, d.Status, "silent display is marked offline")

	records, err := e.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.False(t, r.Online)
	}
}

func TestLoadRestoresDisplaysOffline(t *testing.T) {
	e := newTestEnv(t, nil)
	skew := 12.0
	require.NoError(t, e.store.Upsert(context.Background(), store.Display{
		Slug: "saal-3", FirstSeenMS: 1, LastSeenMS: 2, Online: true, ClockSkewMS: &skew, Connections: 1,
	}))

	require.NoError(t, e.hub.Load(context.Background()))
	d, ok := e.hub.Display("saal-3")
	require.True(t, ok)
	assert.Equal(t, DisplayOffline, d.Status)
	assert.Equal(t, 0, d.Connections)
	require.NotNil(t, d.ClockSkewMS)
	assert.Equal(t, 12.0, *d.ClockSkewMS)
}

func TestControlPingMeasuresLatency(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.PingEvery = 10 * time.Millisecond })
	ws := e.dial(t, "saal-1")

	// the default ping handler only answers while the client reads
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		d, _ := e.hub.Display("saal-1")
		return d.LatencyMS != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedAndUnknownFramesKeepSocketOpen(t *testing.T) {
	e := newTestEnv(t, nil)
	ws := e.dial(t, "saal-1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, ws.WriteJSON(map[string]any{"cmd": "video", "src": "intro.mp4"}))
	require.NoError(t, ws.WriteJSON(protocol.Ping()))
	assert.Equal(t, protocol.CmdPong, readEnvelope(t, ws).Cmd)
}

func readAudit(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.NotZero(t, ev.TsMS)
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(2, time.Minute)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.True(t, r.Allow("b"))

	now = now.Add(time.Minute)
	assert.True(t, r.Allow("a"))

	now = now.Add(2 * time.Minute)
	r.Prune()
	assert.Empty(t, r.buckets)

	assert.True(t, NewRateLimiter(0, 0).Allow("x"), "zero limit disables limiting")
}

func TestNilAuditLogger(t *testing.T) {
	var a *AuditLogger
	assert.NotPanics(t, func() { a.Log(AuditEvent{Kind: "x"}) })
	assert.NoError(t, a.Close())

	empty, err := NewAuditLogger("")
	require.NoError(t, err)
	assert.NotPanics(t, func() { empty.Log(AuditEvent{Kind: "x"}) })
}
