package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scientress/c3ds/internal/protocol"
)

type recordingReloader struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingReloader) Reload(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recordingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// displayServer accepts display sockets and hands each one to serve.
type displayServer struct {
	*httptest.Server

	mu        sync.Mutex
	active    int
	maxActive int
	total     int
	paths     []string
}

func newDisplayServer(t *testing.T, serve func(ws *websocket.Conn)) *displayServer {
	t.Helper()
	ds := &displayServer{}
	upgrader := websocket.Upgrader{}
	ds.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ds.mu.Lock()
		ds.active++
		ds.total++
		if ds.active > ds.maxActive {
			ds.maxActive = ds.active
		}
		ds.paths = append(ds.paths, r.URL.Path)
		ds.mu.Unlock()
		defer func() {
			ds.mu.Lock()
			ds.active--
			ds.mu.Unlock()
			_ = ws.Close()
		}()
		serve(ws)
	}))
	t.Cleanup(ds.Close)
	return ds
}

func (ds *displayServer) stats() (total, maxActive int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.total, ds.maxActive
}

func newTestClient(t *testing.T, baseURL string, reloader Reloader, mutate func(*Config), opts ...Option) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:         baseURL,
		DisplaySlug:     "lobby",
		ReconnectBase:   20 * time.Millisecond,
		ReconnectJitter: 20 * time.Millisecond,
		HeartbeatEvery:  time.Hour,
		ReloadSpread:    200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, reloader, opts...)
	require.NoError(t, err)
	return c
}

func runClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return cancel
}

func mustParse(t *testing.T, frame string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Parse([]byte(frame), 1)
	require.NoError(t, err)
	return env
}

func TestNewRequiresDisplaySlug(t *testing.T) {
	for _, slug := range []string{"", "   "} {
		c, err := New(Config{BaseURL: "https://signage.example.org", DisplaySlug: slug}, &recordingReloader{})
		require.ErrorIs(t, err, ErrMissingSlug)
		assert.Nil(t, c)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://signage.example.org", DisplaySlug: "lobby"}, &recordingReloader{})
	require.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		slug    string
		want    string
		wantErr bool
	}{
		{name: "https page", base: "https://signage.example.org/d/lobby/", slug: "lobby", want: "wss://signage.example.org/ws/display/lobby/"},
		{name: "http page with port", base: "http://127.0.0.1:8000", slug: "hall-a", want: "ws://127.0.0.1:8000/ws/display/hall-a/"},
		{name: "ws passthrough", base: "ws://example.org", slug: "x", want: "ws://example.org/ws/display/x/"},
		{name: "query dropped", base: "https://example.org/?a=1#frag", slug: "x", want: "wss://example.org/ws/display/x/"},
		{name: "slug escaped", base: "https://example.org", slug: "a b", want: "wss://example.org/ws/display/a%20b/"},
		{name: "no host", base: "https:///path", slug: "x", wantErr: true},
		{name: "bad scheme", base: "file:///tmp", slug: "x", wantErr: true},
		{name: "empty", base: "", slug: "x", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EndpointURL(tc.base, tc.slug)
			if tc.wantErr {
				require.Error(t, err, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	c, err := New(Config{BaseURL: "http://example.org", DisplaySlug: "lobby"}, &recordingReloader{}, WithRandom(func() float64 { return 0 }))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.reconnectDelay())

	c.random = func() float64 { return 0.9999 }
	d := c.reconnectDelay()
	assert.GreaterOrEqual(t, d, 5*time.Second)
	assert.Less(t, d, 7*time.Second)
}

func TestRegisterCommandTwiceKeepsFirstHandler(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &recordingReloader{}, nil)

	var got []string
	require.NoError(t, c.RegisterCommand("schedule", func(*protocol.Envelope) { got = append(got, "first") }))
	err := c.RegisterCommand("schedule", func(*protocol.Envelope) { got = append(got, "second") })
	require.ErrorIs(t, err, ErrDuplicateCommand)

	c.dispatch(mustParse(t, `{"cmd":"schedule"}`))
	assert.Equal(t, []string{"first"}, got)
	assert.Equal(t, []string{"schedule"}, c.Commands())

	c.UnregisterCommand("schedule")
	c.UnregisterCommand("schedule")
	c.dispatch(mustParse(t, `{"cmd":"schedule"}`))
	assert.Equal(t, []string{"first"}, got)
	assert.Empty(t, c.Commands())
}

func TestBuiltinCommandsCannotBeRegistered(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &recordingReloader{}, nil)
	for _, name := range []string{protocol.CmdReload, protocol.CmdPong} {
		err := c.RegisterCommand(name, func(*protocol.Envelope) {})
		require.ErrorIs(t, err, ErrReservedCommand, name)
	}
	require.Error(t, c.RegisterCommand("", func(*protocol.Envelope) {}))
	require.Error(t, c.RegisterCommand("x", nil))
}

func TestDispatchSurvivesUnknownCommandAndPanickingHandler(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &recordingReloader{}, nil)
	require.NoError(t, c.RegisterCommand("boom", func(*protocol.Envelope) { panic("broken handler") }))

	assert.NotPanics(t, func() {
		c.dispatch(mustParse(t, `{"cmd":"does-not-exist"}`))
		c.dispatch(mustParse(t, `{"cmd":"boom"}`))
	})
}

func TestImmediateReloadIsSynchronous(t *testing.T) {
	reloader := &recordingReloader{}
	c := newTestClient(t, "http://127.0.0.1:1", reloader, nil)

	c.dispatch(mustParse(t, `{"cmd":"reload"}`))
	assert.Equal(t, 1, reloader.count())
}

func TestDelayedReloadIsNeverSynchronous(t *testing.T) {
	reloader := &recordingReloader{}
	c := newTestClient(t, "http://127.0.0.1:1", reloader, nil, WithRandom(func() float64 { return 0.5 }))

	start := time.Now()
	c.dispatch(mustParse(t, `{"cmd":"reload","delayed":true}`))
	assert.Equal(t, 0, reloader.count())

	require.Eventually(t, func() bool { return reloader.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestDelayedReloadWithZeroDelayStillDeferred(t *testing.T) {
	reloader := &recordingReloader{}
	c := newTestClient(t, "http://127.0.0.1:1", reloader, nil, WithRandom(func() float64 { return 0 }))

	c.dispatch(mustParse(t, `{"cmd":"reload","delayed":true}`))
	assert.Equal(t, 0, reloader.count())
	require.Eventually(t, func() bool { return reloader.count() == 1 }, time.Second, time.Millisecond)
}

func TestPongResetsUnansweredPings(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &recordingReloader{}, nil)
	for i := 0; i < 5; i++ {
		c.hb.tick()
	}
	assert.Equal(t, 5, c.UnansweredPings())

	c.dispatch(mustParse(t, `{"cmd":"pong"}`))
	assert.Equal(t, 0, c.UnansweredPings())
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	frames := make(chan string, 64)
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	})
	c := newTestClient(t, srv.URL, &recordingReloader{}, func(cfg *Config) {
		cfg.HeartbeatEvery = 20 * time.Millisecond
	})

	assert.NotPanics(t, func() {
		assert.False(t, c.Send(protocol.Simple{Cmd: "stale"}))
	})
	assert.Equal(t, StateDisconnected, c.State())

	runClient(t, c)

	deadline := time.After(300 * time.Millisecond)
	var seen []string
	for done := false; !done; {
		select {
		case f := <-frames:
			var env struct {
				Cmd string `json:"cmd"`
			}
			require.NoError(t, json.Unmarshal([]byte(f), &env))
			seen = append(seen, env.Cmd)
		case <-deadline:
			done = true
		}
	}
	assert.Contains(t, seen, protocol.CmdPing)
	assert.NotContains(t, seen, "stale")
}

func TestInboundEnvelopesAreOrderedAndStamped(t *testing.T) {
	const n = 20
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		for i := 0; i < n; i++ {
			if i == n/2 {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{not json`))
			}
			_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"cmd":"tick","payload":"%d"}`, i)))
		}
		_, _, _ = ws.ReadMessage()
	})
	c := newTestClient(t, srv.URL, &recordingReloader{}, nil)

	var mu sync.Mutex
	var payloads []string
	var stamps []float64
	require.NoError(t, c.RegisterCommand("tick", func(env *protocol.Envelope) {
		mu.Lock()
		payloads = append(payloads, env.Payload)
		stamps = append(stamps, env.ReceiveTimestamp())
		mu.Unlock()
	}))
	runClient(t, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == n
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), payloads[i])
		assert.Greater(t, stamps[i], 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, stamps[i], stamps[i-1])
		}
	}
}

func TestReconnectKeepsAtMostOneSocket(t *testing.T) {
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		time.Sleep(10 * time.Millisecond)
	})
	c := newTestClient(t, srv.URL, &recordingReloader{}, nil)
	runClient(t, c)

	require.Eventually(t, func() bool {
		total, _ := srv.stats()
		return total >= 4
	}, 5*time.Second, 5*time.Millisecond)

	_, maxActive := srv.stats()
	assert.Equal(t, 1, maxActive)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, p := range srv.paths {
		assert.Equal(t, "/ws/display/lobby/", p)
	}
}

func TestReconnectAfterServerRefusesConnections(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, &recordingReloader{}, nil)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestHeartbeatKeptAliveByPong(t *testing.T) {
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Cmd string `json:"cmd"`
			}
			if json.Unmarshal(data, &env) == nil && env.Cmd == protocol.CmdPing {
				_ = ws.WriteJSON(protocol.Pong())
			}
		}
	})
	reloader := &recordingReloader{}
	c := newTestClient(t, srv.URL, reloader, func(cfg *Config) {
		cfg.HeartbeatEvery = 10 * time.Millisecond
		cfg.MaxUnansweredPings = 3
	})
	runClient(t, c)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, reloader.count())
	assert.LessOrEqual(t, c.UnansweredPings(), 2)
}

func TestSilentServerTriggersReload(t *testing.T) {
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	reloader := &recordingReloader{}
	c := newTestClient(t, srv.URL, reloader, func(cfg *Config) {
		cfg.HeartbeatEvery = 10 * time.Millisecond
		cfg.MaxUnansweredPings = 3
	})
	runClient(t, c)

	require.Eventually(t, func() bool { return reloader.count() > 0 }, 3*time.Second, 5*time.Millisecond)
	reloader.mu.Lock()
	assert.Equal(t, "heartbeat timeout", reloader.reasons[0])
	reloader.mu.Unlock()
}

func TestConnectHooksAreScopedToTheSocket(t *testing.T) {
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		time.Sleep(30 * time.Millisecond)
	})
	c := newTestClient(t, srv.URL, &recordingReloader{}, nil)

	var mu sync.Mutex
	started, stopped := 0, 0
	c.OnConnect(func(ctx context.Context) {
		mu.Lock()
		started++
		mu.Unlock()
		<-ctx.Done()
		mu.Lock()
		stopped++
		mu.Unlock()
	})
	runClient(t, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started >= 3 && stopped >= 2
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, started-stopped, 1)
	mu.Unlock()
}

func TestRunTwiceIsRejected(t *testing.T) {
	srv := newDisplayServer(t, func(ws *websocket.Conn) {
		_, _, _ = ws.ReadMessage()
	})
	c := newTestClient(t, srv.URL, &recordingReloader{}, nil)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateOpen }, 3*time.Second, 5*time.Millisecond)
	require.Error(t, c.Run(context.Background()))
}
