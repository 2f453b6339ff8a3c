package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/clock"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/protocol"
)

var ErrMissingSlug = errors.New("display slug missing")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reloader restarts the display from scratch.
type Reloader interface {
	Reload(reason string)
}

type Config struct {
	BaseURL       string
	DisplaySlug   string
	Token         string
	TLSSkipVerify bool

	ReconnectBase      time.Duration
	ReconnectJitter    time.Duration
	HeartbeatEvery     time.Duration
	MaxUnansweredPings int
	ReloadSpread       time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectJitter <= 0 {
		cfg.ReconnectJitter = 2 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	if cfg.MaxUnansweredPings <= 0 {
		cfg.MaxUnansweredPings = 30
	}
	if cfg.ReloadSpread <= 0 {
		cfg.ReloadSpread = 20 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
}

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRandom replaces the source of uniform values in [0, 1) used for jitter.
func WithRandom(f func() float64) Option {
	return func(c *Client) {
		if f != nil {
			c.random = f
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Client keeps one socket to the control server open, forever.
type Client struct {
	cfg      Config
	endpoint string
	reloader Reloader
	clock    clock.Clock
	random   func() float64
	dialer   *websocket.Dialer
	registry *Registry
	hb       *heartbeat
	log      zerolog.Logger

	state atomic.Int32

	mu      sync.Mutex
	conn    *conn
	hooks   []func(ctx context.Context)
	running bool
}

func New(cfg Config, reloader Reloader, opts ...Option) (*Client, error) {
	cfg.DisplaySlug = strings.TrimSpace(cfg.DisplaySlug)
	if cfg.DisplaySlug == "" {
		return nil, ErrMissingSlug
	}
	if reloader == nil {
		return nil, errors.New("reloader required")
	}
	endpoint, err := EndpointURL(cfg.BaseURL, cfg.DisplaySlug)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		reloader: reloader,
		clock:    clock.System(),
		random:   rand.Float64,
		registry: NewRegistry(),
		log:      logging.Component("client").With().Str("display_slug", cfg.DisplaySlug).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
		if cfg.TLSSkipVerify {
			c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}
	c.hb = &heartbeat{
		max:    int64(cfg.MaxUnansweredPings),
		send:   c.Send,
		reload: reloader.Reload,
		log:    logging.Component("heartbeat").With().Str("display_slug", cfg.DisplaySlug).Logger(),
	}
	return c, nil
}

func (c *Client) Endpoint() string    { return c.endpoint }
func (c *Client) DisplaySlug() string { return c.cfg.DisplaySlug }
func (c *Client) State() State        { return State(c.state.Load()) }

// Clock is the clock that stamps inbound envelopes. Anything comparing its own
// monotonic readings with receive timestamps must read this one.
func (c *Client) Clock() clock.Clock { return c.clock }

// UnansweredPings is the number of pings sent since the last pong or connect.
func (c *Client) UnansweredPings() int { return c.hb.pending() }

func (c *Client) RegisterCommand(name string, h Handler) error {
	return c.registry.Register(name, h)
}

func (c *Client) UnregisterCommand(name string) {
	c.registry.Unregister(name)
}

func (c *Client) Commands() []string {
	return c.registry.Names()
}

// OnConnect registers a producer started for every opened socket. Its context is
// cancelled when that socket closes.
func (c *Client) OnConnect(hook func(ctx context.Context)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Send encodes msg and queues it on the open socket. Without one the message is dropped.
func (c *Client) Send(msg any) bool {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil || c.State() != StateOpen {
		c.log.Debug().Msg("not connected, dropping outbound message")
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("encode outbound message")
		return false
	}
	if !cn.enqueue(data) {
		c.log.Warn().Msg("outbound message dropped")
		return false
	}
	return true
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("client already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		err := c.runOnce(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			c.log.Info().Msg("display client stopped")
			return nil
		}
		delay := c.reconnectDelay()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("display socket closed, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) reconnectDelay() time.Duration {
	return c.cfg.ReconnectBase + time.Duration(c.random()*float64(c.cfg.ReconnectJitter))
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	c.log.Info().Str("url", c.endpoint).Msg("connecting")
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	cn := newConn(ws, c.cfg.WriteTimeout)
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.detach(cn)
		cn.close(nil)
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cn.writeLoop()
	}()

	c.hb.reset()
	c.attach(cn)
	c.log.Info().Msg("display socket open")

	for _, hook := range c.connectHooks() {
		hook := hook
		wg.Add(1)
		go func() {
			defer wg.Done()
			hook(connCtx)
		}()
	}

	inbound := make(chan *protocol.Envelope)
	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(cn, inbound, readErr)
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosing)
			cn.closeGracefully()
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-cn.closed:
			return cn.failure()
		case <-ticker.C:
			c.hb.tick()
		case env := <-inbound:
			c.dispatch(env)
		}
	}
}

func (c *Client) readLoop(cn *conn, inbound chan<- *protocol.Envelope, readErr chan<- error) {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		receivedAt := c.clock.Mono()
		env, err := protocol.Parse(data, receivedAt)
		if err != nil {
			c.log.Warn().Err(err).Str("frame", truncate(data, 256)).Msg("dropping malformed frame")
			continue
		}
		select {
		case inbound <- env:
		case <-cn.closed:
			return
		}
	}
}

func (c *Client) attach(cn *conn) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.setState(StateOpen)
}

func (c *Client) detach(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) connectHooks() []func(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(([]func(ctx context.Context))(nil), c.hooks...)
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func truncate(p []byte, n int) string {
	if len(p) <= n {
		return string(p)
	}
	return string(p[:n]) + "..."
}
