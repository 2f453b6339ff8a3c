// Package clocksync estimates the offset between the local wall clock and the control
// server's wall clock from NTPRequest/NTPResponse round trips over the display socket.
//
// Each accepted sample replaces the previous estimate. The computation assumes the
// request and response legs take equally long.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/client"
	"github.com/scientress/c3ds/internal/clock"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/protocol"
)

const DefaultInterval = 10 * time.Second

var ErrInvalidResponse = errors.New("invalid NTP response")

// Conn is the part of the display client the engine needs.
type Conn interface {
	Send(msg any) bool
	RegisterCommand(name string, h client.Handler) error
	UnregisterCommand(name string)
}

// clockSource is implemented by connections that stamp envelopes with their own
// clock, like *client.Client.
type clockSource interface {
	Clock() clock.Clock
}

// Sample is one accepted estimate, in milliseconds.
type Sample struct {
	Offset  float64
	Latency float64
	At      time.Time
}

type Engine struct {
	conn     Conn
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	sample Sample
	ok     bool
}

// New registers the engine's NTPResponse handler on conn. A nil clk means the
// clock conn stamps envelopes with, so send and receive timestamps share an origin.
func New(conn Conn, clk clock.Clock, interval time.Duration) (*Engine, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = connClock(conn)
	}
	e := &Engine{
		conn:     conn,
		clock:    clk,
		interval: interval,
		log:      logging.Component("clocksync"),
	}
	if err := conn.RegisterCommand(protocol.CmdNTPResponse, e.HandleResponse); err != nil {
		return nil, fmt.Errorf("clocksync: %w", err)
	}
	return e, nil
}

func connClock(conn Conn) clock.Clock {
	if src, ok := conn.(clockSource); ok && src.Clock() != nil {
		return src.Clock()
	}
	return clock.System()
}

func (e *Engine) Close() {
	e.conn.UnregisterCommand(protocol.CmdNTPResponse)
}

// Run sends a request right away and then every interval until ctx is done. It is
// meant to be started once per open socket.
func (e *Engine) Run(ctx context.Context) {
	e.SendRequest()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SendRequest()
		}
	}
}

func (e *Engine) SendRequest() bool {
	return e.conn.Send(protocol.NTPRequest{
		Cmd:            protocol.CmdNTPRequest,
		LocalClockTime: e.clock.Now().UnixMilli(),
		SendTimestamp:  e.clock.Mono(),
	})
}

type ntpResponse struct {
	ClientSendTimestamp *float64 `json:"clientSendTimestamp"`
	ServerTime          *float64 `json:"serverTime"`
}

// HandleResponse turns an NTPResponse into a new sample. Invalid responses leave the
// current estimate untouched.
func (e *Engine) HandleResponse(env *protocol.Envelope) {
	sample, err := e.compute(env)
	if err != nil {
		e.log.Error().Err(err).Str("frame", string(env.Raw)).Msg("rejecting NTP response")
		return
	}
	e.mu.Lock()
	e.sample = sample
	e.ok = true
	e.mu.Unlock()
	e.log.Info().
		Float64("offset_ms", sample.Offset).
		Float64("round_trip_ms", sample.Latency).
		Msg("clock sync sample")
}

func (e *Engine) compute(env *protocol.Envelope) (Sample, error) {
	var resp ntpResponse
	if err := env.Decode(&resp); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.ClientSendTimestamp == nil || *resp.ClientSendTimestamp == 0 {
		return Sample{}, fmt.Errorf("%w: missing clientSendTimestamp", ErrInvalidResponse)
	}
	if resp.ServerTime == nil || *resp.ServerTime == 0 {
		return Sample{}, fmt.Errorf("%w: missing serverTime", ErrInvalidResponse)
	}
	received := env.ReceiveTimestamp()
	roundTrip := received - *resp.ClientSendTimestamp
	processing := e.clock.Mono() - received
	now := e.clock.Now()
	offset := clock.UnixMilli(now) - (*resp.ServerTime + roundTrip/2 + processing)
	return Sample{Offset: offset, Latency: roundTrip, At: now}, nil
}

func (e *Engine) Sample() (Sample, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sample, e.ok
}

// Offset is local minus server time in milliseconds.
func (e *Engine) Offset() (float64, bool) {
	s, ok := e.Sample()
	return s.Offset, ok
}

// Latency is the round trip of the last accepted sample in milliseconds.
func (e *Engine) Latency() (float64, bool) {
	s, ok := e.Sample()
	return s.Latency, ok
}

// AdjustedTime is the local wall clock corrected by the last offset, or the plain local
// wall clock when no sample was accepted yet.
func (e *Engine) AdjustedTime() time.Time {
	now := e.clock.Now()
	offset, ok := e.Offset()
	if !ok {
		return now
	}
	return now.Add(-time.Duration(offset * float64(time.Millisecond)))
}
