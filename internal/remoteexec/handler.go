package remoteexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/client"
	"github.com/scientress/c3ds/internal/clock"
	"github.com/scientress/c3ds/internal/logging"
	"github.com/scientress/c3ds/internal/protocol"
)

type Conn interface {
	Send(msg any) bool
	RegisterCommand(name string, h client.Handler) error
	UnregisterCommand(name string)
}

// Handler serves one request command. Each request is evaluated on its own goroutine
// so a slow payload never holds up the connection's dispatch loop.
type Handler struct {
	conn      Conn
	clock     clock.Clock
	eval      Evaluator
	reqCmd    string
	resultCmd string
	log       zerolog.Logger

	wg sync.WaitGroup
}

// Register installs a handler for reqCmd, which must be one of the known request
// commands. A nil clk falls back to conn's clock when it has one.
func Register(conn Conn, clk clock.Clock, reqCmd string, eval Evaluator) (*Handler, error) {
	resultCmd, ok := protocol.ResultCommand(reqCmd)
	if !ok {
		return nil, fmt.Errorf("remoteexec: no result command for %q", reqCmd)
	}
	if eval == nil {
		eval = Disabled{}
	}
	if clk == nil {
		clk = clock.System()
		if src, ok := conn.(interface{ Clock() clock.Clock }); ok && src.Clock() != nil {
			clk = src.Clock()
		}
	}
	h := &Handler{
		conn:      conn,
		clock:     clk,
		eval:      eval,
		reqCmd:    reqCmd,
		resultCmd: resultCmd,
		log:       logging.Component("remoteexec").With().Str("cmd", reqCmd).Logger(),
	}
	if err := conn.RegisterCommand(reqCmd, h.Handle); err != nil {
		return nil, fmt.Errorf("remoteexec: %w", err)
	}
	return h, nil
}

// Handle starts evaluating env's payload. Requests without id or payload are ignored.
func (h *Handler) Handle(env *protocol.Envelope) {
	if !env.HasID() || env.Payload == "" {
		h.log.Debug().Msg("ignoring request without id or payload")
		return
	}
	id, code := *env.ID, env.Payload
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(id, code)
	}()
}

func (h *Handler) execute(id int64, code string) {
	res := protocol.ExecResult{
		Cmd:    h.resultCmd,
		ID:     id,
		ReqCmd: code,
		PStart: h.clock.Mono(),
	}
	h.log.Info().Int64("id", id).Msg("remote exec start")

	value, err := h.run(code)
	if err == nil {
		if _, merr := json.Marshal(value); merr != nil {
			err = fmt.Errorf("result is not serializable: %w", merr)
		}
	}
	if err != nil {
		msg := err.Error()
		res.Error = &msg
	} else {
		res.Result = value
		end := h.clock.Mono()
		res.PEnd = &end
	}

	ev := h.log.Info().Int64("id", id).Bool("ok", err == nil)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("remote exec finished")
	h.log.Debug().Int64("id", id).Interface("result", res.Result).Msg("remote exec result")

	if !h.conn.Send(res) {
		h.log.Warn().Int64("id", id).Msg("socket not open, result dropped")
	}
}

func (h *Handler) run(code string) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	ctx := context.Background()
	result, err := h.eval.Evaluate(ctx, code)
	if err != nil {
		return nil, err
	}
	return result.Resolve(ctx)
}

// Wait blocks until every started request has sent its result.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) Close() {
	h.conn.UnregisterCommand(h.reqCmd)
}
