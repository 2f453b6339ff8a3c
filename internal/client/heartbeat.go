package client

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/scientress/c3ds/internal/protocol"
)

// heartbeat counts pings that have not been answered by a pong. Past max the socket is
// assumed wedged and the display is reloaded instead of merely reconnected.
type heartbeat struct {
	max        int64
	unanswered atomic.Int64
	send       func(msg any) bool
	reload     func(reason string)
	log        zerolog.Logger
}

func (h *heartbeat) tick() {
	n := h.unanswered.Add(1)
	if n > h.max {
		h.log.Warn().Int64("unanswered_pings", n).Msg("no pong from control server, reloading")
		h.reload("heartbeat timeout")
		return
	}
	h.log.Trace().Int64("unanswered_pings", n).Msg("sending ping")
	h.send(protocol.Ping())
}

func (h *heartbeat) reset() {
	h.unanswered.Store(0)
}

func (h *heartbeat) pending() int {
	return int(h.unanswered.Load())
}
