package client

import (
	"time"

	"github.com/scientress/c3ds/internal/protocol"
)

// dispatch runs on the connection goroutine, one envelope at a time.
// reload and pong are never routed through the registry.
func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Cmd {
	case protocol.CmdReload:
		c.handleReload(env)
	case protocol.CmdPong:
		c.hb.reset()
	default:
		h, ok := c.registry.Lookup(env.Cmd)
		if !ok {
			c.log.Error().Str("cmd", env.Cmd).Msg("received unknown command")
			return
		}
		c.invoke(h, env)
	}
}

func (c *Client) invoke(h Handler, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("cmd", env.Cmd).Interface("panic", r).Msg("command handler panicked")
		}
	}()
	h(env)
}

func (c *Client) handleReload(env *protocol.Envelope) {
	if !env.Delayed {
		c.log.Warn().Msg("received reload command, reloading now")
		c.reloader.Reload("reload command")
		return
	}
	delay := time.Duration(c.random() * float64(c.cfg.ReloadSpread))
	c.log.Warn().Dur("delay", delay).Msg("received delayed reload command")
	time.AfterFunc(delay, func() {
		c.reloader.Reload("delayed reload command")
	})
}
