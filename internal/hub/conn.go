package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("display connection closed")

// DisplayConn is one socket of a display. A display may hold several, e.g. while a
// stale socket is still timing out.
type DisplayConn struct {
	ID     string
	Slug   string
	Remote string

	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	writeTimeout time.Duration
	pingEvery    time.Duration
	onPong       func(rtt time.Duration)
}

func newDisplayConn(ws *websocket.Conn, slug, remote string) *DisplayConn {
	return &DisplayConn{
		ID:           uuid.NewString(),
		Slug:         slug,
		Remote:       remote,
		conn:         ws,
		send:         make(chan []byte, 128),
		closed:       make(chan struct{}),
		writeTimeout: 10 * time.Second,
	}
}

// Send queues msg. It fails once the connection is closed and drops msg when the
// queue is full instead of stalling the hub.
func (c *DisplayConn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		return errors.New("display send queue full")
	}
}

func (c *DisplayConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *DisplayConn) writeLoop() {
	var pings <-chan time.Time
	if c.pingEvery > 0 {
		t := time.NewTicker(c.pingEvery)
		defer t.Stop()
		pings = t.C
	}
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-pings:
			stamp, _ := time.Now().MarshalBinary()
			if err := c.conn.WriteControl(websocket.PingMessage, stamp, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// handlePong measures the round trip of a control ping sent by writeLoop.
func (c *DisplayConn) handlePong(payload string) error {
	var sent time.Time
	if err := sent.UnmarshalBinary([]byte(payload)); err != nil {
		return nil
	}
	if c.onPong != nil {
		c.onPong(time.Since(sent))
	}
	return nil
}
