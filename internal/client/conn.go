package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendQueueSize = 64

// conn is one live socket. Everything that belongs to it stops when closed is closed.
type conn struct {
	ws           *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	once         sync.Once
	writeTimeout time.Duration

	mu  sync.Mutex
	err error
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, sendQueueSize),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// enqueue hands data to the writer without blocking.
func (cn *conn) enqueue(data []byte) bool {
	select {
	case <-cn.closed:
		return false
	default:
	}
	select {
	case cn.send <- data:
		return true
	case <-cn.closed:
		return false
	default:
		return false
	}
}

func (cn *conn) writeLoop() {
	for {
		select {
		case <-cn.closed:
			return
		case data := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(cn.writeTimeout))
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				cn.close(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (cn *conn) close(err error) {
	cn.once.Do(func() {
		cn.mu.Lock()
		cn.err = err
		cn.mu.Unlock()
		close(cn.closed)
		_ = cn.ws.Close()
	})
}

func (cn *conn) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutting down")
	_ = cn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	cn.close(nil)
}

func (cn *conn) failure() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.err == nil {
		return errors.New("connection closed")
	}
	return cn.err
}
