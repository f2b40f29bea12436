package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 32
	writeWait      = 10 * time.Second
)

var errSendBufferFull = errors.New("server: send buffer full")

// frame is one queued outbound websocket message.
type frame struct {
	msgType int
	payload []byte
}

// wsConn adapts a gorilla websocket connection to the registry's
// transport interface. All writes go through a single pump goroutine
// because the underlying connection allows only one writer.
type wsConn struct {
	ws   *websocket.Conn
	send chan frame
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		send: make(chan frame, sendBufferSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues a text frame. A full buffer means the reader is not
// keeping up; the caller treats that as a delivery failure.
func (c *wsConn) Send(payload []byte) error {
	return c.enqueue(frame{msgType: websocket.TextMessage, payload: payload})
}

// Ping queues a ping control frame.
func (c *wsConn) Ping() error {
	return c.enqueue(frame{msgType: websocket.PingMessage})
}

func (c *wsConn) enqueue(f frame) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close sends a close frame with the given status code, then tears
// the connection down. Safe to call more than once.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.msgType, f.payload); err != nil {
				return
			}
		}
	}
}
