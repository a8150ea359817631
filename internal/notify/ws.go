package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WSConn adapts a gorilla websocket connection to the bus Conn
// interface, serializing writes.
type WSConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn wraps a gorilla connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// WriteJSON writes one JSON frame under the write lock.
func (c *WSConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// Close closes the underlying websocket.
func (c *WSConn) Close() error {
	return c.ws.Close()
}
