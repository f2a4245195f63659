package terminal

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
)

// Close codes sent when a channel is refused or ended by the server.
const (
	CloseBadToken        = 4001
	CloseUnknownSession  = 4004
	CloseAlreadyAttached = 4409
	CloseShuttingDown    = 4503
)

// Conn is the client channel a Bridge drives. Read returns binary=true for
// raw input frames.
type Conn interface {
	Read(ctx context.Context) (binary bool, data []byte, err error)
	Write(ctx context.Context, msg Outbound) error
	Close(code int, reason string) error
}

// WSConn adapts a coder/websocket connection to Conn.
type WSConn struct {
	c *websocket.Conn
}

// NewWSConn wraps an accepted WebSocket and applies the frame size limit.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadLimit(MaxFrameSize)
	return &WSConn{c: c}
}

func (w *WSConn) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return false, nil, err
	}
	return typ == websocket.MessageBinary, data, nil
}

func (w *WSConn) Write(ctx context.Context, msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *WSConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}
