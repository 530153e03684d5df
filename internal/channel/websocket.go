package channel

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is the transport seam the manager speaks through. Production
// code dials a websocket; tests plug in an in-memory fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens one transport connection to the stream endpoint.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

// Dial is the production Dialer.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
