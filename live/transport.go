package live

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// Conn is one live connection. ReadFrame is only called from a single goroutine, WriteFrame is
// serialised by the Channel, Close may be called at any time and must unblock ReadFrame.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a new Conn. Dial must return promptly when ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

const DefaultHandshakeTimeout = 10 * time.Second

// WSDialer dials the chat server's websocket endpoint.
type WSDialer struct {
	URL         string
	AccessToken string
	// Optional, defaults to a dialer with DefaultHandshakeTimeout.
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		}
	}
	header := http.Header{}
	if d.AccessToken != "" {
		header.Set("Authorization", "Bearer "+d.AccessToken)
	}
	conn, res, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial for room %s: handshake returned HTTP %d: %w", roomID, res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial for room %s: %w", roomID, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
