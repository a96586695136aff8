package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xkilldash9x/agentxen/internal/config"
	"go.uber.org/zap"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// WebSocketDialer connects to an agent that serves a websocket endpoint.
type WebSocketDialer struct {
	logger *zap.Logger
	cfg    config.WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a WebSocketDialer.
func NewWebSocketDialer(logger *zap.Logger, cfg config.WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{
		logger: logger.Named("ws_transport"),
		cfg:    cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		},
	}
}

// Dial opens the websocket. The handshake honours ctx.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing agent at %s: %w", d.cfg.URL, err)
	}
	if d.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(d.cfg.MaxMessageSize)
	}
	d.logger.Info("Connected to agent websocket.", zap.String("url", d.cfg.URL))
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return payload, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("writing to agent websocket: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
