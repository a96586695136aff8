// Package transport provides the byte-level connections to the external agent
// process. A Conn carries whole JSON messages; framing is the transport's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/agentxen/internal/config"
	"go.uber.org/zap"
)

// ErrClosed is returned by ReadMessage and WriteMessage after the connection
// has been closed locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional message stream to the agent. ReadMessage is called
// from a single goroutine; WriteMessage may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer establishes a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// NewDialer builds the dialer selected by cfg.Transport.
func NewDialer(logger *zap.Logger, cfg config.ChannelConfig) (Dialer, error) {
	switch strings.ToLower(cfg.Transport) {
	case config.TransportNative:
		return NewNativeDialer(logger, cfg.Native), nil
	case config.TransportWebSocket:
		return NewWebSocketDialer(logger, cfg.WebSocket), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}
