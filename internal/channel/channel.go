// Package channel owns the single long-lived connection to the external agent.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/transport"
	"go.uber.org/zap"
)

// State is the connection state of an AgentChannel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotConnected is returned by Send unless the channel is Connected.
var ErrNotConnected = errors.New("agent not connected")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("agent channel closed")

// TransportConnectError reports a failed connection attempt. The channel
// recovers from it by scheduling a retry.
type TransportConnectError struct {
	Err error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("connecting to agent: %v", e.Err)
}

func (e *TransportConnectError) Unwrap() error { return e.Err }

// MessageHandler receives inbound agent messages in arrival order.
type MessageHandler func(ctx context.Context, msg schemas.AgentMessage)

// Options configures an AgentChannel.
type Options struct {
	// ReconnectDelay is the fixed wait before every retry.
	ReconnectDelay time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
}

// AgentChannel manages the transport connection to the agent and reconnects
// it forever with a fixed delay. At most one connection is live and at most
// one retry is pending at any time.
type AgentChannel struct {
	logger *zap.Logger
	dialer transport.Dialer
	opts   Options

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	generation uint64 // increments per established connection
	retry      *time.Timer
	closed     bool

	listenersMu    sync.RWMutex
	onMessage      []MessageHandler
	onConnected    []func()
	onDisconnected []func()

	// readers and attempts track read loops and timer-driven connection
	// attempts so Close can wait for them.
	readers  sync.WaitGroup
	attempts sync.WaitGroup
}

// New creates an AgentChannel in the Disconnected state.
func New(logger *zap.Logger, dialer transport.Dialer, opts Options) *AgentChannel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &AgentChannel{
		logger: logger.Named("agent_channel"),
		dialer: dialer,
		opts:   opts,
		state:  Disconnected,
	}
}

// OnMessage registers a listener for inbound agent messages.
func (c *AgentChannel) OnMessage(h MessageHandler) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onMessage = append(c.onMessage, h)
}

// OnConnected registers a listener for the connected event.
func (c *AgentChannel) OnConnected(fn func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnDisconnected registers a listener for the disconnected event.
func (c *AgentChannel) OnDisconnected(fn func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// State returns the current connection state.
func (c *AgentChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is Connected.
func (c *AgentChannel) IsConnected() bool {
	return c.State() == Connected
}

// Start performs the initial connection attempt. Failures are retried in the
// background, so Start never reports a transport error.
func (c *AgentChannel) Start(ctx context.Context) {
	if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("Initial agent connection failed; retry scheduled.", zap.Error(err))
	}
}

// Connect establishes the transport. It is a no-op while Connecting or
// Connected. On failure the channel returns to Disconnected, schedules a
// retry after the fixed delay and returns a *TransportConnectError.
func (c *AgentChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	// A manual attempt supersedes any pending retry so chains never overlap.
	c.stopRetryLocked()
	c.state = Connecting
	c.mu.Unlock()

	c.logger.Info("Connecting to agent.")
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.dialer.Dial(dialCtx)
	cancel()

	c.mu.Lock()
	if err != nil {
		c.state = Disconnected
		c.scheduleRetryLocked()
		c.mu.Unlock()
		connErr := &TransportConnectError{Err: err}
		c.logger.Error("Failed to connect to agent.", zap.Error(err), zap.Duration("retry_in", c.opts.ReconnectDelay))
		return connErr
	}
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = Connected
	c.generation++
	gen := c.generation
	c.readers.Add(1)
	c.mu.Unlock()

	c.logger.Info("Connected to agent.")
	c.emit(c.connectedListeners())
	go c.readLoop(conn, gen)
	return nil
}

// Send encodes msg as JSON and forwards it to the agent.
func (c *AgentChannel) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message for agent: %w", err)
	}
	c.logger.Debug("Sending to agent.", zap.ByteString("payload", payload))
	if err := conn.WriteMessage(ctx, payload); err != nil {
		return fmt.Errorf("sending to agent: %w", err)
	}
	return nil
}

// Close tears the channel down for good: the pending retry is cancelled, the
// live connection closed and no further attempts are made. It must not be
// called from a message or event listener.
func (c *AgentChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.attempts.Wait()
	c.readers.Wait()
	return err
}

// readLoop delivers inbound messages sequentially until the connection ends.
func (c *AgentChannel) readLoop(conn transport.Conn, gen uint64) {
	defer c.readers.Done()
	ctx := context.Background()
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				c.logger.Warn("Agent connection read failed.", zap.Error(err))
			}
			c.handleDisconnect(conn, gen)
			return
		}

		msg, err := schemas.ParseAgentMessage(payload)
		if err != nil {
			c.logger.Error("Discarding malformed agent message.", zap.Error(err), zap.ByteString("payload", payload))
			continue
		}
		c.logger.Debug("Message from agent.", zap.String("type", string(msg.Type)))
		for _, h := range c.messageListeners() {
			h(ctx, msg)
		}
	}
}

// handleDisconnect runs once per connection generation.
func (c *AgentChannel) handleDisconnect(conn transport.Conn, gen uint64) {
	c.mu.Lock()
	if c.closed || c.generation != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("Disconnected from agent.", zap.Duration("retry_in", c.opts.ReconnectDelay))
	// Listeners hear about the drop before a retry can reconnect.
	c.emit(c.disconnectedListeners())

	c.mu.Lock()
	if c.state == Disconnected {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()
}

// scheduleRetryLocked arms the single retry timer. c.mu must be held.
func (c *AgentChannel) scheduleRetryLocked() {
	if c.closed {
		return
	}
	c.stopRetryLocked()
	var timer *time.Timer
	timer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if c.retry != timer {
			// Superseded by a newer schedule or stopped.
			c.mu.Unlock()
			return
		}
		c.retry = nil
		c.attempts.Add(1)
		c.mu.Unlock()
		defer c.attempts.Done()
		_ = c.Connect(context.Background())
	})
	c.retry = timer
}

func (c *AgentChannel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// retryPending reports whether a retry timer is armed.
func (c *AgentChannel) retryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

func (c *AgentChannel) emit(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

func (c *AgentChannel) messageListeners() []MessageHandler {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]MessageHandler(nil), c.onMessage...)
}

func (c *AgentChannel) connectedListeners() []func() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]func(){}, c.onConnected...)
}

func (c *AgentChannel) disconnectedListeners() []func() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]func(){}, c.onDisconnected...)
}
