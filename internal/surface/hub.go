// Package surface serves chat surfaces over websocket. Each connected client
// can submit commands and receives every agent broadcast.
package surface

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
	// Outbound queue per client.
	sendBufferSize = 256
)

const msgRateLimited = "Too many commands; slow down"

// Path is where the hub accepts websocket upgrades.
const Path = "/ws"

// CommandRouter is what a chat surface can ask of the relay.
type CommandRouter interface {
	Submit(ctx context.Context, cmd schemas.Command) schemas.SubmitResult
	Status() bool
	SetAgentMode(ctx context.Context, enabled bool) error
}

// Subscriber is the broadcast source, normally *bus.Bus.
type Subscriber interface {
	Subscribe() (<-chan schemas.SurfaceMessage, func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub binds to loopback by default. Set surface.auth_secret to keep
	// arbitrary local pages out.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter
	// Buffered channel of outbound messages.
	send chan []byte
}

// Hub manages chat surface clients.
type Hub struct {
	logger *zap.Logger
	router CommandRouter
	source Subscriber
	cfg    config.SurfaceConfig

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	// closing is set once the hub stops accepting clients. Guarded by mu.
	closing bool

	// pumps tracks client goroutines so Serve can wait for them. Add only
	// happens under mu while closing is false.
	pumps sync.WaitGroup
}

// NewHub creates a Hub.
func NewHub(logger *zap.Logger, router CommandRouter, source Subscriber, cfg config.SurfaceConfig) *Hub {
	return &Hub{
		logger:     logger.Named("surface_hub"),
		router:     router,
		source:     source,
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled. Broadcasts from the source
// are forwarded to every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Surface hub started.")
	defer h.logger.Info("Surface hub stopped.")
	defer close(h.done)

	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Chat surface connected.", zap.String("client_id", client.id))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Chat surface disconnected.", zap.String("client_id", client.id))
			}
			h.mu.Unlock()
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast.", zap.Error(err))
				continue
			}
			h.fanOut(payload)
		}
	}
}

// fanOut queues payload for every client. Clients that cannot keep up are
// dropped. Only Run calls it.
func (h *Hub) fanOut(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("Dropping slow chat surface.", zap.String("client_id", client.id))
		}
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches a new client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AuthSecret != "" {
		subject, err := verifyToken([]byte(h.cfg.AuthSecret), tokenFromRequest(r))
		if err != nil {
			h.logger.Warn("Rejected chat surface.", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.logger.Debug("Chat surface authenticated.", zap.String("subject", subject))
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.pumps.Add(2)
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.pumps.Add(-2)
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:      uuid.New().String(),
		hub:     h,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.CommandRate), h.cfg.CommandBurst),
		send:    make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- client:
	case <-h.done:
		h.pumps.Add(-2)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Serve listens on cfg.ListenAddr until ctx is cancelled. The hub's Run loop
// must be running.
func (h *Hub) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (h *Hub) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	h.logger.Info("Chat surfaces can connect.", zap.String("url", "ws://"+ln.Addr().String()+Path))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by Shutdown.
	h.drain()
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}

// drain refuses new clients, closes the connected ones and waits for their
// pumps to exit.
func (h *Hub) drain() {
	h.mu.Lock()
	h.closing = true
	for client := range h.clients {
		client.conn.Close()
	}
	h.mu.Unlock()
	h.pumps.Wait()
}

// readPump pumps requests from the websocket connection to the router.
func (c *Client) readPump() {
	defer c.hub.pumps.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}

		var req schemas.SurfaceRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Error("Failed to unmarshal surface request", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		c.reply(c.handle(req))
	}
}

// handle answers a single request. Requests are served in arrival order per
// client.
func (c *Client) handle(req schemas.SurfaceRequest) schemas.SurfaceMessage {
	ctx := context.Background()
	resp := schemas.SurfaceMessage{ID: req.ID, Type: schemas.SurfaceResponse}

	switch req.Type {
	case schemas.SurfaceSendCommand:
		if req.Command == nil {
			return failed(resp, "send-command requires a command")
		}
		if !c.limiter.Allow() {
			c.hub.logger.Warn("Chat surface rate limited.", zap.String("client_id", c.id))
			return failed(resp, msgRateLimited)
		}
		result := c.hub.router.Submit(ctx, *req.Command)
		resp.Success = &result.Success
		resp.Error = result.Error

	case schemas.SurfaceCheckStatus:
		connected := c.hub.router.Status()
		resp.Connected = &connected

	case schemas.SurfaceSetAgentMode:
		if err := c.hub.router.SetAgentMode(ctx, req.Enabled); err != nil {
			return failed(resp, err.Error())
		}
		ok := true
		resp.Success = &ok

	default:
		return failed(resp, "unknown request type: "+string(req.Type))
	}
	return resp
}

func failed(resp schemas.SurfaceMessage, text string) schemas.SurfaceMessage {
	ok := false
	resp.Success = &ok
	resp.Error = text
	return resp
}

// reply queues a response for this client only.
func (c *Client) reply(msg schemas.SurfaceMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("Failed to marshal surface response", zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.logger.Warn("Dropping response for slow chat surface.", zap.String("client_id", c.id))
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	defer c.hub.pumps.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame so surfaces can decode frames independently.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
