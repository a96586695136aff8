// File: cmd/chat.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/surface"
)

const chatHelp = `Type a command and press enter. Other inputs:
  /status      show whether the agent is connected
  /agent on    show the agent-mode indicator in the active tab
  /agent off   hide it
  /quit        leave
`

// drainTimeout bounds how long chat waits for outstanding replies once input
// ends.
var drainTimeout = 5 * time.Second

// newChatCmd creates the `chat` command, a terminal chat surface.
func newChatCmd() *cobra.Command {
	var hubURL string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Opens a terminal chat surface on a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			if hubURL == "" {
				hubURL = "ws://" + cfg.Surface.ListenAddr + surface.Path
			}

			header, err := surface.AuthHeader(cfg.Surface.AuthSecret, "chat-cli", cfg.Surface.TokenTTL)
			if err != nil {
				return err
			}
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, _, err := dialer.DialContext(ctx, hubURL, header)
			if err != nil {
				return fmt.Errorf("failed to reach relay at %s: %w", hubURL, err)
			}
			defer conn.Close()

			fmt.Fprint(cmd.OutOrStdout(), chatHelp)
			return runChat(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	chatCmd.Flags().StringVar(&hubURL, "url", "", "Relay websocket URL (default derived from surface.listen_addr)")
	return chatCmd
}

// chatSession is one terminal surface attached to the hub.
type chatSession struct {
	conn *websocket.Conn
	out  io.Writer

	outMu   sync.Mutex
	mu      sync.Mutex
	pending map[string]schemas.SurfaceRequestType
	settled chan struct{} // signalled whenever a reply arrives
}

// runChat reads lines from in until EOF or /quit, then waits briefly for
// outstanding replies.
func runChat(ctx context.Context, conn *websocket.Conn, in io.Reader, out io.Writer) error {
	s := &chatSession{
		conn:    conn,
		out:     out,
		pending: make(map[string]schemas.SurfaceRequestType),
		settled: make(chan struct{}, 1),
	}

	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop() }()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-readDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			req, quit, err := parseChatLine(line)
			if err != nil {
				s.printf("%v\n", err)
				continue
			}
			if quit {
				break loop
			}
			if req == nil {
				continue
			}
			if err := s.send(*req); err != nil {
				return err
			}
		}
	}

	s.drain(ctx)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
	<-readDone
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return nil
}

// parseChatLine turns one line of input into a request. A nil request with
// no error means there is nothing to send.
func parseChatLine(line string) (req *schemas.SurfaceRequest, quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return &schemas.SurfaceRequest{Type: schemas.SurfaceSendCommand, Command: &schemas.Command{Text: line}}, false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return nil, true, nil
	case "/status":
		return &schemas.SurfaceRequest{Type: schemas.SurfaceCheckStatus}, false, nil
	case "/agent":
		if len(fields) == 2 && (fields[1] == "on" || fields[1] == "off") {
			return &schemas.SurfaceRequest{Type: schemas.SurfaceSetAgentMode, Enabled: fields[1] == "on"}, false, nil
		}
		return nil, false, errors.New("usage: /agent on|off")
	default:
		return nil, false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (s *chatSession) send(req schemas.SurfaceRequest) error {
	req.ID = uuid.New().String()
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	s.mu.Lock()
	s.pending[req.ID] = req.Type
	s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("sending to relay: %w", err)
	}
	return nil
}

// drain waits until every request has been answered or drainTimeout passes.
func (s *chatSession) drain(ctx context.Context) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-s.settled:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *chatSession) readLoop() error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg schemas.SurfaceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.printf("! unreadable message from relay: %v\n", err)
			continue
		}
		s.render(msg)
	}
}

func (s *chatSession) render(msg schemas.SurfaceMessage) {
	switch msg.Type {
	case schemas.SurfaceResponse:
		s.mu.Lock()
		kind, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if ok {
			s.renderResponse(kind, msg)
		}
		select {
		case s.settled <- struct{}{}:
		default:
		}
	case schemas.SurfaceAgentConnected:
		s.printf("* agent connected\n")
	case schemas.SurfaceAgentDisconnected:
		s.printf("* agent disconnected\n")
	case schemas.SurfaceAgentResponse:
		if msg.Data != nil {
			s.printf("%s\n", formatAgentMessage(*msg.Data))
		}
	}
}

func (s *chatSession) renderResponse(kind schemas.SurfaceRequestType, msg schemas.SurfaceMessage) {
	if kind == schemas.SurfaceCheckStatus {
		if msg.Connected != nil && *msg.Connected {
			s.printf("* agent connected\n")
		} else {
			s.printf("* agent not connected\n")
		}
		return
	}
	if msg.Success == nil || !*msg.Success {
		s.printf("! %s\n", msg.Error)
		return
	}
	if kind == schemas.SurfaceSetAgentMode {
		s.printf("* agent mode updated\n")
	}
}

// formatAgentMessage renders an agent message as one terminal line.
func formatAgentMessage(m schemas.AgentMessage) string {
	switch m.Type {
	case schemas.AgentStatus:
		return "… " + m.Message
	case schemas.AgentResult:
		mark := "✓"
		if m.Success != nil && !*m.Success {
			mark = "✗"
		}
		if m.Action != nil {
			return fmt.Sprintf("%s %s (%s)", mark, m.Message, m.Action.Type)
		}
		return mark + " " + m.Message
	case schemas.AgentError:
		return "! " + m.Message
	case schemas.AgentActionResult:
		if m.Data == nil {
			return "· action result"
		}
		if !m.Data.Success {
			return fmt.Sprintf("· %s failed: %s", m.Data.Action, m.Data.Error)
		}
		if m.Data.IsNavigation() {
			return "· navigated to " + m.Data.URL
		}
		return fmt.Sprintf("· %s done", m.Data.Action)
	case schemas.AgentExecuteAction:
		if m.Action != nil {
			return strings.TrimSpace(fmt.Sprintf("· agent requested %s %s", m.Action.Type, m.Action.Selector))
		}
		return "· agent requested an action"
	default:
		raw, _ := json.Marshal(m)
		return string(raw)
	}
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}
