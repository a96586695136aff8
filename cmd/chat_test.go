// File: cmd/chat_test.go
package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/agentxen/api/schemas"
)

func TestParseChatLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    *schemas.SurfaceRequest
		quit    bool
		wantErr bool
	}{
		{name: "blank", line: "   "},
		{name: "command", line: "  search for golang ", want: &schemas.SurfaceRequest{
			Type: schemas.SurfaceSendCommand, Command: &schemas.Command{Text: "search for golang"},
		}},
		{name: "status", line: "/status", want: &schemas.SurfaceRequest{Type: schemas.SurfaceCheckStatus}},
		{name: "agent on", line: "/agent on", want: &schemas.SurfaceRequest{Type: schemas.SurfaceSetAgentMode, Enabled: true}},
		{name: "agent off", line: "/agent off", want: &schemas.SurfaceRequest{Type: schemas.SurfaceSetAgentMode}},
		{name: "agent bad arg", line: "/agent maybe", wantErr: true},
		{name: "quit", line: "/quit", quit: true},
		{name: "unknown", line: "/reboot", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, quit, err := parseChatLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.quit, quit)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestFormatAgentMessage(t *testing.T) {
	no := false
	tests := []struct {
		msg  schemas.AgentMessage
		want string
	}{
		{schemas.AgentMessage{Type: schemas.AgentStatus, Message: "Thinking..."}, "… Thinking..."},
		{schemas.AgentMessage{Type: schemas.AgentResult, Message: "Done"}, "✓ Done"},
		{schemas.AgentMessage{Type: schemas.AgentResult, Success: &no, Message: "Gave up"}, "✗ Gave up"},
		{schemas.AgentMessage{Type: schemas.AgentError, Message: "model unavailable"}, "! model unavailable"},
		{schemas.AgentMessage{Type: schemas.AgentActionResult, Data: &schemas.ActionResult{
			Success: true, Action: schemas.ActionNavigate, URL: "https://example.com",
		}}, "· navigated to https://example.com"},
		{schemas.AgentMessage{Type: schemas.AgentActionResult, Data: &schemas.ActionResult{
			Success: false, Action: schemas.ActionClick, Error: "Element not found: #go",
		}}, "· click failed: Element not found: #go"},
		{schemas.AgentMessage{Type: "mystery"}, `{"type":"mystery"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAgentMessage(tt.msg))
	}
}

func TestRunChat_AgainstRelay(t *testing.T) {
	agent := newFakeAgent(t)
	url := startRelay(t, relayConfig(agent.url()))
	watcher := dialSurface(t, url)
	waitForAgent(t, watcher)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	in := strings.NewReader("/status\nsearch for golang\n/agent on\n/bogus\n")
	var out bytes.Buffer
	require.NoError(t, runChat(context.Background(), conn, in, &out))

	got := out.String()
	assert.Contains(t, got, "* agent connected")
	assert.Contains(t, got, "! No active tab")
	assert.Contains(t, got, "! no active tab")
	assert.Contains(t, got, "unknown command /bogus")
}

func TestRunChat_StopsOnQuit(t *testing.T) {
	agent := newFakeAgent(t)
	url := startRelay(t, relayConfig(agent.url()))

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	in := strings.NewReader("/quit\nthis is never sent\n")
	var out bytes.Buffer
	require.NoError(t, runChat(context.Background(), conn, in, &out))
	assert.NotContains(t, out.String(), "No active tab")
}
