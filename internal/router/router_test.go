package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/channel"
	"github.com/xkilldash9x/agentxen/internal/mocks"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	router    *Router
	channel   *mocks.MockChannel
	tabs      *mocks.MockTabService
	publisher *mocks.MockPublisher
}

func setupRouter(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		channel:   new(mocks.MockChannel),
		tabs:      new(mocks.MockTabService),
		publisher: new(mocks.MockPublisher),
	}
	f.router = New(zaptest.NewLogger(t), f.channel, f.tabs, f.publisher, time.Second)
	t.Cleanup(func() {
		f.channel.AssertExpectations(t)
		f.tabs.AssertExpectations(t)
		f.publisher.AssertExpectations(t)
	})
	return f
}

func tabID(v int) *schemas.TabID {
	id := schemas.TabID(v)
	return &id
}

// -- Submit --

func TestSubmit_StampsActiveTab(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()

	var sent any
	f.channel.On("IsConnected").Return(true)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 7, URL: "https://a.test"}, nil)
	f.channel.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1)
	}).Return(nil).Once()

	result := f.router.Submit(ctx, schemas.Command{Text: "search for golang"})
	assert.Equal(t, schemas.SubmitResult{Success: true}, result)

	payload, err := json.Marshal(sent)
	require.NoError(t, err)
	var got, want map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"command","command":{"text":"search for golang","tabId":7,"url":"https://a.test"}}`), &want))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_DoesNotMutateCallerCommand(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(true)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 3, URL: "about:blank"}, nil)
	f.channel.On("Send", mock.Anything, mock.Anything).Return(nil)

	cmd := schemas.Command{Text: "hi"}
	f.router.Submit(context.Background(), cmd)
	assert.Nil(t, cmd.TabID)
	assert.Empty(t, cmd.URL)
}

func TestSubmit_NotConnected(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(false)

	result := f.router.Submit(context.Background(), schemas.Command{Text: "hi"})
	assert.Equal(t, schemas.SubmitResult{Success: false, Error: "Agent not connected"}, result)
	f.channel.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	f.tabs.AssertNotCalled(t, "QueryActiveTab", mock.Anything)
}

func TestSubmit_NoActiveTab(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(true)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(nil, nil)

	result := f.router.Submit(context.Background(), schemas.Command{Text: "hi"})
	assert.Equal(t, schemas.SubmitResult{Success: false, Error: "No active tab"}, result)
	f.channel.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSubmit_TabLookupError(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(true)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(nil, errors.New("browser gone"))

	result := f.router.Submit(context.Background(), schemas.Command{Text: "hi"})
	assert.False(t, result.Success)
	assert.Equal(t, "browser gone", result.Error)
}

func TestSubmit_DisconnectRace(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(true)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 1, URL: "https://a.test"}, nil)
	f.channel.On("Send", mock.Anything, mock.Anything).Return(channel.ErrNotConnected)

	result := f.router.Submit(context.Background(), schemas.Command{Text: "hi"})
	assert.Equal(t, schemas.SubmitResult{Success: false, Error: "Agent not connected"}, result)
}

func TestStatus(t *testing.T) {
	f := setupRouter(t)
	f.channel.On("IsConnected").Return(true).Once()
	f.channel.On("IsConnected").Return(false).Once()
	assert.True(t, f.router.Status())
	assert.False(t, f.router.Status())
}

// -- Inbound --

func TestInbound_EveryMessageIsBroadcast(t *testing.T) {
	f := setupRouter(t)
	success := true
	messages := []schemas.AgentMessage{
		{Type: schemas.AgentStatus, Message: "Thinking..."},
		{Type: schemas.AgentResult, Success: &success, Message: "done"},
		{Type: schemas.AgentError, Message: "model overloaded"},
		{Type: "something-new"},
	}
	for _, msg := range messages {
		m := msg
		f.publisher.On("Publish", schemas.SurfaceMessage{Type: schemas.SurfaceAgentResponse, Data: &m}).Once()
	}
	for _, msg := range messages {
		f.channel.Deliver(context.Background(), msg)
	}
	f.tabs.AssertNotCalled(t, "UpdateTab", mock.Anything, mock.Anything, mock.Anything)
}

func TestInbound_BroadcastKeepsAgentBytes(t *testing.T) {
	frames := []string{
		`{"type": "result", "success": true, "message": "Executed 2 actions", "data": {"status": "success", "results": [{"action": "navigate", "url": "https://example.com", "status": "success"}, {"action": "extract", "content": "Example Domain", "status": "success"}]}}`,
		`{"type": "result", "success": true, "message": "Navigated", "action": "navigate"}`,
		`{"type": "status", "message": "Processing: open example.com"}`,
	}
	for _, frame := range frames {
		f := setupRouter(t)
		msg, err := schemas.ParseAgentMessage([]byte(frame))
		require.NoError(t, err)

		var published schemas.SurfaceMessage
		f.publisher.On("Publish", mock.Anything).Run(func(args mock.Arguments) {
			published = args.Get(0).(schemas.SurfaceMessage)
		}).Once()
		f.channel.Deliver(context.Background(), msg)

		wire, err := json.Marshal(published)
		require.NoError(t, err)
		assert.Equal(t, `{"type":"agent-response","data":`+frame+`}`, string(wire))
	}
}

func TestInbound_NavigationToleratesLooseFields(t *testing.T) {
	f := setupRouter(t)
	msg, err := schemas.ParseAgentMessage([]byte(
		`{"type":"action-result","data":{"success":"yes","action":"navigate","url":"https://b.test","result":"n/a"}}`))
	require.NoError(t, err)

	f.publisher.On("Publish", mock.Anything).Once()
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 4, URL: "https://a.test"}, nil)
	f.tabs.On("UpdateTab", mock.Anything, schemas.TabID(4), "https://b.test").Return(nil).Once()

	f.channel.Deliver(context.Background(), msg)
}

func TestInbound_NavigationUpdatesActiveTab(t *testing.T) {
	f := setupRouter(t)
	msg := schemas.AgentMessage{
		Type: schemas.AgentActionResult,
		Data: &schemas.ActionResult{Success: true, Action: schemas.ActionNavigate, URL: "https://b.test"},
	}
	f.publisher.On("Publish", mock.Anything).Once()
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 4, URL: "https://a.test"}, nil)
	f.tabs.On("UpdateTab", mock.Anything, schemas.TabID(4), "https://b.test").Return(nil).Once()

	f.channel.Deliver(context.Background(), msg)
}

func TestInbound_NavigationEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		data *schemas.ActionResult
	}{
		{"no data", nil},
		{"not a navigation", &schemas.ActionResult{Success: true, Action: schemas.ActionClick, URL: "https://b.test"}},
		{"missing url", &schemas.ActionResult{Success: true, Action: schemas.ActionNavigate}},
		{"relative url", &schemas.ActionResult{Success: true, Action: schemas.ActionNavigate, URL: "b.test/page"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t)
			f.publisher.On("Publish", mock.Anything).Once()
			f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentActionResult, Data: tt.data})
			f.tabs.AssertNotCalled(t, "UpdateTab", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestInbound_NavigationWithoutActiveTab(t *testing.T) {
	f := setupRouter(t)
	f.publisher.On("Publish", mock.Anything).Once()
	f.tabs.On("QueryActiveTab", mock.Anything).Return(nil, nil)

	f.channel.Deliver(context.Background(), schemas.AgentMessage{
		Type: schemas.AgentActionResult,
		Data: &schemas.ActionResult{Success: true, Action: schemas.ActionNavigate, URL: "https://b.test"},
	})
	f.tabs.AssertNotCalled(t, "UpdateTab", mock.Anything, mock.Anything, mock.Anything)
}

func TestInbound_ExecuteActionOnTargetTab(t *testing.T) {
	f := setupRouter(t)
	text := "Example Domain"
	action := schemas.Action{Type: schemas.ActionExtract, Selector: "h1"}

	f.publisher.On("Publish", mock.Anything).Once()
	f.tabs.On("SendToTab", mock.Anything, schemas.TabID(9),
		schemas.TabMessage{Type: schemas.TabExecuteAction, Action: &action}).
		Return(schemas.TabResponse{Success: true, Result: &schemas.ActionOutcome{Text: &text}}, nil).Once()
	f.channel.On("Send", mock.Anything, schemas.NewActionResultEnvelope(tabID(9), schemas.ActionResult{
		Success: true,
		Action:  schemas.ActionExtract,
		Result:  &schemas.ActionOutcome{Text: &text},
	})).Return(nil).Once()

	f.channel.Deliver(context.Background(), schemas.AgentMessage{
		Type: schemas.AgentExecuteAction, TabID: tabID(9), Action: &action,
	})
}

func TestInbound_ExecuteActionDefaultsToActiveTab(t *testing.T) {
	f := setupRouter(t)
	action := schemas.Action{Type: schemas.ActionClick, Selector: "#missing"}

	f.publisher.On("Publish", mock.Anything).Once()
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 2, URL: "https://a.test"}, nil)
	f.tabs.On("SendToTab", mock.Anything, schemas.TabID(2), mock.Anything).
		Return(schemas.TabResponse{
			Success:   false,
			Error:     "Element not found: #missing",
			ErrorCode: schemas.ErrCodeElementNotFound,
			Selector:  "#missing",
		}, nil).Once()
	f.channel.On("Send", mock.Anything, schemas.NewActionResultEnvelope(tabID(2), schemas.ActionResult{
		Success:   false,
		Action:    schemas.ActionClick,
		Error:     "Element not found: #missing",
		ErrorCode: schemas.ErrCodeElementNotFound,
		Selector:  "#missing",
	})).Return(nil).Once()

	f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentExecuteAction, Action: &action})
}

func TestInbound_ExecuteActionFailures(t *testing.T) {
	action := schemas.Action{Type: schemas.ActionScroll}

	t.Run("no active tab", func(t *testing.T) {
		f := setupRouter(t)
		f.publisher.On("Publish", mock.Anything).Once()
		f.tabs.On("QueryActiveTab", mock.Anything).Return(nil, nil)
		f.channel.On("Send", mock.Anything, schemas.NewActionResultEnvelope(nil, schemas.ActionResult{
			Success: false, Action: schemas.ActionScroll, Error: "No active tab", ErrorCode: schemas.ErrCodeNoActiveTab,
		})).Return(nil).Once()

		f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentExecuteAction, Action: &action})
	})

	t.Run("unknown tab", func(t *testing.T) {
		f := setupRouter(t)
		f.publisher.On("Publish", mock.Anything).Once()
		f.tabs.On("SendToTab", mock.Anything, schemas.TabID(42), mock.Anything).
			Return(schemas.TabResponse{}, ErrTabNotFound).Once()
		f.channel.On("Send", mock.Anything, mock.MatchedBy(func(env schemas.ActionResultEnvelope) bool {
			return !env.Data.Success && env.Data.ErrorCode == schemas.ErrCodeTabNotFound && *env.TabID == 42
		})).Return(nil).Once()

		f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentExecuteAction, TabID: tabID(42), Action: &action})
	})

	t.Run("missing action", func(t *testing.T) {
		f := setupRouter(t)
		f.publisher.On("Publish", mock.Anything).Once()
		f.channel.On("Send", mock.Anything, mock.MatchedBy(func(env schemas.ActionResultEnvelope) bool {
			return !env.Data.Success && env.Data.ErrorCode == schemas.ErrCodeExecutionFailure
		})).Return(nil).Once()

		f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentExecuteAction})
	})

	t.Run("agent gone before reply", func(t *testing.T) {
		f := setupRouter(t)
		f.publisher.On("Publish", mock.Anything).Once()
		f.tabs.On("SendToTab", mock.Anything, schemas.TabID(1), mock.Anything).
			Return(schemas.TabResponse{Success: true, Result: &schemas.ActionOutcome{}}, nil).Once()
		f.channel.On("Send", mock.Anything, mock.Anything).Return(channel.ErrNotConnected).Once()

		assert.NotPanics(t, func() {
			f.channel.Deliver(context.Background(), schemas.AgentMessage{Type: schemas.AgentExecuteAction, TabID: tabID(1), Action: &action})
		})
	})
}

// -- Connection events --

func TestConnectionEventsAreBroadcast(t *testing.T) {
	f := setupRouter(t)
	f.publisher.On("Publish", schemas.SurfaceMessage{Type: schemas.SurfaceAgentConnected}).Once()
	f.publisher.On("Publish", schemas.SurfaceMessage{Type: schemas.SurfaceAgentDisconnected}).Once()

	f.channel.FireConnected()
	f.channel.FireDisconnected()
}

// -- Agent mode --

func TestSetAgentMode(t *testing.T) {
	f := setupRouter(t)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 5}, nil)
	f.tabs.On("SendToTab", mock.Anything, schemas.TabID(5), schemas.TabMessage{Type: schemas.TabSetAgentMode, Enabled: true}).
		Return(schemas.TabResponse{Success: true}, nil).Once()

	require.NoError(t, f.router.SetAgentMode(context.Background(), true))
}

func TestSetAgentMode_NoActiveTab(t *testing.T) {
	f := setupRouter(t)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(nil, nil)
	assert.ErrorIs(t, f.router.SetAgentMode(context.Background(), true), ErrNoActiveTab)
}

func TestSetAgentMode_TabRefuses(t *testing.T) {
	f := setupRouter(t)
	f.tabs.On("QueryActiveTab", mock.Anything).Return(&schemas.Tab{ID: 5}, nil)
	f.tabs.On("SendToTab", mock.Anything, schemas.TabID(5), mock.Anything).
		Return(schemas.TabResponse{Success: false, Error: "page crashed"}, nil)

	err := f.router.SetAgentMode(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page crashed")
}

func TestIsNavigableURL(t *testing.T) {
	assert.True(t, isNavigableURL("https://example.com/x"))
	assert.True(t, isNavigableURL("about:blank"))
	assert.False(t, isNavigableURL(""))
	assert.False(t, isNavigableURL("example.com"))
	assert.False(t, isNavigableURL("/relative"))
	assert.False(t, isNavigableURL("http://[::1"))
}

func TestNoTabs(t *testing.T) {
	var tabs TabService = NoTabs{}
	ctx := context.Background()

	tab, err := tabs.QueryActiveTab(ctx)
	require.NoError(t, err)
	assert.Nil(t, tab)
	assert.ErrorIs(t, tabs.UpdateTab(ctx, 1, "https://a.test"), ErrTabNotFound)
	_, err = tabs.SendToTab(ctx, 1, schemas.TabMessage{Type: schemas.TabSetAgentMode})
	assert.ErrorIs(t, err, ErrTabNotFound)
}
