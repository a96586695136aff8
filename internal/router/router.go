// Package router turns chat-surface commands into agent envelopes and routes
// agent messages back to surfaces and tabs.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/channel"
	"go.uber.org/zap"
)

// User-facing failure texts returned in SubmitResult.
const (
	msgNotConnected = "Agent not connected"
	msgNoActiveTab  = "No active tab"
)

// ErrNoActiveTab is returned when an operation needs the active tab and none
// is focused.
var ErrNoActiveTab = errors.New("no active tab")

// ErrTabNotFound is returned by a TabService for an unknown tab id.
var ErrTabNotFound = errors.New("tab not found")

// TabService is the browser's tab collaborator.
type TabService interface {
	// QueryActiveTab returns the focused tab, or nil when there is none.
	QueryActiveTab(ctx context.Context) (*schemas.Tab, error)
	// UpdateTab navigates a tab to url.
	UpdateTab(ctx context.Context, id schemas.TabID, url string) error
	// SendToTab delivers a message to the page controller of a tab.
	SendToTab(ctx context.Context, id schemas.TabID, msg schemas.TabMessage) (schemas.TabResponse, error)
}

// Channel is the part of channel.AgentChannel the router depends on.
type Channel interface {
	IsConnected() bool
	Send(ctx context.Context, msg any) error
	OnMessage(h channel.MessageHandler)
	OnConnected(fn func())
	OnDisconnected(fn func())
}

// Publisher broadcasts to every open chat surface. Publish must not block.
type Publisher interface {
	Publish(msg schemas.SurfaceMessage)
}

// Router is the command router. It holds no state of its own beyond its
// collaborators.
type Router struct {
	logger        *zap.Logger
	channel       Channel
	tabs          TabService
	publisher     Publisher
	actionTimeout time.Duration
}

// New creates a Router and subscribes it to the channel's events.
func New(logger *zap.Logger, ch Channel, tabs TabService, pub Publisher, actionTimeout time.Duration) *Router {
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	r := &Router{
		logger:        logger.Named("command_router"),
		channel:       ch,
		tabs:          tabs,
		publisher:     pub,
		actionTimeout: actionTimeout,
	}
	ch.OnMessage(r.HandleAgentMessage)
	ch.OnConnected(func() {
		r.publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentConnected})
	})
	ch.OnDisconnected(func() {
		r.publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentDisconnected})
	})
	return r
}

// Status reports whether the agent is reachable.
func (r *Router) Status() bool {
	return r.channel.IsConnected()
}

// Submit stamps cmd with the active tab and forwards it to the agent. The
// result is always settled; it carries no agent output, which arrives later
// as broadcasts.
func (r *Router) Submit(ctx context.Context, cmd schemas.Command) schemas.SubmitResult {
	if !r.channel.IsConnected() {
		return schemas.SubmitResult{Success: false, Error: msgNotConnected}
	}

	tab, err := r.tabs.QueryActiveTab(ctx)
	if err != nil {
		r.logger.Warn("Active tab lookup failed.", zap.Error(err))
		return schemas.SubmitResult{Success: false, Error: err.Error()}
	}
	if tab == nil {
		return schemas.SubmitResult{Success: false, Error: msgNoActiveTab}
	}

	id := tab.ID
	stamped := schemas.Command{Text: cmd.Text, TabID: &id, URL: tab.URL}
	if err := r.channel.Send(ctx, schemas.NewCommandEnvelope(stamped)); err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return schemas.SubmitResult{Success: false, Error: msgNotConnected}
		}
		r.logger.Error("Failed to send command to agent.", zap.Error(err))
		return schemas.SubmitResult{Success: false, Error: err.Error()}
	}
	r.logger.Info("Command sent to agent.", zap.Int("tab_id", int(id)), zap.String("url", tab.URL))
	return schemas.SubmitResult{Success: true}
}

// SetAgentMode toggles the agent-mode indicator in the active tab.
func (r *Router) SetAgentMode(ctx context.Context, enabled bool) error {
	tab, err := r.tabs.QueryActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("looking up active tab: %w", err)
	}
	if tab == nil {
		return ErrNoActiveTab
	}
	resp, err := r.tabs.SendToTab(ctx, tab.ID, schemas.TabMessage{Type: schemas.TabSetAgentMode, Enabled: enabled})
	if err != nil {
		return fmt.Errorf("setting agent mode in tab %d: %w", tab.ID, err)
	}
	if !resp.Success {
		return fmt.Errorf("setting agent mode in tab %d: %s", tab.ID, resp.Error)
	}
	return nil
}

// HandleAgentMessage is the inbound dispatch for every agent message. It runs
// on the channel's read loop, so messages are handled in arrival order.
// Surfaces receive the message in the agent's own encoding.
func (r *Router) HandleAgentMessage(ctx context.Context, msg schemas.AgentMessage) {
	m := msg
	r.publish(schemas.SurfaceMessage{Type: schemas.SurfaceAgentResponse, Data: &m})

	switch msg.Type {
	case schemas.AgentActionResult:
		if target, ok := msg.NavigationURL(); ok {
			r.followNavigation(ctx, target)
		}
	case schemas.AgentExecuteAction:
		r.executeAction(ctx, msg)
	}
}

// followNavigation moves the active tab to where the agent navigated.
func (r *Router) followNavigation(ctx context.Context, target string) {
	if !isNavigableURL(target) {
		r.logger.Warn("Ignoring navigation result without a usable URL.", zap.String("url", target))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.actionTimeout)
	defer cancel()

	tab, err := r.tabs.QueryActiveTab(ctx)
	if err != nil {
		r.logger.Warn("Active tab lookup failed; navigation not applied.", zap.Error(err))
		return
	}
	if tab == nil {
		r.logger.Warn("No active tab; navigation not applied.", zap.String("url", target))
		return
	}
	if err := r.tabs.UpdateTab(ctx, tab.ID, target); err != nil {
		r.logger.Warn("Failed to navigate active tab.", zap.Int("tab_id", int(tab.ID)), zap.Error(err))
	}
}

// executeAction runs an agent-requested action in a tab and reports the
// outcome back to the agent.
func (r *Router) executeAction(ctx context.Context, msg schemas.AgentMessage) {
	ctx, cancel := context.WithTimeout(ctx, r.actionTimeout)
	defer cancel()

	tabID, result := r.runAction(ctx, msg)
	if !result.Success {
		r.logger.Warn("Agent action failed.",
			zap.String("action", string(result.Action)),
			zap.String("error_code", string(result.ErrorCode)),
			zap.String("error", result.Error))
	}
	if err := r.channel.Send(ctx, schemas.NewActionResultEnvelope(tabID, result)); err != nil {
		r.logger.Warn("Could not report action result to agent.", zap.Error(err))
	}
}

func (r *Router) runAction(ctx context.Context, msg schemas.AgentMessage) (*schemas.TabID, schemas.ActionResult) {
	if msg.Action == nil {
		return msg.TabID, schemas.ActionResult{
			Success:   false,
			Error:     "execute-action without an action",
			ErrorCode: schemas.ErrCodeExecutionFailure,
		}
	}
	action := *msg.Action
	failed := func(code schemas.ErrorCode, text string) schemas.ActionResult {
		return schemas.ActionResult{Success: false, Action: action.Type, Error: text, ErrorCode: code}
	}

	tabID := msg.TabID
	if tabID == nil {
		tab, err := r.tabs.QueryActiveTab(ctx)
		if err != nil {
			return nil, failed(schemas.ErrCodeExecutionFailure, err.Error())
		}
		if tab == nil {
			return nil, failed(schemas.ErrCodeNoActiveTab, msgNoActiveTab)
		}
		id := tab.ID
		tabID = &id
	}

	resp, err := r.tabs.SendToTab(ctx, *tabID, schemas.TabMessage{Type: schemas.TabExecuteAction, Action: &action})
	if err != nil {
		code := schemas.ErrCodeExecutionFailure
		if errors.Is(err, ErrTabNotFound) {
			code = schemas.ErrCodeTabNotFound
		}
		return tabID, failed(code, err.Error())
	}
	return tabID, schemas.ActionResult{
		Success:   resp.Success,
		Action:    action.Type,
		Result:    resp.Result,
		Error:     resp.Error,
		ErrorCode: resp.ErrorCode,
		Selector:  resp.Selector,
	}
}

func (r *Router) publish(msg schemas.SurfaceMessage) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(msg)
}

// isNavigableURL accepts absolute URLs with a scheme, such as https: or about:.
func isNavigableURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Host != "" || u.Opaque != "")
}

// NoTabs is a TabService with no browser behind it. Commands are rejected
// with "No active tab" and agent-driven actions fail with TAB_NOT_FOUND.
type NoTabs struct{}

func (NoTabs) QueryActiveTab(context.Context) (*schemas.Tab, error) { return nil, nil }

func (NoTabs) UpdateTab(_ context.Context, id schemas.TabID, _ string) error {
	return fmt.Errorf("tab %d: %w", id, ErrTabNotFound)
}

func (NoTabs) SendToTab(_ context.Context, id schemas.TabID, _ schemas.TabMessage) (schemas.TabResponse, error) {
	return schemas.TabResponse{}, fmt.Errorf("tab %d: %w", id, ErrTabNotFound)
}
