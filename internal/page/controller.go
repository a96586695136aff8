package page

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"go.uber.org/zap"
)

const (
	// IndicatorID is the DOM id of the agent-mode badge.
	IndicatorID = "agentxen-indicator"
	// IndicatorLabel is the badge text.
	IndicatorLabel = "🤖 Agent Mode"
)

// Controller is the per-tab agent-mode state plus the action entry point.
// One Controller exists per tab and lives as long as the tab's document.
type Controller struct {
	logger   *zap.Logger
	backend  Backend
	executor *Executor

	mu      sync.Mutex
	enabled bool
}

// NewController creates a Controller with agent mode off.
func NewController(logger *zap.Logger, backend Backend) *Controller {
	return &Controller{
		logger:   logger.Named("page_controller"),
		backend:  backend,
		executor: NewExecutor(logger, backend),
	}
}

// Enabled reports the agent-mode flag.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetMode records the flag and reconciles the indicator with it: at most one
// badge exists while enabled, none while disabled. Repeated calls are no-ops.
func (c *Controller) SetMode(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	el, found, err := c.backend.Resolve(ctx, "#"+IndicatorID)
	if err != nil {
		return fmt.Errorf("looking up agent mode indicator: %w", err)
	}
	switch {
	case enabled && !found:
		if err := c.backend.InsertIndicator(ctx, IndicatorID, IndicatorLabel); err != nil {
			return fmt.Errorf("inserting agent mode indicator: %w", err)
		}
	case !enabled && found:
		if err := c.backend.Remove(ctx, el); err != nil {
			return fmt.Errorf("removing agent mode indicator: %w", err)
		}
	}
	c.logger.Debug("Agent mode updated.", zap.Bool("enabled", enabled))
	return nil
}

// DispatchAction runs action regardless of the agent-mode flag.
func (c *Controller) DispatchAction(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	return c.executor.Execute(ctx, action)
}

// HandleMessage answers a message delivered into the tab. It never returns an
// error; failures are encoded in the response.
func (c *Controller) HandleMessage(ctx context.Context, msg schemas.TabMessage) schemas.TabResponse {
	switch msg.Type {
	case schemas.TabSetAgentMode:
		if err := c.SetMode(ctx, msg.Enabled); err != nil {
			return FailureResponse(err)
		}
		return schemas.TabResponse{Success: true}

	case schemas.TabExecuteAction:
		if msg.Action == nil {
			return FailureResponse(fmt.Errorf("execute-action without an action"))
		}
		outcome, err := c.DispatchAction(ctx, *msg.Action)
		if err != nil {
			return FailureResponse(err)
		}
		return schemas.TabResponse{Success: true, Result: outcome}

	default:
		return FailureResponse(fmt.Errorf("unknown tab message type: %s", msg.Type))
	}
}
