package page

import (
	"context"
	"strings"

	"github.com/xkilldash9x/agentxen/api/schemas"
	"go.uber.org/zap"
)

// defaultExtractSelector is used when an extract action names no selector.
const defaultExtractSelector = "body"

// ActionHandler runs one action type against the page.
type ActionHandler func(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error)

// Executor dispatches agent actions to per-type handlers. Nothing is retried
// and nothing waits: a missing element fails the action at once.
type Executor struct {
	logger   *zap.Logger
	backend  Backend
	handlers map[schemas.ActionType]ActionHandler
}

// NewExecutor creates an Executor bound to a page backend.
func NewExecutor(logger *zap.Logger, backend Backend) *Executor {
	e := &Executor{
		logger:   logger.Named("action_executor"),
		backend:  backend,
		handlers: make(map[schemas.ActionType]ActionHandler),
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.handlers[schemas.ActionClick] = e.handleClick
	e.handlers[schemas.ActionInputText] = e.handleType
	e.handlers[schemas.ActionExtract] = e.handleExtract
	e.handlers[schemas.ActionScroll] = e.handleScroll
}

// Execute runs a single action and returns its outcome.
func (e *Executor) Execute(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	handler, ok := e.handlers[action.Type]
	if !ok {
		return nil, &UnknownActionTypeError{Type: action.Type}
	}
	outcome, err := handler(ctx, action)
	if err != nil {
		e.logger.Warn("Action failed.",
			zap.String("action", string(action.Type)),
			zap.String("selector", action.Selector),
			zap.String("error_code", string(ErrorCodeOf(err))),
			zap.Error(err))
		return nil, err
	}
	e.logger.Debug("Action executed.", zap.String("action", string(action.Type)))
	return outcome, nil
}

// resolve looks up selector and maps absence to ElementNotFoundError.
func (e *Executor) resolve(ctx context.Context, selector string) (Element, error) {
	el, found, err := e.backend.Resolve(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ElementNotFoundError{Selector: selector}
	}
	return el, nil
}

// -- Action Handlers --

func (e *Executor) handleClick(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	el, err := e.resolve(ctx, action.Selector)
	if err != nil {
		return nil, err
	}
	if err := e.backend.Click(ctx, el); err != nil {
		return nil, err
	}
	return &schemas.ActionOutcome{Clicked: action.Selector}, nil
}

func (e *Executor) handleType(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	el, err := e.resolve(ctx, action.Selector)
	if err != nil {
		return nil, err
	}
	if err := e.backend.SetValue(ctx, el, action.Text); err != nil {
		return nil, err
	}
	typed := action.Text
	return &schemas.ActionOutcome{Typed: &typed}, nil
}

func (e *Executor) handleExtract(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	selector := action.Selector
	if selector == "" {
		selector = defaultExtractSelector
	}
	el, err := e.resolve(ctx, selector)
	if err != nil {
		return nil, err
	}
	raw, err := e.backend.ReadText(ctx, el)
	if err != nil {
		return nil, err
	}
	text := truncate(strings.TrimSpace(raw), schemas.MaxExtractLength)
	return &schemas.ActionOutcome{Text: &text}, nil
}

func (e *Executor) handleScroll(ctx context.Context, action schemas.Action) (*schemas.ActionOutcome, error) {
	amount := action.ScrollAmount()
	if err := e.backend.ScrollBy(ctx, amount); err != nil {
		return nil, err
	}
	return &schemas.ActionOutcome{Scrolled: &amount}, nil
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
