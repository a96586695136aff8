package page

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/agentxen/api/schemas"
	"github.com/xkilldash9x/agentxen/internal/page/pagetest"
	"go.uber.org/zap/zaptest"
)

var _ Backend = (*pagetest.Page)(nil)

func intPtr(v int) *int { return &v }

func setupExecutor(t *testing.T) (*Executor, *pagetest.Page) {
	t.Helper()
	p := pagetest.New()
	return NewExecutor(zaptest.NewLogger(t), p), p
}

// -- Executor --

func TestExecutor_Click(t *testing.T) {
	exec, p := setupExecutor(t)
	btn := p.Add("#login", "Log in")

	outcome, err := exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionClick, Selector: "#login"})
	require.NoError(t, err)
	assert.Equal(t, "#login", outcome.Clicked)
	assert.Equal(t, 1, btn.Clicks)
}

func TestExecutor_ClickMissingElement(t *testing.T) {
	exec, _ := setupExecutor(t)

	_, err := exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionClick, Selector: "#missing"})
	var notFound *ElementNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "#missing", notFound.Selector)
	assert.Equal(t, "Element not found: #missing", err.Error())
	assert.Equal(t, schemas.ErrCodeElementNotFound, ErrorCodeOf(err))
}

func TestExecutor_TypeSetsValueAndFiresInput(t *testing.T) {
	exec, p := setupExecutor(t)
	field := p.Add("input[name=q]", "")

	outcome, err := exec.Execute(context.Background(), schemas.Action{
		Type: schemas.ActionInputText, Selector: "input[name=q]", Text: "golang",
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Typed)
	assert.Equal(t, "golang", *outcome.Typed)
	assert.Equal(t, "golang", field.Value)
	assert.Equal(t, 1, field.InputEvents)

	_, err = exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionInputText, Selector: "#nope", Text: "x"})
	assert.Equal(t, schemas.ErrCodeElementNotFound, ErrorCodeOf(err))
}

func TestExecutor_Extract(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		text     string
		want     string
	}{
		{"trims whitespace", "h1", "  Example Domain \n", "Example Domain"},
		{"empty selector reads body", "", "\tbody text\t", "body text"},
		{"caps length", "p", strings.Repeat("a", 1500), strings.Repeat("a", 1000)},
		{"trims before capping", "p", "   " + strings.Repeat("b", 1000) + "   ", strings.Repeat("b", 1000)},
		{"counts characters not bytes", "p", strings.Repeat("é", 1001), strings.Repeat("é", 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, p := setupExecutor(t)
			target := tt.selector
			if target == "" {
				target = "body"
			}
			p.Add(target, tt.text)

			outcome, err := exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionExtract, Selector: tt.selector})
			require.NoError(t, err)
			require.NotNil(t, outcome.Text)
			assert.Equal(t, tt.want, *outcome.Text)
		})
	}
}

func TestExecutor_ExtractMissing(t *testing.T) {
	exec, _ := setupExecutor(t)
	_, err := exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionExtract, Selector: ".price"})
	var notFound *ElementNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, ".price", notFound.Selector)
}

func TestExecutor_Scroll(t *testing.T) {
	exec, p := setupExecutor(t)
	ctx := context.Background()

	outcome, err := exec.Execute(ctx, schemas.Action{Type: schemas.ActionScroll})
	require.NoError(t, err)
	assert.Equal(t, 300, *outcome.Scrolled)

	outcome, err = exec.Execute(ctx, schemas.Action{Type: schemas.ActionScroll, Amount: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 300, *outcome.Scrolled)

	outcome, err = exec.Execute(ctx, schemas.Action{Type: schemas.ActionScroll, Amount: intPtr(-120)})
	require.NoError(t, err)
	assert.Equal(t, -120, *outcome.Scrolled)

	assert.Equal(t, 480, p.ScrollY())
}

func TestExecutor_UnknownAction(t *testing.T) {
	exec, _ := setupExecutor(t)
	for _, typ := range []schemas.ActionType{"hover", schemas.ActionNavigate, ""} {
		_, err := exec.Execute(context.Background(), schemas.Action{Type: typ})
		var unknown *UnknownActionTypeError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, typ, unknown.Type)
		assert.Equal(t, "Unknown action type: "+string(typ), err.Error())
	}
}

func TestExecutor_BackendFailure(t *testing.T) {
	exec, p := setupExecutor(t)
	p.FailWith = errors.New("target closed")

	_, err := exec.Execute(context.Background(), schemas.Action{Type: schemas.ActionScroll})
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeExecutionFailure, ErrorCodeOf(err))
}

// -- Controller --

func setupController(t *testing.T) (*Controller, *pagetest.Page) {
	t.Helper()
	p := pagetest.New()
	return NewController(zaptest.NewLogger(t), p), p
}

func TestController_SetModeIsIdempotent(t *testing.T) {
	c, p := setupController(t)
	ctx := context.Background()
	indicator := "#" + IndicatorID

	require.NoError(t, c.SetMode(ctx, true))
	require.NoError(t, c.SetMode(ctx, true))
	assert.True(t, c.Enabled())
	assert.Equal(t, 1, p.Count(indicator))
	assert.Equal(t, IndicatorLabel, p.Find(indicator).Text)

	require.NoError(t, c.SetMode(ctx, false))
	require.NoError(t, c.SetMode(ctx, false))
	assert.False(t, c.Enabled())
	assert.Equal(t, 0, p.Count(indicator))
}

func TestController_DisableWithoutIndicator(t *testing.T) {
	c, p := setupController(t)
	require.NoError(t, c.SetMode(context.Background(), false))
	assert.Equal(t, 0, p.Count("#"+IndicatorID))
}

func TestController_DispatchIgnoresMode(t *testing.T) {
	c, p := setupController(t)
	btn := p.Add("#go", "Go")
	require.False(t, c.Enabled())

	outcome, err := c.DispatchAction(context.Background(), schemas.Action{Type: schemas.ActionClick, Selector: "#go"})
	require.NoError(t, err)
	assert.Equal(t, "#go", outcome.Clicked)
	assert.Equal(t, 1, btn.Clicks)
}

func TestController_HandleMessage(t *testing.T) {
	c, p := setupController(t)
	p.Add("h1", " Title ")
	ctx := context.Background()

	resp := c.HandleMessage(ctx, schemas.TabMessage{Type: schemas.TabSetAgentMode, Enabled: true})
	assert.True(t, resp.Success)
	assert.True(t, c.Enabled())

	resp = c.HandleMessage(ctx, schemas.TabMessage{
		Type:   schemas.TabExecuteAction,
		Action: &schemas.Action{Type: schemas.ActionExtract, Selector: "h1"},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "Title", *resp.Result.Text)

	resp = c.HandleMessage(ctx, schemas.TabMessage{
		Type:   schemas.TabExecuteAction,
		Action: &schemas.Action{Type: schemas.ActionClick, Selector: "#missing"},
	})
	assert.False(t, resp.Success)
	assert.Equal(t, schemas.ErrCodeElementNotFound, resp.ErrorCode)
	assert.Equal(t, "#missing", resp.Selector)
	assert.Equal(t, "Element not found: #missing", resp.Error)

	resp = c.HandleMessage(ctx, schemas.TabMessage{
		Type:   schemas.TabExecuteAction,
		Action: &schemas.Action{Type: "hover"},
	})
	assert.False(t, resp.Success)
	assert.Equal(t, schemas.ErrCodeUnknownAction, resp.ErrorCode)

	resp = c.HandleMessage(ctx, schemas.TabMessage{Type: schemas.TabExecuteAction})
	assert.False(t, resp.Success)
	assert.Equal(t, schemas.ErrCodeExecutionFailure, resp.ErrorCode)

	resp = c.HandleMessage(ctx, schemas.TabMessage{Type: "reload"})
	assert.False(t, resp.Success)
}
