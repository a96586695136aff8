package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/agentxen/internal/page"
)

const indicatorStyle = `position: fixed; top: 10px; right: 10px; background: #0084ff; color: white; ` +
	`padding: 8px 12px; border-radius: 6px; font-size: 12px; font-weight: 600; z-index: 999999; ` +
	`box-shadow: 0 2px 8px rgba(0,0,0,0.2); font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;`

// errForeignElement is returned for handles not produced by this backend.
var errForeignElement = errors.New("element handle was not issued by this tab")

// Backend drives one tab's document over CDP. It implements page.Backend.
type Backend struct {
	tabCtx  context.Context
	timeout time.Duration
}

var _ page.Backend = (*Backend)(nil)

// NewBackend binds a backend to a chromedp tab context.
func NewBackend(tabCtx context.Context, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Backend{tabCtx: tabCtx, timeout: timeout}
}

// run executes actions against the tab, bounded by the operation timeout and
// cancelled along with ctx.
func (b *Backend) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.tabCtx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// callOn runs a JavaScript function with `this` bound to node.
func (b *Backend) callOn(ctx context.Context, el page.Element, function string, res any, args ...any) error {
	node, ok := el.(*cdp.Node)
	if !ok || node == nil {
		return errForeignElement
	}
	return b.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return chromedp.CallFunctionOnNode(c, node, function, res, args...)
	}))
}

func (b *Backend) Resolve(ctx context.Context, selector string) (page.Element, bool, error) {
	var nodes []*cdp.Node
	if err := b.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return nil, false, fmt.Errorf("querying %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, false, nil
	}
	return nodes[0], true, nil
}

func (b *Backend) Click(ctx context.Context, el page.Element) error {
	return b.callOn(ctx, el, `function() { this.click(); }`, nil)
}

func (b *Backend) SetValue(ctx context.Context, el page.Element, value string) error {
	return b.callOn(ctx, el,
		`function(v) { this.value = v; this.dispatchEvent(new Event('input', { bubbles: true })); }`,
		nil, value)
}

func (b *Backend) ReadText(ctx context.Context, el page.Element) (string, error) {
	var text string
	if err := b.callOn(ctx, el, `function() { return this.textContent || ''; }`, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (b *Backend) ScrollBy(ctx context.Context, dy int) error {
	return b.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), nil))
}

func (b *Backend) InsertIndicator(ctx context.Context, id, label string) error {
	literals, err := jsLiterals(id, label, indicatorStyle)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
	const el = document.createElement('div');
	el.id = %s;
	el.textContent = %s;
	el.style.cssText = %s;
	document.body.appendChild(el);
})()`, literals[0], literals[1], literals[2])
	return b.run(ctx, chromedp.Evaluate(script, nil))
}

func (b *Backend) Remove(ctx context.Context, el page.Element) error {
	return b.callOn(ctx, el, `function() { this.remove(); }`, nil)
}

// jsLiterals encodes strings as JavaScript string literals.
func jsLiterals(values ...string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding script argument: %w", err)
		}
		out[i] = string(raw)
	}
	return out, nil
}
