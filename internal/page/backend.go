// Package page runs inside a single browser tab: it executes agent actions
// against the document and shows the agent-mode indicator.
package page

import "context"

// Element is an opaque handle issued by Backend.Resolve. It is only valid for
// the backend that produced it.
type Element = any

// Backend is the set of document capabilities the executor and controller
// need. Implementations must not wait for elements to appear: Resolve reports
// absence immediately.
type Backend interface {
	// Resolve returns the first element matching the CSS selector. found is
	// false when nothing matches.
	Resolve(ctx context.Context, selector string) (el Element, found bool, err error)
	// Click performs a synthetic click on el.
	Click(ctx context.Context, el Element) error
	// SetValue assigns el's value and fires a bubbling "input" event.
	SetValue(ctx context.Context, el Element, value string) error
	// ReadText returns el's text content, untrimmed.
	ReadText(ctx context.Context, el Element) (string, error)
	// ScrollBy scrolls the viewport vertically by dy pixels.
	ScrollBy(ctx context.Context, dy int) error
	// InsertIndicator appends the fixed-position badge to the document body.
	InsertIndicator(ctx context.Context, id, label string) error
	// Remove detaches el from the document.
	Remove(ctx context.Context, el Element) error
}
