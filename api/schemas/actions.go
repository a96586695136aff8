package schemas

// ActionType is the vocabulary of page actions the agent may request.
type ActionType string

const (
	ActionClick     ActionType = "click"   // Clicks the first element matching Selector.
	ActionInputText ActionType = "type"    // Sets the value of the first element matching Selector.
	ActionExtract   ActionType = "extract" // Reads the visible text of the first element matching Selector.
	ActionScroll    ActionType = "scroll"  // Scrolls the viewport vertically by Amount.

	// ActionNavigate never reaches a page. It only appears in results reported by
	// the agent after it moved a tab to a new URL.
	ActionNavigate ActionType = "navigate"
)

// DefaultScrollAmount is used when a scroll action carries no amount.
const DefaultScrollAmount = 300

// MaxExtractLength caps extracted text, counted in characters.
const MaxExtractLength = 1000

// Action is a single structured step requested by the agent. It is consumed
// once by the page executor.
type Action struct {
	Type     ActionType `json:"type"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
	Amount   *int       `json:"amount,omitempty"`
}

// ScrollAmount resolves the effective scroll delta. A missing or zero amount
// falls back to DefaultScrollAmount.
func (a Action) ScrollAmount() int {
	if a.Amount == nil || *a.Amount == 0 {
		return DefaultScrollAmount
	}
	return *a.Amount
}

// ActionOutcome is the action-specific success payload. Exactly one field is
// populated, depending on the action type.
type ActionOutcome struct {
	Clicked  string  `json:"clicked,omitempty"`
	Typed    *string `json:"typed,omitempty"`
	Text     *string `json:"text,omitempty"`
	Scrolled *int    `json:"scrolled,omitempty"`
}

// ErrorCode is a string type used for structured error reporting from the
// executor and the router.
type ErrorCode string

const (
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
	ErrCodeElementNotFound  ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeUnknownAction    ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"
	ErrCodeNoActiveTab      ErrorCode = "NO_ACTIVE_TAB"
	ErrCodeTabNotFound      ErrorCode = "TAB_NOT_FOUND"
)

// ActionResult reports the outcome of an action. It travels in both
// directions: the relay sends it to the agent after running an action in a
// tab, and the agent sends it back (wrapped in an action-result message) to
// report work it did itself, such as navigation.
type ActionResult struct {
	Success   bool           `json:"success"`
	Action    ActionType     `json:"action,omitempty"`
	URL       string         `json:"url,omitempty"`
	Result    *ActionOutcome `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
	Selector  string         `json:"selector,omitempty"`
}

// IsNavigation reports whether the result describes a navigation outcome.
func (r ActionResult) IsNavigation() bool {
	return r.Action == ActionNavigate
}
