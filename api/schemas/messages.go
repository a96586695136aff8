package schemas

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
)

// TabID identifies a browser tab.
type TabID int

// Command is a free-text instruction typed into a chat surface. The router
// stamps TabID and URL before transmission; it is never mutated afterwards.
type Command struct {
	Text  string `json:"text"`
	TabID *TabID `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
}

// -- Outbound envelopes (relay -> agent) --

// EnvelopeType tags messages written to the agent.
type EnvelopeType string

const (
	EnvelopeCommand      EnvelopeType = "command"
	EnvelopeActionResult EnvelopeType = "action-result"
)

// CommandEnvelope carries a Command to the agent.
type CommandEnvelope struct {
	Type    EnvelopeType `json:"type"`
	Command Command      `json:"command"`
}

// NewCommandEnvelope wraps a command for transmission.
func NewCommandEnvelope(cmd Command) CommandEnvelope {
	return CommandEnvelope{Type: EnvelopeCommand, Command: cmd}
}

// ActionResultEnvelope returns the outcome of an agent-requested action.
// TabID is nil when no tab could be resolved.
type ActionResultEnvelope struct {
	Type  EnvelopeType `json:"type"`
	TabID *TabID       `json:"tabId,omitempty"`
	Data  ActionResult `json:"data"`
}

// NewActionResultEnvelope wraps an action result for transmission.
func NewActionResultEnvelope(tabID *TabID, result ActionResult) ActionResultEnvelope {
	return ActionResultEnvelope{Type: EnvelopeActionResult, TabID: tabID, Data: result}
}

// -- Inbound messages (agent -> relay) --

// AgentMessageType discriminates AgentMessage variants.
type AgentMessageType string

const (
	AgentStatus        AgentMessageType = "status"         // Progress text for the user.
	AgentResult        AgentMessageType = "result"         // Final outcome of a command.
	AgentActionResult  AgentMessageType = "action-result"  // Outcome of work the agent did on a page.
	AgentError         AgentMessageType = "error"          // Agent-side failure, shown to the user.
	AgentExecuteAction AgentMessageType = "execute-action" // Request to run an Action in a tab.
)

// AgentMessage is the tagged union received from the agent. The typed fields
// are a best-effort view used for routing and display; a field whose JSON
// type does not match is left empty rather than failing the message. Raw
// holds the message exactly as received and is what surfaces are sent.
// Messages are immutable once received.
type AgentMessage struct {
	Type    AgentMessageType `json:"type"`
	Message string           `json:"message,omitempty"`

	// result
	Success *bool `json:"success,omitempty"`

	// result (the action performed) and execute-action (the action requested).
	// A bare string such as "navigate" is read as the action type.
	Action *Action `json:"action,omitempty"`

	// action-result only. Other variants keep their data in Raw.
	Data *ActionResult `json:"data,omitempty"`

	// execute-action; a nil TabID targets the active tab
	TabID *TabID `json:"tabId,omitempty"`

	// Raw is the agent's encoding of the message. It is empty for messages
	// built in process.
	Raw json.RawMessage `json:"-"`
}

// agentMessageFields is AgentMessage without its JSON methods.
type agentMessageFields AgentMessage

var errNotAnObject = errors.New("agent message is not a JSON object")

// ParseAgentMessage reads one agent message. Only a payload that is not a
// JSON object is rejected.
func ParseAgentMessage(payload []byte) (AgentMessage, error) {
	if len(payload) == 0 {
		return AgentMessage{}, errNotAnObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return AgentMessage{}, fmt.Errorf("%w: %v", errNotAnObject, err)
	}
	if fields == nil {
		return AgentMessage{}, errNotAnObject
	}

	msg := AgentMessage{Raw: append(json.RawMessage(nil), payload...)}
	msg.Type, _ = lenient[AgentMessageType](fields["type"])
	msg.Message, _ = lenient[string](fields["message"])
	msg.Success, _ = lenient[*bool](fields["success"])
	msg.TabID, _ = lenient[*TabID](fields["tabId"])
	msg.Action = parseAction(fields["action"])
	if msg.Type == AgentActionResult {
		msg.Data = parseActionResult(fields["data"])
	}
	return msg, nil
}

// UnmarshalJSON decodes with ParseAgentMessage.
func (m *AgentMessage) UnmarshalJSON(b []byte) error {
	parsed, err := ParseAgentMessage(b)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalJSON writes Raw when the message came from the agent, and the typed
// fields otherwise.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(agentMessageFields(m))
}

// NavigationURL returns the target URL when the message is an action-result
// carrying a navigation outcome.
func (m AgentMessage) NavigationURL() (string, bool) {
	if m.Type != AgentActionResult || m.Data == nil || !m.Data.IsNavigation() {
		return "", false
	}
	return m.Data.URL, true
}

// lenient decodes raw into a T, reporting false when raw is absent or of
// another JSON type.
func lenient[T any](raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

func parseAction(raw json.RawMessage) *Action {
	if name, ok := lenient[string](raw); ok {
		return &Action{Type: ActionType(name)}
	}
	fields, ok := lenient[map[string]json.RawMessage](raw)
	if !ok || fields == nil {
		return nil
	}
	a := &Action{}
	a.Type, _ = lenient[ActionType](fields["type"])
	a.Selector, _ = lenient[string](fields["selector"])
	a.Text, _ = lenient[string](fields["text"])
	a.Amount, _ = lenient[*int](fields["amount"])
	return a
}

func parseActionResult(raw json.RawMessage) *ActionResult {
	fields, ok := lenient[map[string]json.RawMessage](raw)
	if !ok || fields == nil {
		return nil
	}
	r := &ActionResult{}
	r.Success, _ = lenient[bool](fields["success"])
	r.Action, _ = lenient[ActionType](fields["action"])
	r.URL, _ = lenient[string](fields["url"])
	r.Result, _ = lenient[*ActionOutcome](fields["result"])
	r.Error, _ = lenient[string](fields["error"])
	r.ErrorCode, _ = lenient[ErrorCode](fields["errorCode"])
	r.Selector, _ = lenient[string](fields["selector"])
	return r
}
