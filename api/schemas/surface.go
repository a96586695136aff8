package schemas

// -- Tab collaborator contract --

// Tab is the snapshot returned by an active-tab lookup.
type Tab struct {
	ID  TabID  `json:"id"`
	URL string `json:"url"`
}

// TabMessageType discriminates messages delivered into a tab's page context.
type TabMessageType string

const (
	TabSetAgentMode  TabMessageType = "set-agent-mode"
	TabExecuteAction TabMessageType = "execute-action"
)

// TabMessage is delivered to the page controller running in a tab.
type TabMessage struct {
	Type    TabMessageType `json:"type"`
	Enabled bool           `json:"enabled,omitempty"`
	Action  *Action        `json:"action,omitempty"`
}

// TabResponse is the page controller's reply to a TabMessage.
type TabResponse struct {
	Success   bool           `json:"success"`
	Result    *ActionOutcome `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
	Selector  string         `json:"selector,omitempty"`
}

// -- Chat surface protocol --

// SurfaceRequestType names the requests a chat surface can make.
type SurfaceRequestType string

const (
	SurfaceSendCommand  SurfaceRequestType = "send-command"
	SurfaceCheckStatus  SurfaceRequestType = "check-agent-status"
	SurfaceSetAgentMode SurfaceRequestType = "set-agent-mode"
)

// SurfaceRequest is sent by a chat surface. ID correlates the response.
type SurfaceRequest struct {
	ID      string             `json:"id,omitempty"`
	Type    SurfaceRequestType `json:"type"`
	Command *Command           `json:"command,omitempty"`
	Enabled bool               `json:"enabled,omitempty"`
}

// SurfaceMessageType names the messages pushed to chat surfaces.
type SurfaceMessageType string

const (
	SurfaceResponse          SurfaceMessageType = "response"
	SurfaceAgentResponse     SurfaceMessageType = "agent-response"
	SurfaceAgentConnected    SurfaceMessageType = "agent-connected"
	SurfaceAgentDisconnected SurfaceMessageType = "agent-disconnected"
)

// SurfaceMessage is either a reply to a SurfaceRequest (Type == response) or
// a broadcast.
type SurfaceMessage struct {
	ID        string             `json:"id,omitempty"`
	Type      SurfaceMessageType `json:"type"`
	Success   *bool              `json:"success,omitempty"`
	Error     string             `json:"error,omitempty"`
	Connected *bool              `json:"connected,omitempty"`
	Data      *AgentMessage      `json:"data,omitempty"`
}

// SubmitResult is the settled outcome of submitting a command.
type SubmitResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
