// Package protocol implements the client side of the agent wire protocol.
//
// The protocol is message-oriented JSON over WebSocket: every frame is an
// envelope with a type, an optional id for request/response correlation, and
// a type-specific payload. The connection layer drives this package through
// the Conn interface; tests substitute fakes for it.
package protocol

import "context"

// StopReason explains why a prompt exchange ended.
type StopReason string

const (
	// StopEndTurn means the agent finished its answer normally.
	StopEndTurn StopReason = "end_turn"

	// StopMaxTokens means the agent hit its output limit.
	StopMaxTokens StopReason = "max_tokens"

	// StopCancelled means the exchange was cancelled before completion.
	StopCancelled StopReason = "cancelled"

	// StopRefusal means the agent declined to answer.
	StopRefusal StopReason = "refusal"
)

// Capabilities are the feature flags a host advertises during handshake.
type Capabilities struct {
	// SessionResume is true when the host can reload a previously created
	// session by id. Hosts without it always get a fresh session.
	SessionResume bool `json:"sessionResume"`
}

// HostInfo is the host's self-description returned by the connect handshake.
type HostInfo struct {
	// Name is the host's self-reported display name.
	Name string `json:"name"`

	// StableID is a host-issued identifier that survives re-pairing. Used to
	// de-duplicate the same physical agent paired over two transports. May
	// be empty on older hosts.
	StableID string `json:"stableId,omitempty"`

	// Capabilities are the host's advertised feature flags.
	Capabilities Capabilities `json:"capabilities"`
}

// NotificationType identifies an inbound streamed event.
type NotificationType string

const (
	// NotifyMessageChunk carries incremental answer text.
	NotifyMessageChunk NotificationType = "message.chunk"

	// NotifyThoughtChunk carries incremental "thinking" text.
	NotifyThoughtChunk NotificationType = "thought.chunk"

	// NotifyToolCall announces a tool invocation starting.
	NotifyToolCall NotificationType = "tool.call"

	// NotifyToolCallUpdate carries streamed output for a running tool call.
	NotifyToolCallUpdate NotificationType = "tool.call_update"

	// NotifyPermissionRequest asks the user to choose how to handle a
	// sensitive action. The originating protocol call stays suspended on
	// the host until RespondPermission is called with the request id.
	NotifyPermissionRequest NotificationType = "permission.request"
)

// Notification is one inbound streamed event. Exactly one of the payload
// fields matching Type is non-nil.
type Notification struct {
	Type       NotificationType
	Message    *MessageChunk
	Thought    *ThoughtChunk
	ToolCall   *ToolCall
	ToolUpdate *ToolCallUpdate
	Permission *PermissionRequest
}

// MessageChunk is an increment of answer text.
type MessageChunk struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ThoughtChunk is an increment of the agent's thinking text.
type ThoughtChunk struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ToolCall announces that the agent started a tool invocation.
type ToolCall struct {
	SessionID string `json:"session_id"`

	// CallID keys all further updates for this invocation.
	CallID string `json:"call_id"`

	// Name is the tool being invoked (e.g. "bash", "edit").
	Name string `json:"name"`

	// Title is a human-readable summary of what the call does.
	Title string `json:"title,omitempty"`
}

// ToolCallUpdate carries incremental output for a running tool call.
// Repeated updates for the same CallID are merged by the caller.
type ToolCallUpdate struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`

	// Output is the accumulated or incremental tool output text.
	Output string `json:"output"`

	// Status is the call state: "running", "completed", "failed".
	Status string `json:"status,omitempty"`
}

// PermissionOption is one named choice offered by a permission request.
// Approval is not binary: hosts offer options like "allow once",
// "allow always", "reject".
type PermissionOption struct {
	// ID is what gets sent back in the permission response.
	ID string `json:"id"`

	// Name is the human-readable label for the option.
	Name string `json:"name"`

	// Kind hints at the option's effect: "allow_once", "allow_always",
	// "reject_once", "reject_always".
	Kind string `json:"kind,omitempty"`
}

// PermissionRequest asks the user to authorize a sensitive action.
type PermissionRequest struct {
	SessionID string `json:"session_id"`

	// RequestID identifies this request; the response is keyed by it.
	RequestID string `json:"request_id"`

	// ToolCallID is the tool invocation awaiting authorization.
	ToolCallID string `json:"tool_call_id"`

	// Title describes the action needing approval.
	Title string `json:"title"`

	// Options are the named choices the user may pick from.
	Options []PermissionOption `json:"options"`
}

// Conn is a live protocol connection to one agent host. The connection
// layer owns at most one Conn per agent at a time.
//
// All blocking methods honor context cancellation. After Close, every
// method returns an error and the Notifications channel is closed.
type Conn interface {
	// Connect performs the protocol handshake and returns the host's
	// self-description. Must be called once, before any other method.
	Connect(ctx context.Context) (*HostInfo, error)

	// CreateSession starts a new protocol session and returns its id.
	CreateSession(ctx context.Context, workingDir string, servers []string) (string, error)

	// LoadSession resumes a previously created session. Returns an error if
	// the host no longer has the session; callers fall back to CreateSession.
	LoadSession(ctx context.Context, sessionID, workingDir string, servers []string) error

	// Prompt submits user content to a session and blocks until the
	// exchange completes, returning the stop reason. Streamed output for
	// the exchange arrives on Notifications while Prompt is in flight.
	Prompt(ctx context.Context, sessionID, content string) (StopReason, error)

	// Notifications returns the inbound event stream. The channel is closed
	// when the connection dies or Close is called.
	Notifications() <-chan Notification

	// RespondPermission answers a permission request by id with the chosen
	// option id, unblocking the suspended call on the host.
	RespondPermission(ctx context.Context, requestID, optionID string) error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}
