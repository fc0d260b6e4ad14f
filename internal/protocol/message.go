package protocol

import "encoding/json"

// MessageType identifies the kind of message in a wire envelope.
type MessageType string

const (
	// MessageTypeConnect is the client's opening handshake request.
	// Payload: ConnectPayload. Response payload: HostInfo.
	MessageTypeConnect MessageType = "connect"

	// MessageTypeSessionCreate requests a new protocol session.
	// Payload: SessionCreatePayload. Response payload: SessionCreatedPayload.
	MessageTypeSessionCreate MessageType = "session.create"

	// MessageTypeSessionLoad requests resumption of an existing session.
	// Payload: SessionLoadPayload. Response: empty payload on success.
	MessageTypeSessionLoad MessageType = "session.load"

	// MessageTypePrompt submits user content to a session.
	// Payload: PromptPayload. Response payload: PromptDonePayload.
	MessageTypePrompt MessageType = "prompt"

	// MessageTypePermissionResponse answers a permission.request.
	// Payload: PermissionResponsePayload. No response.
	MessageTypePermissionResponse MessageType = "permission.response"

	// MessageTypeError is a host-reported failure for a correlated request.
	// Payload: ErrorPayload.
	MessageTypeError MessageType = "error"

	// MessageTypeHeartbeat keeps the connection alive. Payload: none.
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Envelope is the frame for all protocol messages. Every message has a type
// and an optional id for request/response correlation; the payload structure
// depends on the type.
type Envelope struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID correlates responses to requests. Notifications have no id.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data, left raw until the
	// type is known.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload is the client's self-description in the handshake.
type ConnectPayload struct {
	// Client names the connecting software.
	Client string `json:"client"`

	// Version is the client version string.
	Version string `json:"version"`
}

// SessionCreatePayload requests a new session.
type SessionCreatePayload struct {
	// WorkingDir is the directory the session operates in.
	WorkingDir string `json:"working_dir,omitempty"`

	// Servers lists auxiliary tool servers the session should start with.
	Servers []string `json:"servers,omitempty"`
}

// SessionCreatedPayload confirms session creation.
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}

// SessionLoadPayload requests resumption of a prior session.
type SessionLoadPayload struct {
	SessionID  string   `json:"session_id"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Servers    []string `json:"servers,omitempty"`
}

// PromptPayload submits user content to a session.
type PromptPayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// PromptDonePayload completes a prompt exchange.
type PromptDonePayload struct {
	SessionID  string     `json:"session_id"`
	StopReason StopReason `json:"stop_reason"`
}

// PermissionResponsePayload answers a permission request by id.
type PermissionResponsePayload struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id"`
}

// ErrorPayload carries a host-reported failure.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}
