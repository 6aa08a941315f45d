package protocol

import "encoding/json"

// Frame types accepted from the client.
const (
	TypeConnect    = "connect"
	TypeAudio      = "audio"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"
)

// Frame types emitted to the client.
const (
	TypeStatus        = "status"
	TypeTranscription = "transcription"
	TypeFunctionCall  = "function_call"
	TypeError         = "error"
	TypePong          = "pong"
)

// ClientFrame represents a frame sent from the browser client to the relay.
// Data stays raw because its shape depends on Type.
type ClientFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ServerFrame represents a frame sent from the relay to the browser client.
// Every server-originated frame carries the owning session identifier.
type ServerFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	SessionID string `json:"sessionId"`
}

// StatusPayload carries the relay connection state.
type StatusPayload struct {
	State string `json:"state"`
}

// AudioPayload carries base64 PCM in either direction. Interrupt instructs
// the client to flush queued playback immediately.
type AudioPayload struct {
	Data      string `json:"data,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// TranscriptionPayload carries a transcription fragment or a final marker.
type TranscriptionPayload struct {
	Text    string `json:"text"`
	IsUser  bool   `json:"isUser"`
	IsFinal bool   `json:"isFinal"`
}

// FunctionCallPayload notifies the client that a tool call was sighted in the
// upstream stream. The call itself is serviced server-side.
type FunctionCallPayload struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	CallID string         `json:"callId"`
}

// ErrorPayload carries a message-level error scoped to one connection.
type ErrorPayload struct {
	Message string `json:"message"`
}
