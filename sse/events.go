package sse

// Event names written by Serve.
const (
	// EventTypeConnected is sent once when the stream opens.
	EventTypeConnected = "connected"

	// EventTypeItem carries one JSON-encoded item.
	EventTypeItem = "item"

	// EventTypeError is sent when the flow fails. The stream ends after it.
	EventTypeError = "error"

	// EventTypeComplete is sent when the flow completes.
	EventTypeComplete = "complete"
)

// ConnectedEvent is the payload of the connected event.
type ConnectedEvent struct {
	ClientID string            `json:"client_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorEvent is the payload of the error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}
