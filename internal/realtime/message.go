package realtime

import "encoding/json"

// Reserved client event names handled by the namespace itself.
const (
	eventJoin  = "join"
	eventLeave = "leave"
	eventError = "error"
)

// ClientMessage is the wire shape of an inbound frame. RequestID, when set,
// is echoed back on the acknowledging frame.
type ClientMessage struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ServerMessage is the wire shape of an outbound frame.
type ServerMessage struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// wireFrame renders an envelope as the frame delivered to clients.
func wireFrame(env Envelope) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: env.Event, Payload: env.Payload})
}
