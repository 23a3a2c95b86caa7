package server

import "encoding/json"

// inboundFrame is the shape a client sends over the WebSocket stream to
// start or continue a turn.
type inboundFrame struct {
	Messages       []inboundMessage `json:"messages"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Model          string           `json:"model,omitempty"`
}

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// outboundFrame is the shape every server->client WebSocket message takes.
// Only one of the fields below is populated per frame.
type outboundFrame struct {
	Status         string          `json:"status,omitempty"`
	Content        string          `json:"content,omitempty"`
	ToolCalls      []toolCallFrame `json:"tool_calls,omitempty"`
	Done           bool            `json:"done,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type toolCallFrame struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}
