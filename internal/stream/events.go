// Package stream implements the server-sent chat event channel and the
// client side decoder for it.
package stream

import "encoding/json"

type EventType string

const (
	TypeTextDelta      EventType = "text_delta"
	TypeToolStart      EventType = "tool_start"
	TypeToolComplete   EventType = "tool_complete"
	TypeAgentSwitch    EventType = "agent_switch"
	TypeTitleGenerated EventType = "title_generated"
	TypeDone           EventType = "done"
	TypeError          EventType = "error"
	TypeHeartbeat      EventType = "heartbeat"
)

func (t EventType) Terminal() bool {
	return t == TypeDone || t == TypeError
}

// Event is one frame on the wire, `data: {"type": ..., "data": {...}}`
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TextDelta struct {
	Delta         string `json:"delta"`
	FullTextSoFar string `json:"fullTextSoFar"`
}

type ToolStart struct {
	ToolName string `json:"toolName"`
	Agent    string `json:"agent,omitempty"`
}

type ToolComplete struct {
	ToolName string `json:"toolName"`
	Status   string `json:"status"`
}

type AgentSwitch struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type TitleGenerated struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type Done struct {
	ConversationID string `json:"conversationId"`
	FullResponse   string `json:"fullResponse"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Heartbeat struct{}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Data: data}, nil
}
