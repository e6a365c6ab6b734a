package payments

import (
	"encoding/json"
	"fmt"
)

// Event is the provider event envelope. Only the fields the reconciler
// needs are decoded here; the nested object stays raw until the event type
// is known.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	Raw json.RawMessage `json:"object"`
}

// ParseEvent decodes a verified payload into an event envelope. Must only
// be called after signature verification: unauthenticated input is never
// parsed.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("event payload missing id or type")
	}
	return &event, nil
}
