package watcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hoamxTrav/hoamx-watcher-agent/store"
)

// EventTypeContactCreated is the event emitted for each new contact row
const EventTypeContactCreated = "contact.created"

// eventSchema declares the payload shape for one event type. The field set
// is fixed per type; the only runtime choice is minimal vs full, never
// inference from whatever shape the source row happens to have.
type eventSchema struct {
	eventType  string
	fullFields []string // row fields included when emit_full_row is set
}

var eventSchemas = map[string]eventSchema{
	EventTypeContactCreated: {
		eventType:  EventTypeContactCreated,
		fullFields: []string{"id", "tenant", "name", "email", "message", "created_at"},
	},
}

// EventID derives the deterministic identity for an event. Re-synthesizing
// the same row always yields the same value, which is what makes outbox
// insertion idempotent.
func EventID(eventType, tenant string, sourceRowID int64) string {
	return fmt.Sprintf("%s:%s:%d", eventType, tenant, sourceRowID)
}

// wirePayload is the document delivered to downstream endpoints
type wirePayload struct {
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	Tenant           string         `json:"tenant"`
	ContactMessageID int64          `json:"contact_message_id"`
	ObservedAt       string         `json:"observed_at"`
	Data             map[string]any `json:"data,omitempty"`
}

// Synthesize derives an unpersisted outbox event from a claimed source row.
// observed_at is the synthesis wall clock, not the row's own creation time.
func Synthesize(row store.SourceRow, tenant, eventType string, emitFullRow bool, observedAt time.Time) (store.OutboxEvent, error) {
	schema, ok := eventSchemas[eventType]
	if !ok {
		return store.OutboxEvent{}, fmt.Errorf("unknown event type %q", eventType)
	}

	payload := wirePayload{
		EventID:          EventID(schema.eventType, tenant, row.ID),
		EventType:        schema.eventType,
		Tenant:           tenant,
		ContactMessageID: row.ID,
		ObservedAt:       observedAt.UTC().Format(time.RFC3339),
	}
	if emitFullRow {
		fields := row.Fields()
		data := make(map[string]any, len(schema.fullFields))
		for _, name := range schema.fullFields {
			if v, ok := fields[name]; ok {
				data[name] = v
			}
		}
		payload.Data = data
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return store.OutboxEvent{}, fmt.Errorf("failed to encode payload for row %d: %w", row.ID, err)
	}

	return store.OutboxEvent{
		EventID:     payload.EventID,
		EventType:   schema.eventType,
		Tenant:      tenant,
		SourceRowID: row.ID,
		Payload:     string(encoded),
		Status:      store.StatusNew,
	}, nil
}
