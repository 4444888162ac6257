package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeAccountCreated = "account/created"
	TypeRoleDeleted    = "role/deleted"

	DataVersion = "1.0"
)

// Envelope is one delivered lifecycle event. Data stays raw until the
// handler for EventType decodes it.
type Envelope struct {
	ID              string          `json:"id"`
	EventType       string          `json:"eventType"`
	Subject         string          `json:"subject"`
	EventTime       time.Time       `json:"eventTime"`
	Data            json.RawMessage `json:"data"`
	DataVersion     string          `json:"dataVersion"`
	MetadataVersion string          `json:"metadataVersion,omitempty"`
	Topic           string          `json:"topic,omitempty"`
}

// New builds an envelope for publishing with a fresh id and the current time.
func New(eventType, subject string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		EventType:   eventType,
		Subject:     subject,
		EventTime:   time.Now().UTC(),
		Data:        raw,
		DataVersion: DataVersion,
	}, nil
}

// HasData reports whether the envelope carries a non-null payload.
func (e Envelope) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}
