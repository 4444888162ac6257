package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MalformedEventError means the message cannot be turned into an envelope.
// Redelivery will not fix it.
type MalformedEventError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

type wireEnvelope struct {
	ID              string          `json:"id"`
	EventType       string          `json:"eventType"`
	Subject         string          `json:"subject"`
	EventTime       string          `json:"eventTime"`
	Data            json.RawMessage `json:"data"`
	DataVersion     string          `json:"dataVersion"`
	MetadataVersion string          `json:"metadataVersion"`
	Topic           string          `json:"topic"`
}

// Parse decodes a raw transport message. Only eventType and subject are
// required; data is not interpreted here.
func Parse(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, &MalformedEventError{Reason: "invalid json", Err: err}
	}

	env := Envelope{
		ID:              strings.TrimSpace(w.ID),
		EventType:       strings.TrimSpace(w.EventType),
		Subject:         strings.TrimSpace(w.Subject),
		EventTime:       parseEventTime(w.EventTime),
		Data:            w.Data,
		DataVersion:     w.DataVersion,
		MetadataVersion: w.MetadataVersion,
		Topic:           w.Topic,
	}

	if env.EventType == "" {
		return Envelope{}, &MalformedEventError{EventID: env.ID, Reason: "eventType is required"}
	}
	if env.Subject == "" {
		return Envelope{}, &MalformedEventError{EventID: env.ID, Reason: "subject is required"}
	}
	return env, nil
}

// Unparseable times are kept as zero; eventTime is informational.
func parseEventTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
