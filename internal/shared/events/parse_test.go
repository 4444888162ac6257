package events_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/k1networth/rolekeeper/internal/shared/events"
)

func TestParseValidEnvelope(t *testing.T) {
	raw := []byte(`{
		"id":"evt-1",
		"eventType":"account/created",
		"subject":"accounts/42",
		"eventTime":"2025-03-01T10:15:00.123Z",
		"data":{"id":"42","username":"ana"},
		"dataVersion":"1.0",
		"topic":"identity"
	}`)

	env, err := events.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.ID != "evt-1" {
		t.Fatalf("expected id %q, got %q", "evt-1", env.ID)
	}
	if env.EventType != events.TypeAccountCreated {
		t.Fatalf("expected event type %q, got %q", events.TypeAccountCreated, env.EventType)
	}
	if env.Subject != "accounts/42" {
		t.Fatalf("expected subject %q, got %q", "accounts/42", env.Subject)
	}
	want := time.Date(2025, 3, 1, 10, 15, 0, 123000000, time.UTC)
	if !env.EventTime.Equal(want) {
		t.Fatalf("expected event time %v, got %v", want, env.EventTime)
	}
	if !env.HasData() {
		t.Fatalf("expected data to be present")
	}
}

func TestParseMissingEventTypeIsMalformed(t *testing.T) {
	_, err := events.Parse([]byte(`{"id":"evt-2","subject":"roles/1","data":{}}`))

	var me *events.MalformedEventError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
	if me.EventID != "evt-2" {
		t.Fatalf("expected event id %q, got %q", "evt-2", me.EventID)
	}
}

func TestParseBlankSubjectIsMalformed(t *testing.T) {
	_, err := events.Parse([]byte(`{"id":"evt-3","eventType":"role/deleted","subject":"   "}`))

	var me *events.MalformedEventError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
}

func TestParseInvalidJSONIsMalformed(t *testing.T) {
	_, err := events.Parse([]byte(`{"eventType":`))

	var me *events.MalformedEventError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
	if me.Unwrap() == nil {
		t.Fatalf("expected underlying json error")
	}
}

func TestParseDefersDataInterpretation(t *testing.T) {
	env, err := events.Parse([]byte(`{"eventType":"account/created","subject":"accounts/1","data":"not-an-account"}`))
	if err != nil {
		t.Fatalf("expected data to be left for the handler, got %v", err)
	}
	if string(env.Data) != `"not-an-account"` {
		t.Fatalf("expected raw data to be kept, got %s", env.Data)
	}
}

func TestParseNullDataAndBadTime(t *testing.T) {
	env, err := events.Parse([]byte(`{"eventType":"role/deleted","subject":"roles/1","data":null,"eventTime":"yesterday"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.HasData() {
		t.Fatalf("expected null data to report no data")
	}
	if !env.EventTime.IsZero() {
		t.Fatalf("expected zero event time, got %v", env.EventTime)
	}
}

func TestNewEnvelopeRoundTripsThroughParse(t *testing.T) {
	env, err := events.New(events.TypeRoleDeleted, "roles/7", map[string]string{"id": "7", "name": "ADMIN"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if env.ID == "" || env.DataVersion != events.DataVersion {
		t.Fatalf("expected id and data version to be set, got %+v", env)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := events.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != env.ID || got.Subject != "roles/7" {
		t.Fatalf("expected %q %q, got %q %q", env.ID, "roles/7", got.ID, got.Subject)
	}
}
