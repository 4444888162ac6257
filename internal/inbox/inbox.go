// Package inbox remembers which envelopes were already handled so a
// redelivered one can be acknowledged without running the policies again.
// The policies are idempotent on their own; the inbox only saves work.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	StatusProcessing = "processing"
	StatusDone       = "done"
)

type Entry struct {
	EventID   string
	EventType string
	Subject   string
	Payload   json.RawMessage
}

type Store interface {
	// StartProcessing records an attempt. It returns false when the event
	// is already done.
	StartProcessing(ctx context.Context, e Entry) (bool, error)
	MarkDone(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, errMsg string) error
}

// Nop never skips anything.
type Nop struct{}

func (Nop) StartProcessing(context.Context, Entry) (bool, error) { return true, nil }
func (Nop) MarkDone(context.Context, string) error              { return nil }
func (Nop) MarkFailed(context.Context, string, string) error     { return nil }

type record struct {
	status    string
	attempts  int
	lastError string
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*record
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*record)}
}

func (m *Memory) StartProcessing(_ context.Context, e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[e.EventID]
	if !ok {
		r = &record{status: StatusProcessing}
		m.entries[e.EventID] = r
	}
	r.attempts++
	return r.status != StatusDone, nil
}

func (m *Memory) MarkDone(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[eventID]
	if !ok {
		return fmt.Errorf("inbox: unknown event %s", eventID)
	}
	r.status = StatusDone
	r.lastError = ""
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, eventID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[eventID]
	if !ok {
		return fmt.Errorf("inbox: unknown event %s", eventID)
	}
	r.status = StatusProcessing
	r.lastError = errMsg
	return nil
}

// Status reports the stored status, attempts and last error for eventID.
func (m *Memory) Status(eventID string) (string, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[eventID]
	if !ok {
		return "", 0, ""
	}
	return r.status, r.attempts, r.lastError
}
