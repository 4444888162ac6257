package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/rolekeeper/internal/dispatch"
	"github.com/k1networth/rolekeeper/internal/inbox"
	"github.com/k1networth/rolekeeper/internal/shared/events"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
	"github.com/k1networth/rolekeeper/internal/worker"
)

type fakeHandler struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (h *fakeHandler) Dispatch(context.Context, events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *fakeHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeDeadLetter struct {
	err     error
	value   []byte
	headers map[string]string
}

func (d *fakeDeadLetter) ProduceWithHeaders(_ context.Context, _, value []byte, headers []kafka.Header, _ time.Duration) error {
	if d.err != nil {
		return d.err
	}
	d.value = value
	d.headers = map[string]string{}
	for _, h := range headers {
		d.headers[h.Key] = string(h.Value)
	}
	return nil
}

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	reopened  int
}

func (c *fakeConsumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (c *fakeConsumer) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.committed = append(c.committed, m.Offset)
	}
	return nil
}

func (c *fakeConsumer) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reopened++
}

func (c *fakeConsumer) Committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.committed...)
}

var testConfig = worker.Config{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

func message(offset int64, raw string) kafka.Message {
	return kafka.Message{Topic: "identity.events", Partition: 0, Offset: offset, Key: []byte("k"), Value: []byte(raw)}
}

const validEvent = `{"id":"e1","eventType":"account/created","subject":"accounts/1","data":{"id":"1","username":"ana"}}`

func retryable(msg string) error {
	return &dispatch.Error{Kind: dispatch.KindRetryable, Err: errors.New(msg)}
}

func newWorker(h worker.Handler, in inbox.Store, dl worker.DeadLetter) (*worker.Worker, *worker.Metrics) {
	m := worker.NewMetrics(prometheus.NewRegistry())
	return worker.New(&fakeConsumer{}, h, in, dl, m, testConfig, logger.Discard()), m
}

func TestProcessSuccess(t *testing.T) {
	h := &fakeHandler{}
	in := inbox.NewMemory()
	w, m := newWorker(h, in, nil)

	commit, err := w.Process(context.Background(), message(1, validEvent))
	if err != nil || !commit {
		t.Fatalf("expected commit, got %v %v", commit, err)
	}
	if status, _, _ := in.Status("e1"); status != inbox.StatusDone {
		t.Fatalf("expected inbox done, got %q", status)
	}
	if v := testutil.ToFloat64(m.Processed.WithLabelValues("account/created", "ok")); v != 1 {
		t.Fatalf("expected ok=1, got %v", v)
	}
}

func TestProcessMalformedIsCommittedWithoutDispatch(t *testing.T) {
	h := &fakeHandler{}
	w, m := newWorker(h, inbox.NewMemory(), nil)

	commit, err := w.Process(context.Background(), message(1, `{"subject":"x"}`))
	if err != nil || !commit {
		t.Fatalf("expected commit, got %v %v", commit, err)
	}
	if h.Calls() != 0 {
		t.Fatalf("expected no dispatch, got %d", h.Calls())
	}
	if v := testutil.ToFloat64(m.Processed.WithLabelValues("unknown", "malformed")); v != 1 {
		t.Fatalf("expected malformed=1, got %v", v)
	}
}

func TestProcessSkipsDoneEvents(t *testing.T) {
	h := &fakeHandler{}
	in := inbox.NewMemory()
	w, _ := newWorker(h, in, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if commit, err := w.Process(ctx, message(int64(i), validEvent)); err != nil || !commit {
			t.Fatalf("delivery %d: expected commit, got %v %v", i, commit, err)
		}
	}
	if h.Calls() != 1 {
		t.Fatalf("expected one dispatch, got %d", h.Calls())
	}
}

func TestProcessFatalIsNotRetried(t *testing.T) {
	h := &fakeHandler{errs: []error{&dispatch.Error{Kind: dispatch.KindFatal, Err: errors.New("bad payload")}}}
	w, m := newWorker(h, inbox.NewMemory(), nil)

	commit, err := w.Process(context.Background(), message(1, validEvent))
	if err != nil || !commit {
		t.Fatalf("expected commit, got %v %v", commit, err)
	}
	if h.Calls() != 1 {
		t.Fatalf("expected one attempt, got %d", h.Calls())
	}
	if v := testutil.ToFloat64(m.Processed.WithLabelValues("account/created", "dropped")); v != 1 {
		t.Fatalf("expected dropped=1, got %v", v)
	}
}

func TestProcessRedeliversRetryable(t *testing.T) {
	h := &fakeHandler{errs: []error{retryable("timeout"), retryable("timeout")}}
	w, m := newWorker(h, inbox.NewMemory(), nil)

	commit, err := w.Process(context.Background(), message(1, validEvent))
	if err != nil || !commit {
		t.Fatalf("expected commit, got %v %v", commit, err)
	}
	if h.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.Calls())
	}
	if v := testutil.ToFloat64(m.Redeliveries.WithLabelValues("account/created")); v != 2 {
		t.Fatalf("expected 2 redeliveries, got %v", v)
	}
}

func TestProcessDeadLettersExhausted(t *testing.T) {
	h := &fakeHandler{errs: []error{retryable("a"), retryable("b"), retryable("c")}}
	dl := &fakeDeadLetter{}
	in := inbox.NewMemory()
	w, m := newWorker(h, in, dl)

	commit, err := w.Process(context.Background(), message(7, validEvent))
	if err != nil || !commit {
		t.Fatalf("expected commit, got %v %v", commit, err)
	}
	if string(dl.value) != validEvent {
		t.Fatalf("expected raw message dead-lettered, got %q", dl.value)
	}
	if dl.headers["x-attempts"] != "3" || dl.headers["x-source-offset"] != "7" {
		t.Fatalf("unexpected headers: %v", dl.headers)
	}
	if status, _, lastErr := in.Status("e1"); status != inbox.StatusProcessing || lastErr == "" {
		t.Fatalf("expected inbox failure recorded, got %q %q", status, lastErr)
	}
	if v := testutil.ToFloat64(m.DeadLettered.WithLabelValues("account/created")); v != 1 {
		t.Fatalf("expected dead_lettered=1, got %v", v)
	}
}

func TestProcessDeadLetterFailureBlocksCommit(t *testing.T) {
	h := &fakeHandler{errs: []error{retryable("a"), retryable("b"), retryable("c")}}
	w, _ := newWorker(h, inbox.NewMemory(), &fakeDeadLetter{err: errors.New("broker down")})

	commit, err := w.Process(context.Background(), message(1, validEvent))
	if commit {
		t.Fatalf("expected no commit")
	}
	if !errors.Is(err, worker.ErrDeadLetter) {
		t.Fatalf("expected ErrDeadLetter, got %v", err)
	}
}

func TestRunCommitsAndStops(t *testing.T) {
	c := &fakeConsumer{queue: []kafka.Message{
		message(1, validEvent),
		message(2, `not json`),
		message(3, `{"id":"e3","eventType":"unused/event","subject":"x"}`),
	}}
	h := &fakeHandler{}
	w := worker.New(c, h, inbox.NewMemory(), nil, worker.NewMetrics(prometheus.NewRegistry()), testConfig, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(c.Committed()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 commits, got %v", c.Committed())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	got := c.Committed()
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected offsets 1,2,3 in order, got %v", got)
	}
}
