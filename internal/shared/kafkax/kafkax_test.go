package kafkax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestBrokenConnection(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"flattened dial error", errors.New("dial tcp 10.0.0.1:9092: connect: connection refused"), true},
		{"flattened timeout", errors.New("read: i/o timeout"), true},
		{"leader moved", fmt.Errorf("write: %w", kafka.NotLeaderForPartition), true},
		{"leader moved in batch", kafka.WriteErrors{nil, kafka.LeaderNotAvailable}, true},
		{"eof", fmt.Errorf("read: %w", io.EOF), true},
		{"message too large", kafka.MessageSizeTooLarge, false},
		{"batch without connection errors", kafka.WriteErrors{kafka.MessageSizeTooLarge}, false},
		{"caller cancelled", fmt.Errorf("write: %w", context.Canceled), false},
		{"flattened deadline", errors.New("context deadline exceeded"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := brokenConnection(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestClosedClientsReturnErrClosed(t *testing.T) {
	c := NewConsumer(ConsumerConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "t", GroupID: "g"})
	if err := c.Close(); err != nil {
		t.Fatalf("close consumer: %v", err)
	}
	if _, err := c.FetchMessage(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}

	p := NewProducer(ProducerConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "t"})
	if err := p.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
	if err := p.Produce(context.Background(), nil, []byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
