package kafkax

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultWriteTimeout  = 5 * time.Second
	defaultBatchTimeout  = 50 * time.Millisecond
	defaultMetadataTTL   = 10 * time.Second
	defaultRebuildPeriod = 2 * time.Second
)

// Producer writes keyed messages to one topic. When a write fails on a broken
// connection or stale leadership, the writer is rebuilt and the write is tried
// once more.
type Producer struct {
	cfg ProducerConfig

	mu      sync.Mutex
	w       *kafka.Writer
	rebuilt time.Time
}

type ProducerConfig struct {
	Brokers  []string
	Topic    string
	ClientID string

	// WriteTimeout bounds a write when the caller passes no timeout.
	WriteTimeout time.Duration

	// RequireAll waits for every in-sync replica. The default waits for the
	// leader only.
	RequireAll bool
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Producer{cfg: cfg, w: cfg.writer()}
}

func (cfg ProducerConfig) writer() *kafka.Writer {
	acks := kafka.RequireOne
	if cfg.RequireAll {
		acks = kafka.RequireAll
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchTimeout: defaultBatchTimeout,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: defaultMetadataTTL,
		},
	}
}

func (p *Producer) Topic() string { return p.cfg.Topic }

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes one keyed message. Messages with the same key land on the
// same partition, so events for one subject stay ordered.
func (p *Producer) Produce(ctx context.Context, key []byte, value []byte, timeout time.Duration) error {
	return p.ProduceWithHeaders(ctx, key, value, nil, timeout)
}

func (p *Producer) ProduceWithHeaders(ctx context.Context, key, value []byte, headers []kafka.Header, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.WriteTimeout
	}
	msg := kafka.Message{Key: key, Value: value, Headers: headers}

	err := p.write(ctx, msg, timeout)
	if err == nil || !brokenConnection(err) {
		return err
	}
	p.rebuild()
	return p.write(ctx, msg, timeout)
}

func (p *Producer) write(ctx context.Context, msg kafka.Message, timeout time.Duration) error {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.WriteMessages(ctx, msg)
}

// rebuild swaps in a fresh writer unless one was built recently.
func (p *Producer) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil || time.Since(p.rebuilt) < defaultRebuildPeriod {
		return
	}
	_ = p.w.Close()
	p.w = p.cfg.writer()
	p.rebuilt = time.Now()
}

var leadershipErrors = []kafka.Error{
	kafka.NotLeaderForPartition,
	kafka.LeaderNotAvailable,
	kafka.BrokerNotAvailable,
}

// brokenConnection reports whether err looks like a dead connection or moved
// partition leadership, which a new writer can recover from.
func brokenConnection(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var batch kafka.WriteErrors
	if errors.As(err, &batch) {
		for _, e := range batch {
			if brokenConnection(e) {
				return true
			}
		}
		return false
	}

	for _, code := range leadershipErrors {
		if errors.Is(err, code) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Some client errors arrive flattened into strings.
	s := strings.ToLower(err.Error())
	for _, sub := range []string{"dial tcp", "connection refused", "i/o timeout", "broken pipe", "transport is closing", "not leader", "unknown broker"} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
