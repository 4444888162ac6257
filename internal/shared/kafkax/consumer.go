// Package kafkax wraps segmentio/kafka-go readers and writers with the
// reconnect behaviour the services share.
package kafkax

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrClosed = errors.New("kafkax: closed")

type Consumer struct {
	mu  sync.Mutex
	r   *kafka.Reader
	cfg ConsumerConfig
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// StartOffset applies only to a group without committed offsets:
	// "first" or "last" (default).
	StartOffset string

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{cfg: cfg}
	c.r = newReader(cfg)
	return c
}

func newReader(cfg ConsumerConfig) *kafka.Reader {
	minB := cfg.MinBytes
	maxB := cfg.MaxBytes
	if minB == 0 {
		minB = 1
	}
	if maxB == 0 {
		maxB = 10e6
	}
	wait := cfg.MaxWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}

	start := kafka.LastOffset
	if strings.EqualFold(cfg.StartOffset, "first") {
		start = kafka.FirstOffset
	}

	// Bounded waits keep FetchMessage responsive to broker metadata changes.
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    start,
		MinBytes:       minB,
		MaxBytes:       maxB,
		MaxWait:        wait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
}

func (c *Consumer) Topic() string { return c.cfg.Topic }

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

func (c *Consumer) reader() (*kafka.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil, ErrClosed
	}
	return c.r, nil
}

func (c *Consumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r, err := c.reader()
	if err != nil {
		return kafka.Message{}, err
	}
	return r.FetchMessage(ctx)
}

func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r, err := c.reader()
	if err != nil {
		return err
	}
	return r.CommitMessages(ctx, msgs...)
}

// Reopen replaces the reader, dropping cached broker metadata.
func (c *Consumer) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r != nil {
		_ = c.r.Close()
	}
	c.r = newReader(c.cfg)
}
