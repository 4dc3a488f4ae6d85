package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

type ConsumerOptions struct {
	// DLQ receives messages that fail permanently or exhaust MaxRetries.
	DLQ        Publisher
	DLQTopic   string
	MaxRetries uint64
	RetryDelay time.Duration
}

type Consumer struct {
	group  sarama.ConsumerGroup
	logger *slog.Logger
	opts   ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		opts:   opts,
	}, nil
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := newGroupHandler(handler, c.logger, c.opts)

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler    MessageHandler
	logger     *slog.Logger
	dlq        Publisher
	dlqTopic   string
	maxRetries uint64
	retryDelay time.Duration
}

func newGroupHandler(handler MessageHandler, logger *slog.Logger, opts ConsumerOptions) *consumerGroupHandler {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &consumerGroupHandler{
		handler:    handler,
		logger:     logger,
		dlq:        opts.DLQ,
		dlqTopic:   opts.DLQTopic,
		maxRetries: opts.MaxRetries,
		retryDelay: delay,
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()
		attempts, err := h.handle(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error("kafka message handler error",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempts", attempts, "error", err)
			if !h.deadLetter(ctx, msg, err, attempts) {
				continue
			}
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := h.handler.HandleMessage(ctx, msg)
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryDelay
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, h.maxRetries), ctx))
	return attempts, err
}

// deadLetter reports whether msg was handed to the DLQ and may be committed.
func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) bool {
	if h.dlq == nil || h.dlqTopic == "" {
		return false
	}
	reason := "retries_exhausted"
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) {
		reason = dlqErr.Reason
		err = dlqErr.Err
	}
	payload := BuildDLQPayload(msg, err, reason, attempts)
	if _, _, pubErr := PublishJSON(ctx, h.dlq, h.dlqTopic, string(msg.Key), payload, nil); pubErr != nil {
		h.logger.Error("publish dlq failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	return true
}
