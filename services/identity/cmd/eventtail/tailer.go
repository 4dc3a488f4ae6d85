package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/AfshinJalili/identity/libs/kafka"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers event ids that were already printed.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
}

type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "identity:eventtail:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", eventID, err)
	}
	return ok, nil
}

type Tailer struct {
	dedupe Deduper
	logger *slog.Logger
}

func NewTailer(dedupe Deduper, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{dedupe: dedupe, logger: logger}
}

func (t *Tailer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}

	var event domain.UserEventPayload
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode user event: %w", err), "decode")
	}
	if id := header(msg, kafka.HeaderEventID); id != "" && event.EventID == "" {
		event.EventID = id
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}

	if t.dedupe != nil {
		first, err := t.dedupe.FirstSeen(ctx, event.EventID)
		if err != nil {
			return err
		}
		if !first {
			t.logger.Info("duplicate user event skipped", "event_id", event.EventID, "offset", msg.Offset)
			return nil
		}
	}

	t.logger.Info("user event",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"user_id", event.UserID,
		"status", event.Status,
		"version", event.Version,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"timestamp", event.Timestamp,
	)
	return nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
