package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/AfshinJalili/identity/libs/kafka"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Store is the outbox side of the user store gateway.
type Store interface {
	FetchUnpublished(ctx context.Context, limit, maxAttempts int, parkedBefore time.Time) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RecordPublishFailure(ctx context.Context, id uuid.UUID, lastErr string, at time.Time) (int, error)
	CountStuck(ctx context.Context, maxAttempts int) (int64, error)
	OldestPending(ctx context.Context) (*time.Time, error)
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
}

// HealthReporter receives the outbox degradation signal.
type HealthReporter interface {
	SetCheck(name string, err error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

const HealthCheckName = "outbox"

var errMarkFailed = errors.New("mark published failed")

type Config struct {
	Topic           string
	DeadLetterTopic string
	PollInterval    time.Duration
	BatchSize       int
	// MaxAttempts is the number of failed passes after which a row is parked.
	MaxAttempts int
	// ParkedRetry is how long a parked row waits before it is tried again.
	ParkedRetry    time.Duration
	PublishTimeout time.Duration
	// PublishRetries bounds the in-pass retries of one row.
	PublishRetries uint64
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Retention      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ParkedRetry <= 0 {
		c.ParkedRetry = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Relay struct {
	store     Store
	publisher kafka.Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	health    HealthReporter
	clock     Clock
	wake      chan struct{}
}

func New(store Store, publisher kafka.Publisher, cfg Config, logger *slog.Logger, metrics *Metrics, health HealthReporter) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   metrics,
		health:    health,
		clock:     systemClock{},
		wake:      make(chan struct{}, 1),
	}
}

// WithClock replaces the wall clock; used by tests.
func (r *Relay) WithClock(c Clock) *Relay {
	r.clock = c
	return r
}

// Notify asks the loop to run a pass now. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "topic", r.cfg.Topic, "poll_interval", r.cfg.PollInterval)
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Drain runs passes until a pass publishes nothing. It returns the number
// of rows published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, more, err := r.pass(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if !more {
			break
		}
	}
	r.refreshHealth(ctx)
	return total, nil
}

// pass publishes one batch. more reports whether a full batch went out
// without failures, so another pass may find work.
func (r *Relay) pass(ctx context.Context) (published int, more bool, err error) {
	now := r.clock.Now()
	events, err := r.store.FetchUnpublished(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts, now.Add(-r.cfg.ParkedRetry))
	if err != nil {
		return 0, false, fmt.Errorf("fetch unpublished: %w", err)
	}

	blocked := map[uuid.UUID]bool{}
	failed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return published, false, ctx.Err()
		}
		if blocked[ev.AggregateID] {
			continue
		}
		if err := r.deliver(ctx, ev); err != nil {
			blocked[ev.AggregateID] = true
			failed++
			if ctx.Err() != nil {
				return published, false, ctx.Err()
			}
			if errors.Is(err, errMarkFailed) {
				continue
			}
			r.handleFailure(ctx, ev, err)
			continue
		}
		published++
	}
	return published, failed == 0 && len(events) == r.cfg.BatchSize, nil
}

func (r *Relay) message(ev domain.OutboxEvent) kafka.Message {
	return kafka.Message{
		Topic: r.cfg.Topic,
		Key:   ev.AggregateID.String(),
		Value: ev.Payload,
		Headers: map[string]string{
			kafka.HeaderEventType: string(ev.Type),
			kafka.HeaderEventID:   ev.ID.String(),
		},
	}
}

func (r *Relay) deliver(ctx context.Context, ev domain.OutboxEvent) error {
	msg := r.message(ev)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	op := func() error {
		pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		defer cancel()
		_, _, err := r.publisher.Publish(pubCtx, msg)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.PublishRetries), ctx)); err != nil {
		return err
	}

	now := r.clock.Now()
	marked, err := r.store.MarkPublished(ctx, ev.ID, now)
	if err != nil {
		// The broker has the message; the row stays pending and will be
		// delivered again, which consumers dedupe by event id.
		r.logger.Warn("mark published failed", "event_id", ev.ID, "error", err)
		return fmt.Errorf("%w: %v", errMarkFailed, err)
	}
	if marked && r.metrics != nil {
		r.metrics.Published.WithLabelValues(string(ev.Type)).Inc()
		r.metrics.Lag.Observe(now.Sub(ev.CreatedAt).Seconds())
	}
	return nil
}

func (r *Relay) handleFailure(ctx context.Context, ev domain.OutboxEvent, pubErr error) {
	if r.metrics != nil {
		r.metrics.Failures.WithLabelValues(string(ev.Type)).Inc()
	}
	attempts, err := r.store.RecordPublishFailure(ctx, ev.ID, pubErr.Error(), r.clock.Now())
	if err != nil {
		r.logger.Error("record publish failure", "event_id", ev.ID, "error", err)
		return
	}

	if attempts < r.cfg.MaxAttempts {
		r.logger.Warn("outbox publish failed", "event_id", ev.ID, "user_id", ev.AggregateID, "attempts", attempts, "error", pubErr)
		return
	}

	r.logger.Error("outbox event parked after repeated failures",
		"event_id", ev.ID, "user_id", ev.AggregateID, "event_type", ev.Type, "attempts", attempts, "error", pubErr)
	if attempts == r.cfg.MaxAttempts {
		r.alert(ctx, ev, pubErr, attempts)
	}
}

// alert copies the parked event to the dead-letter topic for operators. The
// row itself stays pending.
func (r *Relay) alert(ctx context.Context, ev domain.OutboxEvent, pubErr error, attempts int) {
	if r.cfg.DeadLetterTopic == "" {
		return
	}
	payload := kafka.BuildPublishFailurePayload(r.message(ev), pubErr.Error(), "outbox_parked", attempts, r.clock.Now())
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if _, _, err := kafka.PublishJSON(pubCtx, r.publisher, r.cfg.DeadLetterTopic, ev.AggregateID.String(), payload, nil); err != nil {
		r.logger.Warn("dead letter alert failed", "event_id", ev.ID, "error", err)
	}
}

func (r *Relay) refreshHealth(ctx context.Context) {
	stuck, err := r.store.CountStuck(ctx, r.cfg.MaxAttempts)
	if err != nil {
		r.logger.Warn("count stuck outbox rows", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Stuck.Set(float64(stuck))
		if oldest, err := r.store.OldestPending(ctx); err == nil {
			age := 0.0
			if oldest != nil {
				age = r.clock.Now().Sub(*oldest).Seconds()
			}
			r.metrics.OldestPendingAge.Set(age)
		}
	}
	if r.health == nil {
		return
	}
	if stuck > 0 {
		r.health.SetCheck(HealthCheckName, fmt.Errorf("%d outbox events parked", stuck))
		return
	}
	r.health.SetCheck(HealthCheckName, nil)
}

// CollectGarbage removes published rows older than the retention window.
func (r *Relay) CollectGarbage(ctx context.Context) (int64, error) {
	n, err := r.store.PurgePublished(ctx, r.clock.Now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("outbox garbage collected", "rows", n)
	}
	return n, nil
}

// RunGC calls CollectGarbage every interval until ctx is cancelled.
func (r *Relay) RunGC(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.CollectGarbage(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("outbox garbage collection failed", "error", err)
			}
		}
	}
}
