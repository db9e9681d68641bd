package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerplan/peerplan/libs/kafkax"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/inbox"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads one topic with inbox dedup and trace propagation. Sync
// requests are keyed by connection id, so one partition (and therefore one
// consumer at a time) sees all requests for a given connection.
type Consumer struct {
	reader      *kafka.Reader
	logger      *slog.Logger
	inbox       *inbox.Repository
	handler     Handler
	maxAttempts int
	retryAfter  time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// MaxAttempts bounds in-process retries of the handler. Provider APIs
	// fail transiently; giving up drops the sync request until the next
	// push for that channel arrives.
	MaxAttempts int
	RetryAfter  time.Duration
}

func New(logger *slog.Logger, inboxRepo *inbox.Repository, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 2 * time.Second
	}
	return &Consumer{
		reader:      reader,
		logger:      logger,
		inbox:       inboxRepo,
		handler:     handler,
		maxAttempts: cfg.MaxAttempts,
		retryAfter:  cfg.RetryAfter,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}
		c.consume(ctx, msg)
	}
}

func (c *Consumer) consume(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		return
	}
	if !ok {
		c.logger.Debug("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return
	}

	for attempt := 1; ; attempt++ {
		err := c.handler(ctxSpan, msg)
		if err == nil {
			return
		}
		if attempt >= c.maxAttempts || ctxSpan.Err() != nil {
			c.logger.Error("handler gave up", "err", err,
				"event_id", meta.EventID, "attempts", attempt)
			span.RecordError(err)
			return
		}
		c.logger.Warn("handler error, retrying", "err", err,
			"event_id", meta.EventID, "attempt", attempt)
		select {
		case <-ctxSpan.Done():
			return
		case <-time.After(c.retryAfter):
		}
	}
}
