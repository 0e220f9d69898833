package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/circuitbreaker"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultTopic     = "orders-outbox"
	defaultBatchSize = 100
)

// MessageWriter is the part of *kafka.Writer the poller needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPoller relays committed outbox events to Kafka. Delivery is at least once:
// an event is marked processed only after the broker acknowledged it.
type OutboxPoller struct {
	eventTick time.Duration
	batchSize int
	repo      store.OutboxReader
	writer    MessageWriter
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func NewOutboxPoller(repo store.OutboxReader, writer MessageWriter, eventTick time.Duration) *OutboxPoller {
	if eventTick <= 0 {
		eventTick = time.Second
	}
	return &OutboxPoller{
		eventTick: eventTick,
		batchSize: defaultBatchSize,
		repo:      repo,
		writer:    writer,
		breaker:   circuitbreaker.New[struct{}]("kafka-outbox"),
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents publishes one batch and returns how many events were
// marked processed.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to fetch outbox events")
		return 0
	}

	processed := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				logger.Ctx(ctx).Warn().Str("breaker", p.breaker.Name()).Msg("kafka breaker open, postponing batch")
				return processed
			}
			logger.Ctx(ctx).Error().Err(err).Str("event_id", event.ID).Msg("failed to publish event")
			continue
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			// published but not marked: the event is sent again next tick
			logger.Ctx(ctx).Error().Err(err).Str("event_id", event.ID).Msg("failed to mark event as processed")
			continue
		}
		processed++
	}
	return processed
}

func (p *OutboxPoller) publish(ctx context.Context, event *domain.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // order id keeps events of one order in one partition
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.CreatedAt,
	}
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.writer.WriteMessages(ctx, msg)
	})
	return err
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}
