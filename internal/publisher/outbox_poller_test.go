package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/store"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/goleak"
)

// MockWriter records messages and fails the first FailFirst writes.
type MockWriter struct {
	mu        sync.Mutex
	Messages  []kafkaGo.Message
	Calls     int
	FailFirst int
	Err       error
	Closed    bool
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Calls <= m.FailFirst {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.Closed = true
	return nil
}

func (m *MockWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// MockOutbox implements store.OutboxReader for testing
type MockOutbox struct {
	Events    []*domain.OutboxEvent
	GetErr    error
	MarkErr   error
	Processed []string
}

func (m *MockOutbox) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	pending := make([]*domain.OutboxEvent, 0, len(m.Events))
	for _, e := range m.Events {
		done := false
		for _, id := range m.Processed {
			if id == e.ID {
				done = true
			}
		}
		if !done && len(pending) < limit {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (m *MockOutbox) MarkEventAsProcessed(_ context.Context, id string) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.Processed = append(m.Processed, id)
	return nil
}

func newEvent(id, orderID string) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		ID:          id,
		AggregateID: orderID,
		EventType:   domain.EventOrderPlaced,
		Payload:     json.RawMessage(fmt.Sprintf(`{"order_id":%q}`, orderID)),
		CreatedAt:   time.Now(),
	}
}

func TestOutboxPoller_PublishesAndMarksProcessed(t *testing.T) {
	repo := &MockOutbox{Events: []*domain.OutboxEvent{newEvent("1", "order-1"), newEvent("2", "order-2")}}
	writer := &MockWriter{}
	poller := NewOutboxPoller(repo, writer, time.Second)

	n := poller.processUnpublishedEvents(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "2"}, repo.Processed)
	require.Len(t, writer.Messages, 2)
	assert.Equal(t, "order-1", string(writer.Messages[0].Key))
	assert.Equal(t, "event_type", writer.Messages[0].Headers[0].Key)
	assert.Equal(t, domain.EventOrderPlaced, string(writer.Messages[0].Headers[0].Value))
}

func TestOutboxPoller_FailedPublishIsRetriedNextTick(t *testing.T) {
	repo := &MockOutbox{Events: []*domain.OutboxEvent{newEvent("1", "order-1")}}
	writer := &MockWriter{FailFirst: 1, Err: errors.New("broker unavailable")}
	poller := NewOutboxPoller(repo, writer, time.Second)

	assert.Equal(t, 0, poller.processUnpublishedEvents(context.Background()))
	assert.Empty(t, repo.Processed)

	assert.Equal(t, 1, poller.processUnpublishedEvents(context.Background()))
	assert.Equal(t, []string{"1"}, repo.Processed)
}

func TestOutboxPoller_MarkFailureKeepsEventPending(t *testing.T) {
	repo := &MockOutbox{Events: []*domain.OutboxEvent{newEvent("1", "order-1")}, MarkErr: errors.New("db down")}
	writer := &MockWriter{}
	poller := NewOutboxPoller(repo, writer, time.Second)

	assert.Equal(t, 0, poller.processUnpublishedEvents(context.Background()))
	assert.Equal(t, 1, writer.count())
}

func TestOutboxPoller_FetchErrorIsHandled(t *testing.T) {
	repo := &MockOutbox{GetErr: errors.New("database connection error")}
	writer := &MockWriter{}
	poller := NewOutboxPoller(repo, writer, time.Second)

	assert.Equal(t, 0, poller.processUnpublishedEvents(context.Background()))
	assert.Zero(t, writer.Calls)
}

func TestOutboxPoller_BreakerStopsHammeringBroker(t *testing.T) {
	events := make([]*domain.OutboxEvent, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, newEvent(fmt.Sprint(i), fmt.Sprintf("order-%d", i)))
	}
	repo := &MockOutbox{Events: events}
	writer := &MockWriter{FailFirst: 100, Err: errors.New("broker unavailable")}
	poller := NewOutboxPoller(repo, writer, time.Second)

	poller.processUnpublishedEvents(context.Background())

	// three failures trip the breaker and the rest of the batch is postponed
	assert.Equal(t, 3, writer.Calls)
	assert.Empty(t, repo.Processed)
}

func TestOutboxPoller_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := store.NewMemoryStore()
	require.NoError(t, s.AddOutboxEvent(context.Background(), newEvent("", "order-1")))
	writer := &MockWriter{}
	poller := NewOutboxPoller(s, writer, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	events, err := s.GetUnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, poller.Close())
	assert.True(t, writer.Closed)
}

func setupKafka(t *testing.T) string {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")

	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})
	return brokers[0]
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestOutboxPoller_PublishesEventsToKafka(t *testing.T) {
	brokerAddr := setupKafka(t)
	createTopic(t, brokerAddr, DefaultTopic)

	s := store.NewMemoryStore()
	require.NoError(t, s.AddOutboxEvent(context.Background(), newEvent("", "order-123")))

	writer := NewKafkaWriter(DefaultTopic, brokerAddr)
	poller := NewOutboxPoller(s, writer, 500*time.Millisecond)
	defer poller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go poller.Run(ctx)

	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  []string{brokerAddr},
		Topic:    DefaultTopic,
		GroupID:  "test-consumer",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "order-123", string(msg.Key))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "order-123", payload["order_id"])

	require.Eventually(t, func() bool {
		events, err := s.GetUnprocessedEvents(context.Background(), 10)
		return err == nil && len(events) == 0
	}, 10*time.Second, 100*time.Millisecond)
}
