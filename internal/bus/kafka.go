package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
)

// KafkaBus is a Kafka-based event bus implementation. Producers publish log
// events keyed by branch so one branch stays ordered within a partition.
type KafkaBus struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]*kafkaHandler
	closed   bool

	// Consumer coordination
	consumerWg     sync.WaitGroup
	consumerCtx    context.Context
	consumerCancel context.CancelFunc
}

type kafkaHandler struct {
	fn Handler
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string      // Kafka broker addresses
	ConsumerGroup string        // Consumer group ID
	ClientID      string        // Client identifier
	Version       string        // Kafka version (e.g., "2.8.0")
	Timeout       time.Duration // Network timeout (default: 10s)
	Logger        *logger.Logger
}

// NewKafkaBus creates a new Kafka-based event bus.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	// Set defaults
	if cfg.ClientID == "" {
		cfg.ClientID = "logstream-bus"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Live tail: a new consumer group starts at the head, never replays.
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = cfg.Timeout
	kafkaConfig.Net.ReadTimeout = cfg.Timeout
	kafkaConfig.Net.WriteTimeout = cfg.Timeout

	client, err := sarama.NewClient(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.BrokerError("failed to create kafka client", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.BrokerError("failed to create kafka producer", err)
	}

	consumer, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.BrokerError("failed to create kafka consumer group", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &KafkaBus{
		config:         cfg,
		producer:       producer,
		consumer:       consumer,
		client:         client,
		log:            cfg.Logger.WithComponent("bus.kafka"),
		handlers:       make(map[string][]*kafkaHandler),
		consumerCtx:    ctx,
		consumerCancel: cancel,
	}

	go bus.logConsumerErrors()

	return bus, nil
}

// Publish publishes an event to a Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
		Key:   sarama.StringEncoder(partitionKey(event)),
		Headers: []sarama.RecordHeader{
			{Key: []byte("level"), Value: []byte(event.Level)},
		},
	}

	if _, _, err = b.producer.SendMessage(msg); err != nil {
		return errors.BrokerError("failed to publish to kafka", err)
	}

	return nil
}

func partitionKey(event Event) string {
	if event.Branch != "" {
		return event.Branch
	}
	return event.ID
}

// Subscribe registers a handler for events on a Kafka topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	h := &kafkaHandler{fn: handler}
	isNewTopic := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], h)

	// Start consumer for this topic if it's the first handler
	if isNewTopic {
		b.consumerWg.Add(1)
		go b.consumeTopic(topic)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.removeHandler(topic, h)
		case <-b.consumerCtx.Done():
		}
	}()

	return nil
}

func (b *KafkaBus) removeHandler(topic string, target *kafkaHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[topic]
	for i, h := range list {
		if h == target {
			b.handlers[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// consumeTopic runs the consumer group loop for one topic.
func (b *KafkaBus) consumeTopic(topic string) {
	defer b.consumerWg.Done()

	handler := &consumerGroupHandler{
		bus:   b,
		topic: topic,
	}

	for {
		// Blocks for the lifetime of one group session.
		err := b.consumer.Consume(b.consumerCtx, []string{topic}, handler)
		if err != nil {
			b.log.Warn("kafka consumer error", "topic", topic, "error", err)
		}

		select {
		case <-b.consumerCtx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *KafkaBus) logConsumerErrors() {
	for err := range b.consumer.Errors() {
		b.log.Warn("kafka consumer group error", "error", err)
	}
}

func (b *KafkaBus) handlersFor(topic string) []*kafkaHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*kafkaHandler(nil), b.handlers[topic]...)
}

// Close closes the Kafka bus and releases resources.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.consumerCancel()
	b.consumerWg.Wait()

	var errs []error

	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}

	if err := b.client.Close(); err != nil && err != sarama.ErrClosedClient {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}

	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	bus   *KafkaBus
	topic string
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a Kafka partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}

			event, err := decodeEvent(msg.Value)
			if err != nil {
				h.bus.log.Warn("dropping undecodable kafka message",
					"topic", h.topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				session.MarkMessage(msg, "")
				continue
			}

			for _, handler := range h.bus.handlersFor(h.topic) {
				if err := handler.fn(session.Context(), event); err != nil {
					h.bus.log.Warn("handler error", "topic", h.topic, "error", err)
				}
			}

			session.MarkMessage(msg, "")
		}
	}
}

// decodeEvent decodes and normalizes an event from an external producer.
func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event.Normalize(), nil
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	if brokersStr == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(brokersStr, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
