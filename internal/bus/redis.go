package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
)

// eventField is the stream entry field carrying the JSON event.
const eventField = "event"

// RedisBus is an event bus backed by Redis Streams. Each topic is a stream;
// every subscription tails it independently with XREAD starting at the
// newest entry, so nothing published before Subscribe is replayed.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	log    *logger.Logger

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConfig holds Redis Streams settings.
type RedisConfig struct {
	URL       string        // redis://host:port/db
	MaxLen    int64         // approximate stream cap (default: 10000)
	BlockTime time.Duration // XREAD block duration (default: 2s)
	Logger    *logger.Logger
}

// NewRedisBus connects to Redis and returns a Streams-backed bus.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid redis URL", err)
	}
	return newRedisBus(redis.NewClient(opts), cfg)
}

func newRedisBus(client *redis.Client, cfg RedisConfig) (*RedisBus, error) {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.BrokerError("connecting to redis", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		config: cfg,
		log:    cfg.Logger.WithComponent("bus.redis"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish appends the event to the topic stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.config.MaxLen,
		Approx: true,
		Values: map[string]any{eventField: data},
	}).Err()
	if err != nil {
		return errors.BrokerError("failed to publish to redis stream", err)
	}
	return nil
}

// Subscribe starts a reader goroutine tailing the topic stream.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	// Resolve the current tail now so events published right after
	// Subscribe returns are not missed. An empty stream reads from the start.
	lastID := "0-0"
	if entries, err := b.client.XRevRangeN(ctx, topic, "+", "-", 1).Result(); err == nil && len(entries) > 0 {
		lastID = entries[0].ID
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		select {
		case <-ctx.Done():
		case <-subCtx.Done():
		}
	}()

	b.wg.Add(1)
	go b.read(subCtx, topic, lastID, handler)
	return nil
}

func (b *RedisBus) read(ctx context.Context, topic, lastID string, handler Handler) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{topic, lastID},
			Count:   100,
			Block:   b.config.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("redis stream read failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				event, err := decodeStreamMessage(msg)
				if err != nil {
					b.log.Warn("dropping undecodable stream entry", "topic", topic, "id", msg.ID, "error", err)
					continue
				}
				if err := handler(ctx, event); err != nil {
					b.log.Warn("handler error", "topic", topic, "error", err)
				}
			}
		}
	}
}

func decodeStreamMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values[eventField]
	if !ok {
		return Event{}, errors.New(errors.CodeInvalidRequest, "stream entry missing event field")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Event{}, errors.New(errors.CodeInvalidRequest, "stream entry event field has unexpected type")
	}
	return decodeEvent(data)
}

// Close stops all readers and closes the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if err := b.client.Close(); err != nil {
		return errors.Wrap(errors.CodeInternal, "close redis client", err)
	}
	return nil
}
