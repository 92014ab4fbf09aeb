package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "medidash:changes:"

// RedisConfig holds connection settings for RedisBus.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	RetryBackoff time.Duration
}

// RedisBus relays changes through Redis pub/sub so every server instance
// sees writes made by the others.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisBus(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.RetryBackoff
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBus{client: client, logger: logger.With().Str("component", "changefeed").Logger()}, nil
}

func channelFor(topic string) string {
	return channelPrefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, ch Change) error {
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ch.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Change
	once   sync.Once
	done   chan struct{}
}

func (s *redisSub) C() <-chan Change { return s.ch }

func (s *redisSub) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

// Subscribe opens a Redis subscription for topic. It is confirmed before
// returning so no change published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &redisSub{pubsub: pubsub, ch: make(chan Change, 1), done: make(chan struct{})}
	go func() {
		defer close(s.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				s.Close()
				return
			case <-s.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed change")
					continue
				}
				offer(s.ch, change)
			}
		}
	}()
	return s, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
