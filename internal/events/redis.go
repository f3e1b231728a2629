package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
// Nothing is stored in Redis.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewRedisPublisher creates a publisher for channel on the Redis server at
// addr. It does not connect; use Ping to check the server.
func NewRedisPublisher(log *zap.Logger, addr, channel string) *RedisPublisher {
	opts := &redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,
	}

	p := &RedisPublisher{
		client:  redis.NewClient(opts),
		channel: channel,
		log:     log.Named("redis").With(zap.String("addr", addr), zap.String("channel", channel)),
	}
	p.log.Info("redis publisher initialized")
	return p
}

// Ping checks the connection and logs the outcome.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.client.Ping(ctx).Err()
	elapsed := time.Since(start)

	if err != nil {
		p.log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", elapsed))
		return err
	}
	p.log.Info("connection established", zap.Duration("ping_rtt", elapsed))
	return nil
}

// Publish sends e as JSON. Subscribers that are not connected miss it.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe returns a subscription to the event channel. Used by tooling
// and tests.
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
