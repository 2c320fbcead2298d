package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultStream = "streamcast:events"

// RedisConfig configures the Redis Streams event publisher.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	Stream       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLen       int64
	Logger       *slog.Logger
}

// NewRedisPublisher initialises a publisher backed by a Redis Stream. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisPublisher(cfg RedisConfig) (Publisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisPublisher{client: client, stream: stream, maxLen: maxLen, logger: logger}, nil
}

type redisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

func (p *redisPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    event.Type,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
