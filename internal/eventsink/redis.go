package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"yt-queue/internal/model"
)

const DefaultStream = "yt-queue:events"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length approximately. Zero keeps everything.
	MaxLen int64
	// Progress events are skipped unless IncludeProgress is set.
	IncludeProgress bool
}

// NewRedisClient returns nil when no address is configured.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// PingRedis validates the connection.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	client          *redis.Client
	stream          string
	maxLen          int64
	includeProgress bool
}

func NewRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: cfg.MaxLen, includeProgress: cfg.IncludeProgress}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Handle(ctx context.Context, ev model.Event) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if ev.Type == model.EventProgress && !r.includeProgress {
		return nil
	}
	values, err := streamValues(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

func (r *RedisSink) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// streamValues flattens an event into stream fields. The full event rides
// along as JSON under "data".
func streamValues(ev model.Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	values := map[string]any{
		"type": string(ev.Type),
		"data": data,
		"ts":   strconv.FormatInt(ev.Time.UnixMilli(), 10),
	}
	if ev.URL != "" {
		values["url"] = ev.URL
	}
	if ev.Status != "" {
		values["status"] = string(ev.Status)
	}
	return values, nil
}
