package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow is a sliding log kept in a Redis sorted set, so several
// processes sharing one API key share one budget. Scores are grant times
// in Unix microseconds.
type RedisWindow struct {
	client *redis.Client
	key    string
	size   time.Duration
	limit  int
}

// NewRedisWindow returns a window stored under key.
func NewRedisWindow(client *redis.Client, key string, limit int, size time.Duration) *RedisWindow {
	return &RedisWindow{client: client, key: key, size: size, limit: limit}
}

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (w *RedisWindow) Limit() int          { return w.limit }
func (w *RedisWindow) Size() time.Duration { return w.size }

func (w *RedisWindow) cutoff(now time.Time) string {
	return strconv.FormatInt(now.Add(-w.size).UnixMicro(), 10)
}

func (w *RedisWindow) Count(ctx context.Context, now time.Time) (int, error) {
	var card *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, w.key, "-inf", w.cutoff(now))
		card = pipe.ZCard(ctx, w.key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis window %s: %w", w.key, err)
	}
	return int(card.Val()), nil
}

func (w *RedisWindow) Wait(ctx context.Context, now time.Time) (time.Duration, error) {
	live, err := w.Count(ctx, now)
	if err != nil {
		return 0, err
	}
	if live < w.limit {
		return 0, nil
	}

	idx := int64(live - w.limit)
	entries, err := w.client.ZRangeWithScores(ctx, w.key, idx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis window %s: %w", w.key, err)
	}
	if len(entries) == 0 {
		// trimmed by another process in between
		return 0, nil
	}
	oldest := time.UnixMicro(int64(entries[0].Score))
	wait := oldest.Add(w.size).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

func (w *RedisWindow) Record(ctx context.Context, now time.Time) error {
	micros := now.UnixMicro()
	member := strconv.FormatInt(micros, 10) + "-" + uuid.NewString()
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, w.key, redis.Z{Score: float64(micros), Member: member})
		pipe.PExpire(ctx, w.key, w.size+time.Minute)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis window %s: %w", w.key, err)
	}
	return nil
}
