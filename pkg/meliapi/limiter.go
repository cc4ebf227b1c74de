package meliapi

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter enforces the application-wide upstream quota using a
// fixed window counter in Redis, so multiple replicas share one budget.
type RateLimiter struct {
	client  *redis.Client
	limit   int
	window  time.Duration
	baseKey string
}

// NewRateLimiter creates a RateLimiter with a per-minute limit.
func NewRateLimiter(redisURL string, limit int, baseKey string) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RateLimiter{
		client:  client,
		limit:   limit,
		window:  60 * time.Second,
		baseKey: baseKey,
	}, nil
}

// SetLimit updates the per-minute limit dynamically.
func (r *RateLimiter) SetLimit(limit int) {
	r.limit = limit
}

// WaitForTicket blocks until a request is allowed or ctx is done.
func (r *RateLimiter) WaitForTicket(ctx context.Context) error {
	limit := r.limit
	if limit <= 0 {
		limit = 60 // safe fallback
	}

	now := time.Now()
	minuteKey := fmt.Sprintf("%s:%d", r.baseKey, now.Unix()/60)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		count, err := r.client.Incr(ctx, minuteKey).Result()
		if err != nil {
			log.Error().Err(err).Msg("Rate limiter: redis error")
			// Back off rather than hammering upstream unlimited when redis is down
			time.Sleep(1 * time.Second)
			continue
		}

		if count == 1 {
			r.client.Expire(ctx, minuteKey, 2*time.Minute)
		}

		if count <= int64(limit) {
			return nil
		}

		log.Warn().
			Int64("count", count).
			Int("limit", limit).
			Msg("Upstream rate limit exceeded, waiting for next window")

		nextMinute := now.Truncate(time.Minute).Add(time.Minute).Add(100 * time.Millisecond)
		waitDuration := time.Until(nextMinute)
		if waitDuration < 0 {
			waitDuration = 1 * time.Second
		}

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			now = time.Now()
			minuteKey = fmt.Sprintf("%s:%d", r.baseKey, now.Unix()/60)
		}
	}
}

// Close closes the Redis client.
func (r *RateLimiter) Close() error {
	return r.client.Close()
}
