package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL   = 10 * time.Second
	DefaultRetry = 25 * time.Millisecond
	keyPrefix    = "concierge:lock:"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	TTL    time.Duration
	Retry  time.Duration
	Logger *slog.Logger
}

// Redis is a lease lock: SET NX PX with a random token, polled until ctx
// ends. A holder that outlives TTL loses the lease.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	r := &Redis{client: client, ttl: opts.TTL, retry: opts.Retry, logger: opts.Logger}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.retry <= 0 {
		r.retry = DefaultRetry
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// DialRedis parses url and verifies the server answers.
func DialRedis(ctx context.Context, url string, opts RedisOptions) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, opts), nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return r.unlocker(redisKey, token), nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
	}
}

func (r *Redis) unlocker(redisKey, token string) func() {
	var once sync.Once
	return func() { once.Do(func() { r.release(redisKey, token) }) }
}

func (r *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int()
	if err != nil {
		r.logger.Error("release lock", "key", redisKey, "error", err)
		return
	}
	if n == 0 {
		r.logger.Warn("lock lease expired before release", "key", redisKey)
	}
}
