package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iptracker/internal/metrics"
	"iptracker/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	BlockedHashKey = "blocked_ips"
	EventsChannel  = "iptracker:events"
)

// ErrCacheMiss is returned by GetCache when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

type RedisRepository struct {
	client *redis.Client
}

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{client: rdb}
}

func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Blocked IP mirror. Postgres is authoritative; this hash answers the
// per-request check without a database round trip.

func (r *RedisRepository) SetBlocked(ctx context.Context, b models.BlockedIP) error {
	defer r.trackDuration("SetBlocked", time.Now())
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, BlockedHashKey, b.IP, data).Err()
}

func (r *RedisRepository) RemoveBlocked(ctx context.Context, ip string) error {
	defer r.trackDuration("RemoveBlocked", time.Now())
	return r.client.HDel(ctx, BlockedHashKey, ip).Err()
}

func (r *RedisRepository) IsBlocked(ctx context.Context, ip string) (bool, error) {
	defer r.trackDuration("IsBlocked", time.Now())
	return r.client.HExists(ctx, BlockedHashKey, ip).Result()
}

func (r *RedisRepository) GetBlockedIPs(ctx context.Context) (map[string]models.BlockedIP, error) {
	defer r.trackDuration("GetBlockedIPs", time.Now())
	res, err := r.client.HGetAll(ctx, BlockedHashKey).Result()
	if err != nil {
		return nil, err
	}
	ips := make(map[string]models.BlockedIP, len(res))
	for k, v := range res {
		var entry models.BlockedIP
		if err := json.Unmarshal([]byte(v), &entry); err == nil {
			ips[k] = entry
		}
	}
	return ips, nil
}

// Cache

func (r *RedisRepository) SetCache(ctx context.Context, key string, val interface{}, expiration time.Duration) error {
	defer r.trackDuration("SetCache", time.Now())
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetCache(ctx context.Context, key string, target interface{}) error {
	defer r.trackDuration("GetCache", time.Now())
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), target)
}

// Locks

func (r *RedisRepository) AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	defer r.trackDuration("AcquireLock", time.Now())
	return r.client.SetNX(ctx, key, "lock", expiration).Result()
}

func (r *RedisRepository) ReleaseLock(ctx context.Context, key string) error {
	defer r.trackDuration("ReleaseLock", time.Now())
	return r.client.Del(ctx, key).Err()
}

// Events

func (r *RedisRepository) Publish(ctx context.Context, ev models.Event) error {
	defer r.trackDuration("Publish", time.Now())
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, EventsChannel, data).Err()
}

func (r *RedisRepository) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, EventsChannel)
}
