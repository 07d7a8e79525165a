package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultLeaseTTL = time.Hour
	redisKeyPrefix  = "extensiond:lock:"
	redisScanBatch  = 100
)

// deleteIfUnchanged removes KEYS[1] only when it still holds ARGV[1].
const deleteIfUnchanged = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore keeps locks as leases in Redis. A lease expires after ttl so a
// crashed host cannot wedge other hosts forever.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	host   string
}

// NewRedisStore connects to url. host identifies this process in entries;
// Sweep only removes leases carrying the same host.
func NewRedisStore(url, host string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl, host: host}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) Create(ctx context.Context, key string, e Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode lock entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisKey(key), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("create lock %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return &Entry{Name: key}, nil
	}
	return &e, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("remove lock %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := s.scan(ctx, func(key, raw string) error {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			e = Entry{Name: key}
		}
		out[key] = e
		return nil
	})
	return out, err
}

// Sweep removes leases written by this host. Leases from other hosts are
// left to expire.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := s.scan(ctx, func(key, raw string) error {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Host != s.host {
			return nil
		}
		n, err := s.client.Eval(ctx, deleteIfUnchanged, []string{redisKey(key)}, raw).Int()
		if err != nil {
			return fmt.Errorf("sweep lock %s: %w", key, err)
		}
		removed += n
		return nil
	})
	return removed, err
}

func (s *RedisStore) scan(ctx context.Context, fn func(key, raw string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", redisScanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan locks: %w", err)
		}
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read lock %s: %w", k, err)
			}
			if err := fn(strings.TrimPrefix(k, redisKeyPrefix), raw); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
