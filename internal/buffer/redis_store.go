package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "replydesk:buffer:"
	lockTTL            = 10 * time.Second
	lockRetry          = 25 * time.Millisecond
	// Buffers outlive their deadline by this much so a crashed process's
	// batches can still be swept, but never linger forever.
	bufferGrace = 10 * time.Minute
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisStore keeps buffers in Redis so several processes share them.
// Buffers are JSON values; a set tracks live keys; locks are SET NX PX tokens.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. An empty prefix uses "replydesk:buffer:".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) dataKey(key string) string { return s.prefix + "data:" + key }
func (s *RedisStore) lockKey(key string) string { return s.prefix + "lock:" + key }
func (s *RedisStore) indexKey() string          { return s.prefix + "keys" }

func (s *RedisStore) Get(ctx context.Context, key string) (*Buffer, error) {
	data, err := s.rdb.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer: redis get: %w", err)
	}
	var b Buffer
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("buffer: decode %s: %w", key, err)
	}
	return &b, nil
}

func (s *RedisStore) Put(ctx context.Context, b *Buffer) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("buffer: encode: %w", err)
	}
	ttl := time.Until(b.Deadline) + bufferGrace
	if ttl < bufferGrace {
		ttl = bufferGrace
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.dataKey(b.Key), data, ttl)
	pipe.SAdd(ctx, s.indexKey(), b.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer: redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.dataKey(key))
	pipe.SRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer: redis delete: %w", err)
	}
	return nil
}

// Keys lists indexed keys, dropping index entries whose buffer has expired.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: redis keys: %w", err)
	}
	live := keys[:0]
	for _, k := range keys {
		n, err := s.rdb.Exists(ctx, s.dataKey(k)).Result()
		if err != nil {
			return nil, fmt.Errorf("buffer: redis exists: %w", err)
		}
		if n == 0 {
			s.rdb.SRem(ctx, s.indexKey(), k)
			continue
		}
		live = append(live, k)
	}
	return live, nil
}

func (s *RedisStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	lk := s.lockKey(key)
	for {
		ok, err := s.rdb.SetNX(ctx, lk, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("buffer: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("buffer: acquire lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetry):
		}
	}
	defer func() {
		// Release on a fresh context so a cancelled caller never strands the lock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		releaseScript.Run(rctx, s.rdb, []string{lk}, token)
	}()
	return fn(ctx)
}

// NewRedisClient builds a client from an address or a redis:// URL.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), nil
}
