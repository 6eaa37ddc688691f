package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 以 Redis 字串值存放文件
//
// 交易使用 WATCH/MULTI/EXEC：若 WATCH 的鍵在 EXEC 前被改動，
// EXEC 失敗（redis.TxFailedErr），重新讀取後再試，直到逾時。
type RedisStore struct {
	client      *redis.Client
	namespace   string
	lockTimeout time.Duration
	locks       *keyedLock
}

// OpenRedisStore 連線並 Ping Redis
func OpenRedisStore(ctx context.Context, opts *redis.Options, namespace string, lockTimeout time.Duration) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{
		client:      client,
		namespace:   namespace,
		lockTimeout: lockTimeout,
		locks:       newKeyedLock(),
	}, nil
}

func (s *RedisStore) redisKey(key Key) string {
	return s.namespace + ":" + string(key)
}

// Read 讀取文件
func (s *RedisStore) Read(ctx context.Context, key Key) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Transact 以 WATCH 保護的讀取 → fn → 寫回
func (s *RedisStore) Transact(ctx context.Context, key Key, fn Mutator) error {
	if key == "" {
		return ErrInvalidKey
	}
	release, err := s.locks.acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	rk := s.redisKey(key)
	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, rk).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rk, next, 0)
				return nil
			})
			return err
		}, rk)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *RedisStore) scan(ctx context.Context, prefix Key) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.redisKey(prefix)+"/*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// List 以 SCAN 列出前綴下的文件
func (s *RedisStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	raw, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]Key, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, Key(strings.TrimPrefix(k, s.namespace+":")))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// DeleteTree 刪除前綴下的所有鍵
func (s *RedisStore) DeleteTree(ctx context.Context, prefix Key) error {
	if prefix == "" {
		return ErrInvalidKey
	}
	raw, err := s.scan(ctx, prefix)
	if err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, raw...).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// Close 關閉連線
func (s *RedisStore) Close() error {
	return s.client.Close()
}
