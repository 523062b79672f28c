package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"queue-server/internal/status"
)

const scanBatch = 100

type RedisStore struct {
	Redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{Redis: redisClient}
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.Redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return storeErr(err, "zadd %s", key)
	}
	return nil
}

func (s *RedisStore) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := s.Redis.ZRank(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr(err, "zrank %s", key)
	}
	return rank, true, nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.Redis.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr(err, "zscore %s", key)
	}
	return score, true, nil
}

func (s *RedisStore) ZSize(ctx context.Context, key string) (int64, error) {
	n, err := s.Redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, storeErr(err, "zcard %s", key)
	}
	return n, nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, lo, hi int64) ([]ScoredMember, error) {
	zs, err := s.Redis.ZRangeWithScores(ctx, key, lo, hi).Result()
	if err != nil {
		return nil, storeErr(err, "zrange %s", key)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ScoredMember{Member: memberString(z.Member), Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error) {
	zs, err := s.Redis.ZPopMin(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ScoredMember{}, false, nil
	}
	if err != nil {
		return ScoredMember{}, false, storeErr(err, "zpopmin %s", key)
	}
	if len(zs) == 0 {
		return ScoredMember{}, false, nil
	}
	return ScoredMember{Member: memberString(zs[0].Member), Score: zs[0].Score}, true, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.Redis.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, storeErr(err, "zrem %s", key)
	}
	return n > 0, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.Redis.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(err, "hget %s %s", key, field)
	}
	return v, true, nil
}

// HSet writes fields in sorted order so the command is deterministic.
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range names {
		args = append(args, f, fields[f])
	}
	if err := s.Redis.HSet(ctx, key, args...).Err(); err != nil {
		return storeErr(err, "hset %s", key)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) (bool, error) {
	n, err := s.Redis.Del(ctx, key).Result()
	if err != nil {
		return false, storeErr(err, "del %s", key)
	}
	return n > 0, nil
}

// KeysWithPrefix walks the keyspace with SCAN rather than KEYS.
func (s *RedisStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.Redis.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr(err, "scan %s*", prefix)
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		return storeErr(err, "ping")
	}
	return nil
}

func storeErr(err error, format string, args ...interface{}) error {
	return status.Mark(errors.Wrapf(err, format, args...), status.ErrStoreFailure)
}

func memberString(m interface{}) string {
	if s, ok := m.(string); ok {
		return s
	}
	return fmt.Sprint(m)
}
