package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Allow implements a fixed-window counter: at most limit calls per window
// for the given key. The window key is created with its TTL before the
// first increment, so a counter can never outlive its window.
func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "rate:submit:" + key
	if err := s.rdb.SetNX(ctx, k, 0, window).Err(); err != nil {
		return false, err
	}
	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	return n <= int64(limit), nil
}
