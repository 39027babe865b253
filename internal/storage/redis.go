package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "notifybot/pkg/logx"
)

// redisStore keeps one hash per (server, username): <prefix>:prefs:<server>:<username>.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "notifybot"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(rdb, prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) hashKey(server, username string) string {
	return s.prefix + ":prefs:" + server + ":" + username
}

func (s *redisStore) Get(ctx context.Context, server, username, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.hashKey(server, username), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, server, username, key, value string) error {
	return s.rdb.HSet(ctx, s.hashKey(server, username), key, value).Err()
}

func (s *redisStore) Close() error { return s.rdb.Close() }
