package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

const redisHashKey = "unlimitedproxy:tokens"

// Redis 凭证存储，整个池放在一个 hash 里，字段为凭证值
type Redis struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedis 创建 Redis 存储
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb, timeout: 5 * time.Second}, nil
}

func (r *Redis) Load() ([]*model.Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	fields, err := r.rdb.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return nil, err
	}

	creds := make([]*model.Credential, 0, len(fields))
	for _, raw := range fields {
		var c model.Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue // 跳过损坏的字段
		}
		creds = append(creds, &c)
	}
	return creds, nil
}

func (r *Redis) Save(c *model.Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, redisHashKey, c.Value, data)
	// hash 整体的 TTL 随最近一次写入顺延
	pipe.Expire(ctx, redisHashKey, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Delete(value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.rdb.HDel(ctx, redisHashKey, value).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
