package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// redisClient RedisLocker 用到的最小命令集（便于单元测试替换）
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// 只删除自己持有的锁
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisLocker 跨进程锁（SET NX PX + token），多个维护进程同时播种同一租户时使用
type RedisLocker struct {
	client redisClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisLocker 创建 Redis locker；ttl 需大于单次 create-if-absent 的最长耗时
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return newRedisLocker(client, prefix, ttl, logger)
}

func newRedisLocker(client redisClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "tenant-integrity:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 50 * time.Millisecond, logger: logger}
}

// Lock 轮询 SETNX 直到成功或 ctx 结束
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// 释放不受调用方 ctx 取消影响
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.Eval(relCtx, releaseScript, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("Failed to release redis lock",
				zap.String("key", redisKey),
				zap.Error(err),
			)
		}
	}, nil
}
