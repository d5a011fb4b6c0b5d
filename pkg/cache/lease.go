package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 释放与续约必须校验持有者 token，避免误删他人租约
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lease 基于 Redis 的分布式租约，用于调度器单实例选主
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLease 创建租约实例，token 随机生成以区分持有者
func NewLease(rc *RedisCache, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: rc.GetClient(),
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire 尝试获取租约，已被他人持有时返回 false
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Renew 续约，仅当当前持有者仍是自己时成功
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release 释放租约，仅删除自己持有的 key
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
