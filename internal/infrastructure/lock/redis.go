package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
)

// compare-and-delete：只有 token 匹配时才删除
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// releaseTimeout 释放锁使用独立 context，调用方 ctx 已取消时仍能释放
const releaseTimeout = 5 * time.Second

// RedisLocker 基于 SET NX PX + Lua 的分布式锁
type RedisLocker struct {
	rdb       redis.UniversalClient
	prefix    string
	releaseSc *redis.Script
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		rdb:       rdb,
		prefix:    prefix,
		releaseSc: redis.NewScript(releaseLua),
	}
}

func (l *RedisLocker) key(k string) string {
	if l.prefix == "" {
		return "lock:" + k
	}
	return l.prefix + ":lock:" + k
}

// Acquire 原子 set-if-absent-with-expiry，已被占用时 acquired=false
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (port.Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return port.Lease{}, false, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return port.Lease{}, false, nil
	}
	return port.Lease{Key: key, Token: token}, true, nil
}

// Release 仅当当前持有者仍是 lease.Token 时删除
func (l *RedisLocker) Release(_ context.Context, lease port.Lease) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	n, err := l.releaseSc.Run(ctx, l.rdb, []string{l.key(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: release lock %s: %w", lease.Key, err)
	}
	return n == 1, nil
}

var _ port.Locker = (*RedisLocker)(nil)
