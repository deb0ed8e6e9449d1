package port

import (
	"context"
	"time"
)

// Lease 已持有的锁
type Lease struct {
	Key   string
	Token string
}

// Locker 分布式互斥锁；Acquire 不阻塞，被占用时返回 acquired=false
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, acquired bool, err error)
	// Release 仅当当前持有者仍是 lease.Token 时删除
	Release(ctx context.Context, lease Lease) (released bool, err error)
}
