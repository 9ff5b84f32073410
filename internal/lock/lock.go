// Package lock 按 key 串行化同一 (tenant, name) 上的“不存在则创建”操作。
package lock

import (
	"context"

	"github.com/moby/locker"
)

// Unlock 释放锁
type Unlock func()

// KeyedLocker 按 key 加锁
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker 进程内实现（moby/locker 按 key 引用计数，无等待者时回收）
type LocalLocker struct {
	locks *locker.Locker
}

// NewLocalLocker 创建进程内 locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: locker.New()}
}

// Lock 获取 key 的锁；ctx 结束时放弃等待，之后拿到的锁立即释放
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acquired := make(chan struct{})
	go func() {
		l.locks.Lock(key)
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { _ = l.locks.Unlock(key) }, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			_ = l.locks.Unlock(key)
		}()
		return nil, ctx.Err()
	}
}
