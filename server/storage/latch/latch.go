package latch

import (
	"sync"
	"sync/atomic"
)

// Mode is the mode a lightweight lock is held in.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Latch 轻量级读写锁，记录持有模式以便断言
type Latch struct {
	name      string
	mu        sync.RWMutex
	exclusive atomic.Bool
	readers   atomic.Int32
}

// NewLatch 创建一个新的锁
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

func (l *Latch) Name() string {
	return l.name
}

// Acquire 以指定模式获取锁，可能阻塞
func (l *Latch) Acquire(mode Mode) {
	if mode == Exclusive {
		l.mu.Lock()
		l.exclusive.Store(true)
		return
	}
	l.mu.RLock()
	l.readers.Add(1)
}

// Release 释放以指定模式持有的锁
func (l *Latch) Release(mode Mode) {
	if mode == Exclusive {
		l.exclusive.Store(false)
		l.mu.Unlock()
		return
	}
	l.readers.Add(-1)
	l.mu.RUnlock()
}

// TryAcquire 尝试获取锁，不阻塞
func (l *Latch) TryAcquire(mode Mode) bool {
	if mode == Exclusive {
		if !l.mu.TryLock() {
			return false
		}
		l.exclusive.Store(true)
		return true
	}
	if !l.mu.TryRLock() {
		return false
	}
	l.readers.Add(1)
	return true
}

// HeldExclusive 是否被某个持有者以独占模式持有
func (l *Latch) HeldExclusive() bool {
	return l.exclusive.Load()
}

// Readers 当前共享持有者数量
func (l *Latch) Readers() int {
	return int(l.readers.Load())
}
