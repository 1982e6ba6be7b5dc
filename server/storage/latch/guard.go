package latch

import (
	"fmt"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

// ObjLock is the global PersistentObjLock. Every write to a persistent
// catalog tuple and its shared-memory mirror happens under it.
type ObjLock struct {
	latch *Latch
}

func NewObjLock() *ObjLock {
	return &ObjLock{latch: NewLatch("PersistentObjLock")}
}

// ObjWriteGuard proves the PersistentObjLock is held exclusively. Kind hash
// locks can only be taken for writing through one, which makes the
// PersistentObjLock-then-hash-lock order a construction-time invariant.
type ObjWriteGuard struct {
	lock     *ObjLock
	released bool
}

func (l *ObjLock) LockExclusive() *ObjWriteGuard {
	l.latch.Acquire(Exclusive)
	return &ObjWriteGuard{lock: l}
}

func (l *ObjLock) HeldExclusive() bool {
	return l.latch.HeldExclusive()
}

func (g *ObjWriteGuard) Unlock() {
	if g.released {
		panic("PersistentObjLock released twice")
	}
	g.released = true
	g.lock.latch.Release(Exclusive)
}

// Check returns a fatal error unless the guard still holds the lock.
func (g *ObjWriteGuard) Check() error {
	if g == nil || g.released || !g.lock.latch.HeldExclusive() {
		return basic.Fatalf("PersistentObjLock must be held in exclusive mode")
	}
	return nil
}

// HashLock protects one kind's shared-memory hash table. Ranks follow the
// kind order, so filespace is always locked before tablespace.
type HashLock struct {
	latch *Latch
	kind  basic.ObjKind
	rank  int
}

func NewHashLock(kind basic.ObjKind) *HashLock {
	return &HashLock{
		latch: NewLatch(fmt.Sprintf("Persistent%sHashLock", kind)),
		kind:  kind,
		rank:  int(kind),
	}
}

func (h *HashLock) Kind() basic.ObjKind {
	return h.kind
}

func (h *HashLock) Latch() *Latch {
	return h.latch
}

// HashReadGuard holds one or more hash locks in shared mode, acquired in
// rank order.
type HashReadGuard struct {
	held []*HashLock
}

func (h *HashLock) RLock() *HashReadGuard {
	h.latch.Acquire(Shared)
	return &HashReadGuard{held: []*HashLock{h}}
}

// Then additionally acquires next in shared mode. It panics when next does
// not rank after every lock already held: a reversed order can deadlock
// against a writer.
func (g *HashReadGuard) Then(next *HashLock) *HashReadGuard {
	last := g.held[len(g.held)-1]
	if next.rank <= last.rank {
		panic(fmt.Sprintf("lock order violation: %s acquired after %s", next.latch.Name(), last.latch.Name()))
	}
	next.latch.Acquire(Shared)
	g.held = append(g.held, next)
	return g
}

func (g *HashReadGuard) Unlock() {
	for i := len(g.held) - 1; i >= 0; i-- {
		g.held[i].latch.Release(Shared)
	}
	g.held = nil
}

// HashWriteGuard holds a hash lock exclusively under the PersistentObjLock.
type HashWriteGuard struct {
	lock *HashLock
	obj  *ObjWriteGuard
	held bool
}

// Lock takes the hash lock exclusively. obj must be a live PersistentObjLock
// guard.
func (h *HashLock) Lock(obj *ObjWriteGuard) *HashWriteGuard {
	if err := obj.Check(); err != nil {
		panic(err)
	}
	h.latch.Acquire(Exclusive)
	return &HashWriteGuard{lock: h, obj: obj, held: true}
}

// Release drops the hash lock while keeping the PersistentObjLock, so the
// caller can do catalog I/O without blocking hash readers.
func (g *HashWriteGuard) Release() {
	if !g.held {
		panic(fmt.Sprintf("%s not held", g.lock.latch.Name()))
	}
	g.held = false
	g.lock.latch.Release(Exclusive)
}

// Reacquire takes the hash lock again after Release.
func (g *HashWriteGuard) Reacquire() {
	if g.held {
		panic(fmt.Sprintf("%s already held", g.lock.latch.Name()))
	}
	if err := g.obj.Check(); err != nil {
		panic(err)
	}
	g.lock.latch.Acquire(Exclusive)
	g.held = true
}

func (g *HashWriteGuard) Unlock() {
	if g.held {
		g.Release()
	}
}

func (g *HashWriteGuard) Held() bool {
	return g.held
}
