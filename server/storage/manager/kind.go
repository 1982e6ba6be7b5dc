package manager

import (
	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/latch"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

// Identity describes the instance a node runs as.
type Identity struct {
	DbID          basic.DbID
	MirrorDbID    basic.DbID
	DataDir       string
	MirrorDataDir string
	Coordinator   bool
}

func (i Identity) Mirrored() bool {
	return i.MirrorDataDir != ""
}

// Env 是一个节点上各个管理器共享的依赖，节点启动时创建
type Env struct {
	Shmem    *SharedMemory
	Engine   *persistent.Engine
	WAL      *xlog.Manager
	Faults   *faultinject.Injector
	Paths    *PathCache
	Identity Identity
}

// ObjManager is what the end-of-transaction hooks, recovery and the
// persistent build need from every kind.
type ObjManager interface {
	persistent.KindOps
	Created(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool) error
	MarkDropPending(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool,
		verified func(old basic.State, t *persistent.Tuple) error) (basic.StateChangeResult, error)
	MarkAbortingCreate(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool,
		verified func(old basic.State, t *persistent.Tuple) error) (basic.StateChangeResult, error)
	Dropped(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool) (basic.StateChangeResult, error)
	LookupTidAndSerialNum(name basic.ObjName) (basic.TID, int64, bool)
	Lookup(name basic.ObjName) (EntryHeader, bool)
	SetMirrorExistence(name basic.ObjName, m basic.MirrorExistenceState) error
	Entries() []EntrySnapshot
}

// EntrySnapshot is a copy of one entry's state taken under the hash lock.
type EntrySnapshot struct {
	Name basic.ObjName
	EntryHeader
}

// kindTable 实现所有对象类型共用的状态迁移，具体类型只提供键和元组的转换
type kindTable[K comparable, E entry] struct {
	env   *Env
	kind  basic.ObjKind
	table *hashTable[K, E]

	keyOf     func(basic.ObjName) K
	nameOf    func(K) basic.ObjName
	fromTuple func(*persistent.Tuple) (K, E)

	// fault point between the shared-memory insert and the pending list add
	pendingFault string
}

func (k *kindTable[K, E]) Kind() basic.ObjKind {
	return k.kind
}

// OnScanTuple loads one live tuple into the hash table.
func (k *kindTable[K, E]) OnScanTuple(tid basic.TID, t *persistent.Tuple) error {
	key, e := k.fromTuple(t)
	h := e.header()
	h.State = t.State
	h.SerialNum = t.SerialNum
	h.Tid = tid
	h.MirrorExistence = t.MirrorExistence
	h.ParentXid = t.ParentXid

	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()
	if old, ok := k.table.m[key]; ok {
		return basic.Fatalf("persistent %s found twice, at tid %s and %s", k.nameOf(key), old.header().Tid, tid)
	}
	return k.table.insert(key, e)
}

// locate finds name's entry and checks that it is the incarnation tid and
// serial refer to. The caller holds the hash lock.
func (k *kindTable[K, E]) locate(name basic.ObjName, tid basic.TID, serial int64) (E, bool) {
	e, ok := k.table.m[k.keyOf(name)]
	if !ok || e.header().Tid != tid || e.header().SerialNum != serial {
		var zero E
		return zero, false
	}
	return e, true
}

// change runs the engine transition and mirrors the result into h.
func (k *kindTable[K, E]) change(guard *latch.ObjWriteGuard, name basic.ObjName, h *EntryHeader, to basic.State,
	opts persistent.StateChangeOptions) (basic.StateChangeResult, error) {
	_, res, err := k.env.Engine.StateChange(guard, name, h.Tid, h.SerialNum, to, opts)
	switch res {
	case basic.StateChangeOk:
		h.MirrorExistence = persistent.NextMirrorState(h.MirrorExistence, to)
		h.State = to
	case basic.StateChangeAlreadyDone:
		h.State = to
	}
	return res, err
}

// markCreatePending adds a CreatePending tuple and its shared-memory entry
// and registers the pending create and the abort-time delete with tx, all
// within one hold of the hash lock. The XLOG is flushed before returning.
func (k *kindTable[K, E]) markCreatePending(tx *Transaction, name basic.ObjName, e E, t *persistent.Tuple) (basic.TID, int64, error) {
	if k.env.Shmem.BeforePersistenceWork() {
		return basic.TID{}, 0, nil
	}
	if tx == nil || tx.state != txInProgress {
		return basic.TID{}, 0, basic.Fatalf("persistent %s create pending outside of a transaction", name)
	}
	key := k.keyOf(name)

	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	if old, ok := k.table.m[key]; ok {
		return basic.TID{}, 0, basic.Fatalf("persistent %s entry already exists in state '%s'", name, old.header().State)
	}
	if len(k.table.m) >= k.table.max {
		return basic.TID{}, 0, basic.ErrOutOfSharedMemory(k.kind, k.table.max)
	}

	t.State = basic.StateCreatePending
	t.ParentXid = tx.xid
	tid, serial, lsn, err := k.env.Engine.AddTuple(guard, t)
	if err != nil {
		return basic.TID{}, 0, err
	}
	h := e.header()
	h.State = basic.StateCreatePending
	h.SerialNum = serial
	h.Tid = tid
	h.MirrorExistence = t.MirrorExistence
	h.ParentXid = tx.xid
	if err := k.table.insert(key, e); err != nil {
		return basic.TID{}, 0, err
	}

	ferr := k.env.Faults.Check(k.pendingFault)
	tx.pending.addCreate(PendingCreate{Name: name, Tid: tid, SerialNum: serial})
	tx.pending.addDelete(PendingDelete{Name: name, Tid: tid, SerialNum: serial, AtCommit: false})
	hw.Unlock()

	if err := k.env.WAL.Flush(lsn); err != nil {
		return basic.TID{}, 0, err
	}
	logger.Debugf("persistent %s create pending: tid %s serial %d xid %d", name, tid, serial, tx.xid)
	return tid, serial, ferr
}

// addCreated adds a tuple directly in state Created. Only the persistent
// build uses it, for objects that already exist on disk.
func (k *kindTable[K, E]) addCreated(name basic.ObjName, e E, t *persistent.Tuple) error {
	key := k.keyOf(name)
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	if _, ok := k.table.m[key]; ok {
		return basic.Fatalf("persistent %s entry already exists", name)
	}
	t.State = basic.StateCreated
	tid, serial, _, err := k.env.Engine.AddTuple(guard, t)
	if err != nil {
		return err
	}
	h := e.header()
	h.State = basic.StateCreated
	h.SerialNum = serial
	h.Tid = tid
	h.MirrorExistence = t.MirrorExistence
	return k.table.insert(key, e)
}

// Created finishes a create once its transaction committed.
func (k *kindTable[K, E]) Created(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool) error {
	if k.env.Shmem.BeforePersistenceWork() {
		return nil
	}
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	e, ok := k.locate(name, tid, serial)
	if !ok {
		if retryPossible {
			logger.Warnf("persistent %s (tid %s serial %d) not found, skipping created", name, tid, serial)
			return nil
		}
		return basic.Fatalf("did not find persistent %s entry (tid %s serial %d)", name, tid, serial)
	}
	h := e.header()
	if h.State != basic.StateCreatePending {
		if retryPossible {
			logger.Debugf("persistent %s already '%s', skipping created", name, h.State)
			return nil
		}
		return basic.Fatalf("persistent %s: expected state '%s' but found '%s'", name, basic.StateCreatePending, h.State)
	}
	_, err := k.change(guard, name, h, basic.StateCreated, persistent.StateChangeOptions{RetryPossible: retryPossible})
	return err
}

// MarkDropPending starts the drop of a committed DROP. A missing entry means
// there is nothing left to drop.
func (k *kindTable[K, E]) MarkDropPending(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool,
	verified func(old basic.State, t *persistent.Tuple) error) (basic.StateChangeResult, error) {
	if k.env.Shmem.BeforePersistenceWork() {
		return basic.StateChangeOk, nil
	}
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	e, ok := k.locate(name, tid, serial)
	if !ok {
		return basic.StateChangeDeleteUnnecessary, nil
	}
	h := e.header()
	switch h.State {
	case basic.StateCreatePending, basic.StateCreated, basic.StateDropPending:
	default:
		return basic.StateChangeNone, basic.Fatalf("persistent %s: expected state '%s' or '%s' but found '%s'",
			name, basic.StateCreatePending, basic.StateCreated, h.State)
	}
	return k.change(guard, name, h, basic.StateDropPending,
		persistent.StateChangeOptions{RetryPossible: retryPossible, VerifiedAction: verified})
}

// MarkAbortingCreate marks an object whose creating transaction aborted.
func (k *kindTable[K, E]) MarkAbortingCreate(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool,
	verified func(old basic.State, t *persistent.Tuple) error) (basic.StateChangeResult, error) {
	if k.env.Shmem.BeforePersistenceWork() {
		return basic.StateChangeOk, nil
	}
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	e, ok := k.locate(name, tid, serial)
	if !ok {
		if retryPossible {
			return basic.StateChangeDeleteUnnecessary, nil
		}
		return basic.StateChangeNone, basic.Fatalf("did not find persistent %s entry (tid %s serial %d)", name, tid, serial)
	}
	h := e.header()
	if h.State != basic.StateCreatePending && h.State != basic.StateAbortingCreate {
		return basic.StateChangeNone, basic.Fatalf("persistent %s: expected state '%s' but found '%s'",
			name, basic.StateCreatePending, h.State)
	}
	return k.change(guard, name, h, basic.StateAbortingCreate,
		persistent.StateChangeOptions{RetryPossible: retryPossible, VerifiedAction: verified})
}

// Dropped frees the tuple and then removes the shared-memory entry. The
// state change runs with the hash lock released; the PersistentObjLock keeps
// other writers out of the gap.
func (k *kindTable[K, E]) Dropped(name basic.ObjName, tid basic.TID, serial int64, retryPossible bool) (basic.StateChangeResult, error) {
	if k.env.Shmem.BeforePersistenceWork() {
		return basic.StateChangeOk, nil
	}
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	e, ok := k.locate(name, tid, serial)
	if !ok {
		if retryPossible {
			return basic.StateChangeDeleteUnnecessary, nil
		}
		return basic.StateChangeNone, basic.Fatalf("did not find persistent %s entry (tid %s serial %d)", name, tid, serial)
	}
	h := *e.header()
	if h.State != basic.StateDropPending && h.State != basic.StateAbortingCreate {
		return basic.StateChangeNone, basic.Fatalf("persistent %s: expected state '%s' or '%s' but found '%s'",
			name, basic.StateDropPending, basic.StateAbortingCreate, h.State)
	}

	hw.Release()
	res, err := k.change(guard, name, &h, basic.StateFree, persistent.StateChangeOptions{RetryPossible: retryPossible})
	hw.Reacquire()
	if err != nil {
		return res, err
	}
	delete(k.table.m, k.keyOf(name))
	return res, nil
}

// LookupTidAndSerialNum returns where name's tuple lives.
func (k *kindTable[K, E]) LookupTidAndSerialNum(name basic.ObjName) (basic.TID, int64, bool) {
	g := k.table.lock.RLock()
	defer g.Unlock()
	e, ok := k.table.m[k.keyOf(name)]
	if !ok {
		return basic.TID{}, 0, false
	}
	return e.header().Tid, e.header().SerialNum, true
}

// Lookup returns a copy of name's entry header.
func (k *kindTable[K, E]) Lookup(name basic.ObjName) (EntryHeader, bool) {
	g := k.table.lock.RLock()
	defer g.Unlock()
	e, ok := k.table.m[k.keyOf(name)]
	if !ok {
		return EntryHeader{}, false
	}
	return *e.header(), true
}

// SetMirrorExistence records what happened to the mirror copy of name.
func (k *kindTable[K, E]) SetMirrorExistence(name basic.ObjName, m basic.MirrorExistenceState) error {
	if k.env.Shmem.BeforePersistenceWork() {
		return nil
	}
	return k.update(k.keyOf(name), false,
		func(t *persistent.Tuple) { t.MirrorExistence = m },
		func(e E) { e.header().MirrorExistence = m })
}

// read runs fn on name's entry under the shared hash lock.
func (k *kindTable[K, E]) read(key K, fn func(E)) bool {
	g := k.table.lock.RLock()
	defer g.Unlock()
	e, ok := k.table.m[key]
	if ok {
		fn(e)
	}
	return ok
}

func (k *kindTable[K, E]) Entries() []EntrySnapshot {
	g := k.table.lock.RLock()
	defer g.Unlock()
	out := make([]EntrySnapshot, 0, len(k.table.m))
	for key, e := range k.table.m {
		out = append(out, EntrySnapshot{Name: k.nameOf(key), EntryHeader: *e.header()})
	}
	return out
}

func (k *kindTable[K, E]) Len() int {
	g := k.table.lock.RLock()
	defer g.Unlock()
	return len(k.table.m)
}

// update rewrites the tuple behind key and then the entry. With releaseHash
// the hash lock is dropped around the engine call.
func (k *kindTable[K, E]) update(key K, releaseHash bool, mutateTuple func(*persistent.Tuple), mutateEntry func(E)) error {
	name := k.nameOf(key)
	guard := k.env.Shmem.ObjLock.LockExclusive()
	defer guard.Unlock()
	hw := k.table.lock.Lock(guard)
	defer hw.Unlock()

	e, ok := k.table.m[key]
	if !ok {
		return basic.Fatalf("did not find persistent %s entry", name)
	}
	h := *e.header()
	if releaseHash {
		hw.Release()
	}
	err := k.env.Engine.UpdateTuple(guard, name, h.Tid, h.SerialNum, mutateTuple, false)
	if releaseHash {
		hw.Reacquire()
	}
	if err != nil {
		return err
	}
	mutateEntry(e)
	hw.Unlock()
	k.env.Paths.Clear()
	return k.env.WAL.Flush(k.env.WAL.NextLSN() - 1)
}
