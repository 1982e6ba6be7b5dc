package persistent

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/latch"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

// KindOps is what a per-kind manager plugs into the engine.
type KindOps interface {
	Kind() basic.ObjKind
	// OnScanTuple is called for every live tuple while shared memory is
	// rebuilt from the store.
	OnScanTuple(tid basic.TID, t *Tuple) error
}

// StateChangeOptions tunes one StateChange call.
type StateChangeOptions struct {
	// RetryPossible turns a missing tuple or serial number mismatch into
	// StateChangeErrorSuppressed instead of a fatal error.
	RetryPossible bool
	FlushToXLog   bool
	// VerifiedAction runs only when the transition did real work, after the
	// state change record is inserted and before the lock is given up.
	VerifiedAction func(old basic.State, t *Tuple) error
}

// Engine is the state machine shared by all persistent object kinds.
type Engine struct {
	wal    *xlog.Manager
	stores map[basic.ObjKind]*Store
}

func NewEngine(wal *xlog.Manager, stores ...*Store) *Engine {
	e := &Engine{wal: wal, stores: make(map[basic.ObjKind]*Store, len(stores))}
	for _, s := range stores {
		e.stores[s.Kind()] = s
	}
	return e
}

func (e *Engine) Store(kind basic.ObjKind) *Store {
	return e.stores[kind]
}

func (e *Engine) WAL() *xlog.Manager {
	return e.wal
}

// Init rebuilds one kind's shared-memory table by scanning its store.
func (e *Engine) Init(ops KindOps) error {
	s := e.stores[ops.Kind()]
	if s == nil {
		return errors.Errorf("no persistent store for %s", ops.Kind())
	}
	n := 0
	err := s.Scan(func(tid basic.TID, t *Tuple) error {
		n++
		return ops.OnScanTuple(tid, t)
	})
	if err != nil {
		return errors.Wrapf(err, "scan %s", RelationFileName(ops.Kind()))
	}
	logger.Debugf("persistent %s init scanned %d tuples", ops.Kind(), n)
	return nil
}

// lookup reads the tuple at tid and checks it still belongs to name/serial.
func (e *Engine) lookup(name basic.ObjName, tid basic.TID, serial int64) (*Tuple, bool) {
	s := e.stores[name.Kind]
	if s == nil {
		return nil, false
	}
	t, _, ok := s.Read(tid)
	if !ok || t.SerialNum != serial || t.Name() != name {
		return nil, false
	}
	return t, true
}

// NextMirrorState is the mirror existence an object moves to along with newState.
func NextMirrorState(cur basic.MirrorExistenceState, newState basic.State) basic.MirrorExistenceState {
	switch cur {
	case basic.MirrorNotMirrored, basic.MirrorDownBeforeCreate, basic.MirrorDownDuringCreate:
		if newState == basic.StateFree {
			return basic.MirrorNone
		}
		return cur
	}
	switch newState {
	case basic.StateCreated:
		if cur == basic.MirrorCreatePending {
			return basic.MirrorCreated
		}
	case basic.StateDropPending, basic.StateAbortingCreate:
		if cur == basic.MirrorCreatePending || cur == basic.MirrorCreated {
			return basic.MirrorDropPending
		}
	case basic.StateFree:
		return basic.MirrorNone
	}
	return cur
}

// StateChange moves name to newState. The caller must hold the
// PersistentObjLock exclusively, proven by guard.
func (e *Engine) StateChange(guard *latch.ObjWriteGuard, name basic.ObjName, tid basic.TID, serial int64,
	newState basic.State, opts StateChangeOptions) (basic.State, basic.StateChangeResult, error) {
	if err := guard.Check(); err != nil {
		return basic.StateFree, basic.StateChangeNone, err
	}
	cur, ok := e.lookup(name, tid, serial)
	if !ok {
		if opts.RetryPossible {
			logger.Warnf("persistent %s at tid %s serial %d not found, state change to '%s' suppressed",
				name, tid, serial, newState)
			return basic.StateFree, basic.StateChangeErrorSuppressed, nil
		}
		return basic.StateFree, basic.StateChangeNone,
			basic.Fatalf("did not find persistent %s at tid %s with serial number %d", name, tid, serial)
	}
	old := cur.State
	if old == newState {
		return old, basic.StateChangeAlreadyDone, nil
	}
	if !basic.TransitionAllowed(old, newState) {
		return old, basic.StateChangeNone,
			basic.Fatalf("persistent %s serial %d: cannot change state from '%s' to '%s'", name, serial, old, newState)
	}

	next := cur.Clone()
	next.State = newState
	next.MirrorExistence = NextMirrorState(cur.MirrorExistence, newState)
	if newState == basic.StateFree {
		next.ParentXid = basic.InvalidXid
	}
	lsn, err := e.write(xlog.XLOG_PERSISTENT_STATE_CHANGE, tid, next, opts.FlushToXLog)
	if err != nil {
		return old, basic.StateChangeNone, err
	}
	logger.Debugf("persistent %s tid %s serial %d: '%s' -> '%s' at LSN %d", name, tid, serial, old, newState, lsn)

	if opts.VerifiedAction != nil {
		if err := opts.VerifiedAction(old, next); err != nil {
			return old, basic.StateChangeOk, err
		}
	}
	return old, basic.StateChangeOk, nil
}

// VerifyStateChange tells whether StateChange to newState would do work,
// without changing anything.
func (e *Engine) VerifyStateChange(name basic.ObjName, tid basic.TID, serial int64, newState basic.State) (basic.StateChangeResult, error) {
	cur, ok := e.lookup(name, tid, serial)
	if !ok {
		return basic.StateChangeErrorSuppressed, nil
	}
	if cur.State == newState {
		return basic.StateChangeAlreadyDone, nil
	}
	if !basic.TransitionAllowed(cur.State, newState) {
		return basic.StateChangeNone,
			basic.Fatalf("persistent %s serial %d: cannot change state from '%s' to '%s'", name, serial, cur.State, newState)
	}
	return basic.StateChangeNeeded, nil
}

// AddTuple inserts t with a fresh serial number at the lowest free TID. The
// record is inserted but not flushed; the returned LSN lets the caller flush
// once it has released its hash lock.
func (e *Engine) AddTuple(guard *latch.ObjWriteGuard, t *Tuple) (basic.TID, int64, xlog.LSN, error) {
	if err := guard.Check(); err != nil {
		return basic.TID{}, 0, 0, err
	}
	s := e.stores[t.Kind]
	if s == nil {
		return basic.TID{}, 0, 0, errors.Errorf("no persistent store for %s", t.Kind)
	}
	t = t.Clone()
	t.SerialNum = s.NextSerialNum()
	tid := s.Allocate()
	lsn, err := e.write(xlog.XLOG_PERSISTENT_ADD_TUPLE, tid, t, false)
	if err != nil {
		return basic.TID{}, 0, 0, err
	}
	logger.Debugf("persistent add %s", t)
	return tid, t.SerialNum, lsn, nil
}

// UpdateTuple rewrites the non-state columns of an existing tuple, such as
// the mirror pairing of a filespace.
func (e *Engine) UpdateTuple(guard *latch.ObjWriteGuard, name basic.ObjName, tid basic.TID, serial int64,
	mutate func(t *Tuple), flush bool) error {
	if err := guard.Check(); err != nil {
		return err
	}
	cur, ok := e.lookup(name, tid, serial)
	if !ok {
		return basic.Fatalf("did not find persistent %s at tid %s with serial number %d", name, tid, serial)
	}
	next := cur.Clone()
	mutate(next)
	if next.Name() != name || next.SerialNum != serial || next.State != cur.State {
		return basic.Fatalf("persistent %s update may not change its key, serial number or state", name)
	}
	_, err := e.write(xlog.XLOG_PERSISTENT_UPDATE_TUPLE, tid, next, flush)
	return err
}

// write logs the new image of tid and applies it to the store.
func (e *Engine) write(info uint8, tid basic.TID, t *Tuple, flush bool) (xlog.LSN, error) {
	rec := &xlog.Record{Xid: t.ParentXid, Data: encodeTupleRecord(tid, t)}
	lsn, err := e.wal.Insert(xlog.RmPersistent, info, rec)
	if err != nil {
		return 0, errors.Wrap(err, "insert persistent record")
	}
	if err := e.stores[t.Kind].Put(tid, t, lsn); err != nil {
		return 0, err
	}
	if flush {
		if err := e.wal.Flush(lsn); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// Persistent record data: KIND(1) BLOCK(4) OFFSET(2) TUPLE
func encodeTupleRecord(tid basic.TID, t *Tuple) []byte {
	buf := make([]byte, 0, 7+TupleSize(t.Kind))
	buf = util.WriteByte(buf, byte(t.Kind))
	buf = util.WriteUB4(buf, tid.Block)
	buf = util.WriteUB2(buf, tid.Offset)
	return util.WriteBytes(buf, t.Encode())
}

func decodeTupleRecord(data []byte) (basic.TID, *Tuple, error) {
	if len(data) < 7 {
		return basic.TID{}, nil, errors.Errorf("persistent record too short (%d bytes)", len(data))
	}
	cursor, kind := util.ReadByte(data, 0)
	var tid basic.TID
	cursor, tid.Block = util.ReadUB4(data, cursor)
	cursor, tid.Offset = util.ReadUB2(data, cursor)
	t, err := DecodeTuple(basic.ObjKind(kind), data[cursor:])
	return tid, t, err
}
