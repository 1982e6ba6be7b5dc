package manager

import (
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

// 事务状态
type txState uint8

const (
	txInProgress txState = iota
	txCommitted
	txAborted
	txPrepared
)

func (s txState) String() string {
	switch s {
	case txInProgress:
		return "in progress"
	case txCommitted:
		return "committed"
	case txAborted:
		return "aborted"
	case txPrepared:
		return "prepared"
	}
	return "unknown"
}

type deferredCreate struct {
	name basic.ObjName
	run  func() error
}

// Transaction 节点本地事务，持有本事务的待创建、待删除列表
type Transaction struct {
	xid     basic.Xid
	gid     string
	state   txState
	pending PendingLists
	// 推迟到提交前执行的物理创建
	deferred []deferredCreate
	drained  bool
}

func (tx *Transaction) Xid() basic.Xid {
	return tx.xid
}

// GID is the global identifier given at PREPARE TRANSACTION.
func (tx *Transaction) GID() string {
	return tx.gid
}

func (tx *Transaction) InProgress() bool {
	return tx.state == txInProgress
}

func (tx *Transaction) PendingCreates() []PendingCreate {
	return tx.pending.allCreates()
}

func (tx *Transaction) PendingDeletes() []PendingDelete {
	return tx.pending.flatDeletes()
}

func (tx *Transaction) checkInProgress() error {
	if tx == nil {
		return basic.Fatalf("no transaction")
	}
	if tx.state != txInProgress {
		return basic.Fatalf("transaction %d is %s", tx.xid, tx.state)
	}
	return nil
}

// drain hands the pending lists over to end-of-transaction processing.
func (tx *Transaction) drain() (*PendingLists, error) {
	if tx.drained {
		return nil, basic.Fatalf("pending lists of transaction %d drained twice", tx.xid)
	}
	tx.drained = true
	lists := tx.pending
	tx.pending = PendingLists{}
	tx.deferred = nil
	return &lists, nil
}

// CatalogHook is the catalog side of a transaction: mutations staged by a
// transaction travel in its commit record or two-phase state.
type CatalogHook interface {
	StagedPayload(xid basic.Xid) ([]byte, error)
	Apply(xid basic.Xid, payload []byte) error
	Discard(xid basic.Xid)
}

// TransactionManager 事务管理器：分配事务号，写提交/回滚记录，
// 在事务结束时驱动待创建和待删除列表
type TransactionManager struct {
	s           *Storage
	catalog     CatalogHook
	twoPhaseDir string

	mu       sync.Mutex
	nextXid  basic.Xid
	active   map[basic.Xid]*Transaction
	prepared map[string]basic.Xid

	// 提交和回滚从写记录到执行完钩子期间共享持有，检查点独占持有
	ckpt sync.RWMutex
}

func newTransactionManager(s *Storage, catalog CatalogHook, twoPhaseDir string) *TransactionManager {
	return &TransactionManager{
		s:           s,
		catalog:     catalog,
		twoPhaseDir: twoPhaseDir,
		nextXid:     basic.Xid(1),
		active:      make(map[basic.Xid]*Transaction),
		prepared:    make(map[string]basic.Xid),
	}
}

// Begin starts a transaction with a fresh xid.
func (m *TransactionManager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Transaction{xid: m.nextXid, state: txInProgress}
	m.nextXid++
	m.active[tx.xid] = tx
	return tx
}

func (m *TransactionManager) NextXid() basic.Xid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextXid
}

// ObserveXid makes sure xid is never handed out again.
func (m *TransactionManager) ObserveXid(xid basic.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if xid >= m.nextXid {
		m.nextXid = xid + 1
	}
}

func (m *TransactionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PreparedGIDs lists the transactions waiting for COMMIT/ROLLBACK PREPARED.
func (m *TransactionManager) PreparedGIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.prepared))
	for gid := range m.prepared {
		out = append(out, gid)
	}
	return out
}

func (m *TransactionManager) finish(tx *Transaction, state txState) {
	m.mu.Lock()
	tx.state = state
	delete(m.active, tx.xid)
	m.mu.Unlock()
}

// preCommit runs the physical creates that were deferred to commit time.
func (m *TransactionManager) preCommit(tx *Transaction) error {
	for _, d := range tx.deferred {
		if err := d.run(); err != nil {
			return errors.Wrapf(err, "create %s", d.name)
		}
	}
	tx.deferred = nil
	return nil
}

func (m *TransactionManager) stagedPayload(xid basic.Xid) ([]byte, error) {
	if m.catalog == nil {
		return nil, nil
	}
	return m.catalog.StagedPayload(xid)
}

func (m *TransactionManager) applyCatalog(xid basic.Xid, payload []byte) error {
	if m.catalog == nil {
		return nil
	}
	if err := m.catalog.Apply(xid, payload); err != nil {
		return basic.Fatalf("could not apply catalog changes of committed transaction %d: %v", xid, err)
	}
	return nil
}

func (m *TransactionManager) discardCatalog(xid basic.Xid) {
	if m.catalog != nil {
		m.catalog.Discard(xid)
	}
}

// Commit makes tx durable and then finishes its pending creates and drops.
// A failure before the commit record aborts tx instead.
func (m *TransactionManager) Commit(tx *Transaction) error {
	if err := tx.checkInProgress(); err != nil {
		return err
	}
	if err := m.preCommit(tx); err != nil {
		return m.abortAfterError(tx, err)
	}
	payload, err := m.stagedPayload(tx.xid)
	if err != nil {
		return m.abortAfterError(tx, err)
	}

	m.ckpt.RLock()
	defer m.ckpt.RUnlock()

	lists, err := tx.drain()
	if err != nil {
		return err
	}
	data := encodeLists(nil, lists.allCreates(), lists.commitDeletes())
	data = util.WriteLenBytes(data, payload)
	lsn, err := m.s.Env.WAL.InsertAndFlush(xlog.RmXact, xlog.XLOG_XACT_COMMIT, &xlog.Record{Xid: tx.xid, Data: data})
	if err != nil {
		return basic.Fatalf("could not write commit record of transaction %d: %v", tx.xid, err)
	}
	m.finish(tx, txCommitted)
	logger.Debugf("transaction %d committed at LSN %d", tx.xid, lsn)

	if err := m.s.Env.Faults.Check(faultinject.AfterCommitRecordBeforeHooks); err != nil {
		return basic.Fatalf("transaction %d committed but its pending work was interrupted: %v", tx.xid, err)
	}
	if err := m.applyCatalog(tx.xid, payload); err != nil {
		return err
	}
	return m.atEOXact(tx.xid, lists, true)
}

func (m *TransactionManager) abortAfterError(tx *Transaction, cause error) error {
	if err := m.Abort(tx); err != nil {
		logger.Errorf("abort of transaction %d after %v failed: %v", tx.xid, cause, err)
		return err
	}
	return cause
}

// Abort rolls tx back: creates made by tx are removed, drops are forgotten.
func (m *TransactionManager) Abort(tx *Transaction) error {
	if err := tx.checkInProgress(); err != nil {
		return err
	}
	m.ckpt.RLock()
	defer m.ckpt.RUnlock()

	lists, err := tx.drain()
	if err != nil {
		return err
	}
	if _, err := m.s.Env.WAL.Insert(xlog.RmXact, xlog.XLOG_XACT_ABORT, &xlog.Record{Xid: tx.xid}); err != nil {
		return basic.Fatalf("could not write abort record of transaction %d: %v", tx.xid, err)
	}
	m.finish(tx, txAborted)
	logger.Debugf("transaction %d aborted", tx.xid)

	if err := m.s.Env.Faults.Check(faultinject.AfterAbortRecordBeforeHooks); err != nil {
		return basic.Fatalf("transaction %d aborted but its pending work was interrupted: %v", tx.xid, err)
	}
	m.discardCatalog(tx.xid)
	return m.atEOXact(tx.xid, lists, false)
}

// Prepare is the first phase of a distributed commit. The pending lists and
// the staged catalog changes go to a two-phase state file, after which the
// in-memory lists are thrown away: COMMIT PREPARED and ROLLBACK PREPARED work
// from the file only.
func (m *TransactionManager) Prepare(tx *Transaction, gid string) error {
	if err := tx.checkInProgress(); err != nil {
		return err
	}
	if gid == "" {
		return basic.NewSQLError(pgerrcode.InvalidTransactionState, "transaction identifier must not be empty")
	}
	m.mu.Lock()
	_, dup := m.prepared[gid]
	m.mu.Unlock()
	if dup {
		return basic.NewSQLError(pgerrcode.DuplicateObject, "transaction identifier \"%s\" is already in use", gid)
	}
	if err := m.preCommit(tx); err != nil {
		return m.abortAfterError(tx, err)
	}
	payload, err := m.stagedPayload(tx.xid)
	if err != nil {
		return m.abortAfterError(tx, err)
	}
	st := &twoPhaseState{gid: gid, xid: tx.xid, lists: &tx.pending, payload: payload}
	if err := m.writeState(st); err != nil {
		return m.abortAfterError(tx, err)
	}

	m.ckpt.RLock()
	defer m.ckpt.RUnlock()
	if _, err := m.s.Env.WAL.InsertAndFlush(xlog.RmXact, xlog.XLOG_XACT_PREPARE,
		&xlog.Record{Xid: tx.xid, Data: util.WriteString(nil, gid)}); err != nil {
		return basic.Fatalf("could not write prepare record of transaction %d: %v", tx.xid, err)
	}
	if err := m.postPrepare(tx); err != nil {
		return err
	}
	tx.gid = gid
	m.finish(tx, txPrepared)
	m.mu.Lock()
	m.prepared[gid] = tx.xid
	m.mu.Unlock()
	logger.Debugf("transaction %d prepared as '%s'", tx.xid, gid)
	return nil
}

// postPrepare discards the pending lists without acting on them.
func (m *TransactionManager) postPrepare(tx *Transaction) error {
	_, err := tx.drain()
	return err
}

// claimPrepared takes gid out of the prepared set so only one caller
// finishes it.
func (m *TransactionManager) claimPrepared(gid string) (basic.Xid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	xid, ok := m.prepared[gid]
	if !ok {
		return basic.InvalidXid, basic.NewSQLError(pgerrcode.UndefinedObject,
			"prepared transaction with identifier \"%s\" does not exist", gid)
	}
	delete(m.prepared, gid)
	return xid, nil
}

// CommitPrepared finishes a prepared transaction from its state file.
func (m *TransactionManager) CommitPrepared(gid string) error {
	return m.finishPrepared(gid, true)
}

func (m *TransactionManager) RollbackPrepared(gid string) error {
	return m.finishPrepared(gid, false)
}

func (m *TransactionManager) finishPrepared(gid string, isCommit bool) error {
	xid, err := m.claimPrepared(gid)
	if err != nil {
		return err
	}
	st, err := m.readState(xid)
	if err != nil {
		return basic.Fatalf("could not read two-phase state of '%s': %v", gid, err)
	}

	m.ckpt.RLock()
	defer m.ckpt.RUnlock()

	info := xlog.XLOG_XACT_ABORT_PREPARED
	data := util.WriteString(nil, gid)
	if isCommit {
		info = xlog.XLOG_XACT_COMMIT_PREPARED
		data = encodeLists(data, st.lists.allCreates(), st.lists.commitDeletes())
		data = util.WriteLenBytes(data, st.payload)
	}
	if _, err := m.s.Env.WAL.InsertAndFlush(xlog.RmXact, info, &xlog.Record{Xid: xid, Data: data}); err != nil {
		return basic.Fatalf("could not write end record of prepared transaction '%s': %v", gid, err)
	}
	if isCommit {
		if err := m.applyCatalog(xid, st.payload); err != nil {
			return err
		}
	} else {
		m.discardCatalog(xid)
	}
	if err := m.atEOXact(xid, st.lists, isCommit); err != nil {
		return err
	}
	logger.Debugf("prepared transaction '%s' (xid %d) finished, commit %v", gid, xid, isCommit)
	return m.removeState(xid)
}

// atEOXact runs the end-of-transaction hooks. Creates become Created in kind
// order; pending deletes run afterwards in reverse kind order, so children go
// before the directories that hold them.
func (m *TransactionManager) atEOXact(xid basic.Xid, lists *PendingLists, isCommit bool) error {
	if isCommit {
		for _, kind := range basic.AllKinds {
			mgr := m.s.ByKind(kind)
			for {
				p, ok := lists.popCreate(kind)
				if !ok {
					break
				}
				if err := mgr.Created(p.Name, p.Tid, p.SerialNum, false); err != nil {
					return err
				}
			}
		}
	}
	return m.DoPendingDeletes(xid, lists, isCommit)
}

// DoPendingDeletes drains the delete lists once. Each entry is unlinked
// before its physical action, so a failure is not retried within the pass;
// entries whose AtCommit differs from isCommit are dropped silently.
func (m *TransactionManager) DoPendingDeletes(xid basic.Xid, lists *PendingLists, isCommit bool) error {
	for i := len(basic.AllKinds) - 1; i >= 0; i-- {
		kind := basic.AllKinds[i]
		for {
			p, ok := lists.popDelete(kind)
			if !ok {
				break
			}
			if p.AtCommit != isCommit {
				continue
			}
			if err := m.s.FSO.finishDrop(xid, p, isCommit, false); err != nil {
				if basic.IsFatal(err) {
					return err
				}
				logger.Warnf("could not remove %s for transaction %d: %v", p.Name, xid, err)
			}
		}
	}
	return nil
}

// CheckpointLock excludes commits and aborts between their XLOG record and
// the end of their hooks while fn runs.
func (m *TransactionManager) CheckpointLock(fn func() error) error {
	m.ckpt.Lock()
	defer m.ckpt.Unlock()
	return fn()
}
