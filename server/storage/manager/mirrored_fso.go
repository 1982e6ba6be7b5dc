package manager

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
)

// MirroredFSO 把持久化对象的状态变更和主、镜像两侧的物理目录/文件操作组合起来。
// 意图先写入目录并刷入 XLOG，物理动作随后执行
type MirroredFSO struct {
	s *Storage
}

// mirrorExistence decides the mirror state a new object starts in.
func (f *MirroredFSO) mirrorExistence(name basic.ObjName, mirror string) basic.MirrorExistenceState {
	if mirror == "" {
		return basic.MirrorNotMirrored
	}
	if err := f.s.Env.Faults.Check(faultinject.MirrorUnreachable); err != nil {
		logger.Warnf("mirror unreachable, %s is created on the primary only", name)
		return basic.MirrorDownBeforeCreate
	}
	return basic.MirrorCreatePending
}

type markFunc func(mirror basic.MirrorExistenceState) (basic.TID, int64, error)

// create marks name CreatePending and then creates it on disk, now or at
// pre-commit when deferred.
func (f *MirroredFSO) create(tx *Transaction, name basic.ObjName, dst, src DirPair, deferred bool,
	mark markFunc) (basic.TID, int64, error) {
	if err := tx.checkInProgress(); err != nil {
		return basic.TID{}, 0, err
	}
	// An abort removes whatever sits at the target, so it has to be ours.
	if err := checkTargetFree(name.Kind, dst.Primary); err != nil {
		return basic.TID{}, 0, err
	}
	existence := f.mirrorExistence(name, dst.Mirror)
	if existence == basic.MirrorCreatePending {
		if err := checkTargetFree(name.Kind, dst.Mirror); err != nil {
			logger.Warnf("mirror target of %s is not usable, created on the primary only: %v", name, err)
			existence = basic.MirrorDownBeforeCreate
		}
	}
	tid, serial, err := mark(existence)
	if err != nil {
		return tid, serial, err
	}
	if existence != basic.MirrorCreatePending {
		dst.Mirror = ""
	}
	if err := f.s.Env.Faults.Check(faultinject.AfterCreatePendingBeforeMkdir); err != nil {
		return tid, serial, err
	}
	run := func() error {
		return f.createPhysical(tx.xid, name, dst, src)
	}
	if deferred {
		tx.deferred = append(tx.deferred, deferredCreate{name: name, run: run})
		return tid, serial, nil
	}
	return tid, serial, run()
}

func (f *MirroredFSO) createPhysical(xid basic.Xid, name basic.ObjName, dst, src DirPair) error {
	err := logPhysical(f.s.Env.WAL, xid, &physicalRecord{
		kind: name.Kind, create: true,
		primary: dst.Primary, mirror: dst.Mirror,
		srcPrimary: src.Primary, srcMirror: src.Mirror,
	})
	if err != nil {
		return err
	}
	if err := createObject(name.Kind, dst.Primary, src.Primary); err != nil {
		return err
	}
	if dst.Mirror == "" {
		return nil
	}
	if err := createObject(name.Kind, dst.Mirror, src.Mirror); err != nil {
		logger.Warnf("mirror create of %s at \"%s\" failed: %v", name, dst.Mirror, err)
		return f.s.ByKind(name.Kind).SetMirrorExistence(name, basic.MirrorDownDuringCreate)
	}
	return nil
}

// TransactionCreateFilespaceDir creates filespace oid at the given primary and
// mirror locations.
func (f *MirroredFSO) TransactionCreateFilespaceDir(tx *Transaction, oid basic.Oid, primary, mirror string,
	deferred bool) (basic.TID, int64, error) {
	id := f.s.Env.Identity
	mirrorDbID := basic.InvalidDbID
	if mirror != "" {
		mirrorDbID = id.MirrorDbID
	}
	name := basic.NewFilespaceName(oid)
	return f.create(tx, name, DirPair{Primary: primary, Mirror: mirror}, DirPair{}, deferred,
		func(m basic.MirrorExistenceState) (basic.TID, int64, error) {
			return f.s.Filespaces.MarkCreatePending(tx, oid, id.DbID, primary, mirrorDbID, mirror, m)
		})
}

// TransactionCreateTablespaceDir creates the directory of tablespaceOid in
// its filespace.
func (f *MirroredFSO) TransactionCreateTablespaceDir(tx *Transaction, filespaceOid, tablespaceOid basic.Oid,
	deferred bool) (basic.TID, int64, error) {
	fsPrimary, fsMirror, err := f.s.Filespaces.GetFilespacePaths(filespaceOid)
	if err != nil {
		return basic.TID{}, 0, err
	}
	dst := DirPair{Primary: tablespacePath(fsPrimary, tablespaceOid), Mirror: tablespacePath(fsMirror, tablespaceOid)}
	return f.create(tx, basic.NewTablespaceName(tablespaceOid), dst, DirPair{}, deferred,
		func(m basic.MirrorExistenceState) (basic.TID, int64, error) {
			return f.s.Tablespaces.MarkCreatePending(tx, filespaceOid, tablespaceOid, m)
		})
}

// TransactionCreateDatabaseDir creates the directory of a database. The
// template's files are copied by separate relation file creates.
func (f *MirroredFSO) TransactionCreateDatabaseDir(tx *Transaction, node basic.DbDirNode,
	deferred bool) (basic.TID, int64, error) {
	dst, err := f.s.Databases.DatabaseDir(node)
	if err != nil {
		return basic.TID{}, 0, err
	}
	return f.create(tx, basic.NewDatabaseName(node), dst, DirPair{}, deferred,
		func(m basic.MirrorExistenceState) (basic.TID, int64, error) {
			return f.s.Databases.MarkCreatePending(tx, node, m)
		})
}

// TransactionCreateRelationFile creates one segment file of a relation,
// copying copyFrom when it is given.
func (f *MirroredFSO) TransactionCreateRelationFile(tx *Transaction, rnode basic.RelFileNode, segmentFileNum int32,
	storageMgr basic.RelStorageMgr, copyFrom *basic.ObjName, deferred bool) (basic.TID, int64, error) {
	dst, err := f.s.Relations.RelationPath(rnode, segmentFileNum)
	if err != nil {
		return basic.TID{}, 0, err
	}
	var src DirPair
	if copyFrom != nil {
		if src, err = f.s.Relations.RelationPath(copyFrom.Rel, copyFrom.SegmentFileNum); err != nil {
			return basic.TID{}, 0, err
		}
	}
	return f.create(tx, basic.NewRelationName(rnode, segmentFileNum), dst, src, deferred,
		func(m basic.MirrorExistenceState) (basic.TID, int64, error) {
			return f.s.Relations.MarkCreatePending(tx, rnode, segmentFileNum, storageMgr, m)
		})
}

// scheduleDrop queues the drop of name for commit. Nothing changes state
// until the commit record is on disk, so a rolled back DROP leaves the object
// alone.
func (f *MirroredFSO) scheduleDrop(tx *Transaction, name basic.ObjName) error {
	if err := tx.checkInProgress(); err != nil {
		return err
	}
	if f.s.Env.Shmem.BeforePersistenceWork() {
		return nil
	}
	h, ok := f.s.ByKind(name.Kind).Lookup(name)
	if !ok {
		return basic.Fatalf("did not find persistent %s entry to drop", name)
	}
	if h.State != basic.StateCreated && h.State != basic.StateCreatePending {
		return basic.Fatalf("persistent %s: expected state '%s' or '%s' but found '%s'",
			name, basic.StateCreatePending, basic.StateCreated, h.State)
	}
	tx.pending.addDelete(PendingDelete{Name: name, Tid: h.Tid, SerialNum: h.SerialNum, AtCommit: true})
	logger.Debugf("transaction %d scheduled drop of %s (tid %s serial %d)", tx.xid, name, h.Tid, h.SerialNum)
	return nil
}

func (f *MirroredFSO) ScheduleDropFilespaceDir(tx *Transaction, oid basic.Oid) error {
	return f.scheduleDrop(tx, basic.NewFilespaceName(oid))
}

func (f *MirroredFSO) ScheduleDropTablespaceDir(tx *Transaction, tablespaceOid basic.Oid) error {
	return f.scheduleDrop(tx, basic.NewTablespaceName(tablespaceOid))
}

func (f *MirroredFSO) ScheduleDropDatabaseDir(tx *Transaction, node basic.DbDirNode) error {
	return f.scheduleDrop(tx, basic.NewDatabaseName(node))
}

func (f *MirroredFSO) ScheduleDropRelationFile(tx *Transaction, rnode basic.RelFileNode, segmentFileNum int32) error {
	return f.scheduleDrop(tx, basic.NewRelationName(rnode, segmentFileNum))
}

// hasMirrorCopy reports whether the mirror may hold a copy that a drop has
// to remove.
func hasMirrorCopy(m basic.MirrorExistenceState) bool {
	switch m {
	case basic.MirrorCreatePending, basic.MirrorCreated, basic.MirrorDownDuringCreate,
		basic.MirrorDropPending, basic.MirrorOnlyDropRemains:
		return true
	}
	return false
}

// objectPaths resolves where name lives. A missing entry resolves to no
// paths; the state change that follows decides whether that is an error.
func (f *MirroredFSO) objectPaths(name basic.ObjName) (DirPair, bool, error) {
	h, ok := f.s.ByKind(name.Kind).Lookup(name)
	if !ok {
		return DirPair{}, false, nil
	}
	var p DirPair
	var err error
	switch name.Kind {
	case basic.KindFilespaceDir:
		p.Primary, p.Mirror, err = f.s.Filespaces.GetFilespacePaths(name.Oid)
	case basic.KindTablespaceDir:
		p, err = f.s.Tablespaces.TablespaceDir(name.Oid)
	case basic.KindDatabaseDir:
		p, err = f.s.Databases.DatabaseDir(name.DbDir)
	case basic.KindRelationFile:
		p, err = f.s.Relations.RelationPath(name.Rel, name.SegmentFileNum)
	default:
		return DirPair{}, false, errors.Errorf("unknown persistent object %s", name)
	}
	if err != nil {
		return DirPair{}, false, err
	}
	if !hasMirrorCopy(h.MirrorExistence) {
		p.Mirror = ""
	}
	return p, true, nil
}

// finishDrop carries out one pending delete: DropPending (commit) or
// AbortingCreate (abort), the physical removal on primary and mirror, then
// Free. The drop record is logged by the verified state change.
func (f *MirroredFSO) finishDrop(xid basic.Xid, p PendingDelete, isCommit, retry bool) error {
	mgr := f.s.ByKind(p.Name.Kind)
	paths, found, err := f.objectPaths(p.Name)
	if err != nil {
		return err
	}
	verified := func(old basic.State, t *persistent.Tuple) error {
		return logPhysical(f.s.Env.WAL, xid, &physicalRecord{
			kind: p.Name.Kind, primary: paths.Primary, mirror: paths.Mirror,
		})
	}

	var res basic.StateChangeResult
	if isCommit {
		res, err = mgr.MarkDropPending(p.Name, p.Tid, p.SerialNum, retry, verified)
	} else {
		res, err = mgr.MarkAbortingCreate(p.Name, p.Tid, p.SerialNum, retry, verified)
	}
	if err != nil {
		return err
	}
	switch res {
	case basic.StateChangeDeleteUnnecessary, basic.StateChangeErrorSuppressed:
		logger.Debugf("%s (tid %s serial %d) is already gone: %s", p.Name, p.Tid, p.SerialNum, res)
		return nil
	}
	if !found {
		return basic.Fatalf("persistent %s changed state without a shared-memory entry", p.Name)
	}
	if isCommit {
		if err := f.s.Env.Faults.Check(faultinject.AfterMarkDropPending); err != nil {
			return err
		}
	}

	if err := removeObject(p.Name.Kind, paths.Primary); err != nil {
		return err
	}
	if err := removeObject(p.Name.Kind, paths.Mirror); err != nil {
		logger.Warnf("mirror remove of %s failed: %v", p.Name, err)
	}
	_, err = mgr.Dropped(p.Name, p.Tid, p.SerialNum, true)
	if err == nil {
		logger.Debugf("%s removed (tid %s serial %d)", p.Name, p.Tid, p.SerialNum)
	}
	return err
}
