package manager

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

/*
Physical create/drop record data:
──────────────────────────────────────────────────────────────
| PRIMARY (str) | MIRROR (str) | SRC_PRIMARY (str) | SRC_MIRROR (str) |
──────────────────────────────────────────────────────────────
Mirror and the copy sources are empty when unused.
*/
type physicalRecord struct {
	kind       basic.ObjKind
	create     bool
	primary    string
	mirror     string
	srcPrimary string
	srcMirror  string
}

func physicalRmgr(kind basic.ObjKind, create bool) (xlog.RmgrID, uint8) {
	switch kind {
	case basic.KindFilespaceDir:
		if create {
			return xlog.RmFilespace, xlog.XLOG_FSPC_CREATE
		}
		return xlog.RmFilespace, xlog.XLOG_FSPC_DROP
	case basic.KindTablespaceDir:
		if create {
			return xlog.RmTablespace, xlog.XLOG_TBLSPC_CREATE
		}
		return xlog.RmTablespace, xlog.XLOG_TBLSPC_DROP
	case basic.KindDatabaseDir:
		if create {
			return xlog.RmDatabase, xlog.XLOG_DBASE_CREATE
		}
		return xlog.RmDatabase, xlog.XLOG_DBASE_DROP
	}
	if create {
		return xlog.RmSmgr, xlog.XLOG_SMGR_CREATE
	}
	return xlog.RmSmgr, xlog.XLOG_SMGR_DROP
}

func physicalKind(rmgr xlog.RmgrID, info uint8) (basic.ObjKind, bool, error) {
	switch {
	case rmgr == xlog.RmFilespace && info == xlog.XLOG_FSPC_CREATE:
		return basic.KindFilespaceDir, true, nil
	case rmgr == xlog.RmFilespace && info == xlog.XLOG_FSPC_DROP:
		return basic.KindFilespaceDir, false, nil
	case rmgr == xlog.RmTablespace && info == xlog.XLOG_TBLSPC_CREATE:
		return basic.KindTablespaceDir, true, nil
	case rmgr == xlog.RmTablespace && info == xlog.XLOG_TBLSPC_DROP:
		return basic.KindTablespaceDir, false, nil
	case rmgr == xlog.RmDatabase && info == xlog.XLOG_DBASE_CREATE:
		return basic.KindDatabaseDir, true, nil
	case rmgr == xlog.RmDatabase && info == xlog.XLOG_DBASE_DROP:
		return basic.KindDatabaseDir, false, nil
	case rmgr == xlog.RmSmgr && info == xlog.XLOG_SMGR_CREATE:
		return basic.KindRelationFile, true, nil
	case rmgr == xlog.RmSmgr && info == xlog.XLOG_SMGR_DROP:
		return basic.KindRelationFile, false, nil
	}
	return basic.KindNone, false, errors.Errorf("unknown %s record info 0x%02x", rmgr, info)
}

func (r *physicalRecord) encode() []byte {
	buf := util.WriteString(nil, r.primary)
	buf = util.WriteString(buf, r.mirror)
	buf = util.WriteString(buf, r.srcPrimary)
	return util.WriteString(buf, r.srcMirror)
}

func decodePhysicalRecord(rec *xlog.Record) (*physicalRecord, error) {
	kind, create, err := physicalKind(rec.Rmgr, rec.Info)
	if err != nil {
		return nil, err
	}
	r := &physicalRecord{kind: kind, create: create}
	cursor := 0
	for _, dst := range []*string{&r.primary, &r.mirror, &r.srcPrimary, &r.srcMirror} {
		if cursor, *dst, err = util.ReadString(rec.Data, cursor); err != nil {
			return nil, errors.Wrapf(err, "decode %s", rec)
		}
	}
	return r, nil
}

// logPhysical inserts the record for a physical create or drop. It is not
// flushed: the persistent state change it goes with already is, or will be
// redone by recovery.
func logPhysical(wal *xlog.Manager, xid basic.Xid, r *physicalRecord) error {
	rmgr, info := physicalRmgr(r.kind, r.create)
	if _, err := wal.Insert(rmgr, info, &xlog.Record{Xid: xid, Data: r.encode()}); err != nil {
		return errors.Wrapf(err, "insert %s record", rmgr)
	}
	return nil
}

// createObject makes the directory or file of one object. An existing empty
// directory is taken over; anything else already at path is an error.
// checkTargetFree fails when path holds something a create could not claim
// as its own: a non-empty directory, or any file for a relation.
func checkTargetFree(kind basic.ObjKind, path string) error {
	exists, err := util.PathExists(path)
	if err != nil || !exists {
		return err
	}
	if kind == basic.KindRelationFile {
		return basic.ErrObjectInUse("file \"%s\" already exists", path)
	}
	empty, err := util.IsDirEmpty(path)
	if err != nil {
		return errors.Wrapf(err, "could not read directory \"%s\"", path)
	}
	if !empty {
		return basic.ErrObjectInUse("directory \"%s\" already in use", path)
	}
	return nil
}

func createObject(kind basic.ObjKind, path, src string) error {
	if kind != basic.KindRelationFile {
		created, err := util.MkdirIfMissing(path, 0700)
		if err != nil {
			return errors.Wrapf(err, "could not create directory \"%s\"", path)
		}
		if created {
			return nil
		}
		empty, err := util.IsDirEmpty(path)
		if err != nil {
			return errors.Wrapf(err, "could not read directory \"%s\"", path)
		}
		if !empty {
			return basic.ErrObjectInUse("directory \"%s\" already in use", path)
		}
		return nil
	}
	if src != "" {
		exists, err := util.PathExists(path)
		if err != nil {
			return err
		}
		if exists {
			return errors.Errorf("could not create file \"%s\": file exists", path)
		}
		return util.CopyFile(src, path)
	}
	if err := util.CreateFileExclusive(path); err != nil {
		return errors.Wrapf(err, "could not create file \"%s\"", path)
	}
	return nil
}

// removeObject deletes the directory tree or file at path. A missing target
// is only worth a warning.
func removeObject(kind basic.ObjKind, path string) error {
	if path == "" {
		return nil
	}
	if kind != basic.KindRelationFile {
		existed, err := util.RemoveTree(path)
		if err != nil {
			return errors.Wrapf(err, "could not remove directory \"%s\"", path)
		}
		if !existed {
			logger.Warnf("directory \"%s\" does not exist, nothing to remove", path)
		}
		return nil
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		return util.FsyncDir(filepath.Dir(path))
	case os.IsNotExist(err):
		logger.Warnf("file \"%s\" does not exist, nothing to remove", path)
		return nil
	}
	return errors.Wrapf(err, "could not remove file \"%s\"", path)
}

// redoCreate is createObject for replay: an object that is already there is
// left alone, and so is one whose parent no longer exists.
func redoCreate(kind basic.ObjKind, path, src string) error {
	if path == "" {
		return nil
	}
	exists, err := util.PathExists(path)
	if err != nil || exists {
		return err
	}
	parent, err := util.PathExists(filepath.Dir(path))
	if err != nil {
		return err
	}
	if !parent {
		logger.Warnf("redo create of \"%s\" skipped, parent directory is gone", path)
		return nil
	}
	if kind != basic.KindRelationFile {
		_, err := util.MkdirIfMissing(path, 0700)
		return err
	}
	if src != "" {
		if ok, _ := util.PathExists(src); ok {
			return util.CopyFile(src, path)
		}
		logger.Warnf("redo copy into \"%s\": source \"%s\" is gone, creating it empty", path, src)
	}
	return util.CreateFileExclusive(path)
}

// RedoPhysical replays a filespace, tablespace, database or storage record.
// Replaying it any number of times leaves the same files behind.
func RedoPhysical(rec *xlog.Record) error {
	r, err := decodePhysicalRecord(rec)
	if err != nil {
		return err
	}
	if r.create {
		if err := redoCreate(r.kind, r.primary, r.srcPrimary); err != nil {
			return err
		}
		return redoCreate(r.kind, r.mirror, r.srcMirror)
	}
	if err := removeObject(r.kind, r.primary); err != nil {
		return err
	}
	return removeObject(r.kind, r.mirror)
}
