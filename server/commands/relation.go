package commands

import (
	"strconv"

	"github.com/jackc/pgerrcode"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

func relationTablespace(ctx *Context, db catalog.Database, name string) (catalog.Tablespace, error) {
	if name == "" {
		ts, _ := ctx.catalog().Tablespace(ctx.xid(), db.Tablespace)
		return ts, nil
	}
	ts, ok := ctx.catalog().TablespaceByName(ctx.xid(), name)
	if !ok {
		return ts, basic.ErrUndefinedObject("tablespace", name)
	}
	if ts.Oid == basic.GlobalTablespaceOid {
		return ts, basic.NewSQLError(pgerrcode.InvalidParameterValue,
			"only shared relations can be placed in pg_global tablespace")
	}
	return ts, nil
}

// createRelationStorage 第一次往某个表空间放表时先建数据库目录
func createRelationStorage(ctx *Context, s *CreateRelationStorageStmt) error {
	db, ok := ctx.catalog().DatabaseByName(ctx.xid(), s.Database)
	if !ok {
		return basic.ErrUndefinedDatabase(s.Database)
	}
	ts, err := relationTablespace(ctx, db, s.Tablespace)
	if err != nil {
		return err
	}
	if err = tablespaceReady(ctx, ts); err != nil {
		return err
	}

	st := ctx.storage()
	dir := basic.DbDirNode{Tablespace: ts.Oid, Database: db.Oid}
	if _, ok := st.Databases.TryGet(dir); !ok {
		if _, _, err := st.FSO.TransactionCreateDatabaseDir(ctx.Tx, dir, false); err != nil {
			return jerrors.Trace(err)
		}
	}

	segments := s.Segments
	if segments <= 0 {
		segments = 1
	}
	smgr := s.StorageMgr
	if smgr == basic.RelStorageNone {
		smgr = basic.RelStorageBufferPool
	}
	rnode := basic.RelFileNode{Tablespace: ts.Oid, Database: db.Oid, Relation: ctx.oid(s.Relfilenode)}
	for seg := 0; seg < segments; seg++ {
		if _, _, err := st.FSO.TransactionCreateRelationFile(ctx.Tx, rnode, int32(seg), smgr, nil, false); err != nil {
			return jerrors.Trace(err)
		}
	}
	return nil
}

func dropRelationStorage(ctx *Context, s *DropRelationStorageStmt) error {
	db, ok := ctx.catalog().DatabaseByName(ctx.xid(), s.Database)
	if !ok {
		return basic.ErrUndefinedDatabase(s.Database)
	}
	ts, err := relationTablespace(ctx, db, s.Tablespace)
	if err != nil {
		return err
	}
	st := ctx.storage()
	dropped := 0
	for _, rel := range st.Relations.ListInDatabase(basic.DbDirNode{Tablespace: ts.Oid, Database: db.Oid}) {
		if rel.Node.Relation != s.Relfilenode {
			continue
		}
		if rel.State != basic.StateCreated && rel.State != basic.StateCreatePending {
			continue
		}
		if err := st.FSO.ScheduleDropRelationFile(ctx.Tx, rel.Node, rel.SegmentFileNum); err != nil {
			return jerrors.Trace(err)
		}
		dropped++
	}
	if dropped == 0 {
		return basic.ErrUndefinedObject("relation file", strconv.FormatUint(uint64(s.Relfilenode), 10))
	}
	return nil
}
