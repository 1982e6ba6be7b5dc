package commands

import (
	"github.com/jackc/pgerrcode"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

// tablespaceReady checks that the directories of a new database can go into
// tablespace oid: its persistent object must have reached Created.
func tablespaceReady(ctx *Context, ts catalog.Tablespace) error {
	if ts.Oid < basic.FirstNormalObjectId {
		return nil
	}
	h, ok := ctx.storage().Tablespaces.Lookup(basic.NewTablespaceName(ts.Oid))
	if !ok || h.State != basic.StateCreated {
		return basic.NewSQLError(pgerrcode.ObjectNotInPrerequisiteState,
			"tablespace \"%s\" is not ready for new databases", ts.Name)
	}
	return nil
}

// createDatabase copies every database directory of the template; the
// template's default tablespace maps to the new database's tablespace.
func createDatabase(ctx *Context, s *CreateDatabaseStmt) error {
	cat := ctx.catalog()
	if _, ok := cat.DatabaseByName(ctx.xid(), s.Name); ok {
		return basic.ErrDuplicateDatabase(s.Name)
	}
	tplName := s.Template
	if tplName == "" {
		tplName = basic.Template1DbName
	}
	tpl, ok := cat.DatabaseByName(ctx.xid(), tplName)
	if !ok {
		return basic.NewSQLError(pgerrcode.InvalidCatalogName, "template database \"%s\" does not exist", tplName)
	}
	if n := ctx.Node.Sessions(tpl.Oid); n > 0 {
		return basic.NewSQLError(pgerrcode.ObjectInUse, "source database \"%s\" is being accessed by other users", tplName).
			WithDetail("There are %d other sessions using the database.", n)
	}
	ts, ok := cat.Tablespace(ctx.xid(), tpl.Tablespace)
	if s.Tablespace != "" {
		ts, ok = cat.TablespaceByName(ctx.xid(), s.Tablespace)
	}
	if !ok {
		return basic.ErrUndefinedObject("tablespace", s.Tablespace)
	}
	if ts.Oid == basic.GlobalTablespaceOid {
		return basic.NewSQLError(pgerrcode.InvalidParameterValue, "pg_global cannot be used as default tablespace")
	}
	if err := tablespaceReady(ctx, ts); err != nil {
		return err
	}

	connLimit := -1
	if s.ConnLimit != nil {
		connLimit = *s.ConnLimit
	}
	oid := ctx.oid(s.Oid)
	cat.InsertDatabase(ctx.xid(), catalog.Database{
		Oid: oid, Name: s.Name, Owner: s.Owner, Tablespace: ts.Oid, AllowConn: true, ConnLimit: connLimit,
	})

	st := ctx.storage()
	srcDirs := st.Databases.ListForDatabase(tpl.Oid)
	for _, src := range srcDirs {
		dst := basic.DbDirNode{Tablespace: src.Tablespace, Database: oid}
		if src.Tablespace == tpl.Tablespace {
			dst.Tablespace = ts.Oid
		}
		if _, _, err := st.FSO.TransactionCreateDatabaseDir(ctx.Tx, dst, false); err != nil {
			return jerrors.Trace(err)
		}
		for _, rel := range st.Relations.ListInDatabase(src) {
			from := basic.NewRelationName(rel.Node, rel.SegmentFileNum)
			rnode := basic.RelFileNode{Tablespace: dst.Tablespace, Database: oid, Relation: rel.Node.Relation}
			if _, _, err := st.FSO.TransactionCreateRelationFile(ctx.Tx, rnode, rel.SegmentFileNum, rel.StorageMgr, &from, false); err != nil {
				return jerrors.Trace(err)
			}
		}
	}
	logger.Debugf("%s: database %s (oid %d) copied from %s, %d directories", ctx.Node.Name(), s.Name, oid, tplName, len(srcDirs))
	return nil
}

func dropDatabase(ctx *Context, s *DropDatabaseStmt) error {
	db, ok := ctx.catalog().DatabaseByName(ctx.xid(), s.Name)
	if !ok {
		if s.MissingOk {
			return skipMissing("database", s.Name)
		}
		return basic.ErrUndefinedDatabase(s.Name)
	}
	if db.IsTemplate {
		return basic.NewSQLError(pgerrcode.WrongObjectType, "cannot drop a template database")
	}
	if n := ctx.Node.Sessions(db.Oid); n > 0 {
		return basic.NewSQLError(pgerrcode.ObjectInUse, "database \"%s\" is being accessed by other users", s.Name).
			WithDetail("There are %d other sessions using the database.", n)
	}
	ctx.catalog().DeleteDatabase(ctx.xid(), db.Oid)

	st := ctx.storage()
	for _, dir := range st.Databases.ListForDatabase(db.Oid) {
		for _, rel := range st.Relations.ListInDatabase(dir) {
			if err := st.FSO.ScheduleDropRelationFile(ctx.Tx, rel.Node, rel.SegmentFileNum); err != nil {
				return jerrors.Trace(err)
			}
		}
		if err := st.FSO.ScheduleDropDatabaseDir(ctx.Tx, dir); err != nil {
			return jerrors.Trace(err)
		}
	}
	return nil
}

func alterDatabase(ctx *Context, s *AlterDatabaseStmt) error {
	db, ok := ctx.catalog().DatabaseByName(ctx.xid(), s.Name)
	if !ok {
		return basic.ErrUndefinedDatabase(s.Name)
	}
	if s.NewName != "" {
		if _, dup := ctx.catalog().DatabaseByName(ctx.xid(), s.NewName); dup {
			return basic.ErrDuplicateDatabase(s.NewName)
		}
		if ctx.Node.Sessions(db.Oid) > 0 {
			return basic.ErrObjectInUse("database \"%s\" is being accessed by other users", s.Name)
		}
		db.Name = s.NewName
	}
	if s.NewOwner != "" {
		db.Owner = s.NewOwner
	}
	if s.ConnLimit != nil {
		if *s.ConnLimit < -1 {
			return basic.NewSQLError(pgerrcode.InvalidParameterValue, "invalid connection limit: %d", *s.ConnLimit)
		}
		db.ConnLimit = *s.ConnLimit
	}
	ctx.catalog().InsertDatabase(ctx.xid(), db)
	return nil
}
