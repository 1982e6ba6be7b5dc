package commands

import (
	"github.com/jackc/pgerrcode"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

func createTablespace(ctx *Context, s *CreateTablespaceStmt) error {
	if err := checkReservedName("tablespace", s.Name); err != nil {
		return err
	}
	if _, ok := ctx.catalog().TablespaceByName(ctx.xid(), s.Name); ok {
		return basic.ErrDuplicateObject("tablespace", s.Name)
	}
	fsName := s.Filespace
	if fsName == "" {
		fsName = basic.SystemFilespaceName
	}
	fs, ok := ctx.catalog().FilespaceByName(ctx.xid(), fsName)
	if !ok {
		return basic.ErrUndefinedObject("filespace", fsName)
	}

	oid := ctx.oid(s.Oid)
	ctx.catalog().InsertTablespace(ctx.xid(), catalog.Tablespace{Oid: oid, Name: s.Name, Owner: s.Owner, Filespace: fs.Oid})
	_, _, err := ctx.storage().FSO.TransactionCreateTablespaceDir(ctx.Tx, fs.Oid, oid, true)
	return jerrors.Trace(err)
}

func dropTablespace(ctx *Context, s *DropTablespaceStmt) error {
	ts, ok := ctx.catalog().TablespaceByName(ctx.xid(), s.Name)
	if !ok {
		if s.MissingOk {
			return skipMissing("tablespace", s.Name)
		}
		return basic.ErrUndefinedObject("tablespace", s.Name)
	}
	if ts.Oid < basic.FirstNormalObjectId {
		return basic.NewSQLError(pgerrcode.InsufficientPrivilege, "cannot drop system tablespace \"%s\"", s.Name)
	}
	if len(ctx.catalog().DatabasesUsingTablespace(ctx.xid(), ts.Oid)) > 0 ||
		ctx.storage().Databases.CountInTablespace(ts.Oid) > 0 {
		return basic.ErrNotEmpty("tablespace", s.Name)
	}
	ctx.catalog().DeleteTablespace(ctx.xid(), ts.Oid)
	return jerrors.Trace(ctx.storage().FSO.ScheduleDropTablespaceDir(ctx.Tx, ts.Oid))
}

func alterTablespace(ctx *Context, s *AlterTablespaceStmt) error {
	ts, ok := ctx.catalog().TablespaceByName(ctx.xid(), s.Name)
	if !ok {
		return basic.ErrUndefinedObject("tablespace", s.Name)
	}
	if s.NewName != "" {
		if ts.Oid < basic.FirstNormalObjectId {
			return basic.NewSQLError(pgerrcode.InsufficientPrivilege, "cannot rename system tablespace \"%s\"", s.Name)
		}
		if err := checkReservedName("tablespace", s.NewName); err != nil {
			return err
		}
		if _, dup := ctx.catalog().TablespaceByName(ctx.xid(), s.NewName); dup {
			return basic.ErrDuplicateObject("tablespace", s.NewName)
		}
		ts.Name = s.NewName
	}
	if s.NewOwner != "" {
		ts.Owner = s.NewOwner
	}
	ctx.catalog().InsertTablespace(ctx.xid(), ts)
	return nil
}
