package commands

import (
	"sort"

	"github.com/jackc/pgerrcode"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/manager"
)

// createFilespace 每个节点只创建属于自己和自己镜像的那一份目录
func createFilespace(ctx *Context, s *CreateFilespaceStmt) error {
	if err := checkReservedName("filespace", s.Name); err != nil {
		return err
	}
	if _, ok := ctx.catalog().FilespaceByName(ctx.xid(), s.Name); ok {
		return basic.ErrDuplicateObject("filespace", s.Name)
	}
	cfg := ctx.Node.Config()
	primary, ok := s.Locations[cfg.DbID]
	if !ok {
		return basic.NewSQLError(pgerrcode.InvalidParameterValue,
			"filespace \"%s\" has no location for dbid %d", s.Name, cfg.DbID)
	}
	if err := manager.ValidateFilespaceDir(primary); err != nil {
		return err
	}
	mirror := ""
	if cfg.MirrorDataDir != "" {
		if mirror, ok = s.Locations[cfg.MirrorDbID]; !ok {
			return basic.NewSQLError(pgerrcode.InvalidParameterValue,
				"filespace \"%s\" has no location for mirror dbid %d", s.Name, cfg.MirrorDbID)
		}
		if err := manager.ValidateFilespaceDir(mirror); err != nil {
			return err
		}
	}

	oid := ctx.oid(s.Oid)
	entries := make([]catalog.FilespaceEntry, 0, len(s.Locations))
	for dbid, loc := range s.Locations {
		entries = append(entries, catalog.FilespaceEntry{Filespace: oid, DbID: dbid, Location: loc})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DbID < entries[j].DbID })
	ctx.catalog().InsertFilespace(ctx.xid(), catalog.Filespace{Oid: oid, Name: s.Name, Owner: s.Owner}, entries)

	_, _, err := ctx.storage().FSO.TransactionCreateFilespaceDir(ctx.Tx, oid, primary, mirror, true)
	if err != nil {
		return jerrors.Trace(err)
	}
	logger.Debugf("%s: filespace %s (oid %d) at \"%s\"", ctx.Node.Name(), s.Name, oid, primary)
	return nil
}

func dropFilespace(ctx *Context, s *DropFilespaceStmt) error {
	fs, ok := ctx.catalog().FilespaceByName(ctx.xid(), s.Name)
	if !ok {
		if s.MissingOk {
			return skipMissing("filespace", s.Name)
		}
		return basic.ErrUndefinedObject("filespace", s.Name)
	}
	if fs.Oid == basic.SystemFilespaceOid {
		return basic.NewSQLError(pgerrcode.InsufficientPrivilege, "cannot drop the system filespace")
	}
	if len(ctx.catalog().TablespacesInFilespace(ctx.xid(), fs.Oid)) > 0 ||
		ctx.storage().Tablespaces.CountInFilespace(fs.Oid) > 0 {
		return basic.ErrNotEmpty("filespace", s.Name)
	}
	ctx.catalog().DeleteFilespace(ctx.xid(), fs.Oid)
	return jerrors.Trace(ctx.storage().FSO.ScheduleDropFilespaceDir(ctx.Tx, fs.Oid))
}

func alterFilespace(ctx *Context, s *AlterFilespaceStmt) error {
	fs, ok := ctx.catalog().FilespaceByName(ctx.xid(), s.Name)
	if !ok {
		return basic.ErrUndefinedObject("filespace", s.Name)
	}
	if fs.Oid == basic.SystemFilespaceOid && s.NewName != "" {
		return basic.NewSQLError(pgerrcode.InsufficientPrivilege, "cannot rename the system filespace")
	}
	if s.NewName != "" {
		if err := checkReservedName("filespace", s.NewName); err != nil {
			return err
		}
		if _, dup := ctx.catalog().FilespaceByName(ctx.xid(), s.NewName); dup {
			return basic.ErrDuplicateObject("filespace", s.NewName)
		}
		fs.Name = s.NewName
	}
	if s.NewOwner != "" {
		fs.Owner = s.NewOwner
	}
	ctx.catalog().InsertFilespace(ctx.xid(), fs, ctx.catalog().FilespaceEntries(ctx.xid(), fs.Oid))
	return nil
}
