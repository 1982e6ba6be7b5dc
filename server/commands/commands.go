package commands

import (
	"strings"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/manager"
)

// Context is one statement running on one node inside tx.
type Context struct {
	Node *node.Node
	Tx   *manager.Transaction
}

func (c *Context) xid() basic.Xid {
	return c.Tx.Xid()
}

func (c *Context) catalog() *catalog.Catalog {
	return c.Node.Catalog()
}

func (c *Context) storage() *manager.Storage {
	return c.Node.Storage()
}

// oid returns the oid the coordinator assigned, or a local one.
func (c *Context) oid(assigned basic.Oid) basic.Oid {
	if assigned == basic.InvalidOid {
		return c.Node.NextOid()
	}
	c.Node.ObserveOid(assigned)
	return assigned
}

// PreventInTransactionBlock rejects stmt inside an explicit transaction
// block: these statements touch the file system and cannot be rolled back
// with the block.
func PreventInTransactionBlock(inBlock bool, stmt Stmt) error {
	if inBlock {
		return basic.ErrActiveTransaction(stmt.Tag())
	}
	return nil
}

// Execute runs stmt on ctx.Node inside ctx.Tx. It must be called through
// node.Run.
func Execute(ctx *Context, stmt Stmt) error {
	var err error
	switch s := stmt.(type) {
	case *CreateFilespaceStmt:
		err = createFilespace(ctx, s)
	case *DropFilespaceStmt:
		err = dropFilespace(ctx, s)
	case *AlterFilespaceStmt:
		err = alterFilespace(ctx, s)
	case *CreateTablespaceStmt:
		err = createTablespace(ctx, s)
	case *DropTablespaceStmt:
		err = dropTablespace(ctx, s)
	case *AlterTablespaceStmt:
		err = alterTablespace(ctx, s)
	case *CreateDatabaseStmt:
		err = createDatabase(ctx, s)
	case *DropDatabaseStmt:
		err = dropDatabase(ctx, s)
	case *AlterDatabaseStmt:
		err = alterDatabase(ctx, s)
	case *CreateRelationStorageStmt:
		err = createRelationStorage(ctx, s)
	case *DropRelationStorageStmt:
		err = dropRelationStorage(ctx, s)
	default:
		return jerrors.NotSupportedf("statement %T", stmt)
	}
	if err != nil {
		return jerrors.Annotatef(err, "%s on %s", stmt.Tag(), ctx.Node.Name())
	}
	return nil
}

// ExecLocal runs stmt on a single node in its own transaction.
func ExecLocal(n *node.Node, stmt Stmt) error {
	return n.Run(func() error {
		tx := n.Storage().Tx.Begin()
		stmt.AssignOids(n.NextOid)
		if err := Execute(&Context{Node: n, Tx: tx}, stmt); err != nil {
			if aerr := n.Storage().Tx.Abort(tx); aerr != nil {
				logger.Errorf("abort after %s failed: %v", stmt.Tag(), aerr)
				return jerrors.Trace(aerr)
			}
			return err
		}
		return jerrors.Trace(n.Storage().Tx.Commit(tx))
	})
}

func checkReservedName(kind, name string) error {
	if strings.HasPrefix(name, "pg_") {
		return basic.ErrReservedName(kind, name)
	}
	return nil
}

func skipMissing(kind, name string) error {
	logger.Infof("%s \"%s\" does not exist, skipping", kind, name)
	return nil
}
