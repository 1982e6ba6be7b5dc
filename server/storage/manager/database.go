package manager

import (
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
)

// DatabaseManager 管理 gp_persistent_database_node
type DatabaseManager struct {
	*kindTable[basic.DbDirNode, *DatabaseDirEntry]
	tablespaces *TablespaceManager
}

func NewDatabaseManager(env *Env, tablespaces *TablespaceManager) *DatabaseManager {
	return &DatabaseManager{kindTable: &kindTable[basic.DbDirNode, *DatabaseDirEntry]{
		env:    env,
		kind:   basic.KindDatabaseDir,
		table:  env.Shmem.databases,
		keyOf:  func(n basic.ObjName) basic.DbDirNode { return n.DbDir },
		nameOf: basic.NewDatabaseName,
		fromTuple: func(t *persistent.Tuple) (basic.DbDirNode, *DatabaseDirEntry) {
			node := basic.DbDirNode{Tablespace: t.TablespaceOid, Database: t.DatabaseOid}
			return node, &DatabaseDirEntry{Node: node}
		},
	}, tablespaces: tablespaces}
}

func (m *DatabaseManager) MarkCreatePending(tx *Transaction, node basic.DbDirNode,
	mirror basic.MirrorExistenceState) (basic.TID, int64, error) {
	name := basic.NewDatabaseName(node)
	t := persistent.NewTupleFor(name)
	t.MirrorExistence = mirror
	return m.markCreatePending(tx, name, &DatabaseDirEntry{Node: node}, t)
}

func (m *DatabaseManager) TryGet(node basic.DbDirNode) (DatabaseDirEntry, bool) {
	var out DatabaseDirEntry
	found := m.read(node, func(e *DatabaseDirEntry) { out = *e })
	return out, found
}

// CountInTablespace counts database directories inside tablespaceOid.
func (m *DatabaseManager) CountInTablespace(tablespaceOid basic.Oid) int {
	g := m.table.lock.RLock()
	defer g.Unlock()
	n := 0
	for node, e := range m.table.m {
		if node.Tablespace == tablespaceOid && e.State != basic.StateAbortingCreate {
			n++
		}
	}
	return n
}

// ListForDatabase returns every directory database oid has, one per
// tablespace.
func (m *DatabaseManager) ListForDatabase(database basic.Oid) []basic.DbDirNode {
	g := m.table.lock.RLock()
	defer g.Unlock()
	var out []basic.DbDirNode
	for node := range m.table.m {
		if node.Database == database {
			out = append(out, node)
		}
	}
	return out
}
