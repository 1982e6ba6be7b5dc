package manager

import (
	"sort"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
)

// RelationManager 管理 gp_persistent_relation_node，每个段文件一个条目
type RelationManager struct {
	*kindTable[basic.ObjName, *RelationFileEntry]
	databases *DatabaseManager
}

func NewRelationManager(env *Env, databases *DatabaseManager) *RelationManager {
	return &RelationManager{kindTable: &kindTable[basic.ObjName, *RelationFileEntry]{
		env:    env,
		kind:   basic.KindRelationFile,
		table:  env.Shmem.relations,
		keyOf:  func(n basic.ObjName) basic.ObjName { return n },
		nameOf: func(n basic.ObjName) basic.ObjName { return n },
		fromTuple: func(t *persistent.Tuple) (basic.ObjName, *RelationFileEntry) {
			name := t.Name()
			return name, &RelationFileEntry{Node: name.Rel, SegmentFileNum: name.SegmentFileNum, StorageMgr: t.RelStorageMgr}
		},
	}, databases: databases}
}

func (m *RelationManager) MarkCreatePending(tx *Transaction, rnode basic.RelFileNode, segmentFileNum int32,
	storageMgr basic.RelStorageMgr, mirror basic.MirrorExistenceState) (basic.TID, int64, error) {
	name := basic.NewRelationName(rnode, segmentFileNum)
	t := persistent.NewTupleFor(name)
	t.RelStorageMgr = storageMgr
	t.MirrorExistence = mirror
	e := &RelationFileEntry{Node: rnode, SegmentFileNum: segmentFileNum, StorageMgr: storageMgr}
	return m.markCreatePending(tx, name, e, t)
}

func (m *RelationManager) TryGet(name basic.ObjName) (RelationFileEntry, bool) {
	var out RelationFileEntry
	found := m.read(name, func(e *RelationFileEntry) { out = *e })
	return out, found
}

// ListInDatabase returns the relation files of a database directory in
// relfilenode and segment order.
func (m *RelationManager) ListInDatabase(dbDir basic.DbDirNode) []RelationFileEntry {
	g := m.table.lock.RLock()
	var out []RelationFileEntry
	for _, e := range m.table.m {
		if e.Node.DbDir() == dbDir {
			out = append(out, *e)
		}
	}
	g.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node.Relation != out[j].Node.Relation {
			return out[i].Node.Relation < out[j].Node.Relation
		}
		return out[i].SegmentFileNum < out[j].SegmentFileNum
	})
	return out
}
