package manager

import (
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
)

// TablespaceManager 管理 gp_persistent_tablespace_node
type TablespaceManager struct {
	*kindTable[basic.Oid, *TablespaceDirEntry]
	filespaces *FilespaceManager
}

func NewTablespaceManager(env *Env, filespaces *FilespaceManager) *TablespaceManager {
	return &TablespaceManager{
		kindTable: &kindTable[basic.Oid, *TablespaceDirEntry]{
			env:          env,
			kind:         basic.KindTablespaceDir,
			table:        env.Shmem.tablespaces,
			keyOf:        func(n basic.ObjName) basic.Oid { return n.Oid },
			nameOf:       basic.NewTablespaceName,
			pendingFault: faultinject.BeforePendingDeleteTablespaceEntry,
			fromTuple: func(t *persistent.Tuple) (basic.Oid, *TablespaceDirEntry) {
				return t.TablespaceOid, &TablespaceDirEntry{Oid: t.TablespaceOid, FilespaceOid: t.FilespaceOid}
			},
		},
		filespaces: filespaces,
	}
}

func (m *TablespaceManager) MarkCreatePending(tx *Transaction, filespaceOid, tablespaceOid basic.Oid,
	mirror basic.MirrorExistenceState) (basic.TID, int64, error) {
	name := basic.NewTablespaceName(tablespaceOid)
	t := persistent.NewTupleFor(name)
	t.FilespaceOid = filespaceOid
	t.MirrorExistence = mirror
	return m.markCreatePending(tx, name, &TablespaceDirEntry{Oid: tablespaceOid, FilespaceOid: filespaceOid}, t)
}

func (m *TablespaceManager) TryGet(tablespaceOid basic.Oid) (TablespaceDirEntry, bool) {
	var out TablespaceDirEntry
	found := m.read(tablespaceOid, func(e *TablespaceDirEntry) { out = *e })
	return out, found
}

// GetFilespaceOid returns the filespace tablespaceOid lives in. The built-in
// tablespaces live in the system filespace.
func (m *TablespaceManager) GetFilespaceOid(tablespaceOid basic.Oid) (basic.Oid, error) {
	if tablespaceOid == basic.DefaultTablespaceOid || tablespaceOid == basic.GlobalTablespaceOid {
		return basic.SystemFilespaceOid, nil
	}
	e, ok := m.TryGet(tablespaceOid)
	if !ok {
		return basic.InvalidOid, basic.Fatalf("did not find persistent tablespace entry %d", tablespaceOid)
	}
	return e.FilespaceOid, nil
}

// GetPrimaryAndMirrorFilespaces returns the filespace locations of
// tablespaceOid on this instance and its mirror. Both hash locks are held
// together, filespace first.
func (m *TablespaceManager) GetPrimaryAndMirrorFilespaces(tablespaceOid basic.Oid) (primary, mirror string, err error) {
	g := m.filespaces.table.lock.RLock().Then(m.table.lock)
	defer g.Unlock()

	fsOid := basic.SystemFilespaceOid
	if tablespaceOid != basic.DefaultTablespaceOid && tablespaceOid != basic.GlobalTablespaceOid {
		ts, ok := m.table.m[tablespaceOid]
		if !ok {
			return "", "", basic.Fatalf("did not find persistent tablespace entry %d", tablespaceOid)
		}
		fsOid = ts.FilespaceOid
	}
	fs, ok := m.filespaces.table.m[fsOid]
	if !ok {
		return "", "", basic.Fatalf("did not find persistent filespace entry %d for tablespace %d", fsOid, tablespaceOid)
	}
	primary, mirror = m.filespaces.localPaths(fs)
	return primary, mirror, nil
}

// CountInFilespace counts tablespaces of filespaceOid that are not being
// dropped.
func (m *TablespaceManager) CountInFilespace(filespaceOid basic.Oid) int {
	g := m.table.lock.RLock()
	defer g.Unlock()
	n := 0
	for _, e := range m.table.m {
		if e.FilespaceOid == filespaceOid && e.State != basic.StateAbortingCreate {
			n++
		}
	}
	return n
}
