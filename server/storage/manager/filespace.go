package manager

import (
	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
)

// FilespaceManager 管理 gp_persistent_filespace_node 及其共享内存哈希表
type FilespaceManager struct {
	*kindTable[basic.Oid, *FilespaceDirEntry]
}

func NewFilespaceManager(env *Env) *FilespaceManager {
	return &FilespaceManager{&kindTable[basic.Oid, *FilespaceDirEntry]{
		env:          env,
		kind:         basic.KindFilespaceDir,
		table:        env.Shmem.filespaces,
		keyOf:        func(n basic.ObjName) basic.Oid { return n.Oid },
		nameOf:       basic.NewFilespaceName,
		pendingFault: faultinject.BeforePendingDeleteFilespaceEntry,
		fromTuple: func(t *persistent.Tuple) (basic.Oid, *FilespaceDirEntry) {
			return t.FilespaceOid, &FilespaceDirEntry{
				Oid:       t.FilespaceOid,
				DbID1:     t.DbID1,
				Location1: t.Location1,
				DbID2:     t.DbID2,
				Location2: t.Location2,
			}
		},
	}}
}

// MarkCreatePending records the intent to create filespace oid with the
// given primary and mirror locations.
func (m *FilespaceManager) MarkCreatePending(tx *Transaction, oid basic.Oid, dbid1 basic.DbID, location1 string,
	dbid2 basic.DbID, location2 string, mirror basic.MirrorExistenceState) (basic.TID, int64, error) {
	name := basic.NewFilespaceName(oid)
	t := persistent.NewTupleFor(name)
	t.DbID1, t.Location1 = dbid1, location1
	t.DbID2, t.Location2 = dbid2, location2
	t.MirrorExistence = mirror
	e := &FilespaceDirEntry{Oid: oid, DbID1: dbid1, Location1: location1, DbID2: dbid2, Location2: location2}
	return m.markCreatePending(tx, name, e, t)
}

// TryGetPrimaryAndMirror returns a copy of the filespace entry.
func (m *FilespaceManager) TryGetPrimaryAndMirror(oid basic.Oid) (FilespaceDirEntry, bool) {
	var out FilespaceDirEntry
	found := m.read(oid, func(e *FilespaceDirEntry) { out = *e })
	return out, found
}

// GetPrimaryAndMirror is TryGetPrimaryAndMirror for callers that treat a
// missing filespace as corruption.
func (m *FilespaceManager) GetPrimaryAndMirror(oid basic.Oid) (FilespaceDirEntry, error) {
	e, ok := m.TryGetPrimaryAndMirror(oid)
	if !ok {
		return e, basic.Fatalf("did not find persistent filespace entry %d", oid)
	}
	return e, nil
}

// localPaths orders an entry's locations as (this instance, its mirror).
func (m *FilespaceManager) localPaths(e *FilespaceDirEntry) (primary, mirror string) {
	self := m.env.Identity.DbID
	switch {
	case e.DbID1 == self:
		return e.Location1, e.Location2
	case e.DbID2 == self:
		return e.Location2, e.Location1
	}
	return e.Location1, e.Location2
}

// GetFilespacePaths returns oid's location on this instance and on its mirror.
func (m *FilespaceManager) GetFilespacePaths(oid basic.Oid) (primary, mirror string, err error) {
	e, err := m.GetPrimaryAndMirror(oid)
	if err != nil {
		return "", "", err
	}
	primary, mirror = m.localPaths(&e)
	return primary, mirror, nil
}

// GetFilespacePath returns the location filespace oid has on dbid.
//
// A coordinator that does not know its own dbid yet (InvalidDbID during
// early startup) falls back to the first location. The fallback cannot tell
// a master from a standby that swapped places; see DESIGN.md.
func (m *FilespaceManager) GetFilespacePath(oid basic.Oid, dbid basic.DbID) (string, error) {
	e, err := m.GetPrimaryAndMirror(oid)
	if err != nil {
		return "", err
	}
	switch {
	case dbid != basic.InvalidDbID && e.DbID1 == dbid:
		return e.Location1, nil
	case dbid != basic.InvalidDbID && e.DbID2 == dbid:
		return e.Location2, nil
	case dbid == basic.InvalidDbID && m.env.Identity.Coordinator:
		logger.Warnf("filespace %d: dbid unknown, using location of dbid %d", oid, e.DbID1)
		return e.Location1, nil
	}
	return "", basic.Fatalf("filespace %d has no location for dbid %d", oid, dbid)
}

// AddMirror pairs filespace oid with a new mirror location.
func (m *FilespaceManager) AddMirror(oid basic.Oid, mirrorDbID basic.DbID, location string) error {
	return m.update(oid, false,
		func(t *persistent.Tuple) {
			t.DbID2, t.Location2 = mirrorDbID, location
			t.MirrorExistence = basic.MirrorCreated
		},
		func(e *FilespaceDirEntry) {
			e.DbID2, e.Location2 = mirrorDbID, location
			e.MirrorExistence = basic.MirrorCreated
		})
}

// RemoveSegment forgets dbid's location in every filespace.
func (m *FilespaceManager) RemoveSegment(dbid basic.DbID) error {
	for _, oid := range m.oidsWithDbID(dbid) {
		err := m.update(oid, true,
			func(t *persistent.Tuple) {
				if t.DbID1 == dbid {
					t.DbID1, t.Location1 = t.DbID2, t.Location2
				}
				t.DbID2, t.Location2 = basic.InvalidDbID, ""
				t.MirrorExistence = basic.MirrorNotMirrored
			},
			func(e *FilespaceDirEntry) {
				if e.DbID1 == dbid {
					e.DbID1, e.Location1 = e.DbID2, e.Location2
				}
				e.DbID2, e.Location2 = basic.InvalidDbID, ""
				e.MirrorExistence = basic.MirrorNotMirrored
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// promoteStandby rewrites one location pair so standby sits in slot 1.
// The old master's location is dropped, whichever slot held it.
func promoteStandby(oldMaster, standby basic.DbID, dbid1 *basic.DbID, loc1 *string,
	dbid2 *basic.DbID, loc2 *string, mirror *basic.MirrorExistenceState) {
	if *dbid2 == standby {
		*dbid1, *dbid2 = *dbid2, *dbid1
		*loc1, *loc2 = *loc2, *loc1
	}
	if *dbid1 != standby {
		return
	}
	if *dbid2 == oldMaster {
		*dbid2, *loc2 = basic.InvalidDbID, ""
	}
	if *dbid2 == basic.InvalidDbID {
		*mirror = basic.MirrorNotMirrored
	}
}

// ActivateStandby makes the standby's location the master location of every
// filespace and drops the old master.
func (m *FilespaceManager) ActivateStandby(oldMaster, standby basic.DbID) error {
	for _, oid := range m.oidsWithDbID(standby) {
		err := m.update(oid, true,
			func(t *persistent.Tuple) {
				promoteStandby(oldMaster, standby, &t.DbID1, &t.Location1, &t.DbID2, &t.Location2, &t.MirrorExistence)
			},
			func(e *FilespaceDirEntry) {
				promoteStandby(oldMaster, standby, &e.DbID1, &e.Location1, &e.DbID2, &e.Location2, &e.MirrorExistence)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *FilespaceManager) oidsWithDbID(dbid basic.DbID) []basic.Oid {
	g := m.table.lock.RLock()
	defer g.Unlock()
	var oids []basic.Oid
	for oid, e := range m.table.m {
		if e.DbID1 == dbid || e.DbID2 == dbid {
			oids = append(oids, oid)
		}
	}
	return oids
}

// ListOids returns every filespace with a persistent entry.
func (m *FilespaceManager) ListOids() []basic.Oid {
	g := m.table.lock.RLock()
	defer g.Unlock()
	oids := make([]basic.Oid, 0, len(m.table.m))
	for oid := range m.table.m {
		oids = append(oids, oid)
	}
	return oids
}
