package manager

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/latch"
)

// EntryHeader 是每个共享内存目录项都有的状态部分
type EntryHeader struct {
	State           basic.State
	SerialNum       int64
	Tid             basic.TID
	MirrorExistence basic.MirrorExistenceState
	ParentXid       basic.Xid
}

func (h *EntryHeader) header() *EntryHeader {
	return h
}

type entry interface {
	header() *EntryHeader
}

// FilespaceDirEntry caches one gp_persistent_filespace_node row.
type FilespaceDirEntry struct {
	Oid       basic.Oid
	DbID1     basic.DbID
	Location1 string
	DbID2     basic.DbID
	Location2 string
	EntryHeader
}

type TablespaceDirEntry struct {
	Oid          basic.Oid
	FilespaceOid basic.Oid
	EntryHeader
}

type DatabaseDirEntry struct {
	Node basic.DbDirNode
	EntryHeader
}

type RelationFileEntry struct {
	Node           basic.RelFileNode
	SegmentFileNum int32
	StorageMgr     basic.RelStorageMgr
	EntryHeader
}

// hashTable 固定容量的共享内存哈希表，由各自的 HashLock 保护
type hashTable[K comparable, E entry] struct {
	kind basic.ObjKind
	lock *latch.HashLock
	max  int
	m    map[K]E
}

func newHashTable[K comparable, E entry](kind basic.ObjKind, max int) *hashTable[K, E] {
	return &hashTable[K, E]{
		kind: kind,
		lock: latch.NewHashLock(kind),
		max:  max,
		m:    make(map[K]E),
	}
}

func (h *hashTable[K, E]) insert(key K, e E) error {
	if _, ok := h.m[key]; !ok && len(h.m) >= h.max {
		return basic.ErrOutOfSharedMemory(h.kind, h.max)
	}
	h.m[key] = e
	return nil
}

// Capacities sizes the shared-memory hash tables.
type Capacities struct {
	MaxFilespaces  int
	MaxTablespaces int
	MaxDatabases   int
	MaxRelations   int
}

func DefaultCapacities() Capacities {
	return Capacities{
		MaxFilespaces:  64,
		MaxTablespaces: 256,
		MaxDatabases:   1024,
		MaxRelations:   65536,
	}
}

// SharedMemory is the node-wide state the persistent object managers share.
// It is created once at node start and handed to every manager; a restart
// builds a fresh one from the persistent stores.
type SharedMemory struct {
	ObjLock *latch.ObjLock

	filespaces  *hashTable[basic.Oid, *FilespaceDirEntry]
	tablespaces *hashTable[basic.Oid, *TablespaceDirEntry]
	databases   *hashTable[basic.DbDirNode, *DatabaseDirEntry]
	relations   *hashTable[basic.ObjName, *RelationFileEntry]

	beforePersistenceWork atomic.Bool
}

func NewSharedMemory(c Capacities) *SharedMemory {
	return &SharedMemory{
		ObjLock:     latch.NewObjLock(),
		filespaces:  newHashTable[basic.Oid, *FilespaceDirEntry](basic.KindFilespaceDir, c.MaxFilespaces),
		tablespaces: newHashTable[basic.Oid, *TablespaceDirEntry](basic.KindTablespaceDir, c.MaxTablespaces),
		databases:   newHashTable[basic.DbDirNode, *DatabaseDirEntry](basic.KindDatabaseDir, c.MaxDatabases),
		relations:   newHashTable[basic.ObjName, *RelationFileEntry](basic.KindRelationFile, c.MaxRelations),
	}
}

// BeforePersistenceWork is true while the node bootstraps; create-pending
// marks are skipped and the persistent catalog is built from the directory
// layout afterwards.
func (s *SharedMemory) BeforePersistenceWork() bool {
	return s.beforePersistenceWork.Load()
}

func (s *SharedMemory) SetBeforePersistenceWork(v bool) {
	s.beforePersistenceWork.Store(v)
}

// HashLock returns the lock of kind's table.
func (s *SharedMemory) HashLock(kind basic.ObjKind) *latch.HashLock {
	switch kind {
	case basic.KindFilespaceDir:
		return s.filespaces.lock
	case basic.KindTablespaceDir:
		return s.tablespaces.lock
	case basic.KindDatabaseDir:
		return s.databases.lock
	case basic.KindRelationFile:
		return s.relations.lock
	}
	return nil
}
