package persistent

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

const (
	BlockSize = 32768

	// MaxLocationLen is the width of a filespace location column including
	// its NUL terminator.
	MaxLocationLen = 1025
)

// Tuple is one row of a gp_persistent_*_node relation. Which key fields are
// meaningful depends on Kind.
type Tuple struct {
	Kind basic.ObjKind

	// gp_persistent_filespace_node
	FilespaceOid basic.Oid
	DbID1        basic.DbID
	Location1    string
	DbID2        basic.DbID
	Location2    string

	// gp_persistent_tablespace_node / database_node / relation_node
	TablespaceOid            basic.Oid
	DatabaseOid              basic.Oid
	RelfilenodeOid           basic.Oid
	SegmentFileNum           int32
	RelStorageMgr            basic.RelStorageMgr
	MirrorAppendOnlyLossEOF  int64
	MirrorAppendOnlyNewEOF   int64

	State           basic.State
	MirrorExistence basic.MirrorExistenceState
	ParentXid       basic.Xid
	SerialNum       int64
	PreviousFreeTid basic.TID
	Reserved        int32
}

// Name derives the object name from the tuple's key columns.
func (t *Tuple) Name() basic.ObjName {
	switch t.Kind {
	case basic.KindFilespaceDir:
		return basic.NewFilespaceName(t.FilespaceOid)
	case basic.KindTablespaceDir:
		return basic.NewTablespaceName(t.TablespaceOid)
	case basic.KindDatabaseDir:
		return basic.NewDatabaseName(basic.DbDirNode{Tablespace: t.TablespaceOid, Database: t.DatabaseOid})
	case basic.KindRelationFile:
		return basic.NewRelationName(basic.RelFileNode{
			Tablespace: t.TablespaceOid,
			Database:   t.DatabaseOid,
			Relation:   t.RelfilenodeOid,
		}, t.SegmentFileNum)
	}
	return basic.ObjName{}
}

func (t *Tuple) Clone() *Tuple {
	c := *t
	return &c
}

func (t *Tuple) String() string {
	return fmt.Sprintf("%s state '%s' mirror '%s' serial %d parent xid %d",
		t.Name(), t.State, t.MirrorExistence, t.SerialNum, t.ParentXid)
}

// NewTupleFor builds an empty tuple carrying name's key columns.
func NewTupleFor(name basic.ObjName) *Tuple {
	t := &Tuple{Kind: name.Kind}
	switch name.Kind {
	case basic.KindFilespaceDir:
		t.FilespaceOid = name.Oid
	case basic.KindTablespaceDir:
		t.TablespaceOid = name.Oid
	case basic.KindDatabaseDir:
		t.TablespaceOid = name.DbDir.Tablespace
		t.DatabaseOid = name.DbDir.Database
	case basic.KindRelationFile:
		t.TablespaceOid = name.Rel.Tablespace
		t.DatabaseOid = name.Rel.Database
		t.RelfilenodeOid = name.Rel.Relation
		t.SegmentFileNum = name.SegmentFileNum
	}
	return t
}

const (
	slotHeaderSize = 8                          // lsn
	commonTailSize = 2 + 2 + 4 + 8 + 4 + 2 + 4 // state .. reserved
)

// TupleSize is the encoded size of a kind's tuple, without the slot header.
func TupleSize(kind basic.ObjKind) int {
	switch kind {
	case basic.KindFilespaceDir:
		return 4 + 2 + MaxLocationLen + 2 + MaxLocationLen + commonTailSize
	case basic.KindTablespaceDir:
		return 4 + 4 + commonTailSize
	case basic.KindDatabaseDir:
		return 4 + 4 + commonTailSize
	case basic.KindRelationFile:
		return 4 + 4 + 4 + 4 + 2 + 8 + 8 + commonTailSize
	}
	panic(fmt.Sprintf("no tuple format for %s", kind))
}

// SlotSize is the on-disk size of one slot of kind.
func SlotSize(kind basic.ObjKind) int {
	return slotHeaderSize + TupleSize(kind)
}

// SlotsPerBlock is how many slots of kind fit in one block.
func SlotsPerBlock(kind basic.ObjKind) int {
	return BlockSize / SlotSize(kind)
}

// Encode writes the tuple in its fixed little-endian layout.
func (t *Tuple) Encode() []byte {
	buf := make([]byte, TupleSize(t.Kind))
	cursor := 0
	switch t.Kind {
	case basic.KindFilespaceDir:
		cursor = util.PutUB4(buf, cursor, uint32(t.FilespaceOid))
		cursor = util.PutUB2(buf, cursor, uint16(t.DbID1))
		cursor = util.PutBlankPadded(buf, cursor, t.Location1, MaxLocationLen)
		cursor = util.PutUB2(buf, cursor, uint16(t.DbID2))
		cursor = util.PutBlankPadded(buf, cursor, t.Location2, MaxLocationLen)
	case basic.KindTablespaceDir:
		cursor = util.PutUB4(buf, cursor, uint32(t.FilespaceOid))
		cursor = util.PutUB4(buf, cursor, uint32(t.TablespaceOid))
	case basic.KindDatabaseDir:
		cursor = util.PutUB4(buf, cursor, uint32(t.TablespaceOid))
		cursor = util.PutUB4(buf, cursor, uint32(t.DatabaseOid))
	case basic.KindRelationFile:
		cursor = util.PutUB4(buf, cursor, uint32(t.TablespaceOid))
		cursor = util.PutUB4(buf, cursor, uint32(t.DatabaseOid))
		cursor = util.PutUB4(buf, cursor, uint32(t.RelfilenodeOid))
		cursor = util.PutUB4(buf, cursor, uint32(t.SegmentFileNum))
		cursor = util.PutUB2(buf, cursor, uint16(t.RelStorageMgr))
		cursor = util.PutUB8(buf, cursor, uint64(t.MirrorAppendOnlyLossEOF))
		cursor = util.PutUB8(buf, cursor, uint64(t.MirrorAppendOnlyNewEOF))
	}
	cursor = util.PutUB2(buf, cursor, uint16(t.State))
	cursor = util.PutUB2(buf, cursor, uint16(t.MirrorExistence))
	cursor = util.PutUB4(buf, cursor, uint32(t.ParentXid))
	cursor = util.PutUB8(buf, cursor, uint64(t.SerialNum))
	cursor = util.PutUB4(buf, cursor, t.PreviousFreeTid.Block)
	cursor = util.PutUB2(buf, cursor, t.PreviousFreeTid.Offset)
	util.PutUB4(buf, cursor, uint32(t.Reserved))
	return buf
}

// DecodeTuple parses a tuple of kind.
func DecodeTuple(kind basic.ObjKind, buf []byte) (*Tuple, error) {
	if kind < basic.KindFilespaceDir || kind > basic.KindRelationFile {
		return nil, errors.Errorf("no tuple format for %s", kind)
	}
	if len(buf) < TupleSize(kind) {
		return nil, errors.Errorf("%s tuple needs %d bytes, got %d", kind, TupleSize(kind), len(buf))
	}
	t := &Tuple{Kind: kind}
	var (
		cursor int
		u16    uint16
		u32    uint32
		u64    uint64
	)
	switch kind {
	case basic.KindFilespaceDir:
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.FilespaceOid = basic.Oid(u32)
		cursor, u16 = util.ReadUB2(buf, cursor)
		t.DbID1 = basic.DbID(u16)
		cursor, t.Location1 = util.ReadBlankPadded(buf, cursor, MaxLocationLen)
		cursor, u16 = util.ReadUB2(buf, cursor)
		t.DbID2 = basic.DbID(u16)
		cursor, t.Location2 = util.ReadBlankPadded(buf, cursor, MaxLocationLen)
	case basic.KindTablespaceDir:
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.FilespaceOid = basic.Oid(u32)
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.TablespaceOid = basic.Oid(u32)
	case basic.KindDatabaseDir:
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.TablespaceOid = basic.Oid(u32)
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.DatabaseOid = basic.Oid(u32)
	case basic.KindRelationFile:
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.TablespaceOid = basic.Oid(u32)
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.DatabaseOid = basic.Oid(u32)
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.RelfilenodeOid = basic.Oid(u32)
		cursor, u32 = util.ReadUB4(buf, cursor)
		t.SegmentFileNum = int32(u32)
		cursor, u16 = util.ReadUB2(buf, cursor)
		t.RelStorageMgr = basic.RelStorageMgr(u16)
		cursor, u64 = util.ReadUB8(buf, cursor)
		t.MirrorAppendOnlyLossEOF = int64(u64)
		cursor, u64 = util.ReadUB8(buf, cursor)
		t.MirrorAppendOnlyNewEOF = int64(u64)
	default:
		return nil, errors.Errorf("no tuple format for %s", kind)
	}
	cursor, u16 = util.ReadUB2(buf, cursor)
	t.State = basic.State(int16(u16))
	cursor, u16 = util.ReadUB2(buf, cursor)
	t.MirrorExistence = basic.MirrorExistenceState(int16(u16))
	cursor, u32 = util.ReadUB4(buf, cursor)
	t.ParentXid = basic.Xid(u32)
	cursor, u64 = util.ReadUB8(buf, cursor)
	t.SerialNum = int64(u64)
	cursor, t.PreviousFreeTid.Block = util.ReadUB4(buf, cursor)
	cursor, t.PreviousFreeTid.Offset = util.ReadUB2(buf, cursor)
	_, u32 = util.ReadUB4(buf, cursor)
	t.Reserved = int32(u32)

	if !t.State.Valid() {
		return nil, errors.Errorf("%s tuple has invalid state %d", kind, t.State)
	}
	return t, nil
}
