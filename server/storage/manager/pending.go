package manager

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

// PendingCreate is an object this transaction created. At commit it moves
// to Created.
type PendingCreate struct {
	Name      basic.ObjName
	Tid       basic.TID
	SerialNum int64
}

// PendingDelete is a physical removal to do at transaction end. It runs only
// when AtCommit matches the outcome: true for DROPs, false for undoing a
// create of an aborted transaction.
type PendingDelete struct {
	Name      basic.ObjName
	Tid       basic.TID
	SerialNum int64
	AtCommit  bool
}

const numKinds = int(basic.KindRelationFile) + 1

// PendingLists holds one create list and one delete list per kind. Entries
// are appended and drained from the end.
type PendingLists struct {
	Creates [numKinds][]PendingCreate
	Deletes [numKinds][]PendingDelete
}

func (l *PendingLists) addCreate(p PendingCreate) {
	l.Creates[p.Name.Kind] = append(l.Creates[p.Name.Kind], p)
}

func (l *PendingLists) addDelete(p PendingDelete) {
	l.Deletes[p.Name.Kind] = append(l.Deletes[p.Name.Kind], p)
}

func (l *PendingLists) Empty() bool {
	for k := 0; k < numKinds; k++ {
		if len(l.Creates[k]) > 0 || len(l.Deletes[k]) > 0 {
			return false
		}
	}
	return true
}

// popCreate unlinks and returns the newest create of kind.
func (l *PendingLists) popCreate(kind basic.ObjKind) (PendingCreate, bool) {
	list := l.Creates[kind]
	if len(list) == 0 {
		return PendingCreate{}, false
	}
	p := list[len(list)-1]
	l.Creates[kind] = list[:len(list)-1]
	return p, true
}

func (l *PendingLists) popDelete(kind basic.ObjKind) (PendingDelete, bool) {
	list := l.Deletes[kind]
	if len(list) == 0 {
		return PendingDelete{}, false
	}
	p := list[len(list)-1]
	l.Deletes[kind] = list[:len(list)-1]
	return p, true
}

// commitDeletes returns the deletes that run at commit, in list order.
func (l *PendingLists) commitDeletes() []PendingDelete {
	var out []PendingDelete
	for k := 0; k < numKinds; k++ {
		for _, p := range l.Deletes[k] {
			if p.AtCommit {
				out = append(out, p)
			}
		}
	}
	return out
}

func (l *PendingLists) allCreates() []PendingCreate {
	var out []PendingCreate
	for k := 0; k < numKinds; k++ {
		out = append(out, l.Creates[k]...)
	}
	return out
}

// Lists in XLOG records and two-phase state files:
// NCREATES(4) {NAME TID SERIAL} NDELETES(4) {NAME TID SERIAL ATCOMMIT}
// NAME = KIND(1) OID(4) TABLESPACE(4) DATABASE(4) RELATION(4) SEGNO(4)

func writeName(buf []byte, n basic.ObjName) []byte {
	buf = util.WriteByte(buf, byte(n.Kind))
	switch n.Kind {
	case basic.KindDatabaseDir:
		buf = util.WriteUB4(buf, 0)
		buf = util.WriteUB4(buf, uint32(n.DbDir.Tablespace))
		buf = util.WriteUB4(buf, uint32(n.DbDir.Database))
		buf = util.WriteUB4(buf, 0)
	default:
		buf = util.WriteUB4(buf, uint32(n.Oid))
		buf = util.WriteUB4(buf, uint32(n.Rel.Tablespace))
		buf = util.WriteUB4(buf, uint32(n.Rel.Database))
		buf = util.WriteUB4(buf, uint32(n.Rel.Relation))
	}
	return util.WriteUB4(buf, uint32(n.SegmentFileNum))
}

const nameSize = 1 + 4*5

func readName(buf []byte, cursor int) (int, basic.ObjName) {
	cursor, kind := util.ReadByte(buf, cursor)
	cursor, oid := util.ReadUB4(buf, cursor)
	cursor, ts := util.ReadUB4(buf, cursor)
	cursor, db := util.ReadUB4(buf, cursor)
	cursor, rel := util.ReadUB4(buf, cursor)
	cursor, seg := util.ReadUB4(buf, cursor)
	switch basic.ObjKind(kind) {
	case basic.KindFilespaceDir:
		return cursor, basic.NewFilespaceName(basic.Oid(oid))
	case basic.KindTablespaceDir:
		return cursor, basic.NewTablespaceName(basic.Oid(oid))
	case basic.KindDatabaseDir:
		return cursor, basic.NewDatabaseName(basic.DbDirNode{Tablespace: basic.Oid(ts), Database: basic.Oid(db)})
	}
	return cursor, basic.NewRelationName(basic.RelFileNode{
		Tablespace: basic.Oid(ts), Database: basic.Oid(db), Relation: basic.Oid(rel),
	}, int32(seg))
}

func writeTid(buf []byte, tid basic.TID) []byte {
	buf = util.WriteUB4(buf, tid.Block)
	return util.WriteUB2(buf, tid.Offset)
}

func readTid(buf []byte, cursor int) (int, basic.TID) {
	var tid basic.TID
	cursor, tid.Block = util.ReadUB4(buf, cursor)
	cursor, tid.Offset = util.ReadUB2(buf, cursor)
	return cursor, tid
}

func encodeLists(buf []byte, creates []PendingCreate, deletes []PendingDelete) []byte {
	buf = util.WriteUB4(buf, uint32(len(creates)))
	for _, p := range creates {
		buf = writeName(buf, p.Name)
		buf = writeTid(buf, p.Tid)
		buf = util.WriteUB8(buf, uint64(p.SerialNum))
	}
	buf = util.WriteUB4(buf, uint32(len(deletes)))
	for _, p := range deletes {
		buf = writeName(buf, p.Name)
		buf = writeTid(buf, p.Tid)
		buf = util.WriteUB8(buf, uint64(p.SerialNum))
		buf = util.WriteBool(buf, p.AtCommit)
	}
	return buf
}

func decodeLists(buf []byte, cursor int) (int, *PendingLists, error) {
	const createSize = nameSize + 6 + 8
	lists := &PendingLists{}
	if len(buf) < cursor+4 {
		return cursor, nil, errors.WithStack(util.ErrShortBuffer)
	}
	cursor, n := util.ReadUB4(buf, cursor)
	if len(buf) < cursor+int(n)*createSize {
		return cursor, nil, errors.WithStack(util.ErrShortBuffer)
	}
	for i := uint32(0); i < n; i++ {
		var p PendingCreate
		var serial uint64
		cursor, p.Name = readName(buf, cursor)
		cursor, p.Tid = readTid(buf, cursor)
		cursor, serial = util.ReadUB8(buf, cursor)
		p.SerialNum = int64(serial)
		lists.addCreate(p)
	}
	if len(buf) < cursor+4 {
		return cursor, nil, errors.WithStack(util.ErrShortBuffer)
	}
	cursor, n = util.ReadUB4(buf, cursor)
	if len(buf) < cursor+int(n)*(createSize+1) {
		return cursor, nil, errors.WithStack(util.ErrShortBuffer)
	}
	for i := uint32(0); i < n; i++ {
		var p PendingDelete
		var serial uint64
		cursor, p.Name = readName(buf, cursor)
		cursor, p.Tid = readTid(buf, cursor)
		cursor, serial = util.ReadUB8(buf, cursor)
		p.SerialNum = int64(serial)
		cursor, p.AtCommit = util.ReadBool(buf, cursor)
		lists.addDelete(p)
	}
	return cursor, lists, nil
}

// flatDeletes returns every delete of l in list order.
func (l *PendingLists) flatDeletes() []PendingDelete {
	var out []PendingDelete
	for k := 0; k < numKinds; k++ {
		out = append(out, l.Deletes[k]...)
	}
	return out
}
