package basic

import "fmt"

// Oid identifies catalog objects.
type Oid uint32

const (
	InvalidOid Oid = 0

	// Well-known objects created by initdb.
	Template1DbOid       Oid = 1
	DefaultTablespaceOid Oid = 1663
	GlobalTablespaceOid  Oid = 1664
	SystemFilespaceOid   Oid = 3052

	FirstNormalObjectId Oid = 16384
)

const (
	SystemFilespaceName   = "pg_system"
	DefaultTablespaceName = "pg_default"
	GlobalTablespaceName  = "pg_global"
	Template1DbName       = "template1"
)

// ObjKind is the kind of a persistent file-system object.
type ObjKind uint8

const (
	KindNone ObjKind = iota
	KindFilespaceDir
	KindTablespaceDir
	KindDatabaseDir
	KindRelationFile
)

// AllKinds lists the kinds in lock order.
var AllKinds = []ObjKind{KindFilespaceDir, KindTablespaceDir, KindDatabaseDir, KindRelationFile}

func (k ObjKind) String() string {
	switch k {
	case KindFilespaceDir:
		return "filespace"
	case KindTablespaceDir:
		return "tablespace"
	case KindDatabaseDir:
		return "database"
	case KindRelationFile:
		return "relation"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// DbDirNode locates a database directory.
type DbDirNode struct {
	Tablespace Oid
	Database   Oid
}

func (n DbDirNode) String() string {
	return fmt.Sprintf("%d/%d", n.Tablespace, n.Database)
}

// RelFileNode locates a relation's files.
type RelFileNode struct {
	Tablespace Oid
	Database   Oid
	Relation   Oid
}

func (n RelFileNode) DbDir() DbDirNode {
	return DbDirNode{Tablespace: n.Tablespace, Database: n.Database}
}

func (n RelFileNode) String() string {
	return fmt.Sprintf("%d/%d/%d", n.Tablespace, n.Database, n.Relation)
}

// ObjName is the logical key of a persistent object. It is derived from
// catalog OIDs or node tuples and is never persisted as such. ObjName is
// comparable and used directly as a hash key.
type ObjName struct {
	Kind           ObjKind
	Oid            Oid // filespace or tablespace oid
	DbDir          DbDirNode
	Rel            RelFileNode
	SegmentFileNum int32
}

func NewFilespaceName(filespace Oid) ObjName {
	return ObjName{Kind: KindFilespaceDir, Oid: filespace}
}

func NewTablespaceName(tablespace Oid) ObjName {
	return ObjName{Kind: KindTablespaceDir, Oid: tablespace}
}

func NewDatabaseName(node DbDirNode) ObjName {
	return ObjName{Kind: KindDatabaseDir, DbDir: node}
}

func NewRelationName(rnode RelFileNode, segmentFileNum int32) ObjName {
	return ObjName{Kind: KindRelationFile, Rel: rnode, SegmentFileNum: segmentFileNum}
}

func (n ObjName) String() string {
	switch n.Kind {
	case KindFilespaceDir:
		return fmt.Sprintf("filespace %d", n.Oid)
	case KindTablespaceDir:
		return fmt.Sprintf("tablespace %d", n.Oid)
	case KindDatabaseDir:
		return fmt.Sprintf("database %s", n.DbDir)
	case KindRelationFile:
		return fmt.Sprintf("relation %s.%d", n.Rel, n.SegmentFileNum)
	}
	return "unknown persistent object"
}

// TID addresses a tuple slot in the persistent store. Offsets start at 1;
// the zero TID is invalid.
type TID struct {
	Block  uint32
	Offset uint16
}

func (t TID) Valid() bool {
	return t.Offset != 0
}

func (t TID) String() string {
	return fmt.Sprintf("(%d,%d)", t.Block, t.Offset)
}

// MirrorExistenceState tracks whether the mirror copy of an object exists.
type MirrorExistenceState int16

const (
	MirrorNone MirrorExistenceState = iota
	MirrorNotMirrored
	MirrorCreatePending
	MirrorCreated
	MirrorDownBeforeCreate
	MirrorDownDuringCreate
	MirrorDropPending
	MirrorOnlyDropRemains
)

var mirrorStateNames = [...]string{
	"None", "Not Mirrored", "Mirror Create Pending", "Mirror Created",
	"Mirror Down Before Create", "Mirror Down During Create",
	"Mirror Drop Pending", "Only Mirror Drop Remains",
}

func (m MirrorExistenceState) String() string {
	if int(m) >= 0 && int(m) < len(mirrorStateNames) {
		return mirrorStateNames[m]
	}
	return fmt.Sprintf("mirror state %d", int16(m))
}

// RelStorageMgr tells how a relation's files are written.
type RelStorageMgr int16

const (
	RelStorageNone RelStorageMgr = iota
	RelStorageBufferPool
	RelStorageAppendOnly
)

// Xid is a node-local transaction id.
type Xid uint32

const InvalidXid Xid = 0

// DbID identifies one segment instance (primary or mirror) in the cluster.
type DbID int16

const InvalidDbID DbID = 0
