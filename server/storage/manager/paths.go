package manager

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

const (
	DefaultTablespaceDirName = "base"
	GlobalTablespaceDirName  = "global"
)

func oidString(oid basic.Oid) string {
	return strconv.FormatUint(uint64(oid), 10)
}

// tablespacePath is where tablespaceOid lives inside a filespace location.
func tablespacePath(filespaceDir string, tablespaceOid basic.Oid) string {
	if filespaceDir == "" {
		return ""
	}
	switch tablespaceOid {
	case basic.DefaultTablespaceOid:
		return filepath.Join(filespaceDir, DefaultTablespaceDirName)
	case basic.GlobalTablespaceOid:
		return filepath.Join(filespaceDir, GlobalTablespaceDirName)
	}
	return filepath.Join(filespaceDir, oidString(tablespaceOid))
}

// databasePath 全局表空间没有按数据库划分的子目录
func databasePath(tablespaceDir string, node basic.DbDirNode) string {
	if tablespaceDir == "" {
		return ""
	}
	if node.Tablespace == basic.GlobalTablespaceOid {
		return tablespaceDir
	}
	return filepath.Join(tablespaceDir, oidString(node.Database))
}

// RelationFileName is the file of one segment of a relation: the first
// segment is the bare relfilenode, later ones carry a ".N" suffix.
func RelationFileName(relfilenode basic.Oid, segmentFileNum int32) string {
	if segmentFileNum == 0 {
		return oidString(relfilenode)
	}
	return fmt.Sprintf("%d.%d", relfilenode, segmentFileNum)
}

func relationPath(databaseDir string, rnode basic.RelFileNode, segmentFileNum int32) string {
	if databaseDir == "" {
		return ""
	}
	return filepath.Join(databaseDir, RelationFileName(rnode.Relation, segmentFileNum))
}

// TablespaceDir returns the directory of tablespaceOid on this instance and
// on its mirror.
func (m *TablespaceManager) TablespaceDir(tablespaceOid basic.Oid) (DirPair, error) {
	gen := m.env.Paths.Generation()
	var serial int64
	if tablespaceOid != basic.DefaultTablespaceOid && tablespaceOid != basic.GlobalTablespaceOid {
		found := m.read(tablespaceOid, func(e *TablespaceDirEntry) { serial = e.SerialNum })
		if !found {
			return DirPair{}, basic.Fatalf("did not find persistent tablespace entry %d", tablespaceOid)
		}
	}
	key := tablespaceCacheKey(gen, tablespaceOid, serial)
	if p, ok := m.env.Paths.get(key); ok {
		return p, nil
	}
	fsPrimary, fsMirror, err := m.GetPrimaryAndMirrorFilespaces(tablespaceOid)
	if err != nil {
		return DirPair{}, err
	}
	p := DirPair{
		Primary: tablespacePath(fsPrimary, tablespaceOid),
		Mirror:  tablespacePath(fsMirror, tablespaceOid),
	}
	m.env.Paths.set(key, p)
	return p, nil
}

// DatabaseDir returns the directory of a database inside a tablespace.
func (m *DatabaseManager) DatabaseDir(node basic.DbDirNode) (DirPair, error) {
	ts, err := m.tablespaces.TablespaceDir(node.Tablespace)
	if err != nil {
		return DirPair{}, err
	}
	return DirPair{Primary: databasePath(ts.Primary, node), Mirror: databasePath(ts.Mirror, node)}, nil
}

func (m *RelationManager) RelationPath(rnode basic.RelFileNode, segmentFileNum int32) (DirPair, error) {
	db, err := m.databases.DatabaseDir(rnode.DbDir())
	if err != nil {
		return DirPair{}, err
	}
	return DirPair{
		Primary: relationPath(db.Primary, rnode, segmentFileNum),
		Mirror:  relationPath(db.Mirror, rnode, segmentFileNum),
	}, nil
}
