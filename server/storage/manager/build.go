package manager

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
	"github.com/zhukovaskychina/xgp-server/util"
)

// parseRelationFileName splits "16384" or "16384.2" into relfilenode and
// segment number.
func parseRelationFileName(name string) (basic.Oid, int32, bool) {
	base, seg, hasSeg := strings.Cut(name, ".")
	rel, err := strconv.ParseUint(base, 10, 32)
	if err != nil || rel == 0 {
		return 0, 0, false
	}
	if !hasSeg {
		return basic.Oid(rel), 0, true
	}
	n, err := strconv.ParseInt(seg, 10, 32)
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	return basic.Oid(rel), int32(n), true
}

// BuildPersistentCatalog adds a Created tuple for every object bootstrap
// left on disk: the system filespace, the databases under pg_default and
// the relation files of those databases and of pg_global. It runs once,
// right after bootstrap, and returns the number of tuples added.
func (s *Storage) BuildPersistentCatalog() (int, error) {
	id := s.Env.Identity
	existence := basic.MirrorNotMirrored
	if id.Mirrored() {
		existence = basic.MirrorCreated
	}
	added := 0

	fsName := basic.NewFilespaceName(basic.SystemFilespaceOid)
	fs := persistent.NewTupleFor(fsName)
	fs.DbID1, fs.Location1 = id.DbID, id.DataDir
	if id.Mirrored() {
		fs.DbID2, fs.Location2 = id.MirrorDbID, id.MirrorDataDir
	}
	fs.MirrorExistence = existence
	err := s.Filespaces.addCreated(fsName, &FilespaceDirEntry{
		Oid:       basic.SystemFilespaceOid,
		DbID1:     fs.DbID1,
		Location1: fs.Location1,
		DbID2:     fs.DbID2,
		Location2: fs.Location2,
	}, fs)
	if err != nil {
		return added, err
	}
	added++

	addRelations := func(dir string, node basic.DbDirNode) error {
		files, err := util.ListFiles(dir)
		if err != nil {
			return errors.Wrapf(err, "list %s", dir)
		}
		for _, f := range files {
			rel, seg, ok := parseRelationFileName(f)
			if !ok {
				continue
			}
			rnode := basic.RelFileNode{Tablespace: node.Tablespace, Database: node.Database, Relation: rel}
			name := basic.NewRelationName(rnode, seg)
			t := persistent.NewTupleFor(name)
			t.RelStorageMgr = basic.RelStorageBufferPool
			t.MirrorExistence = existence
			e := &RelationFileEntry{Node: rnode, SegmentFileNum: seg, StorageMgr: basic.RelStorageBufferPool}
			if err := s.Relations.addCreated(name, e, t); err != nil {
				return err
			}
			added++
		}
		return nil
	}

	base := tablespacePath(id.DataDir, basic.DefaultTablespaceOid)
	dirs, err := util.ListSubDirs(base)
	if err != nil {
		return added, errors.Wrapf(err, "list %s", base)
	}
	for _, d := range dirs {
		oid, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			continue
		}
		node := basic.DbDirNode{Tablespace: basic.DefaultTablespaceOid, Database: basic.Oid(oid)}
		name := basic.NewDatabaseName(node)
		t := persistent.NewTupleFor(name)
		t.MirrorExistence = existence
		if err := s.Databases.addCreated(name, &DatabaseDirEntry{Node: node}, t); err != nil {
			return added, err
		}
		added++
		if err := addRelations(filepath.Join(base, d), node); err != nil {
			return added, err
		}
	}
	global := basic.DbDirNode{Tablespace: basic.GlobalTablespaceOid}
	if err := addRelations(tablespacePath(id.DataDir, basic.GlobalTablespaceOid), global); err != nil {
		return added, err
	}

	if err := s.Env.WAL.Flush(s.Env.WAL.NextLSN() - 1); err != nil {
		return added, err
	}
	logger.Infof("persistent catalog built with %d objects", added)
	return added, nil
}
