package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

const (
	testFilespaceOid  basic.Oid = 16384
	testTablespaceOid basic.Oid = 16385
	testDatabaseOid   basic.Oid = 16386
	testRelationOid   basic.Oid = 16387
)

// testNode is one data directory with its persistent object layer; restart
// throws away everything in memory and recovers from disk.
type testNode struct {
	root      string
	dir       string
	mirrorDir string
	caps      Capacities
	faults    *faultinject.Injector
	wal       *xlog.Manager
	s         *Storage
	redo      xlog.LSN
}

func bootstrapDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "base", "1"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "global"), 0700))
	for _, f := range []string{"base/1/1259", "base/1/1259.1", "base/1/1249", "global/1262"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("catalog"), 0600))
	}
}

func newTestNode(t *testing.T, mirrored bool, caps Capacities) *testNode {
	t.Helper()
	root := t.TempDir()
	n := &testNode{root: root, dir: filepath.Join(root, "primary"), caps: caps, faults: faultinject.New()}
	bootstrapDir(t, n.dir)
	if mirrored {
		n.mirrorDir = filepath.Join(root, "mirror")
		bootstrapDir(t, n.mirrorDir)
	}
	n.open(t)
	_, err := n.s.BuildPersistentCatalog()
	require.NoError(t, err)
	n.checkpoint(t)
	t.Cleanup(func() { n.wal.Crash() })
	return n
}

func (n *testNode) open(t *testing.T) {
	t.Helper()
	wal, err := xlog.Open(filepath.Join(n.dir, "pg_xlog"), xlog.Options{})
	require.NoError(t, err)
	var stores []*persistent.Store
	for _, kind := range basic.AllKinds {
		st, err := persistent.OpenStore(filepath.Join(n.dir, "global"), kind)
		require.NoError(t, err)
		stores = append(stores, st)
	}
	paths, err := NewPathCache(128)
	require.NoError(t, err)
	id := Identity{DbID: 2, DataDir: n.dir}
	if n.mirrorDir != "" {
		id.MirrorDbID, id.MirrorDataDir = 3, n.mirrorDir
	}
	env := &Env{
		Shmem:    NewSharedMemory(n.caps),
		Engine:   persistent.NewEngine(wal, stores...),
		WAL:      wal,
		Faults:   n.faults,
		Paths:    paths,
		Identity: id,
	}
	n.wal = wal
	n.s, err = NewStorage(env, nil, filepath.Join(n.dir, TwoPhaseDirName))
	require.NoError(t, err)
}

func (n *testNode) checkpoint(t *testing.T) {
	t.Helper()
	redo, err := n.s.Checkpoint(nil)
	require.NoError(t, err)
	n.redo = redo
}

// restart simulates a crash: unflushed XLOG and every in-memory structure are
// lost, then the node recovers.
func (n *testNode) restart(t *testing.T) *RecoveryStats {
	t.Helper()
	n.wal.Crash()
	n.s.Env.Paths.Close()
	n.open(t)
	stats, err := n.s.Recover(n.redo)
	require.NoError(t, err)
	return stats
}

func (n *testNode) fsPaths() (string, string) {
	mirror := ""
	if n.mirrorDir != "" {
		mirror = filepath.Join(n.root, "fs1_mirror")
	}
	return filepath.Join(n.root, "fs1"), mirror
}

// createFilespaceAndTablespace commits filespace 16384 with tablespace 16385
// in it.
func (n *testNode) createFilespaceAndTablespace(t *testing.T) {
	t.Helper()
	primary, mirror := n.fsPaths()
	tx := n.s.Tx.Begin()
	_, _, err := n.s.FSO.TransactionCreateFilespaceDir(tx, testFilespaceOid, primary, mirror, true)
	require.NoError(t, err)
	_, _, err = n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, testTablespaceOid, true)
	require.NoError(t, err)
	require.NoError(t, n.s.Tx.Commit(tx))
}

func (n *testNode) state(name basic.ObjName) (basic.State, bool) {
	h, ok := n.s.ByKind(name.Kind).Lookup(name)
	return h.State, ok
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestBuildPersistentCatalog(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())

	fs, ok := n.s.Filespaces.TryGetPrimaryAndMirror(basic.SystemFilespaceOid)
	require.True(t, ok)
	assert.Equal(t, n.dir, fs.Location1)
	assert.Equal(t, basic.StateCreated, fs.State)
	assert.Equal(t, basic.MirrorNotMirrored, fs.MirrorExistence)

	_, ok = n.s.Databases.TryGet(basic.DbDirNode{Tablespace: basic.DefaultTablespaceOid, Database: 1})
	assert.True(t, ok)
	for _, name := range []basic.ObjName{
		basic.NewRelationName(basic.RelFileNode{Tablespace: 1663, Database: 1, Relation: 1259}, 0),
		basic.NewRelationName(basic.RelFileNode{Tablespace: 1663, Database: 1, Relation: 1259}, 1),
		basic.NewRelationName(basic.RelFileNode{Tablespace: 1663, Database: 1, Relation: 1249}, 0),
		basic.NewRelationName(basic.RelFileNode{Tablespace: 1664, Database: 0, Relation: 1262}, 0),
	} {
		st, ok := n.state(name)
		require.True(t, ok, name.String())
		assert.Equal(t, basic.StateCreated, st)
	}
	assert.Len(t, n.s.Relations.ListInDatabase(basic.DbDirNode{Tablespace: 1663, Database: 1}), 3)

	p, err := n.s.Relations.RelationPath(basic.RelFileNode{Tablespace: 1664, Relation: 1262}, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(n.dir, "global", "1262"), p.Primary)

	t.Run("重启后从存储重建", func(t *testing.T) {
		n.restart(t)
		_, ok := n.s.Filespaces.TryGetPrimaryAndMirror(basic.SystemFilespaceOid)
		assert.True(t, ok)
		assert.Equal(t, 4, n.s.Relations.Len())
	})
}

func TestCreateCommitAndDrop(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()
	tsDir := filepath.Join(fsDir, "16385")
	node := basic.DbDirNode{Tablespace: testTablespaceOid, Database: testDatabaseOid}
	rnode := basic.RelFileNode{Tablespace: testTablespaceOid, Database: testDatabaseOid, Relation: testRelationOid}

	t.Run("提交后为Created", func(t *testing.T) {
		for _, name := range []basic.ObjName{basic.NewFilespaceName(testFilespaceOid), basic.NewTablespaceName(testTablespaceOid)} {
			st, ok := n.state(name)
			require.True(t, ok)
			assert.Equal(t, basic.StateCreated, st)
		}
		assert.True(t, exists(t, tsDir))
		p, err := n.s.Tablespaces.TablespaceDir(testTablespaceOid)
		require.NoError(t, err)
		assert.Equal(t, tsDir, p.Primary)
		assert.Empty(t, p.Mirror)
	})

	t.Run("数据库目录和关系文件", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateDatabaseDir(tx, node, false)
		require.NoError(t, err)
		template := basic.NewRelationName(basic.RelFileNode{Tablespace: 1663, Database: 1, Relation: 1259}, 0)
		_, _, err = n.s.FSO.TransactionCreateRelationFile(tx, rnode, 0, basic.RelStorageBufferPool, &template, false)
		require.NoError(t, err)

		st, _ := n.state(basic.NewDatabaseName(node))
		assert.Equal(t, basic.StateCreatePending, st)
		rel, ok := n.s.Relations.TryGet(basic.NewRelationName(rnode, 0))
		require.True(t, ok)
		assert.Equal(t, basic.StateCreatePending, rel.State)
		require.NoError(t, n.s.Tx.Commit(tx))

		data, err := os.ReadFile(filepath.Join(tsDir, "16386", "16387"))
		require.NoError(t, err)
		assert.Equal(t, "catalog", string(data))
		assert.Equal(t, 1, n.s.Databases.CountInTablespace(testTablespaceOid))
	})

	t.Run("一个事务里删除全部", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		require.NoError(t, n.s.FSO.ScheduleDropRelationFile(tx, rnode, 0))
		require.NoError(t, n.s.FSO.ScheduleDropDatabaseDir(tx, node))
		require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
		require.NoError(t, n.s.FSO.ScheduleDropFilespaceDir(tx, testFilespaceOid))

		st, _ := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.Equal(t, basic.StateCreated, st, "drops change state only at commit")
		require.NoError(t, n.s.Tx.Commit(tx))

		for _, name := range []basic.ObjName{
			basic.NewFilespaceName(testFilespaceOid),
			basic.NewTablespaceName(testTablespaceOid),
			basic.NewDatabaseName(node),
			basic.NewRelationName(rnode, 0),
		} {
			_, ok := n.state(name)
			assert.False(t, ok, name.String())
		}
		assert.False(t, exists(t, fsDir))
	})

	t.Run("删除后重启不会复活", func(t *testing.T) {
		n.restart(t)
		_, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.False(t, ok)
		assert.False(t, exists(t, fsDir))
	})
}

func TestAbortDiscardsCreates(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()

	t.Run("推迟创建的目录从未出现", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, true)
		require.NoError(t, err)
		require.NoError(t, n.s.Tx.Abort(tx))
		_, ok := n.state(basic.NewTablespaceName(16390))
		assert.False(t, ok)
		assert.False(t, exists(t, filepath.Join(fsDir, "16390")))
	})

	t.Run("已创建的目录被删除", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16391, false)
		require.NoError(t, err)
		assert.True(t, exists(t, filepath.Join(fsDir, "16391")))
		require.NoError(t, n.s.Tx.Abort(tx))
		_, ok := n.state(basic.NewTablespaceName(16391))
		assert.False(t, ok)
		assert.False(t, exists(t, filepath.Join(fsDir, "16391")))
	})

	t.Run("回滚的删除不改变对象", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
		require.NoError(t, n.s.Tx.Abort(tx))
		st, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
		require.True(t, ok)
		assert.Equal(t, basic.StateCreated, st)
		assert.True(t, exists(t, filepath.Join(fsDir, "16385")))
	})

	t.Run("列表只能取出一次", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		require.NoError(t, n.s.Tx.Commit(tx))
		_, err := tx.drain()
		assert.True(t, basic.IsFatal(err))
		assert.True(t, basic.IsFatal(n.s.Tx.Commit(tx)))
	})
}

func TestIllegalTransitions(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	name := basic.NewTablespaceName(testTablespaceOid)
	tid, serial, ok := n.s.Tablespaces.LookupTidAndSerialNum(name)
	require.True(t, ok)

	t.Run("Created不能再Created", func(t *testing.T) {
		err := n.s.Tablespaces.Created(name, tid, serial, false)
		assert.True(t, basic.IsFatal(err))
	})

	t.Run("Created不能AbortingCreate", func(t *testing.T) {
		_, err := n.s.Tablespaces.MarkAbortingCreate(name, tid, serial, false, nil)
		assert.True(t, basic.IsFatal(err))
	})

	t.Run("Created不能直接Dropped", func(t *testing.T) {
		_, err := n.s.Tablespaces.Dropped(name, tid, serial, false)
		assert.True(t, basic.IsFatal(err))
	})

	t.Run("状态保持不变", func(t *testing.T) {
		st, _ := n.state(name)
		assert.Equal(t, basic.StateCreated, st)
		tup, _, ok := n.s.Env.Engine.Store(basic.KindTablespaceDir).Read(tid)
		require.True(t, ok)
		assert.Equal(t, basic.StateCreated, tup.State)
	})

	t.Run("旧序列号的删除无需执行", func(t *testing.T) {
		res, err := n.s.Tablespaces.MarkDropPending(name, tid, serial+100, false, nil)
		require.NoError(t, err)
		assert.Equal(t, basic.StateChangeDeleteUnnecessary, res)
	})
}

func TestBeforePersistenceWork(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.s.Env.Shmem.SetBeforePersistenceWork(true)
	defer n.s.Env.Shmem.SetBeforePersistenceWork(false)

	tx := n.s.Tx.Begin()
	node := basic.DbDirNode{Tablespace: basic.DefaultTablespaceOid, Database: 2}
	tid, _, err := n.s.FSO.TransactionCreateDatabaseDir(tx, node, false)
	require.NoError(t, err)
	assert.False(t, tid.Valid())
	_, ok := n.s.Databases.TryGet(node)
	assert.False(t, ok)
	assert.True(t, exists(t, filepath.Join(n.dir, "base", "2")))
	require.NoError(t, n.s.Tx.Commit(tx))
}

func TestOutOfSharedMemory(t *testing.T) {
	caps := DefaultCapacities()
	caps.MaxTablespaces = 1
	n := newTestNode(t, false, caps)
	n.createFilespaceAndTablespace(t)

	tx := n.s.Tx.Begin()
	_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, false)
	require.Error(t, err)
	assert.Equal(t, "53200", basic.SQLState(err))
	assert.False(t, basic.IsFatal(err))
	require.NoError(t, n.s.Tx.Abort(tx))
	assert.Equal(t, 1, n.s.Tablespaces.Len())
}

func TestGetFilespacePath(t *testing.T) {
	n := newTestNode(t, true, DefaultCapacities())

	t.Run("按dbid匹配", func(t *testing.T) {
		p, err := n.s.Filespaces.GetFilespacePath(basic.SystemFilespaceOid, 2)
		require.NoError(t, err)
		assert.Equal(t, n.dir, p)
		p, err = n.s.Filespaces.GetFilespacePath(basic.SystemFilespaceOid, 3)
		require.NoError(t, err)
		assert.Equal(t, n.mirrorDir, p)
	})

	t.Run("未知dbid是致命错误", func(t *testing.T) {
		_, err := n.s.Filespaces.GetFilespacePath(basic.SystemFilespaceOid, 9)
		assert.True(t, basic.IsFatal(err))
		_, err = n.s.Filespaces.GetFilespacePath(basic.SystemFilespaceOid, basic.InvalidDbID)
		assert.True(t, basic.IsFatal(err))
	})

	t.Run("协调节点启动早期回退到第一个位置", func(t *testing.T) {
		n.s.Env.Identity.Coordinator = true
		defer func() { n.s.Env.Identity.Coordinator = false }()
		p, err := n.s.Filespaces.GetFilespacePath(basic.SystemFilespaceOid, basic.InvalidDbID)
		require.NoError(t, err)
		assert.Equal(t, n.dir, p)
	})

	t.Run("缺失的文件空间", func(t *testing.T) {
		_, ok := n.s.Filespaces.TryGetPrimaryAndMirror(99999)
		assert.False(t, ok)
		_, err := n.s.Filespaces.GetPrimaryAndMirror(99999)
		assert.True(t, basic.IsFatal(err))
	})
}

func TestFilespaceReconfiguration(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()
	mirror := filepath.Join(n.root, "fs1_new_mirror")

	before, err := n.s.Tablespaces.TablespaceDir(testTablespaceOid)
	require.NoError(t, err)
	assert.Empty(t, before.Mirror)

	require.NoError(t, n.s.Filespaces.AddMirror(testFilespaceOid, 7, mirror))
	e, err := n.s.Filespaces.GetPrimaryAndMirror(testFilespaceOid)
	require.NoError(t, err)
	assert.Equal(t, basic.DbID(7), e.DbID2)
	assert.Equal(t, basic.MirrorCreated, e.MirrorExistence)
	after, err := n.s.Tablespaces.TablespaceDir(testTablespaceOid)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mirror, "16385"), after.Mirror)

	require.NoError(t, n.s.Filespaces.ActivateStandby(2, 7))
	e, _ = n.s.Filespaces.GetPrimaryAndMirror(testFilespaceOid)
	assert.Equal(t, basic.DbID(7), e.DbID1)
	assert.Equal(t, mirror, e.Location1)
	assert.Equal(t, basic.InvalidDbID, e.DbID2)

	require.NoError(t, n.s.Filespaces.AddMirror(testFilespaceOid, 2, fsDir))
	require.NoError(t, n.s.Filespaces.RemoveSegment(7))
	e, _ = n.s.Filespaces.GetPrimaryAndMirror(testFilespaceOid)
	assert.Equal(t, basic.DbID(2), e.DbID1)
	assert.Equal(t, fsDir, e.Location1)
	assert.Equal(t, basic.MirrorNotMirrored, e.MirrorExistence)

	t.Run("重配置在重启后保留", func(t *testing.T) {
		n.restart(t)
		e, err := n.s.Filespaces.GetPrimaryAndMirror(testFilespaceOid)
		require.NoError(t, err)
		assert.Equal(t, fsDir, e.Location1)
		assert.Equal(t, basic.DbID(2), e.DbID1)
	})
}

func TestActivateStandbySlotOrder(t *testing.T) {
	cases := map[string]struct {
		dbid1, dbid2 basic.DbID
		loc1, loc2   string
	}{
		"旧主在槽1": {dbid1: 1, dbid2: 6, loc1: "/master", loc2: "/standby"},
		"旧主在槽2": {dbid1: 6, dbid2: 1, loc1: "/standby", loc2: "/master"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			d1, d2, l1, l2 := c.dbid1, c.dbid2, c.loc1, c.loc2
			m := basic.MirrorCreated
			promoteStandby(1, 6, &d1, &l1, &d2, &l2, &m)
			assert.Equal(t, basic.DbID(6), d1)
			assert.Equal(t, "/standby", l1)
			assert.Equal(t, basic.InvalidDbID, d2)
			assert.Empty(t, l2)
			assert.Equal(t, basic.MirrorNotMirrored, m)
		})
	}

	t.Run("持久化条目", func(t *testing.T) {
		n := newTestNode(t, false, DefaultCapacities())
		n.createFilespaceAndTablespace(t)
		fsDir, _ := n.fsPaths()
		standby := filepath.Join(n.root, "fs1_standby")
		// Standby in slot 1, this instance (dbid 2) in slot 2.
		require.NoError(t, n.s.Filespaces.AddMirror(testFilespaceOid, 7, standby))
		require.NoError(t, n.s.Filespaces.update(testFilespaceOid, false,
			func(tu *persistent.Tuple) {
				tu.DbID1, tu.Location1, tu.DbID2, tu.Location2 = tu.DbID2, tu.Location2, tu.DbID1, tu.Location1
			},
			func(e *FilespaceDirEntry) {
				e.DbID1, e.Location1, e.DbID2, e.Location2 = e.DbID2, e.Location2, e.DbID1, e.Location1
			}))

		require.NoError(t, n.s.Filespaces.ActivateStandby(2, 7))
		e, err := n.s.Filespaces.GetPrimaryAndMirror(testFilespaceOid)
		require.NoError(t, err)
		assert.Equal(t, basic.DbID(7), e.DbID1)
		assert.Equal(t, standby, e.Location1)
		assert.Equal(t, basic.InvalidDbID, e.DbID2)
		assert.NotEqual(t, fsDir, e.Location2)
	})
}

func TestPathCacheAfterAddMirror(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	mirror := filepath.Join(n.root, "fs1_mirror")

	// A reader computes the old pairing and only stores it after AddMirror
	// cleared the cache.
	gen := n.s.Env.Paths.Generation()
	h, ok := n.s.Tablespaces.Lookup(basic.NewTablespaceName(testTablespaceOid))
	require.True(t, ok)
	fsPrimary, fsMirror, err := n.s.Tablespaces.GetPrimaryAndMirrorFilespaces(testTablespaceOid)
	require.NoError(t, err)
	stale := DirPair{Primary: tablespacePath(fsPrimary, testTablespaceOid), Mirror: tablespacePath(fsMirror, testTablespaceOid)}
	require.Empty(t, stale.Mirror)

	require.NoError(t, n.s.Filespaces.AddMirror(testFilespaceOid, 3, mirror))
	n.s.Env.Paths.set(tablespaceCacheKey(gen, testTablespaceOid, h.SerialNum), stale)
	n.s.Env.Paths.Wait()

	p, err := n.s.Tablespaces.TablespaceDir(testTablespaceOid)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mirror, "16385"), p.Mirror)
}

func TestMirroredCreate(t *testing.T) {
	n := newTestNode(t, true, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, fsMirror := n.fsPaths()

	t.Run("主和镜像都创建", func(t *testing.T) {
		assert.True(t, exists(t, filepath.Join(fsDir, "16385")))
		assert.True(t, exists(t, filepath.Join(fsMirror, "16385")))
		h, _ := n.s.Tablespaces.Lookup(basic.NewTablespaceName(testTablespaceOid))
		assert.Equal(t, basic.MirrorCreated, h.MirrorExistence)
	})

	t.Run("镜像不可达时只创建主", func(t *testing.T) {
		n.faults.Inject(faultinject.MirrorUnreachable, faultinject.TypeError, 1)
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, false)
		require.NoError(t, err)
		require.NoError(t, n.s.Tx.Commit(tx))
		h, _ := n.s.Tablespaces.Lookup(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.MirrorDownBeforeCreate, h.MirrorExistence)
		assert.True(t, exists(t, filepath.Join(fsDir, "16390")))
		assert.False(t, exists(t, filepath.Join(fsMirror, "16390")))
	})

	t.Run("删除同时移除镜像", func(t *testing.T) {
		tx := n.s.Tx.Begin()
		require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
		require.NoError(t, n.s.Tx.Commit(tx))
		assert.False(t, exists(t, filepath.Join(fsDir, "16385")))
		assert.False(t, exists(t, filepath.Join(fsMirror, "16385")))
	})
}

func TestCreateKeepsForeignData(t *testing.T) {
	t.Run("主目录已被占用", func(t *testing.T) {
		n := newTestNode(t, false, DefaultCapacities())
		n.createFilespaceAndTablespace(t)
		fsDir, _ := n.fsPaths()
		precious := filepath.Join(fsDir, "16390", "precious")
		require.NoError(t, os.MkdirAll(filepath.Dir(precious), 0700))
		require.NoError(t, os.WriteFile(precious, []byte("data"), 0600))

		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, false)
		require.Error(t, err)
		assert.Equal(t, "55006", basic.SQLState(err))
		_, ok := n.state(basic.NewTablespaceName(16390))
		assert.False(t, ok, "no entry for a refused create")
		require.NoError(t, n.s.Tx.Abort(tx))
		assert.True(t, exists(t, precious))
	})

	t.Run("关系文件已存在", func(t *testing.T) {
		n := newTestNode(t, false, DefaultCapacities())
		n.createFilespaceAndTablespace(t)
		node := basic.DbDirNode{Tablespace: testTablespaceOid, Database: testDatabaseOid}
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateDatabaseDir(tx, node, false)
		require.NoError(t, err)
		require.NoError(t, n.s.Tx.Commit(tx))
		fsDir, _ := n.fsPaths()
		stray := filepath.Join(fsDir, "16385", "16386", "16387")
		require.NoError(t, os.WriteFile(stray, []byte("stray"), 0600))

		tx = n.s.Tx.Begin()
		rnode := basic.RelFileNode{Tablespace: testTablespaceOid, Database: testDatabaseOid, Relation: testRelationOid}
		_, _, err = n.s.FSO.TransactionCreateRelationFile(tx, rnode, 0, basic.RelStorageBufferPool, nil, false)
		require.Error(t, err)
		require.NoError(t, n.s.Tx.Abort(tx))
		data, err := os.ReadFile(stray)
		require.NoError(t, err)
		assert.Equal(t, "stray", string(data))
	})

	t.Run("镜像目录已被占用", func(t *testing.T) {
		n := newTestNode(t, true, DefaultCapacities())
		n.createFilespaceAndTablespace(t)
		fsDir, fsMirror := n.fsPaths()
		precious := filepath.Join(fsMirror, "16390", "precious")
		require.NoError(t, os.MkdirAll(filepath.Dir(precious), 0700))
		require.NoError(t, os.WriteFile(precious, []byte("data"), 0600))

		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, false)
		require.NoError(t, err)
		h, _ := n.s.Tablespaces.Lookup(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.MirrorDownBeforeCreate, h.MirrorExistence)
		require.NoError(t, n.s.Tx.Abort(tx))
		assert.False(t, exists(t, filepath.Join(fsDir, "16390")))
		assert.True(t, exists(t, precious))
	})
}

func TestValidateFilespaceDir(t *testing.T) {
	root := t.TempDir()
	nonEmpty := filepath.Join(root, "full")
	require.NoError(t, os.MkdirAll(filepath.Join(nonEmpty, "x"), 0700))
	empty := filepath.Join(root, "empty")
	require.NoError(t, os.Mkdir(empty, 0700))
	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	cases := []struct {
		name     string
		location string
		ok       bool
	}{
		{"新目录", filepath.Join(root, "fs"), true},
		{"空目录", empty, true},
		{"相对路径", "relative/fs", false},
		{"包含单引号", filepath.Join(root, "it's"), false},
		{"非空目录", nonEmpty, false},
		{"普通文件", file, false},
		{"父目录不存在", filepath.Join(root, "missing", "fs"), false},
		{"路径过长", "/" + string(make([]byte, persistent.MaxLocationLen)), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateFilespaceDir(c.location)
			if c.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.NotEmpty(t, basic.SQLState(err))
			assert.False(t, basic.IsFatal(err))
		})
	}
}
