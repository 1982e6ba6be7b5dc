package node

import (
	"path/filepath"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

func newNode(t *testing.T, mirrored bool) *Node {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Name:    "seg0",
		DbID:    2,
		DataDir: filepath.Join(root, "primary"),
		Faults:  faultinject.New(),
	}
	if mirrored {
		cfg.MirrorDbID = 3
		cfg.MirrorDataDir = filepath.Join(root, "mirror")
	}
	n := New(cfg)
	require.NoError(t, n.Start())
	t.Cleanup(n.Crash)
	return n
}

// createTablespace commits a tablespace in pg_system the way DDL does.
func createTablespace(t *testing.T, n *Node, oid basic.Oid) error {
	t.Helper()
	return n.Run(func() error {
		tx := n.Storage().Tx.Begin()
		n.ObserveOid(oid)
		n.Catalog().InsertTablespace(tx.Xid(), catalog.Tablespace{Oid: oid, Name: "ts", Filespace: basic.SystemFilespaceOid})
		if _, _, err := n.Storage().FSO.TransactionCreateTablespaceDir(tx, basic.SystemFilespaceOid, oid, false); err != nil {
			return err
		}
		return n.Storage().Tx.Commit(tx)
	})
}

func readControl(t *testing.T, n *Node) *xlog.ControlFile {
	t.Helper()
	ctl, err := xlog.ReadControlFile(n.controlPath())
	require.NoError(t, err)
	return ctl
}

func TestInitdb(t *testing.T) {
	n := newNode(t, true)
	assert.True(t, n.Up())
	assert.Equal(t, xlog.DBInProduction, readControl(t, n).State)

	t.Run("引导目录", func(t *testing.T) {
		for _, dir := range []string{n.cfg.DataDir, n.cfg.MirrorDataDir} {
			assert.FileExists(t, filepath.Join(dir, "base", "1", "1259"))
			assert.FileExists(t, filepath.Join(dir, GlobalDirName, "1262"))
		}
	})

	t.Run("持久化表和目录一致", func(t *testing.T) {
		fs, ok := n.Storage().Filespaces.TryGetPrimaryAndMirror(basic.SystemFilespaceOid)
		require.True(t, ok)
		assert.Equal(t, n.cfg.DataDir, fs.Location1)
		assert.Equal(t, n.cfg.MirrorDataDir, fs.Location2)
		assert.Equal(t, len(bootstrapRelations)+len(globalRelations), n.Storage().Relations.Len())

		entries := n.Catalog().FilespaceEntries(basic.InvalidXid, basic.SystemFilespaceOid)
		assert.Len(t, entries, 2)
		db, ok := n.Catalog().DatabaseByName(basic.InvalidXid, basic.Template1DbName)
		require.True(t, ok)
		assert.True(t, db.IsTemplate)
	})

	t.Run("oid从普通对象开始", func(t *testing.T) {
		assert.Equal(t, basic.FirstNormalObjectId, n.NextOid())
		n.ObserveOid(20000)
		assert.Equal(t, basic.Oid(20001), n.NextOid())
	})
}

func TestStopAndStart(t *testing.T) {
	n := newNode(t, false)
	require.NoError(t, createTablespace(t, n, 17000))
	require.NoError(t, n.Stop())
	assert.False(t, n.Up())
	assert.Equal(t, xlog.DBShutdowned, readControl(t, n).State)
	assert.NoError(t, n.Stop())

	require.NoError(t, n.Start())
	assert.Zero(t, n.Crashes())
	_, ok := n.Storage().Tablespaces.TryGet(17000)
	assert.True(t, ok)
	_, ok = n.Catalog().Tablespace(basic.InvalidXid, 17000)
	assert.True(t, ok)
	assert.Equal(t, basic.Oid(17001), n.NextOid())
}

func TestCrashRecovery(t *testing.T) {
	n := newNode(t, false)
	xidBefore := n.Storage().Tx.NextXid()
	require.NoError(t, createTablespace(t, n, 17000))

	n.Crash()
	assert.False(t, n.Up())
	assert.Equal(t, 1, n.Crashes())
	err := n.Run(func() error { return nil })
	assert.True(t, IsDown(err))
	assert.Equal(t, xlog.DBInProduction, readControl(t, n).State)

	require.NoError(t, n.Start())
	h, ok := n.Storage().Tablespaces.Lookup(basic.NewTablespaceName(17000))
	require.True(t, ok)
	assert.Equal(t, basic.StateCreated, h.State)
	_, ok = n.Catalog().Tablespace(basic.InvalidXid, 17000)
	assert.True(t, ok, "catalog changes come back from the commit record")
	assert.Greater(t, n.Storage().Tx.NextXid(), xidBefore)
	assert.Greater(t, n.NextOid(), basic.Oid(17000))
}

func TestRunTakesNodeDown(t *testing.T) {
	t.Run("致命错误", func(t *testing.T) {
		n := newNode(t, false)
		err := n.Run(func() error { return basic.Fatalf("persistent state is broken") })
		assert.True(t, basic.IsFatal(err))
		assert.False(t, n.Up())
		assert.Equal(t, 1, n.Crashes())
		require.NoError(t, n.Start())
	})

	t.Run("普通错误不影响节点", func(t *testing.T) {
		n := newNode(t, false)
		err := n.Run(func() error { return basic.ErrUndefinedObject("tablespace", "x") })
		assert.Equal(t, pgerrcode.UndefinedObject, basic.SQLState(err))
		assert.True(t, n.Up())
	})

	t.Run("提交记录之后崩溃", func(t *testing.T) {
		n := newNode(t, false)
		n.Faults().Inject(faultinject.AfterCommitRecordBeforeHooks, faultinject.TypePanic, 1)
		err := createTablespace(t, n, 17000)
		assert.True(t, IsDown(err))
		assert.Equal(t, 1, n.Crashes())

		require.NoError(t, n.Start())
		h, ok := n.Storage().Tablespaces.Lookup(basic.NewTablespaceName(17000))
		require.True(t, ok)
		assert.Equal(t, basic.StateCreated, h.State)
		assert.DirExists(t, filepath.Join(n.cfg.DataDir, "17000"))
	})
}

func TestSessions(t *testing.T) {
	n := newNode(t, false)
	err := n.Connect(99999)
	assert.Equal(t, pgerrcode.InvalidCatalogName, basic.SQLState(err))

	require.NoError(t, n.Connect(basic.Template1DbOid))
	require.NoError(t, n.Connect(basic.Template1DbOid))
	assert.Equal(t, 2, n.Sessions(basic.Template1DbOid))
	n.Disconnect(basic.Template1DbOid)
	assert.Equal(t, 1, n.Sessions(basic.Template1DbOid))

	n.Crash()
	assert.Zero(t, n.Sessions(basic.Template1DbOid))
}
