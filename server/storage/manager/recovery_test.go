package manager

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
)

func TestCreatePendingVisibleOnlyWithPendingList(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	fsDir, _ := n.fsPaths()

	h := n.faults.Inject(faultinject.BeforePendingDeleteFilespaceEntry, faultinject.TypeSuspend, 1)
	tx := n.s.Tx.Begin()
	created := make(chan error, 1)
	go func() {
		_, _, err := n.s.FSO.TransactionCreateFilespaceDir(tx, testFilespaceOid, fsDir, "", false)
		created <- err
	}()
	require.True(t, h.WaitTriggered(5*time.Second))

	read := make(chan FilespaceDirEntry, 1)
	go func() {
		e, _ := n.s.Filespaces.TryGetPrimaryAndMirror(testFilespaceOid)
		read <- e
	}()
	select {
	case <-read:
		t.Fatal("reader saw the filespace before its pending-delete entry existed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, tx.PendingCreates())

	h.Resume()
	e := <-read
	assert.Equal(t, basic.StateCreatePending, e.State)
	require.NoError(t, <-created)
	assert.Len(t, tx.PendingCreates(), 1)
	require.Len(t, tx.PendingDeletes(), 1)
	assert.False(t, tx.PendingDeletes()[0].AtCommit)

	require.NoError(t, n.s.Tx.Abort(tx))
	_, ok := n.s.Filespaces.TryGetPrimaryAndMirror(testFilespaceOid)
	assert.False(t, ok)
	assert.False(t, exists(t, fsDir))
}

func TestCrashAfterCommitRecord(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()
	tsDir := filepath.Join(fsDir, "16385")

	tx := n.s.Tx.Begin()
	require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
	n.faults.Inject(faultinject.AfterCommitRecordBeforeHooks, faultinject.TypePanic, 1)
	crash := faultinject.RecoverCrash(func() { _ = n.s.Tx.Commit(tx) })
	require.NotNil(t, crash)
	assert.Equal(t, faultinject.AfterCommitRecordBeforeHooks, crash.Point)
	assert.True(t, exists(t, tsDir))

	t.Run("重启完成已提交的删除", func(t *testing.T) {
		stats := n.restart(t)
		assert.GreaterOrEqual(t, stats.Committed, 2)
		_, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.False(t, ok)
		assert.False(t, exists(t, tsDir))
		assert.True(t, exists(t, fsDir))
	})

	t.Run("再次重放结果不变", func(t *testing.T) {
		n.restart(t)
		_, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.False(t, ok)
		assert.False(t, exists(t, tsDir))
		st, ok := n.state(basic.NewFilespaceName(testFilespaceOid))
		require.True(t, ok)
		assert.Equal(t, basic.StateCreated, st)
	})

	t.Run("检查点之后重启", func(t *testing.T) {
		n.checkpoint(t)
		stats := n.restart(t)
		assert.Equal(t, 0, stats.Finished)
		assert.Equal(t, 2, n.s.Filespaces.Len())
	})
}

func TestCrashAfterMarkDropPending(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()

	tx := n.s.Tx.Begin()
	require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
	n.faults.Inject(faultinject.AfterMarkDropPending, faultinject.TypePanic, 1)
	crash := faultinject.RecoverCrash(func() { _ = n.s.Tx.Commit(tx) })
	require.NotNil(t, crash)
	st, _ := n.state(basic.NewTablespaceName(testTablespaceOid))
	assert.Equal(t, basic.StateDropPending, st)

	n.restart(t)
	_, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
	assert.False(t, ok)
	assert.False(t, exists(t, filepath.Join(fsDir, "16385")))
}

func TestCrashBeforeMkdir(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()
	tsDir := filepath.Join(fsDir, "16390")

	tx := n.s.Tx.Begin()
	n.faults.Inject(faultinject.AfterCreatePendingBeforeMkdir, faultinject.TypePanic, 1)
	crash := faultinject.RecoverCrash(func() {
		_, _, _ = n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, false)
	})
	require.NotNil(t, crash)
	st, ok := n.state(basic.NewTablespaceName(16390))
	require.True(t, ok)
	assert.Equal(t, basic.StateCreatePending, st)
	assert.False(t, exists(t, tsDir))

	stats := n.restart(t)
	assert.Equal(t, 1, stats.Finished)
	_, ok = n.state(basic.NewTablespaceName(16390))
	assert.False(t, ok)
	assert.False(t, exists(t, tsDir))
}

func TestUncommittedCreateIsAbortedByRecovery(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()
	node := basic.DbDirNode{Tablespace: testTablespaceOid, Database: testDatabaseOid}

	tx := n.s.Tx.Begin()
	_, _, err := n.s.FSO.TransactionCreateDatabaseDir(tx, node, false)
	require.NoError(t, err)
	dbDir := filepath.Join(fsDir, "16385", "16386")
	assert.True(t, exists(t, dbDir))

	n.restart(t)
	_, ok := n.s.Databases.TryGet(node)
	assert.False(t, ok)
	assert.False(t, exists(t, dbDir))
	assert.Greater(t, n.s.Tx.NextXid(), tx.Xid())
}

func TestTwoPhase(t *testing.T) {
	newPrepared := func(t *testing.T, gid string) (*testNode, string) {
		n := newTestNode(t, false, DefaultCapacities())
		n.createFilespaceAndTablespace(t)
		fsDir, _ := n.fsPaths()
		tx := n.s.Tx.Begin()
		_, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, 16390, true)
		require.NoError(t, err)
		require.NoError(t, n.s.FSO.ScheduleDropTablespaceDir(tx, testTablespaceOid))
		require.NoError(t, n.s.Tx.Prepare(tx, gid))
		assert.False(t, tx.InProgress())
		assert.Equal(t, gid, tx.GID())
		return n, fsDir
	}
	stateFiles := func(t *testing.T, n *testNode) int {
		entries, err := os.ReadDir(filepath.Join(n.dir, TwoPhaseDirName))
		require.NoError(t, err)
		return len(entries)
	}

	t.Run("准备后提交", func(t *testing.T) {
		n, fsDir := newPrepared(t, "gx1")
		assert.True(t, exists(t, filepath.Join(fsDir, "16390")))
		assert.Equal(t, 1, stateFiles(t, n))
		st, _ := n.state(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.StateCreatePending, st)

		require.NoError(t, n.s.Tx.CommitPrepared("gx1"))
		st, _ = n.state(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.StateCreated, st)
		_, ok := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.False(t, ok)
		assert.False(t, exists(t, filepath.Join(fsDir, "16385")))
		assert.Equal(t, 0, stateFiles(t, n))
		assert.Empty(t, n.s.Tx.PreparedGIDs())
	})

	t.Run("重启后仍是准备状态", func(t *testing.T) {
		n, fsDir := newPrepared(t, "gx2")
		n.restart(t)
		assert.Equal(t, []string{"gx2"}, n.s.Tx.PreparedGIDs())
		st, ok := n.state(basic.NewTablespaceName(16390))
		require.True(t, ok)
		assert.Equal(t, basic.StateCreatePending, st)

		require.NoError(t, n.s.Tx.CommitPrepared("gx2"))
		st, _ = n.state(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.StateCreated, st)
		assert.False(t, exists(t, filepath.Join(fsDir, "16385")))

		n.restart(t)
		assert.Empty(t, n.s.Tx.PreparedGIDs())
		st, _ = n.state(basic.NewTablespaceName(16390))
		assert.Equal(t, basic.StateCreated, st)
	})

	t.Run("回滚准备的事务", func(t *testing.T) {
		n, fsDir := newPrepared(t, "gx3")
		require.NoError(t, n.s.Tx.RollbackPrepared("gx3"))
		_, ok := n.state(basic.NewTablespaceName(16390))
		assert.False(t, ok)
		assert.False(t, exists(t, filepath.Join(fsDir, "16390")))
		st, _ := n.state(basic.NewTablespaceName(testTablespaceOid))
		assert.Equal(t, basic.StateCreated, st)
		assert.Equal(t, 0, stateFiles(t, n))
	})

	t.Run("gid不能重复或为空", func(t *testing.T) {
		n, _ := newPrepared(t, "gx4")
		tx := n.s.Tx.Begin()
		assert.Equal(t, "42710", basic.SQLState(n.s.Tx.Prepare(tx, "gx4")))
		assert.NotEmpty(t, basic.SQLState(n.s.Tx.Prepare(tx, "")))
		require.NoError(t, n.s.Tx.Abort(tx))
	})

	t.Run("未知的gid", func(t *testing.T) {
		n, _ := newPrepared(t, "gx5")
		err := n.s.Tx.CommitPrepared("nope")
		assert.Equal(t, "42704", basic.SQLState(err))
		err = n.s.Tx.RollbackPrepared("nope")
		assert.Equal(t, "42704", basic.SQLState(err))
		require.NoError(t, n.s.Tx.CommitPrepared("gx5"))
		assert.Equal(t, "42704", basic.SQLState(n.s.Tx.CommitPrepared("gx5")))
	})
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	n := newTestNode(t, false, DefaultCapacities())
	n.createFilespaceAndTablespace(t)
	fsDir, _ := n.fsPaths()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				primary, _, err := n.s.Tablespaces.GetPrimaryAndMirrorFilespaces(testTablespaceOid)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, fsDir, primary)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			oid := basic.Oid(17000 + i)
			tx := n.s.Tx.Begin()
			if _, _, err := n.s.FSO.TransactionCreateTablespaceDir(tx, testFilespaceOid, oid, false); !assert.NoError(t, err) {
				return
			}
			if i%2 == 0 {
				assert.NoError(t, n.s.Tx.Commit(tx))
			} else {
				assert.NoError(t, n.s.Tx.Abort(tx))
			}
			assert.NoError(t, n.s.Tablespaces.SetMirrorExistence(basic.NewTablespaceName(testTablespaceOid), basic.MirrorNotMirrored))
		}
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("writers did not finish, lock order deadlock")
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 26, n.s.Tablespaces.Len())
	assert.Equal(t, 26, n.s.Tablespaces.CountInFilespace(testFilespaceOid))
}

func TestHashLockOrder(t *testing.T) {
	shm := NewSharedMemory(DefaultCapacities())

	t.Run("按顺序加读锁", func(t *testing.T) {
		g := shm.HashLock(basic.KindFilespaceDir).RLock().Then(shm.HashLock(basic.KindTablespaceDir))
		g.Unlock()
	})

	t.Run("逆序加锁会panic", func(t *testing.T) {
		assert.Panics(t, func() {
			shm.HashLock(basic.KindRelationFile).RLock().Then(shm.HashLock(basic.KindFilespaceDir))
		})
	})
}
