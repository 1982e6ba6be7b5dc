package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

func bootstrapped(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), SnapshotFileName))
	require.NoError(t, err)
	c.Bootstrap([]FilespaceEntry{{Filespace: basic.SystemFilespaceOid, DbID: 1, Location: "/data/master"}}, "gpadmin")
	return c
}

func TestBootstrap(t *testing.T) {
	c := bootstrapped(t)

	fs, ok := c.FilespaceByName(basic.InvalidXid, "pg_system")
	require.True(t, ok)
	assert.Equal(t, basic.SystemFilespaceOid, fs.Oid)
	assert.Len(t, c.TablespacesInFilespace(basic.InvalidXid, fs.Oid), 2)

	db, ok := c.DatabaseByName(basic.InvalidXid, "template1")
	require.True(t, ok)
	assert.True(t, db.IsTemplate)
	assert.Equal(t, basic.DefaultTablespaceOid, db.Tablespace)
	assert.Equal(t, basic.SystemFilespaceOid, c.MaxOid())
}

func TestStagedChanges(t *testing.T) {
	c := bootstrapped(t)
	const xid basic.Xid = 10
	c.InsertFilespace(xid, Filespace{Oid: 16384, Name: "fs1", Owner: "gpadmin"},
		[]FilespaceEntry{{Filespace: 16384, DbID: 1, Location: "/fs1/m"}, {Filespace: 16384, DbID: 2, Location: "/fs1/s"}})
	c.InsertTablespace(xid, Tablespace{Oid: 16385, Name: "ts1", Owner: "gpadmin", Filespace: 16384})

	t.Run("只对本事务可见", func(t *testing.T) {
		_, ok := c.TablespaceByName(xid, "ts1")
		assert.True(t, ok)
		_, ok = c.TablespaceByName(11, "ts1")
		assert.False(t, ok)
		_, ok = c.FilespaceByName(basic.InvalidXid, "fs1")
		assert.False(t, ok)
		assert.Len(t, c.FilespaceEntries(xid, 16384), 2)
	})

	t.Run("提交后可见", func(t *testing.T) {
		payload, err := c.StagedPayload(xid)
		require.NoError(t, err)
		require.NotEmpty(t, payload)
		require.NoError(t, c.Apply(xid, payload))
		ts, ok := c.TablespaceByName(11, "ts1")
		require.True(t, ok)
		assert.Equal(t, basic.Oid(16384), ts.Filespace)
		assert.Equal(t, basic.Oid(16385), c.MaxOid())

		empty, err := c.StagedPayload(xid)
		require.NoError(t, err)
		assert.Nil(t, empty)
	})

	t.Run("重复应用结果相同", func(t *testing.T) {
		payload := []byte(`[{"op":"delete_tablespace","oid":16385}]`)
		require.NoError(t, c.Apply(12, payload))
		require.NoError(t, c.Apply(12, payload))
		_, ok := c.Tablespace(basic.InvalidXid, 16385)
		assert.False(t, ok)
	})

	t.Run("回滚丢弃暂存", func(t *testing.T) {
		c.DeleteDatabase(13, basic.Template1DbOid)
		_, ok := c.Database(13, basic.Template1DbOid)
		assert.False(t, ok)
		c.Discard(13)
		_, ok = c.Database(13, basic.Template1DbOid)
		assert.True(t, ok)
	})

	t.Run("错误的载荷", func(t *testing.T) {
		assert.Error(t, c.Apply(14, []byte("{")))
	})
}

func TestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFileName)
	c, err := Open(path)
	require.NoError(t, err)
	c.Bootstrap([]FilespaceEntry{{Filespace: basic.SystemFilespaceOid, DbID: 1, Location: "/data/master"}}, "gpadmin")
	c.InsertDatabase(5, Database{Oid: 16390, Name: "db1", Owner: "u1", Tablespace: basic.DefaultTablespaceOid, ConnLimit: -1})
	payload, err := c.StagedPayload(5)
	require.NoError(t, err)
	require.NoError(t, c.Apply(5, payload))
	require.NoError(t, c.WriteSnapshot())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, c.Databases(basic.InvalidXid), reopened.Databases(basic.InvalidXid))
	assert.Equal(t, c.FilespaceEntries(basic.InvalidXid, basic.SystemFilespaceOid),
		reopened.FilespaceEntries(basic.InvalidXid, basic.SystemFilespaceOid))
	assert.Len(t, reopened.DatabasesUsingTablespace(basic.InvalidXid, basic.DefaultTablespaceOid), 2)
}
