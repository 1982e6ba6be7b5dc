package initdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/conf"
	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

func TestInitDBDir(t *testing.T) {
	dir := t.TempDir()
	layout := `
[coordinator]
dbid = 1
data_dir = "coordinator"

[[segments]]
content_id = 0
[segments.primary]
dbid = 2
data_dir = "gpseg0"
[segments.mirror]
dbid = 3
data_dir = "mirror0"
`
	path := filepath.Join(dir, "cluster.toml")
	require.NoError(t, os.WriteFile(path, []byte(layout), 0600))
	cfg := conf.NewCfg()
	cfg.Layout = path

	require.NoError(t, InitDBDir(context.Background(), cfg))
	for _, d := range []string{"coordinator", "gpseg0"} {
		ctl, err := xlog.ReadControlFile(filepath.Join(dir, d, node.GlobalDirName, xlog.ControlFileName))
		require.NoError(t, err, d)
		assert.Equal(t, xlog.DBShutdowned, ctl.State)
	}
	assert.FileExists(t, filepath.Join(dir, "mirror0", "base", "1", "1259"))

	t.Run("已有数据目录时拒绝", func(t *testing.T) {
		assert.Error(t, InitDBDir(context.Background(), cfg))
	})
}

func TestNodesWithoutLayout(t *testing.T) {
	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()
	coord, segs, err := Nodes(cfg)
	require.NoError(t, err)
	assert.Empty(t, segs)
	assert.Equal(t, cfg.DataDir, coord.DataDir)
	assert.True(t, coord.Coordinator)
}
