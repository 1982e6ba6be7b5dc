package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "missing.ini")})
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, cfg.Role)
	assert.Equal(t, 1, cfg.DbID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 200*time.Millisecond, cfg.XLogFlushIntervalDuration)
	assert.Empty(t, cfg.Layout)

	n := cfg.NodeConfig()
	assert.True(t, n.Coordinator)
	assert.Equal(t, cfg.MaxTablespaces, n.Capacities.MaxTablespaces)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "xgp.ini", `
[node]
name = seg0
data_dir = /data/gpseg0
dbid = 2
content_id = 0
role = Primary
mirror_dbid = 4
mirror_data_dir = /mirror/gpseg0

[persistent]
max_tablespaces = 32
xlog_flush_interval = 50ms
ddl_workers = 8

[logs]
log_level = DEBUG

[cluster]
layout = cluster.toml
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	t.Run("节点", func(t *testing.T) {
		n := cfg.NodeConfig()
		assert.Equal(t, "seg0", n.Name)
		assert.Equal(t, basic.DbID(2), n.DbID)
		assert.False(t, n.Coordinator)
		assert.Equal(t, basic.DbID(4), n.MirrorDbID)
		assert.Equal(t, "/mirror/gpseg0", n.MirrorDataDir)
	})

	t.Run("持久化参数", func(t *testing.T) {
		assert.Equal(t, 32, cfg.MaxTablespaces)
		assert.Equal(t, 50*time.Millisecond, cfg.XLogFlushIntervalDuration)
		assert.Equal(t, 8, cfg.DDLWorkers)
		assert.Equal(t, 8, cfg.GetInt("persistent.ddl_workers"))
		assert.Equal(t, "50ms", cfg.GetString("persistent.xlog_flush_interval"))
	})

	t.Run("日志和布局", func(t *testing.T) {
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, filepath.Join(dir, "cluster.toml"), cfg.Layout)
	})
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"未知角色":   "[node]\nrole = mirror\n",
		"镜像配置不全": "[node]\nmirror_dbid = 3\n",
		"容量非法":   "[persistent]\nmax_relations = 0\n",
		"时间格式错误": "[persistent]\nxlog_flush_interval = soon\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "xgp.ini", content)
			_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
			assert.Error(t, err)
		})
	}
}

func TestInvalidLogLevelFallsBack(t *testing.T) {
	path := writeFile(t, t.TempDir(), "xgp.ini", "[logs]\nlog_level = loud\n")
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

const layoutFile = `
[coordinator]
dbid = 1
data_dir = "coordinator"

[standby]
dbid = 6
data_dir = "/standby"

[[segments]]
content_id = 0
[segments.primary]
dbid = 2
data_dir = "primary/gpseg0"
[segments.mirror]
dbid = 4
data_dir = "mirror/gpseg0"

[[segments]]
name = "east"
content_id = 1
[segments.primary]
dbid = 3
data_dir = "primary/gpseg1"
`

func TestLoadLayout(t *testing.T) {
	dir := t.TempDir()
	l, err := LoadLayout(writeFile(t, dir, "cluster.toml", layoutFile))
	require.NoError(t, err)
	require.Len(t, l.Segments, 2)
	assert.Equal(t, filepath.Join(dir, "coordinator"), l.Coordinator.DataDir)
	assert.Equal(t, "/standby", l.Standby.DataDir)
	assert.Nil(t, l.Segments[1].Mirror)

	coord, segs := l.NodeConfigs(NewCfg())
	assert.True(t, coord.Coordinator)
	assert.Equal(t, basic.DbID(6), coord.MirrorDbID)
	require.Len(t, segs, 2)
	assert.Equal(t, "seg0", segs[0].Name)
	assert.Equal(t, basic.DbID(4), segs[0].MirrorDbID)
	assert.Equal(t, filepath.Join(dir, "mirror", "gpseg0"), segs[0].MirrorDataDir)
	assert.Equal(t, "east", segs[1].Name)
	assert.Equal(t, basic.DbID(0), segs[1].MirrorDbID)
}

func TestLayoutValidate(t *testing.T) {
	t.Run("重复的dbid", func(t *testing.T) {
		l := &Layout{
			Coordinator: Instance{DbID: 1, DataDir: "/c"},
			Segments:    []SegmentLayout{{ContentID: 0, Primary: Instance{DbID: 1, DataDir: "/p"}}},
		}
		assert.Error(t, l.Validate())
	})
	t.Run("重复的content_id", func(t *testing.T) {
		l := &Layout{
			Coordinator: Instance{DbID: 1, DataDir: "/c"},
			Segments: []SegmentLayout{
				{ContentID: 0, Primary: Instance{DbID: 2, DataDir: "/p0"}},
				{ContentID: 0, Primary: Instance{DbID: 3, DataDir: "/p1"}},
			},
		}
		assert.Error(t, l.Validate())
	})
	t.Run("重复的目录", func(t *testing.T) {
		l := &Layout{
			Coordinator: Instance{DbID: 1, DataDir: "/c"},
			Standby:     &Instance{DbID: 2, DataDir: "/c"},
		}
		assert.Error(t, l.Validate())
	})
	t.Run("缺少目录", func(t *testing.T) {
		assert.Error(t, (&Layout{Coordinator: Instance{DbID: 1}}).Validate())
	})
}
