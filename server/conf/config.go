package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/manager"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

const (
	RoleCoordinator = "coordinator"
	RolePrimary     = "primary"
)

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[node]
name            = seg0
data_dir        = /data/primary/gpseg0
dbid            = 2
content_id      = 0
role            = primary
mirror_dbid     = 4
mirror_data_dir = /data/mirror/gpseg0
*/
type Cfg struct {
	Raw *ini.File

	// node
	Name          string
	DataDir       string
	DbID          int
	ContentID     int
	Role          string
	MirrorDbID    int
	MirrorDataDir string
	Owner         string

	// persistent
	MaxFilespaces             int
	MaxTablespaces            int
	MaxDatabases              int
	MaxRelations              int
	XLogSegmentSize           int64
	XLogBufferSize            int
	XLogFlushInterval         string
	XLogFlushIntervalDuration time.Duration
	PathCacheSize             int64
	DDLWorkers                int
	SuperviseInterval         string
	SuperviseIntervalDuration time.Duration

	// logs
	LogError string
	LogInfos string
	LogLevel string

	// cluster
	Layout string
}

func NewCfg() *Cfg {
	caps := manager.DefaultCapacities()
	return &Cfg{
		Raw:       ini.Empty(),
		Name:      "coordinator",
		DataDir:   "data",
		DbID:      1,
		ContentID: -1,
		Role:      RoleCoordinator,
		Owner:     "gpadmin",

		MaxFilespaces:             caps.MaxFilespaces,
		MaxTablespaces:            caps.MaxTablespaces,
		MaxDatabases:              caps.MaxDatabases,
		MaxRelations:              caps.MaxRelations,
		XLogSegmentSize:           16 << 20,
		XLogBufferSize:            1 << 20,
		XLogFlushInterval:         "200ms",
		XLogFlushIntervalDuration: 200 * time.Millisecond,
		PathCacheSize:             1024,
		DDLWorkers:                0,
		SuperviseInterval:         "1s",
		SuperviseIntervalDuration: time.Second,

		LogError: "logs/error.log",
		LogInfos: "logs/xgp.log",
		LogLevel: "info",
	}
}

// Load reads the ini file named by args. A missing file leaves every key at
// its default.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	iniFile, err := loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = iniFile
	if err := cfg.parseNodeCfg(cfg.Raw.Section("node")); err != nil {
		return nil, err
	}
	if err := cfg.parsePersistentCfg(cfg.Raw.Section("persistent")); err != nil {
		return nil, err
	}
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	cfg.Layout = cfg.Raw.Section("cluster").Key("layout").MustString("")
	if cfg.Layout != "" && !filepath.IsAbs(cfg.Layout) && args.ConfigPath != "" {
		cfg.Layout = filepath.Join(filepath.Dir(args.ConfigPath), cfg.Layout)
	}
	return cfg, nil
}

func loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := "conf/xgp.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}
	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "解析配置文件 %s 失败", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		return defaultValue
	}
	return value
}

func (cfg *Cfg) parseNodeCfg(section *ini.Section) error {
	cfg.Name = valueAsString(section, "name", cfg.Name)
	cfg.DataDir = valueAsString(section, "data_dir", cfg.DataDir)
	cfg.DbID = section.Key("dbid").MustInt(cfg.DbID)
	cfg.ContentID = section.Key("content_id").MustInt(cfg.ContentID)
	cfg.Role = strings.ToLower(valueAsString(section, "role", cfg.Role))
	cfg.MirrorDbID = section.Key("mirror_dbid").MustInt(cfg.MirrorDbID)
	cfg.MirrorDataDir = valueAsString(section, "mirror_data_dir", cfg.MirrorDataDir)
	cfg.Owner = valueAsString(section, "owner", cfg.Owner)

	if cfg.Role != RoleCoordinator && cfg.Role != RolePrimary {
		return errors.Errorf("[node] role must be %s or %s, got '%s'", RoleCoordinator, RolePrimary, cfg.Role)
	}
	if cfg.DbID <= 0 {
		return errors.Errorf("[node] dbid must be positive, got %d", cfg.DbID)
	}
	if (cfg.MirrorDataDir == "") != (cfg.MirrorDbID == 0) {
		return errors.New("[node] mirror_dbid and mirror_data_dir go together")
	}
	return nil
}

func (cfg *Cfg) parsePersistentCfg(section *ini.Section) error {
	cfg.MaxFilespaces = section.Key("max_filespaces").MustInt(cfg.MaxFilespaces)
	cfg.MaxTablespaces = section.Key("max_tablespaces").MustInt(cfg.MaxTablespaces)
	cfg.MaxDatabases = section.Key("max_databases").MustInt(cfg.MaxDatabases)
	cfg.MaxRelations = section.Key("max_relations").MustInt(cfg.MaxRelations)
	cfg.XLogSegmentSize = section.Key("xlog_segment_size").MustInt64(cfg.XLogSegmentSize)
	cfg.XLogBufferSize = section.Key("xlog_buffer_size").MustInt(cfg.XLogBufferSize)
	cfg.PathCacheSize = section.Key("path_cache_size").MustInt64(cfg.PathCacheSize)
	cfg.DDLWorkers = section.Key("ddl_workers").MustInt(cfg.DDLWorkers)

	var err error
	cfg.XLogFlushInterval = valueAsString(section, "xlog_flush_interval", cfg.XLogFlushInterval)
	if cfg.XLogFlushIntervalDuration, err = time.ParseDuration(cfg.XLogFlushInterval); err != nil {
		return errors.Wrapf(err, "xlog_flush_interval")
	}
	cfg.SuperviseInterval = valueAsString(section, "supervise_interval", cfg.SuperviseInterval)
	if cfg.SuperviseIntervalDuration, err = time.ParseDuration(cfg.SuperviseInterval); err != nil {
		return errors.Wrapf(err, "supervise_interval")
	}
	for key, v := range map[string]int{
		"max_filespaces": cfg.MaxFilespaces, "max_tablespaces": cfg.MaxTablespaces,
		"max_databases": cfg.MaxDatabases, "max_relations": cfg.MaxRelations,
	} {
		if v <= 0 {
			return errors.Errorf("[persistent] %s must be positive, got %d", key, v)
		}
	}
	return nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	logLevel := strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	switch logLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
		cfg.LogLevel = logLevel
	default:
		logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'", logLevel)
		cfg.LogLevel = "info"
	}
}

// GetString 获取配置项的字符串值，key 形如 section.key
func (cfg *Cfg) GetString(key string) string {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return ""
	}
	return valueAsString(cfg.Raw.Section(section), name, "")
}

func (cfg *Cfg) GetInt(key string) int {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return 0
	}
	return cfg.Raw.Section(section).Key(name).MustInt(0)
}

func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
}

// base fills the node settings that come from [persistent].
func (cfg *Cfg) base() node.Config {
	return node.Config{
		Owner: cfg.Owner,
		Capacities: manager.Capacities{
			MaxFilespaces:  cfg.MaxFilespaces,
			MaxTablespaces: cfg.MaxTablespaces,
			MaxDatabases:   cfg.MaxDatabases,
			MaxRelations:   cfg.MaxRelations,
		},
		XLog: xlog.Options{
			SegmentSize:   cfg.XLogSegmentSize,
			BufferSize:    cfg.XLogBufferSize,
			FlushInterval: cfg.XLogFlushIntervalDuration,
		},
		PathCacheSize: cfg.PathCacheSize,
	}
}

// NodeConfig is the instance described by [node].
func (cfg *Cfg) NodeConfig() node.Config {
	n := cfg.base()
	n.Name = cfg.Name
	n.DbID = basic.DbID(cfg.DbID)
	n.ContentID = cfg.ContentID
	n.Coordinator = cfg.Role == RoleCoordinator
	n.DataDir = cfg.DataDir
	n.MirrorDbID = basic.DbID(cfg.MirrorDbID)
	n.MirrorDataDir = cfg.MirrorDataDir
	return n
}
