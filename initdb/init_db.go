package initdb

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/conf"
	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/util"
)

// InitDBDir initialises every data directory the configuration names and
// shuts the instances down again. Existing data directories are refused.
func InitDBDir(ctx context.Context, cfg *conf.Cfg) error {
	coord, segs, err := Nodes(cfg)
	if err != nil {
		return err
	}
	for _, nc := range append([]node.Config{coord}, segs...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := initNode(nc); err != nil {
			return err
		}
	}
	return nil
}

// Nodes returns the instances of the cluster layout, or the single [node]
// instance when no layout is configured.
func Nodes(cfg *conf.Cfg) (node.Config, []node.Config, error) {
	if cfg.Layout == "" {
		return cfg.NodeConfig(), nil, nil
	}
	layout, err := conf.LoadLayout(cfg.Layout)
	if err != nil {
		return node.Config{}, nil, err
	}
	coord, segs := layout.NodeConfigs(cfg)
	return coord, segs, nil
}

func initNode(nc node.Config) error {
	for _, dir := range []string{nc.DataDir, nc.MirrorDataDir} {
		if dir == "" {
			continue
		}
		exists, err := util.PathExists(dir)
		if err != nil {
			return errors.WithStack(err)
		}
		if exists {
			empty, err := util.IsDirEmpty(dir)
			if err != nil {
				return errors.WithStack(err)
			}
			if !empty {
				return errors.Errorf("directory \"%s\" exists but is not empty", dir)
			}
		}
	}
	n := node.New(nc)
	if err := n.Start(); err != nil {
		return err
	}
	logger.Infof("initialized %s (dbid %d) in %s", nc.Name, nc.DbID, nc.DataDir)
	return n.Stop()
}
