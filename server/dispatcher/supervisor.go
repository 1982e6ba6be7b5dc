package dispatcher

import (
	"context"
	"time"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/node"
)

// Heal restarts nodes that went down and resolves in-doubt prepared
// transactions.
func (c *Cluster) Heal() error {
	c.ddlMu.Lock()
	defer c.ddlMu.Unlock()
	if c.decisions == nil {
		return jerrors.Errorf("cluster is not started")
	}
	return c.healLocked()
}

// healLocked 重启崩溃的节点（恢复会从持久化表重建共享内存），
// 然后按决定日志处理所有准备状态的事务：日志里有的提交，其余回滚
func (c *Cluster) healLocked() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, n := range c.nodes() {
		if n.Up() {
			continue
		}
		logger.Warnf("supervisor: restarting %s after %d crashes", n.Name(), n.Crashes())
		keep(jerrors.Annotatef(n.Start(), "restart %s", n.Name()))
	}

	inDoubt := make(map[string]bool)
	for _, n := range c.nodes() {
		if !n.Up() {
			for _, gid := range c.decisions.list() {
				inDoubt[gid] = true
			}
			continue
		}
		var gids []string
		if err := n.Run(func() error {
			gids = n.Storage().Tx.PreparedGIDs()
			return nil
		}); err != nil {
			keep(err)
			for _, gid := range c.decisions.list() {
				inDoubt[gid] = true
			}
			continue
		}
		for _, gid := range gids {
			keep(c.resolve(n, gid))
			if !n.Up() {
				inDoubt[gid] = true
				continue
			}
			prepared, err := c.stillPrepared(n, gid)
			if err != nil {
				logger.Warnf("supervisor: cannot check '%s' on %s: %v", gid, n.Name(), err)
				keep(err)
			}
			if prepared || err != nil {
				inDoubt[gid] = true
			}
		}
	}

	var done []string
	for _, gid := range c.decisions.list() {
		if !inDoubt[gid] {
			done = append(done, gid)
		}
	}
	keep(c.decisions.forget(done...))
	return first
}

func (c *Cluster) resolve(n *node.Node, gid string) error {
	commit := c.decisions.isCommitted(gid)
	if commit {
		logger.Infof("supervisor: committing prepared transaction '%s' on %s", gid, n.Name())
	} else {
		logger.Infof("supervisor: rolling back prepared transaction '%s' on %s", gid, n.Name())
	}
	return jerrors.Annotatef(finishPrepared(n, gid, commit), "resolve '%s' on %s", gid, n.Name())
}

func (c *Cluster) stillPrepared(n *node.Node, gid string) (bool, error) {
	found := false
	err := n.Run(func() error {
		for _, g := range n.Storage().Tx.PreparedGIDs() {
			found = found || g == gid
		}
		return nil
	})
	return found, jerrors.Trace(err)
}

// Supervise heals the cluster every interval until ctx is done.
func (c *Cluster) Supervise(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heal(); err != nil {
				logger.Errorf("supervisor: %v", err)
			}
		}
	}
}
