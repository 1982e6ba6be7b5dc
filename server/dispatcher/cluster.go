// Package dispatcher runs DDL across the coordinator and every segment in one
// distributed transaction, and restarts nodes that went down.
package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/commands"
	"github.com/zhukovaskychina/xgp-server/server/node"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
)

// Cluster owns the coordinator and one node per segment primary.
type Cluster struct {
	coordinator *node.Node
	segments    []*node.Node

	// ddlMu serialises distributed statements and in-doubt resolution.
	ddlMu     sync.Mutex
	workers   int
	pool      gxsync.GenericTaskPool
	decisions *decisionLog
}

// NewCluster builds the nodes of a cluster; nothing touches disk until Start.
func NewCluster(coordinator node.Config, segments []node.Config, workers int) *Cluster {
	c := &Cluster{
		coordinator: node.New(coordinator),
		workers:     workers,
	}
	for _, cfg := range segments {
		c.segments = append(c.segments, node.New(cfg))
	}
	return c
}

func (c *Cluster) Coordinator() *node.Node {
	return c.coordinator
}

func (c *Cluster) Segments() []*node.Node {
	return c.segments
}

func (c *Cluster) nodes() []*node.Node {
	return append([]*node.Node{c.coordinator}, c.segments...)
}

// Start boots every node in parallel, then finishes distributed
// transactions a previous run left prepared.
func (c *Cluster) Start(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, n := range c.nodes() {
		n := n
		g.Go(func() error {
			return jerrors.Annotatef(n.Start(), "start %s", n.Name())
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	decisions, err := openDecisionLog(filepath.Join(c.coordinator.Config().DataDir, DecisionLogFileName))
	if err != nil {
		return err
	}
	c.ddlMu.Lock()
	defer c.ddlMu.Unlock()
	c.decisions = decisions
	if c.pool == nil {
		c.pool = gxsync.NewTaskPoolSimple(c.workers)
	}
	return c.healLocked()
}

// Stop shuts every node down with a checkpoint.
func (c *Cluster) Stop() error {
	c.ddlMu.Lock()
	defer c.ddlMu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	c.decisions = nil
	var first error
	for _, n := range c.nodes() {
		if err := n.Stop(); err != nil {
			logger.Errorf("stop %s: %v", n.Name(), err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// forEachSegment runs fn on every segment through the worker pool and
// returns the per-segment errors.
func (c *Cluster) forEachSegment(fn func(seg *node.Node) error) []error {
	errs := make([]error, len(c.segments))
	var wg sync.WaitGroup
	for i, seg := range c.segments {
		i, seg := i, seg
		wg.Add(1)
		c.pool.AddTaskAlways(func() {
			defer wg.Done()
			errs[i] = fn(seg)
		})
	}
	wg.Wait()
	return errs
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// prepareLocal runs stmt on n in a new transaction and prepares it as gid.
// Any failure aborts the local transaction.
func prepareLocal(n *node.Node, stmt commands.Stmt, gid string, beforePrepare string) error {
	return n.Run(func() error {
		st := n.Storage()
		tx := st.Tx.Begin()
		err := commands.Execute(&commands.Context{Node: n, Tx: tx}, stmt)
		if err == nil && beforePrepare != "" {
			if err = n.Faults().Check(beforePrepare); err != nil {
				err = jerrors.Annotatef(err, "prepare '%s' on %s", gid, n.Name())
			}
		}
		if err != nil {
			if aerr := st.Tx.Abort(tx); aerr != nil {
				logger.Errorf("%s: abort of '%s' failed: %v", n.Name(), gid, aerr)
				return jerrors.Trace(aerr)
			}
			return err
		}
		return jerrors.Trace(st.Tx.Prepare(tx, gid))
	})
}

func finishPrepared(n *node.Node, gid string, commit bool) error {
	return n.Run(func() error {
		if commit {
			return jerrors.Trace(n.Storage().Tx.CommitPrepared(gid))
		}
		return jerrors.Trace(n.Storage().Tx.RollbackPrepared(gid))
	})
}

// Exec runs stmt as one distributed transaction: the coordinator and every
// segment prepare it, the decision is logged, then every participant
// commits. A failure before the decision rolls all participants back.
func (c *Cluster) Exec(ctx context.Context, stmt commands.Stmt, inBlock bool) error {
	if err := commands.PreventInTransactionBlock(inBlock, stmt); err != nil {
		return err
	}
	c.ddlMu.Lock()
	defer c.ddlMu.Unlock()
	if c.decisions == nil {
		return jerrors.Errorf("cluster is not started")
	}

	var gid string
	coord := c.coordinator
	err := coord.Run(func() error {
		stmt.AssignOids(coord.NextOid)
		gid = fmt.Sprintf("dtx-%d-%d", coord.Config().DbID, coord.Storage().Tx.NextXid())
		return nil
	})
	if err != nil {
		return jerrors.Trace(err)
	}
	if err := prepareLocal(coord, stmt, gid, ""); err != nil {
		if herr := c.healLocked(); herr != nil {
			logger.Errorf("heal after failed %s: %v", stmt.Tag(), herr)
		}
		return err
	}

	errs := c.forEachSegment(func(seg *node.Node) error {
		if err := ctx.Err(); err != nil {
			return jerrors.Trace(err)
		}
		return prepareLocal(seg, stmt, gid, faultinject.SegmentBeforePrepare)
	})
	if err := firstError(errs); err != nil {
		logger.Warnf("%s '%s' failed on a segment, rolling back: %v", stmt.Tag(), gid, err)
		c.abortPrepared(gid)
		return err
	}

	if err := c.decisions.commit(gid); err != nil {
		c.abortPrepared(gid)
		return jerrors.Annotatef(err, "log commit decision of '%s'", gid)
	}
	logger.Debugf("%s '%s' prepared on %d nodes, committing", stmt.Tag(), gid, len(c.segments)+1)

	failed := false
	err = coord.Run(func() error {
		if err := coord.Faults().Check(faultinject.BeforeCommitPreparedDispatch); err != nil {
			return jerrors.Annotatef(err, "dispatch COMMIT PREPARED '%s'", gid)
		}
		return jerrors.Trace(coord.Storage().Tx.CommitPrepared(gid))
	})
	if err != nil {
		logger.Warnf("coordinator could not finish '%s': %v", gid, err)
		failed = true
	} else {
		for i, err := range c.forEachSegment(func(seg *node.Node) error { return finishPrepared(seg, gid, true) }) {
			if err != nil {
				logger.Warnf("%s could not finish '%s': %v", c.segments[i].Name(), gid, err)
				failed = true
			}
		}
	}
	if failed {
		// the decision is logged, whoever missed it finishes on restart
		if herr := c.healLocked(); herr != nil {
			logger.Errorf("'%s' committed but is still in doubt: %v", gid, herr)
		}
		return nil
	}
	return c.decisions.forget(gid)
}

// abortPrepared rolls gid back wherever it got prepared.
func (c *Cluster) abortPrepared(gid string) {
	for _, n := range c.nodes() {
		if !n.Up() {
			continue
		}
		err := n.Run(func() error {
			for _, g := range n.Storage().Tx.PreparedGIDs() {
				if g == gid {
					return jerrors.Trace(n.Storage().Tx.RollbackPrepared(gid))
				}
			}
			return nil
		})
		if err != nil {
			logger.Errorf("%s: rollback of '%s' failed: %v", n.Name(), gid, err)
		}
	}
	if err := c.healLocked(); err != nil {
		logger.Errorf("heal after rollback of '%s': %v", gid, err)
	}
}
