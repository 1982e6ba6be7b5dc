package manager

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

// RecoveryStats summarises one crash recovery.
type RecoveryStats struct {
	Records   int
	Committed int
	Aborted   int
	Prepared  int
	// objects whose create or drop was finished after replay
	Finished int
	MaxXid   basic.Xid
}

type committedXact struct {
	xid     basic.Xid
	creates []PendingCreate
	deletes []PendingDelete
}

type recovery struct {
	s        *Storage
	stats    RecoveryStats
	states   map[string]*twoPhaseState
	finished map[string]bool
	// 按提交顺序
	committed     []committedXact
	committedXids map[basic.Xid]bool
}

// Recover replays the XLOG from redo and then finishes what crashed
// transactions left behind. It expects empty shared-memory tables; they are
// rebuilt from the persistent stores once replay brought those up to date.
func (s *Storage) Recover(redo xlog.LSN) (*RecoveryStats, error) {
	states, err := s.Tx.loadStates()
	if err != nil {
		return nil, err
	}
	r := &recovery{
		s:             s,
		states:        states,
		finished:      make(map[string]bool),
		committedXids: make(map[basic.Xid]bool),
	}
	logger.Infof("redo starts at LSN %d", redo)
	if err := s.Env.WAL.ReadFrom(redo, r.redo); err != nil {
		return nil, errors.Wrap(err, "replay")
	}
	logger.Infof("redo done, %d records replayed", r.stats.Records)

	for gid := range r.finished {
		if st, ok := r.states[gid]; ok {
			if err := s.Tx.removeState(st.xid); err != nil {
				return nil, err
			}
			delete(r.states, gid)
		}
	}
	s.Tx.restorePrepared(r.states)
	r.stats.Prepared = len(r.states)

	for _, mgr := range s.Managers() {
		if err := s.Env.Engine.Init(mgr); err != nil {
			return nil, err
		}
	}
	s.Env.Paths.Clear()

	if err := r.finish(); err != nil {
		return nil, err
	}
	for _, st := range r.states {
		if st.xid > r.stats.MaxXid {
			r.stats.MaxXid = st.xid
		}
	}
	s.Tx.ObserveXid(r.stats.MaxXid)
	return &r.stats, nil
}

func (r *recovery) redo(rec *xlog.Record) error {
	r.stats.Records++
	if rec.Xid > r.stats.MaxXid {
		r.stats.MaxXid = rec.Xid
	}
	switch rec.Rmgr {
	case xlog.RmPersistent:
		_, err := r.s.Env.Engine.Redo(rec)
		return err
	case xlog.RmFilespace, xlog.RmTablespace, xlog.RmDatabase, xlog.RmSmgr:
		return RedoPhysical(rec)
	case xlog.RmXact:
		return r.redoXact(rec)
	case xlog.RmXlog:
		return nil
	}
	return errors.Errorf("unknown resource manager in %s", rec)
}

func (r *recovery) redoXact(rec *xlog.Record) error {
	switch rec.Info {
	case xlog.XLOG_XACT_COMMIT:
		return r.redoCommit(rec.Xid, rec.Data, 0)
	case xlog.XLOG_XACT_COMMIT_PREPARED:
		cursor, gid, err := util.ReadString(rec.Data, 0)
		if err != nil {
			return errors.Wrapf(err, "decode %s", rec)
		}
		r.finished[gid] = true
		return r.redoCommit(rec.Xid, rec.Data, cursor)
	case xlog.XLOG_XACT_ABORT:
		r.stats.Aborted++
		r.s.Tx.discardCatalog(rec.Xid)
		return nil
	case xlog.XLOG_XACT_ABORT_PREPARED:
		_, gid, err := util.ReadString(rec.Data, 0)
		if err != nil {
			return errors.Wrapf(err, "decode %s", rec)
		}
		r.finished[gid] = true
		r.stats.Aborted++
		r.s.Tx.discardCatalog(rec.Xid)
		return nil
	case xlog.XLOG_XACT_PREPARE:
		_, gid, err := util.ReadString(rec.Data, 0)
		if err != nil {
			return errors.Wrapf(err, "decode %s", rec)
		}
		if _, ok := r.states[gid]; !ok {
			logger.Warnf("prepared transaction '%s' (xid %d) has no state file", gid, rec.Xid)
		}
		return nil
	}
	return errors.Errorf("unknown transaction record %s", rec)
}

func (r *recovery) redoCommit(xid basic.Xid, data []byte, cursor int) error {
	cursor, lists, err := decodeLists(data, cursor)
	if err != nil {
		return errors.Wrapf(err, "decode commit record of transaction %d", xid)
	}
	_, payload, err := util.ReadLenBytes(data, cursor)
	if err != nil {
		return errors.Wrapf(err, "decode commit record of transaction %d", xid)
	}
	if r.s.Tx.catalog != nil {
		if err := r.s.Tx.catalog.Apply(xid, payload); err != nil {
			return errors.Wrapf(err, "redo catalog changes of transaction %d", xid)
		}
	}
	r.committed = append(r.committed, committedXact{xid: xid, creates: lists.allCreates(), deletes: lists.flatDeletes()})
	r.committedXids[xid] = true
	r.stats.Committed++
	return nil
}

// finish completes committed transactions whose hooks never ran, then
// settles every object still in a transient state: drops and aborted creates
// are removed and freed, creates of transactions that neither committed nor
// prepared are aborted.
func (r *recovery) finish() error {
	s := r.s
	for _, c := range r.committed {
		for _, p := range c.creates {
			if err := s.ByKind(p.Name.Kind).Created(p.Name, p.Tid, p.SerialNum, true); err != nil {
				return err
			}
		}
		for i := len(c.deletes) - 1; i >= 0; i-- {
			if !c.deletes[i].AtCommit {
				continue
			}
			if err := s.FSO.finishDrop(c.xid, c.deletes[i], true, true); err != nil {
				return errors.Wrapf(err, "finish drop of committed transaction %d", c.xid)
			}
		}
	}

	prepared := make(map[basic.Xid]bool, len(r.states))
	for _, st := range r.states {
		prepared[st.xid] = true
	}
	for i := len(basic.AllKinds) - 1; i >= 0; i-- {
		mgr := s.ByKind(basic.AllKinds[i])
		entries := mgr.Entries()
		sort.Slice(entries, func(a, b int) bool { return entries[a].SerialNum < entries[b].SerialNum })
		for _, e := range entries {
			p := PendingDelete{Name: e.Name, Tid: e.Tid, SerialNum: e.SerialNum}
			var err error
			switch e.State {
			case basic.StateDropPending:
				p.AtCommit = true
				err = s.FSO.finishDrop(e.ParentXid, p, true, true)
			case basic.StateAbortingCreate:
				err = s.FSO.finishDrop(e.ParentXid, p, false, true)
			case basic.StateCreatePending:
				switch {
				case r.committedXids[e.ParentXid]:
					err = mgr.Created(e.Name, e.Tid, e.SerialNum, true)
				case prepared[e.ParentXid]:
					continue
				default:
					logger.Infof("aborting create of %s left by transaction %d", e.Name, e.ParentXid)
					err = s.FSO.finishDrop(e.ParentXid, p, false, true)
				}
			default:
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "finish %s", e.Name)
			}
			r.stats.Finished++
		}
	}
	return nil
}
