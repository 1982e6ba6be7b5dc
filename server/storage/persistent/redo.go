package persistent

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

// Redo applies one RmPersistent record during recovery. A slot already
// written by this record or a later one is left alone, so replaying the same
// log any number of times gives the same store.
func (e *Engine) Redo(rec *xlog.Record) (basic.StateChangeResult, error) {
	if rec.Rmgr != xlog.RmPersistent {
		return basic.StateChangeNone, errors.Errorf("record %s is not a persistent record", rec)
	}
	tid, t, err := decodeTupleRecord(rec.Data)
	if err != nil {
		return basic.StateChangeNone, errors.Wrapf(err, "decode %s", rec)
	}
	s := e.stores[t.Kind]
	if s == nil {
		return basic.StateChangeNone, errors.Errorf("no persistent store for %s", t.Kind)
	}
	s.ObserveSerialNum(t.SerialNum)

	if s.SlotLSN(tid) >= rec.LSN {
		return basic.StateChangeAlreadyDone, nil
	}
	if rec.Info == xlog.XLOG_PERSISTENT_STATE_CHANGE {
		if cur, _, ok := s.Read(tid); ok && cur.SerialNum == t.SerialNum && cur.State == t.State {
			return basic.StateChangeAlreadyDone, nil
		}
	}
	switch rec.Info {
	case xlog.XLOG_PERSISTENT_ADD_TUPLE, xlog.XLOG_PERSISTENT_STATE_CHANGE, xlog.XLOG_PERSISTENT_UPDATE_TUPLE:
	default:
		return basic.StateChangeNone, errors.Errorf("unknown persistent record info 0x%02x", rec.Info)
	}
	if err := s.Put(tid, t, rec.LSN); err != nil {
		return basic.StateChangeNone, err
	}
	logger.Debugf("redo LSN %d: %s at tid %s", rec.LSN, t, tid)
	return basic.StateChangeOk, nil
}
