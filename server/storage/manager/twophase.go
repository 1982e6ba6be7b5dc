package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

// TwoPhaseDirName is the directory of prepared-transaction state files,
// relative to the data directory.
const TwoPhaseDirName = "pg_twophase"

// twoPhaseState is everything COMMIT/ROLLBACK PREPARED needs. It is written
// snappy-compressed to pg_twophase/<xid in hex>:
// GID XID(4) LISTS PAYLOAD
type twoPhaseState struct {
	gid     string
	xid     basic.Xid
	lists   *PendingLists
	payload []byte
}

func (st *twoPhaseState) encode() []byte {
	buf := util.WriteString(nil, st.gid)
	buf = util.WriteUB4(buf, uint32(st.xid))
	buf = encodeLists(buf, st.lists.allCreates(), st.lists.flatDeletes())
	buf = util.WriteLenBytes(buf, st.payload)
	return snappy.Encode(nil, buf)
}

func decodeTwoPhaseState(data []byte) (*twoPhaseState, error) {
	buf, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "decompress two-phase state")
	}
	st := &twoPhaseState{}
	cursor, gid, err := util.ReadString(buf, 0)
	if err != nil {
		return nil, err
	}
	st.gid = gid
	if len(buf) < cursor+4 {
		return nil, errors.WithStack(util.ErrShortBuffer)
	}
	cursor, xid := util.ReadUB4(buf, cursor)
	st.xid = basic.Xid(xid)
	cursor, st.lists, err = decodeLists(buf, cursor)
	if err != nil {
		return nil, err
	}
	if _, st.payload, err = util.ReadLenBytes(buf, cursor); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *TransactionManager) statePath(xid basic.Xid) string {
	return filepath.Join(m.twoPhaseDir, fmt.Sprintf("%08X", uint32(xid)))
}

func (m *TransactionManager) writeState(st *twoPhaseState) error {
	if err := util.WriteFileAtomic(m.statePath(st.xid), st.encode()); err != nil {
		return errors.Wrapf(err, "write two-phase state of '%s'", st.gid)
	}
	return nil
}

func (m *TransactionManager) readState(xid basic.Xid) (*twoPhaseState, error) {
	data, err := os.ReadFile(m.statePath(xid))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	st, err := decodeTwoPhaseState(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", m.statePath(xid))
	}
	if st.xid != xid {
		return nil, errors.Errorf("%s holds transaction %d", m.statePath(xid), st.xid)
	}
	return st, nil
}

func (m *TransactionManager) removeState(xid basic.Xid) error {
	err := os.Remove(m.statePath(xid))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// loadStates reads every state file. Leftover temporary files from an
// interrupted write are removed.
func (m *TransactionManager) loadStates() (map[string]*twoPhaseState, error) {
	names, err := util.ListFiles(m.twoPhaseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", m.twoPhaseDir)
	}
	out := make(map[string]*twoPhaseState)
	for _, name := range names {
		xid, err := strconv.ParseUint(name, 16, 32)
		if err != nil {
			logger.Warnf("removing stray file \"%s\" in %s", name, m.twoPhaseDir)
			if err := os.Remove(filepath.Join(m.twoPhaseDir, name)); err != nil {
				return nil, errors.WithStack(err)
			}
			continue
		}
		st, err := m.readState(basic.Xid(xid))
		if err != nil {
			return nil, err
		}
		out[st.gid] = st
	}
	return out, nil
}

// restorePrepared registers the transactions still prepared after recovery.
func (m *TransactionManager) restorePrepared(states map[string]*twoPhaseState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gid, st := range states {
		m.prepared[gid] = st.xid
		if st.xid >= m.nextXid {
			m.nextXid = st.xid + 1
		}
	}
}
