package xlog

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

// LSN is the sequence number of a record. LSNs start at 1 and increase by
// one per record; 0 means "no record".
type LSN uint64

// RmgrID names the resource manager that owns a record's redo.
type RmgrID uint8

const (
	RmXlog RmgrID = iota + 1
	RmXact
	RmPersistent
	RmFilespace
	RmTablespace
	RmDatabase
	RmSmgr
)

func (r RmgrID) String() string {
	switch r {
	case RmXlog:
		return "XLOG"
	case RmXact:
		return "Transaction"
	case RmPersistent:
		return "Persistent"
	case RmFilespace:
		return "Filespace"
	case RmTablespace:
		return "Tablespace"
	case RmDatabase:
		return "Database"
	case RmSmgr:
		return "Storage"
	}
	return fmt.Sprintf("rmgr(%d)", uint8(r))
}

// Record info codes, per resource manager.
const (
	XLOG_CHECKPOINT uint8 = 0x10

	XLOG_XACT_COMMIT          uint8 = 0x00
	XLOG_XACT_ABORT           uint8 = 0x20
	XLOG_XACT_PREPARE         uint8 = 0x10
	XLOG_XACT_COMMIT_PREPARED uint8 = 0x30
	XLOG_XACT_ABORT_PREPARED  uint8 = 0x40

	XLOG_PERSISTENT_ADD_TUPLE    uint8 = 0x00
	XLOG_PERSISTENT_STATE_CHANGE uint8 = 0x10
	XLOG_PERSISTENT_UPDATE_TUPLE uint8 = 0x20

	XLOG_FSPC_CREATE   uint8 = 0x00
	XLOG_FSPC_DROP     uint8 = 0x10
	XLOG_TBLSPC_CREATE uint8 = 0x00
	XLOG_TBLSPC_DROP   uint8 = 0x10
	XLOG_DBASE_CREATE  uint8 = 0x00
	XLOG_DBASE_DROP    uint8 = 0x10
	XLOG_SMGR_CREATE   uint8 = 0x10
	XLOG_SMGR_DROP     uint8 = 0x20
)

// Record is one write-ahead log entry.
type Record struct {
	LSN  LSN
	Rmgr RmgrID
	Info uint8
	Xid  basic.Xid
	Data []byte
}

/*
On-disk record:
────────────────────────────────────────────────────────────────────
| LSN (8) | LEN (4) | CRC (4) | RMGR (1) | INFO (1) | XID (4) | DATA |
────────────────────────────────────────────────────────────────────
LEN counts RMGR..DATA; CRC covers LSN and RMGR..DATA.
*/
const (
	recordHeaderSize = 16
	recordBodyHeader = 6
)

func (r *Record) encode() []byte {
	body := make([]byte, 0, recordBodyHeader+len(r.Data))
	body = util.WriteByte(body, byte(r.Rmgr))
	body = util.WriteByte(body, r.Info)
	body = util.WriteUB4(body, uint32(r.Xid))
	body = util.WriteBytes(body, r.Data)

	buf := make([]byte, 0, recordHeaderSize+len(body))
	buf = util.WriteUB8(buf, uint64(r.LSN))
	buf = util.WriteUB4(buf, uint32(len(body)))
	buf = util.WriteUB4(buf, recordCRC(r.LSN, body))
	return util.WriteBytes(buf, body)
}

func recordCRC(lsn LSN, body []byte) uint32 {
	return util.Checksum32(util.WriteUB8(nil, uint64(lsn)), body)
}

func decodeBody(lsn LSN, body []byte) (*Record, error) {
	if len(body) < recordBodyHeader {
		return nil, errors.Errorf("record at LSN %d too short (%d bytes)", lsn, len(body))
	}
	r := &Record{LSN: lsn}
	cursor, rmgr := util.ReadByte(body, 0)
	cursor, r.Info = util.ReadByte(body, cursor)
	cursor, xid := util.ReadUB4(body, cursor)
	r.Rmgr = RmgrID(rmgr)
	r.Xid = basic.Xid(xid)
	r.Data = append([]byte(nil), body[cursor:]...)
	return r, nil
}

func (r *Record) String() string {
	return fmt.Sprintf("LSN %d %s info 0x%02x xid %d len %d", r.LSN, r.Rmgr, r.Info, r.Xid, len(r.Data))
}
