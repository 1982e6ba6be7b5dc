package xlog

import (
	"os"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

const ControlFileName = "pg_control"

// DBState is the cluster state recorded in pg_control.
type DBState uint32

const (
	DBStartup DBState = iota
	DBShutdowned
	DBInCrashRecovery
	DBInProduction
)

func (s DBState) String() string {
	switch s {
	case DBStartup:
		return "starting up"
	case DBShutdowned:
		return "shut down"
	case DBInCrashRecovery:
		return "in crash recovery"
	case DBInProduction:
		return "in production"
	}
	return "unknown"
}

// ControlFile 对应 pg_control，记录最近的检查点以及下一个可分配的 xid/oid
type ControlFile struct {
	State         DBState
	CheckpointLSN LSN // 重放从检查点之后的第一条记录开始
	NextXid       basic.Xid
	NextOid       basic.Oid
}

const controlFileSize = 4 + 8 + 4 + 4 + 4

func (c *ControlFile) encode() []byte {
	buf := make([]byte, 0, controlFileSize)
	buf = util.WriteUB4(buf, uint32(c.State))
	buf = util.WriteUB8(buf, uint64(c.CheckpointLSN))
	buf = util.WriteUB4(buf, uint32(c.NextXid))
	buf = util.WriteUB4(buf, uint32(c.NextOid))
	return util.WriteUB4(buf, util.Checksum32(buf))
}

// ReadControlFile 读取 pg_control；文件不存在时返回 os.ErrNotExist
func ReadControlFile(path string) (*ControlFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != controlFileSize {
		return nil, errors.Errorf("control file %s has wrong size %d", path, len(data))
	}
	_, crc := util.ReadUB4(data, controlFileSize-4)
	if util.Checksum32(data[:controlFileSize-4]) != crc {
		return nil, errors.Errorf("incorrect checksum in control file %s", path)
	}
	c := &ControlFile{}
	cursor, state := util.ReadUB4(data, 0)
	cursor, lsn := util.ReadUB8(data, cursor)
	cursor, xid := util.ReadUB4(data, cursor)
	_, oid := util.ReadUB4(data, cursor)
	c.State = DBState(state)
	c.CheckpointLSN = LSN(lsn)
	c.NextXid = basic.Xid(xid)
	c.NextOid = basic.Oid(oid)
	return c, nil
}

func WriteControlFile(path string, c *ControlFile) error {
	return errors.Wrapf(util.WriteFileAtomic(path, c.encode()), "write control file %s", path)
}
