package manager

import (
	"os"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

// Storage 一个节点上的持久化文件系统对象层：四个类型管理器、
// 主镜像文件操作和事务管理器，启动时创建一次
type Storage struct {
	Env *Env

	Filespaces  *FilespaceManager
	Tablespaces *TablespaceManager
	Databases   *DatabaseManager
	Relations   *RelationManager

	FSO *MirroredFSO
	Tx  *TransactionManager
}

func NewStorage(env *Env, catalog CatalogHook, twoPhaseDir string) (*Storage, error) {
	if err := os.MkdirAll(twoPhaseDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create %s", twoPhaseDir)
	}
	s := &Storage{Env: env}
	s.Filespaces = NewFilespaceManager(env)
	s.Tablespaces = NewTablespaceManager(env, s.Filespaces)
	s.Databases = NewDatabaseManager(env, s.Tablespaces)
	s.Relations = NewRelationManager(env, s.Databases)
	s.FSO = &MirroredFSO{s: s}
	s.Tx = newTransactionManager(s, catalog, twoPhaseDir)
	return s, nil
}

// ByKind returns the manager of kind.
func (s *Storage) ByKind(kind basic.ObjKind) ObjManager {
	switch kind {
	case basic.KindFilespaceDir:
		return s.Filespaces
	case basic.KindTablespaceDir:
		return s.Tablespaces
	case basic.KindDatabaseDir:
		return s.Databases
	case basic.KindRelationFile:
		return s.Relations
	}
	panic(errors.Errorf("no persistent manager for %s", kind))
}

// Managers returns every manager in lock order.
func (s *Storage) Managers() []ObjManager {
	out := make([]ObjManager, 0, len(basic.AllKinds))
	for _, kind := range basic.AllKinds {
		out = append(out, s.ByKind(kind))
	}
	return out
}

// Checkpoint writes every dirty persistent slot and logs a checkpoint
// record. It returns the LSN replay has to start from. persist runs under
// the same exclusion and writes whatever else has to match that LSN.
func (s *Storage) Checkpoint(persist func(redo xlog.LSN) error) (xlog.LSN, error) {
	var redo xlog.LSN
	err := s.Tx.CheckpointLock(func() error {
		guard := s.Env.Shmem.ObjLock.LockExclusive()
		redo = s.Env.WAL.NextLSN()
		_, err := s.Env.WAL.InsertAndFlush(xlog.RmXlog, xlog.XLOG_CHECKPOINT,
			&xlog.Record{Data: util.WriteUB8(nil, uint64(redo))})
		if err == nil {
			for _, kind := range basic.AllKinds {
				if err = s.Env.Engine.Store(kind).Checkpoint(s.Env.WAL); err != nil {
					break
				}
			}
		}
		guard.Unlock()
		if err != nil {
			return errors.Wrap(err, "checkpoint persistent stores")
		}
		if persist != nil {
			if err := persist(redo); err != nil {
				return err
			}
		}
		return s.Env.WAL.RemoveSegmentsBefore(redo)
	})
	if err != nil {
		return 0, err
	}
	logger.Infof("checkpoint complete, redo LSN %d", redo)
	return redo, nil
}
