package node

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/catalog"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/faultinject"
	"github.com/zhukovaskychina/xgp-server/server/storage/manager"
	"github.com/zhukovaskychina/xgp-server/server/storage/persistent"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
)

const (
	XLogDirName   = "pg_xlog"
	GlobalDirName = manager.GlobalTablespaceDirName
)

// Relation files initdb leaves in template1 and in pg_global.
var (
	bootstrapRelations = []basic.Oid{1247, 1249, 1255, 1259}
	globalRelations    = []basic.Oid{1213, 1260, 1262, 5009, 5033}
)

// ErrNodeDown is returned by requests to a crashed or closed node.
var ErrNodeDown = errors.New("node is down")

// IsDown reports whether err comes from a node that was down or went down
// while serving the request.
func IsDown(err error) bool {
	return err != nil && errors.Cause(err) == ErrNodeDown
}

// Config describes one instance: a coordinator or a segment primary,
// optionally with a mirror it forwards physical changes to.
type Config struct {
	Name          string
	DbID          basic.DbID
	ContentID     int
	Coordinator   bool
	DataDir       string
	MirrorDbID    basic.DbID
	MirrorDataDir string
	Owner         string

	Capacities    manager.Capacities
	XLog          xlog.Options
	PathCacheSize int64
	// Faults survives restarts so tests can arm a point before a crash and
	// inspect it afterwards.
	Faults *faultinject.Injector
}

// Node 一个实例：持久化对象层、目录和控制文件。
// 致命错误会把节点标记为崩溃，由集群的监督者重启
type Node struct {
	cfg Config

	mu      sync.RWMutex
	wal     *xlog.Manager
	storage *manager.Storage
	catalog *catalog.Catalog
	up      bool
	crashes int

	oidMu   sync.Mutex
	nextOid basic.Oid

	sessMu   sync.Mutex
	sessions map[basic.Oid]int
}

func New(cfg Config) *Node {
	if cfg.Capacities == (manager.Capacities{}) {
		cfg.Capacities = manager.DefaultCapacities()
	}
	if cfg.PathCacheSize == 0 {
		cfg.PathCacheSize = 1024
	}
	if cfg.Owner == "" {
		cfg.Owner = "gpadmin"
	}
	return &Node{cfg: cfg, sessions: make(map[basic.Oid]int)}
}

func (n *Node) Name() string {
	return n.cfg.Name
}

func (n *Node) Config() Config {
	return n.cfg
}

func (n *Node) controlPath() string {
	return filepath.Join(n.cfg.DataDir, GlobalDirName, xlog.ControlFileName)
}

// Start initialises the data directory when it has no control file and
// otherwise recovers from the last checkpoint.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.up {
		return nil
	}
	ctl, err := xlog.ReadControlFile(n.controlPath())
	switch {
	case os.IsNotExist(errors.Cause(err)):
		err = n.initdb()
	case err == nil:
		err = n.recover(ctl)
	}
	if err != nil {
		if n.wal != nil {
			n.wal.Crash()
		}
		n.closeLocked()
		return errors.Wrapf(err, "start %s", n.cfg.Name)
	}
	n.up = true
	logger.Infof("%s (dbid %d) is ready", n.cfg.Name, n.cfg.DbID)
	return nil
}

// open builds the storage stack on top of the data directory.
func (n *Node) open() error {
	wal, err := xlog.Open(filepath.Join(n.cfg.DataDir, XLogDirName), n.cfg.XLog)
	if err != nil {
		return err
	}
	n.wal = wal
	globalDir := filepath.Join(n.cfg.DataDir, GlobalDirName)
	stores := make([]*persistent.Store, 0, len(basic.AllKinds))
	for _, kind := range basic.AllKinds {
		st, err := persistent.OpenStore(globalDir, kind)
		if err != nil {
			return err
		}
		stores = append(stores, st)
	}
	if n.catalog, err = catalog.Open(filepath.Join(globalDir, catalog.SnapshotFileName)); err != nil {
		return err
	}
	paths, err := manager.NewPathCache(n.cfg.PathCacheSize)
	if err != nil {
		return err
	}
	env := &manager.Env{
		Shmem:  manager.NewSharedMemory(n.cfg.Capacities),
		Engine: persistent.NewEngine(wal, stores...),
		WAL:    wal,
		Faults: n.cfg.Faults,
		Paths:  paths,
		Identity: manager.Identity{
			DbID:          n.cfg.DbID,
			MirrorDbID:    n.cfg.MirrorDbID,
			DataDir:       n.cfg.DataDir,
			MirrorDataDir: n.cfg.MirrorDataDir,
			Coordinator:   n.cfg.Coordinator,
		},
	}
	n.storage, err = manager.NewStorage(env, n.catalog, filepath.Join(n.cfg.DataDir, manager.TwoPhaseDirName))
	return err
}

// layout creates the bootstrap directories and relation files under dir.
func layout(dir string) error {
	template := filepath.Join(dir, manager.DefaultTablespaceDirName, "1")
	global := filepath.Join(dir, GlobalDirName)
	for _, d := range []string{template, global} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return errors.Wrapf(err, "create %s", d)
		}
	}
	for _, rel := range bootstrapRelations {
		if err := os.WriteFile(filepath.Join(template, manager.RelationFileName(rel, 0)), nil, 0600); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, rel := range globalRelations {
		if err := os.WriteFile(filepath.Join(global, manager.RelationFileName(rel, 0)), nil, 0600); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (n *Node) initdb() error {
	logger.Infof("initializing data directory %s", n.cfg.DataDir)
	dirs := []string{n.cfg.DataDir}
	if n.cfg.MirrorDataDir != "" {
		dirs = append(dirs, n.cfg.MirrorDataDir)
	}
	for _, d := range dirs {
		if err := layout(d); err != nil {
			return err
		}
	}
	if err := n.open(); err != nil {
		return err
	}
	shm := n.storage.Env.Shmem
	shm.SetBeforePersistenceWork(true)
	if _, err := n.storage.BuildPersistentCatalog(); err != nil {
		return err
	}
	shm.SetBeforePersistenceWork(false)

	entries := []catalog.FilespaceEntry{{Filespace: basic.SystemFilespaceOid, DbID: n.cfg.DbID, Location: n.cfg.DataDir}}
	if n.cfg.MirrorDataDir != "" {
		entries = append(entries, catalog.FilespaceEntry{
			Filespace: basic.SystemFilespaceOid, DbID: n.cfg.MirrorDbID, Location: n.cfg.MirrorDataDir,
		})
	}
	n.catalog.Bootstrap(entries, n.cfg.Owner)
	n.nextOid = basic.FirstNormalObjectId
	return n.checkpointLocked(xlog.DBInProduction)
}

func (n *Node) recover(ctl *xlog.ControlFile) error {
	if ctl.State != xlog.DBShutdowned {
		logger.Warnf("%s was not shut down cleanly (%s), starting crash recovery", n.cfg.Name, ctl.State)
	}
	if err := n.open(); err != nil {
		return err
	}
	ctl.State = xlog.DBInCrashRecovery
	if err := xlog.WriteControlFile(n.controlPath(), ctl); err != nil {
		return err
	}
	stats, err := n.storage.Recover(ctl.CheckpointLSN)
	if err != nil {
		return err
	}
	if ctl.NextXid > 0 {
		n.storage.Tx.ObserveXid(ctl.NextXid - 1)
	}
	n.nextOid = ctl.NextOid
	n.observeOid(n.catalog.MaxOid())
	for _, mgr := range n.storage.Managers() {
		for _, e := range mgr.Entries() {
			switch e.Name.Kind {
			case basic.KindFilespaceDir, basic.KindTablespaceDir:
				n.observeOid(e.Name.Oid)
			case basic.KindDatabaseDir:
				n.observeOid(e.Name.DbDir.Database)
			case basic.KindRelationFile:
				n.observeOid(e.Name.Rel.Relation)
			}
		}
	}
	logger.Infof("%s recovered: %d records, %d committed, %d aborted, %d prepared, %d objects finished",
		n.cfg.Name, stats.Records, stats.Committed, stats.Aborted, stats.Prepared, stats.Finished)
	return n.checkpointLocked(xlog.DBInProduction)
}

// checkpointLocked writes a checkpoint; the catalog snapshot and control
// file are written at the same redo point.
func (n *Node) checkpointLocked(state xlog.DBState) error {
	_, err := n.storage.Checkpoint(func(redo xlog.LSN) error {
		if err := n.catalog.WriteSnapshot(); err != nil {
			return err
		}
		n.oidMu.Lock()
		next := n.nextOid
		n.oidMu.Unlock()
		return xlog.WriteControlFile(n.controlPath(), &xlog.ControlFile{
			State:         state,
			CheckpointLSN: redo,
			NextXid:       n.storage.Tx.NextXid(),
			NextOid:       next,
		})
	})
	return err
}

func (n *Node) Checkpoint() error {
	return n.Run(func() error {
		return n.checkpointLocked(xlog.DBInProduction)
	})
}

// Run executes a request against the node. A fatal error or a simulated
// crash takes the node down: memory may no longer match the durable state.
func (n *Node) Run(fn func() error) (err error) {
	n.mu.RLock()
	if !n.up {
		n.mu.RUnlock()
		return errors.Wrap(ErrNodeDown, n.cfg.Name)
	}
	crash := faultinject.RecoverCrash(func() { err = fn() })
	n.mu.RUnlock()
	if crash != nil {
		logger.Errorf("%s: %s", n.cfg.Name, crash)
		n.Crash()
		return errors.Wrapf(ErrNodeDown, "%s: %s", n.cfg.Name, crash)
	}
	if basic.IsFatal(err) {
		logger.Errorf("%s: fatal error, node goes down: %v", n.cfg.Name, err)
		n.Crash()
	}
	return err
}

// Up reports whether the node accepts requests.
func (n *Node) Up() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.up
}

func (n *Node) Crashes() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.crashes
}

// Crash stops the node the way a power loss would: unflushed XLOG and all
// in-memory state are lost.
func (n *Node) Crash() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.up {
		return
	}
	n.wal.Crash()
	n.closeLocked()
	n.crashes++
	logger.Warnf("%s crashed", n.cfg.Name)
}

// Stop writes a shutdown checkpoint and closes the node.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.up {
		return nil
	}
	err := n.checkpointLocked(xlog.DBShutdowned)
	if cerr := n.wal.Close(); err == nil {
		err = cerr
	}
	n.closeLocked()
	return err
}

func (n *Node) closeLocked() {
	if n.storage != nil {
		n.storage.Env.Paths.Close()
	}
	n.up = false
	n.wal, n.storage, n.catalog = nil, nil, nil
	n.sessMu.Lock()
	n.sessions = make(map[basic.Oid]int)
	n.sessMu.Unlock()
}

// Storage and Catalog are valid inside Run.
func (n *Node) Storage() *manager.Storage {
	return n.storage
}

func (n *Node) Catalog() *catalog.Catalog {
	return n.catalog
}

func (n *Node) Faults() *faultinject.Injector {
	return n.cfg.Faults
}

// NextOid hands out an oid for a new object. The coordinator allocates and
// segments reuse its choice, see ObserveOid.
func (n *Node) NextOid() basic.Oid {
	n.oidMu.Lock()
	defer n.oidMu.Unlock()
	oid := n.nextOid
	n.nextOid++
	return oid
}

func (n *Node) ObserveOid(oid basic.Oid) {
	n.oidMu.Lock()
	defer n.oidMu.Unlock()
	n.observeOidLocked(oid)
}

func (n *Node) observeOid(oid basic.Oid) {
	n.oidMu.Lock()
	n.observeOidLocked(oid)
	n.oidMu.Unlock()
}

func (n *Node) observeOidLocked(oid basic.Oid) {
	if oid >= n.nextOid {
		n.nextOid = oid + 1
	}
	if n.nextOid < basic.FirstNormalObjectId {
		n.nextOid = basic.FirstNormalObjectId
	}
}

// Connect opens a session on database dbOid.
func (n *Node) Connect(dbOid basic.Oid) error {
	return n.Run(func() error {
		db, ok := n.catalog.Database(basic.InvalidXid, dbOid)
		if !ok {
			return basic.NewSQLError(pgerrcode.InvalidCatalogName, "database with oid %d does not exist", dbOid)
		}
		if !db.AllowConn {
			return basic.NewSQLError(pgerrcode.ObjectNotInPrerequisiteState, "database \"%s\" is not currently accepting connections", db.Name)
		}
		n.sessMu.Lock()
		defer n.sessMu.Unlock()
		if db.ConnLimit >= 0 && n.sessions[dbOid] >= db.ConnLimit {
			return basic.NewSQLError(pgerrcode.TooManyConnections, "too many connections for database \"%s\"", db.Name)
		}
		n.sessions[dbOid]++
		return nil
	})
}

func (n *Node) Disconnect(dbOid basic.Oid) {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	if n.sessions[dbOid] > 1 {
		n.sessions[dbOid]--
		return
	}
	delete(n.sessions, dbOid)
}

// Sessions counts open sessions on dbOid.
func (n *Node) Sessions(dbOid basic.Oid) int {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	return n.sessions[dbOid]
}
