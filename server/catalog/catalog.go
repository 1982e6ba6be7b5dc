package catalog

import (
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SnapshotFileName lives in the global directory of a node.
const SnapshotFileName = "pg_catalog.json"

// Filespace is a pg_filespace row.
type Filespace struct {
	Oid   basic.Oid `json:"oid"`
	Name  string    `json:"fsname"`
	Owner string    `json:"fsowner"`
}

// FilespaceEntry is a pg_filespace_entry row: one location per dbid.
type FilespaceEntry struct {
	Filespace basic.Oid  `json:"fsefsoid"`
	DbID      basic.DbID `json:"fsedbid"`
	Location  string     `json:"fselocation"`
}

type Tablespace struct {
	Oid       basic.Oid `json:"oid"`
	Name      string    `json:"spcname"`
	Owner     string    `json:"spcowner"`
	Filespace basic.Oid `json:"spcfsoid"`
}

type Database struct {
	Oid        basic.Oid `json:"oid"`
	Name       string    `json:"datname"`
	Owner      string    `json:"datdba"`
	Tablespace basic.Oid `json:"dattablespace"`
	IsTemplate bool      `json:"datistemplate"`
	AllowConn  bool      `json:"datallowconn"`
	ConnLimit  int       `json:"datconnlimit"`
}

// tables holds every catalog relation. A published tables is never written
// again; changes go to a clone that replaces it.
type tables struct {
	Filespaces  map[basic.Oid]*Filespace        `json:"pg_filespace"`
	Entries     map[basic.Oid][]FilespaceEntry `json:"pg_filespace_entry"`
	Tablespaces map[basic.Oid]*Tablespace       `json:"pg_tablespace"`
	Databases   map[basic.Oid]*Database         `json:"pg_database"`
}

func newTables() *tables {
	return &tables{
		Filespaces:  make(map[basic.Oid]*Filespace),
		Entries:     make(map[basic.Oid][]FilespaceEntry),
		Tablespaces: make(map[basic.Oid]*Tablespace),
		Databases:   make(map[basic.Oid]*Database),
	}
}

func (t *tables) clone() *tables {
	out := newTables()
	for k, v := range t.Filespaces {
		out.Filespaces[k] = v
	}
	for k, v := range t.Entries {
		out.Entries[k] = v
	}
	for k, v := range t.Tablespaces {
		out.Tablespaces[k] = v
	}
	for k, v := range t.Databases {
		out.Databases[k] = v
	}
	return out
}

// 事务内暂存的修改
const (
	opInsertFilespace  = "insert_filespace"
	opDeleteFilespace  = "delete_filespace"
	opInsertTablespace = "insert_tablespace"
	opDeleteTablespace = "delete_tablespace"
	opInsertDatabase   = "insert_database"
	opDeleteDatabase   = "delete_database"
)

type mutation struct {
	Op         string           `json:"op"`
	Oid        basic.Oid        `json:"oid,omitempty"`
	Filespace  *Filespace       `json:"filespace,omitempty"`
	Entries    []FilespaceEntry `json:"entries,omitempty"`
	Tablespace *Tablespace      `json:"tablespace,omitempty"`
	Database   *Database        `json:"database,omitempty"`
}

func (m *mutation) apply(t *tables) {
	switch m.Op {
	case opInsertFilespace:
		t.Filespaces[m.Filespace.Oid] = m.Filespace
		t.Entries[m.Filespace.Oid] = m.Entries
	case opDeleteFilespace:
		delete(t.Filespaces, m.Oid)
		delete(t.Entries, m.Oid)
	case opInsertTablespace:
		t.Tablespaces[m.Tablespace.Oid] = m.Tablespace
	case opDeleteTablespace:
		delete(t.Tablespaces, m.Oid)
	case opInsertDatabase:
		t.Databases[m.Database.Oid] = m.Database
	case opDeleteDatabase:
		delete(t.Databases, m.Oid)
	}
}

// Catalog 节点本地的 pg_filespace / pg_filespace_entry / pg_tablespace /
// pg_database。事务的修改先暂存，只对该事务可见，提交时随提交记录一起应用
type Catalog struct {
	mu        sync.RWMutex
	committed *tables
	staged    map[basic.Xid][]mutation
	path      string
}

// Open loads the snapshot at path; a missing file gives an empty catalog.
func Open(path string) (*Catalog, error) {
	c := &Catalog{committed: newTables(), staged: make(map[basic.Xid][]mutation), path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read catalog %s", path)
	}
	t := newTables()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, errors.Wrapf(err, "decode catalog %s", path)
	}
	c.committed = t
	return c, nil
}

// Bootstrap fills an empty catalog with the objects initdb creates. It is
// not transactional.
func (c *Catalog) Bootstrap(entries []FilespaceEntry, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.committed.clone()
	defer func() { c.committed = t }()
	t.Filespaces[basic.SystemFilespaceOid] = &Filespace{Oid: basic.SystemFilespaceOid, Name: basic.SystemFilespaceName, Owner: owner}
	t.Entries[basic.SystemFilespaceOid] = entries
	t.Tablespaces[basic.DefaultTablespaceOid] = &Tablespace{
		Oid: basic.DefaultTablespaceOid, Name: basic.DefaultTablespaceName, Owner: owner, Filespace: basic.SystemFilespaceOid,
	}
	t.Tablespaces[basic.GlobalTablespaceOid] = &Tablespace{
		Oid: basic.GlobalTablespaceOid, Name: basic.GlobalTablespaceName, Owner: owner, Filespace: basic.SystemFilespaceOid,
	}
	t.Databases[basic.Template1DbOid] = &Database{
		Oid: basic.Template1DbOid, Name: basic.Template1DbName, Owner: owner,
		Tablespace: basic.DefaultTablespaceOid, IsTemplate: true, AllowConn: true, ConnLimit: -1,
	}
}

// view is what xid sees: the committed tables with its own staged changes
// on top. xid InvalidXid sees committed state only.
func (c *Catalog) view(xid basic.Xid) *tables {
	c.mu.RLock()
	defer c.mu.RUnlock()
	muts := c.staged[xid]
	if len(muts) == 0 {
		return c.committed
	}
	t := c.committed.clone()
	for i := range muts {
		muts[i].apply(t)
	}
	return t
}

func (c *Catalog) stage(xid basic.Xid, m mutation) {
	c.mu.Lock()
	c.staged[xid] = append(c.staged[xid], m)
	c.mu.Unlock()
}

func (c *Catalog) InsertFilespace(xid basic.Xid, fs Filespace, entries []FilespaceEntry) {
	c.stage(xid, mutation{Op: opInsertFilespace, Filespace: &fs, Entries: entries})
}

func (c *Catalog) DeleteFilespace(xid basic.Xid, oid basic.Oid) {
	c.stage(xid, mutation{Op: opDeleteFilespace, Oid: oid})
}

// InsertTablespace also serves ALTER TABLESPACE: an insert replaces the row
// with the same oid.
func (c *Catalog) InsertTablespace(xid basic.Xid, ts Tablespace) {
	c.stage(xid, mutation{Op: opInsertTablespace, Tablespace: &ts})
}

func (c *Catalog) DeleteTablespace(xid basic.Xid, oid basic.Oid) {
	c.stage(xid, mutation{Op: opDeleteTablespace, Oid: oid})
}

func (c *Catalog) InsertDatabase(xid basic.Xid, db Database) {
	c.stage(xid, mutation{Op: opInsertDatabase, Database: &db})
}

func (c *Catalog) DeleteDatabase(xid basic.Xid, oid basic.Oid) {
	c.stage(xid, mutation{Op: opDeleteDatabase, Oid: oid})
}

func (c *Catalog) FilespaceByName(xid basic.Xid, name string) (Filespace, bool) {
	for _, fs := range c.view(xid).Filespaces {
		if fs.Name == name {
			return *fs, true
		}
	}
	return Filespace{}, false
}

func (c *Catalog) FilespaceEntries(xid basic.Xid, oid basic.Oid) []FilespaceEntry {
	entries := c.view(xid).Entries[oid]
	out := make([]FilespaceEntry, len(entries))
	copy(out, entries)
	return out
}

func (c *Catalog) Tablespace(xid basic.Xid, oid basic.Oid) (Tablespace, bool) {
	ts, ok := c.view(xid).Tablespaces[oid]
	if !ok {
		return Tablespace{}, false
	}
	return *ts, true
}

func (c *Catalog) TablespaceByName(xid basic.Xid, name string) (Tablespace, bool) {
	for _, ts := range c.view(xid).Tablespaces {
		if ts.Name == name {
			return *ts, true
		}
	}
	return Tablespace{}, false
}

// TablespacesInFilespace returns the tablespaces stored in filespace oid,
// ordered by oid.
func (c *Catalog) TablespacesInFilespace(xid basic.Xid, oid basic.Oid) []Tablespace {
	var out []Tablespace
	for _, ts := range c.view(xid).Tablespaces {
		if ts.Filespace == oid {
			out = append(out, *ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Oid < out[j].Oid })
	return out
}

func (c *Catalog) Database(xid basic.Xid, oid basic.Oid) (Database, bool) {
	db, ok := c.view(xid).Databases[oid]
	if !ok {
		return Database{}, false
	}
	return *db, true
}

func (c *Catalog) DatabaseByName(xid basic.Xid, name string) (Database, bool) {
	for _, db := range c.view(xid).Databases {
		if db.Name == name {
			return *db, true
		}
	}
	return Database{}, false
}

// Databases returns every database ordered by oid.
func (c *Catalog) Databases(xid basic.Xid) []Database {
	t := c.view(xid)
	out := make([]Database, 0, len(t.Databases))
	for _, db := range t.Databases {
		out = append(out, *db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Oid < out[j].Oid })
	return out
}

// DatabasesUsingTablespace lists databases whose default tablespace is oid.
func (c *Catalog) DatabasesUsingTablespace(xid basic.Xid, oid basic.Oid) []Database {
	var out []Database
	for _, db := range c.Databases(xid) {
		if db.Tablespace == oid {
			out = append(out, db)
		}
	}
	return out
}

// MaxOid is the highest oid any catalog row uses.
func (c *Catalog) MaxOid() basic.Oid {
	t := c.view(basic.InvalidXid)
	var max basic.Oid
	for oid := range t.Filespaces {
		if oid > max {
			max = oid
		}
	}
	for oid := range t.Tablespaces {
		if oid > max {
			max = oid
		}
	}
	for oid := range t.Databases {
		if oid > max {
			max = oid
		}
	}
	return max
}

// StagedPayload encodes the changes xid staged, nil when there are none.
func (c *Catalog) StagedPayload(xid basic.Xid) ([]byte, error) {
	c.mu.RLock()
	muts := c.staged[xid]
	c.mu.RUnlock()
	if len(muts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(muts)
	return data, errors.Wrapf(err, "encode catalog changes of transaction %d", xid)
}

// Apply makes the changes in payload committed. Redo calls it with the
// payload of a commit record; applying a payload twice gives the same rows.
func (c *Catalog) Apply(xid basic.Xid, payload []byte) error {
	var muts []mutation
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &muts); err != nil {
			return errors.Wrapf(err, "decode catalog changes of transaction %d", xid)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(muts) > 0 {
		t := c.committed.clone()
		for i := range muts {
			muts[i].apply(t)
		}
		c.committed = t
	}
	delete(c.staged, xid)
	if len(muts) > 0 {
		logger.Debugf("catalog: applied %d changes of transaction %d", len(muts), xid)
	}
	return nil
}

func (c *Catalog) Discard(xid basic.Xid) {
	c.mu.Lock()
	delete(c.staged, xid)
	c.mu.Unlock()
}

// WriteSnapshot writes the committed catalog to its file.
func (c *Catalog) WriteSnapshot() error {
	c.mu.RLock()
	data, err := json.Marshal(c.committed)
	c.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	return errors.Wrapf(util.WriteFileAtomic(c.path, data), "write catalog %s", c.path)
}
