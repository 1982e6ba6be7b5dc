package commands

import (
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
)

// Stmt is a parsed DDL statement. The coordinator assigns oids before
// dispatch so every segment creates the object under the same oid.
type Stmt interface {
	Tag() string
	AssignOids(next func() basic.Oid)
}

// CreateFilespaceStmt is CREATE FILESPACE name (dbid: 'location', ...).
type CreateFilespaceStmt struct {
	Name      string
	Owner     string
	Locations map[basic.DbID]string
	Oid       basic.Oid
}

type DropFilespaceStmt struct {
	Name      string
	MissingOk bool
}

// AlterFilespaceStmt renames a filespace or changes its owner.
type AlterFilespaceStmt struct {
	Name     string
	NewName  string
	NewOwner string
}

// CreateTablespaceStmt is CREATE TABLESPACE name FILESPACE fs; an empty
// Filespace means pg_system.
type CreateTablespaceStmt struct {
	Name      string
	Owner     string
	Filespace string
	Oid       basic.Oid
}

type DropTablespaceStmt struct {
	Name      string
	MissingOk bool
}

type AlterTablespaceStmt struct {
	Name     string
	NewName  string
	NewOwner string
}

// CreateDatabaseStmt is CREATE DATABASE. Template defaults to template1 and
// Tablespace to the template's default tablespace.
type CreateDatabaseStmt struct {
	Name       string
	Owner      string
	Template   string
	Tablespace string
	ConnLimit  *int
	Oid        basic.Oid
}

type DropDatabaseStmt struct {
	Name      string
	MissingOk bool
}

// AlterDatabaseStmt covers ALTER DATABASE RENAME TO, OWNER TO and
// CONNECTION LIMIT.
type AlterDatabaseStmt struct {
	Name      string
	NewName   string
	NewOwner  string
	ConnLimit *int
}

// CreateRelationStorageStmt creates the segment files of a new relation in
// Database. Tablespace defaults to the database's tablespace.
type CreateRelationStorageStmt struct {
	Database    string
	Tablespace  string
	Segments    int
	StorageMgr  basic.RelStorageMgr
	Relfilenode basic.Oid
}

type DropRelationStorageStmt struct {
	Database    string
	Tablespace  string
	Relfilenode basic.Oid
}

func (s *CreateFilespaceStmt) Tag() string       { return "CREATE FILESPACE" }
func (s *DropFilespaceStmt) Tag() string         { return "DROP FILESPACE" }
func (s *AlterFilespaceStmt) Tag() string        { return "ALTER FILESPACE" }
func (s *CreateTablespaceStmt) Tag() string      { return "CREATE TABLESPACE" }
func (s *DropTablespaceStmt) Tag() string        { return "DROP TABLESPACE" }
func (s *AlterTablespaceStmt) Tag() string       { return "ALTER TABLESPACE" }
func (s *CreateDatabaseStmt) Tag() string        { return "CREATE DATABASE" }
func (s *DropDatabaseStmt) Tag() string          { return "DROP DATABASE" }
func (s *AlterDatabaseStmt) Tag() string         { return "ALTER DATABASE" }
func (s *CreateRelationStorageStmt) Tag() string { return "CREATE TABLE" }
func (s *DropRelationStorageStmt) Tag() string   { return "DROP TABLE" }

func assign(oid *basic.Oid, next func() basic.Oid) {
	if *oid == basic.InvalidOid {
		*oid = next()
	}
}

func (s *CreateFilespaceStmt) AssignOids(next func() basic.Oid)       { assign(&s.Oid, next) }
func (s *CreateTablespaceStmt) AssignOids(next func() basic.Oid)      { assign(&s.Oid, next) }
func (s *CreateDatabaseStmt) AssignOids(next func() basic.Oid)        { assign(&s.Oid, next) }
func (s *CreateRelationStorageStmt) AssignOids(next func() basic.Oid) { assign(&s.Relfilenode, next) }

func (s *DropFilespaceStmt) AssignOids(func() basic.Oid)       {}
func (s *AlterFilespaceStmt) AssignOids(func() basic.Oid)      {}
func (s *DropTablespaceStmt) AssignOids(func() basic.Oid)      {}
func (s *AlterTablespaceStmt) AssignOids(func() basic.Oid)     {}
func (s *DropDatabaseStmt) AssignOids(func() basic.Oid)        {}
func (s *AlterDatabaseStmt) AssignOids(func() basic.Oid)       {}
func (s *DropRelationStorageStmt) AssignOids(func() basic.Oid) {}
