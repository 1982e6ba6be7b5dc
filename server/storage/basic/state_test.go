package basic

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransitionAllowed(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateFree, StateCreatePending}:           true,
		{StateCreatePending, StateCreated}:        true,
		{StateCreatePending, StateDropPending}:    true,
		{StateCreatePending, StateAbortingCreate}: true,
		{StateCreated, StateDropPending}:          true,
		{StateDropPending, StateFree}:             true,
		{StateAbortingCreate, StateFree}:          true,
	}
	states := []State{StateFree, StateCreatePending, StateCreated, StateDropPending, StateAbortingCreate}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]State{from, to}], TransitionAllowed(from, to), "%s -> %s", from, to)
		}
	}
}

func TestFatalError(t *testing.T) {
	err := Fatalf("expected %s but found %s", StateCreatePending, StateCreated)
	assert.True(t, IsFatal(err))
	assert.True(t, IsFatal(errors.Wrap(err, "persistent filespace")))
	assert.Contains(t, err.Error(), "expected Create Pending but found Created")
	assert.False(t, IsFatal(ErrUndefinedObject("tablespace", "ts")))
}

func TestSQLState(t *testing.T) {
	err := errors.Wrap(ErrReservedName("tablespace", "pg_foo"), "create tablespace")
	assert.Equal(t, "42939", SQLState(err))
	assert.Equal(t, "", SQLState(errors.New("plain")))
}

func TestObjNameString(t *testing.T) {
	assert.Equal(t, "filespace 16384", NewFilespaceName(16384).String())
	assert.Equal(t, "database 1663/16385", NewDatabaseName(DbDirNode{Tablespace: 1663, Database: 16385}).String())
	rel := NewRelationName(RelFileNode{Tablespace: 1663, Database: 1, Relation: 1259}, 0)
	assert.Equal(t, "relation 1663/1/1259.0", rel.String())
	assert.Equal(t, NewTablespaceName(16390), NewTablespaceName(16390))
}
