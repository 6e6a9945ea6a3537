package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

func newFixture(t *testing.T) (*Engine, *walog.Allocator) {
	t.Helper()
	log := walog.NewManager(8, 4096)
	return New(2, 64, 4, log), log.NewAllocator()
}

func TestInsertReadCommit(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c := txctx.New(nil)
	e.Begin(c, 0)
	require.True(t, e.Insert(c, key, []byte("hello")))
	require.True(t, e.Commit(c, alloc))

	c2 := txctx.New(nil)
	e.Begin(c2, 0)
	v, ok := e.Read(c2, key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
}

// TestSnapshotIsolation verifies spec.md §4.5's defining property: a
// transaction that began before a later commit keeps seeing the version
// current at its own start_ts, even after that later transaction commits a
// new version.
func TestSnapshotIsolation(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c0 := txctx.New(nil)
	e.Begin(c0, 0)
	require.True(t, e.Insert(c0, key, []byte("v1")))
	require.True(t, e.Commit(c0, alloc))

	reader := txctx.New(nil)
	e.Begin(reader, 1)
	v, ok := e.Read(reader, key)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	writer := txctx.New(nil)
	e.Begin(writer, 2)
	require.True(t, e.Write(writer, key, []byte("v2"), 0))
	require.True(t, e.Commit(writer, alloc))

	// The reader's snapshot, taken before the writer's commit, still sees v1.
	v, ok = e.Read(reader, key)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	fresh := txctx.New(nil)
	e.Begin(fresh, 3)
	v, ok = e.Read(fresh, key)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestThreadEngineSatisfiesBeginWithoutThreadID(t *testing.T) {
	e, alloc := newFixture(t)
	te := e.ForThread(0)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c := txctx.New(nil)
	te.Begin(c)
	require.True(t, te.Insert(c, key, []byte("v")))
	require.True(t, e.Commit(c, alloc))

	te.Begin(c)
	v, ok := te.Read(c, key)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
