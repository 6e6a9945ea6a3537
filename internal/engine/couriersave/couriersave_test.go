package couriersave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

func newFixture(t *testing.T) (*Engine, *Worker) {
	t.Helper()
	log := walog.NewManager(8, 4096)
	e := New(2, 64, 4, 64, 8, 16, log)
	return e, e.NewWorker(0)
}

func TestInsertThenReadImmediatelyVisible(t *testing.T) {
	e, w := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c := txctx.New(nil)
	e.Begin(c)
	require.True(t, e.Insert(c, key, []byte("hello")))
	require.True(t, w.Commit(c))

	c2 := txctx.New(nil)
	e.Begin(c2)
	v, ok := e.Read(c2, key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
}

// TestCacheLinkAbsorbsRepeatedWrites checks the Courier-Save-specific
// behavior (spec.md §4.7): once a tuple is linked to a DRAM cache tuple,
// subsequent writes land there, and FlushAll's drain eventually folds the
// cache contents back into the canonical NVM payload.
func TestCacheLinkAbsorbsRepeatedWrites(t *testing.T) {
	e, w := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c := txctx.New(nil)
	e.Begin(c)
	require.True(t, e.Insert(c, key, []byte("0000000000000000")))
	require.True(t, w.Commit(c))

	c2 := txctx.New(nil)
	e.Begin(c2)
	require.True(t, e.Write(c2, key, []byte("11"), 0))
	require.True(t, w.Commit(c2))

	tuple, found := e.table.Lookup(key)
	require.True(t, found)
	assert.NotNil(t, tuple.VH.CacheLink())

	w.FlushAll()
	assert.Equal(t, []byte("11"), tuple.VH.Payload()[:2])
}

// TestCacheSlotReleasedAfterDrainAllowsReuse checks that drain() returns a
// dissolved cache tuple to its owning pool (spec.md §4.7: "freeing the cache
// slot for reuse"), rather than leaking it forever once linked.
func TestCacheSlotReleasedAfterDrainAllowsReuse(t *testing.T) {
	log := walog.NewManager(8, 4096)
	e := New(2, 64, 4, 64, 1, 16, log) // exactly one cache slot
	w := e.NewWorker(0)

	keyA := storage.AbstractKey{Table: 1, Key: "a"}
	keyB := storage.AbstractKey{Table: 1, Key: "b"}

	c := txctx.New(nil)
	e.Begin(c)
	require.True(t, e.Insert(c, keyA, []byte("0000000000000000")))
	require.True(t, e.Insert(c, keyB, []byte("0000000000000000")))
	require.True(t, w.Commit(c))

	c1 := txctx.New(nil)
	e.Begin(c1)
	require.True(t, e.Write(c1, keyA, []byte("11"), 0))
	require.True(t, w.Commit(c1))

	tupleA, found := e.table.Lookup(keyA)
	require.True(t, found)
	require.NotNil(t, tupleA.VH.CacheLink())

	// the pool's single slot is in use; a write to a different tuple cannot
	// acquire a link and falls back to writing NVM directly.
	c2 := txctx.New(nil)
	e.Begin(c2)
	require.True(t, e.Write(c2, keyB, []byte("22"), 0))
	require.True(t, w.Commit(c2))
	tupleB, found := e.table.Lookup(keyB)
	require.True(t, found)
	assert.Nil(t, tupleB.VH.CacheLink())

	// draining flushes and dissolves keyA's link, releasing the slot.
	w.FlushAll()
	assert.Nil(t, tupleA.VH.CacheLink())

	// the freed slot can now be acquired by a write to keyB.
	c3 := txctx.New(nil)
	e.Begin(c3)
	require.True(t, e.Write(c3, keyB, []byte("33"), 0))
	require.True(t, w.Commit(c3))
	assert.NotNil(t, tupleB.VH.CacheLink())
}

// TestReadOnlyCommitSucceedsDespiteConcurrentWriter mirrors the courier
// package's equivalent test: the read-only fast path must not validate the
// read set, so a concurrent writer bumping a read tuple's wts never aborts
// the reader.
func TestReadOnlyCommitSucceedsDespiteConcurrentWriter(t *testing.T) {
	e, w := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c0 := txctx.New(nil)
	e.Begin(c0)
	require.True(t, e.Insert(c0, key, []byte("0000000000000000")))
	require.True(t, w.Commit(c0))

	c1 := txctx.New(nil)
	e.Begin(c1)
	_, ok := e.Read(c1, key)
	require.True(t, ok)

	w2 := e.NewWorker(1)
	c2 := txctx.New(nil)
	e.Begin(c2)
	require.True(t, e.Write(c2, key, []byte("11"), 0))
	require.True(t, w2.Commit(c2))

	pageBefore := w.state.page
	assert.True(t, w.Commit(c1))
	assert.Same(t, pageBefore, w.state.page)
}
