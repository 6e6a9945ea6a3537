package tpl

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
	return New(2, 64, log), log.NewAllocator()
}

func TestInsertReadCommit(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c := txctx.New(nil)
	e.Begin(c)
	require.True(t, e.Insert(c, key, []byte("hello")))
	require.True(t, e.Commit(c, alloc))

	c2 := txctx.New(nil)
	e.Begin(c2)
	v, ok := e.Read(c2, key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
	require.True(t, e.Commit(c2, alloc))
}

// TestWriteLatchFailsFast checks spec.md §4.6's defining behavior: a second
// transaction that tries to write a tuple already write-latched by an
// in-flight transaction fails immediately rather than blocking or validating
// later.
func TestWriteLatchFailsFast(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c0 := txctx.New(nil)
	e.Begin(c0)
	require.True(t, e.Insert(c0, key, []byte("00000000")))
	require.True(t, e.Commit(c0, alloc))

	c1 := txctx.New(nil)
	e.Begin(c1)
	require.True(t, e.Write(c1, key, []byte("11"), 0))

	c2 := txctx.New(nil)
	e.Begin(c2)
	assert.False(t, e.Write(c2, key, []byte("22"), 0))

	require.True(t, e.Commit(c1, alloc))
}

// TestReadLatchBlocksConcurrentWrite: a write-latch attempt against a tuple
// currently read-latched by another in-flight transaction must fail fast.
func TestReadLatchBlocksConcurrentWrite(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c0 := txctx.New(nil)
	e.Begin(c0)
	require.True(t, e.Insert(c0, key, []byte("00000000")))
	require.True(t, e.Commit(c0, alloc))

	reader := txctx.New(nil)
	e.Begin(reader)
	_, ok := e.Read(reader, key)
	require.True(t, ok)

	writer := txctx.New(nil)
	e.Begin(writer)
	assert.False(t, e.Write(writer, key, []byte("11"), 0))

	require.True(t, e.Commit(reader, alloc))
}

func TestAbortReleasesLatches(t *testing.T) {
	e, alloc := newFixture(t)
	key := storage.AbstractKey{Table: 1, Key: "k"}

	c0 := txctx.New(nil)
	e.Begin(c0)
	require.True(t, e.Insert(c0, key, []byte("00000000")))
	require.True(t, e.Commit(c0, alloc))

	c1 := txctx.New(nil)
	e.Begin(c1)
	require.True(t, e.Write(c1, key, []byte("11"), 0))
	e.Abort(c1)

	c2 := txctx.New(nil)
	e.Begin(c2)
	assert.True(t, e.Write(c2, key, []byte("22"), 0))
	require.True(t, e.Commit(c2, alloc))
}
