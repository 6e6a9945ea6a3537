package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polar1shu/Courier-sub000/internal/engine/occ"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

// TestRunReplaysCommittedPage simulates a crash: a page holds a fully
// committed transaction but was never released (the crash happened before
// the committing thread could clear the allocator bit), so its bitmap bit
// is still live when Run scans it.
func TestRunReplaysCommittedPage(t *testing.T) {
	mgr := walog.NewManager(2, 512)
	alloc := mgr.NewAllocator()
	page, err := alloc.TryAllocate()
	require.NoError(t, err)

	key := storage.AbstractKey{Table: 1, Key: "k"}
	require.NoError(t, page.AppendStart(1))
	require.NoError(t, page.AppendInsert(1, key, []byte("hello")))
	require.NoError(t, page.AppendCommit(1))
	page.Durable()

	applier := occ.New(2, 64, mgr)
	report := Run(mgr, applier)

	assert.Equal(t, 1, report.PagesScanned)
	assert.Equal(t, 1, report.RecordsApplied)

	c := txctx.New(nil)
	applier.Begin(c)
	v, ok := applier.Read(c, key)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
}

// TestRunLeavesUncommittedTransactionUnapplied checks that a Start without
// a matching Commit (the crash happened mid-transaction) never reaches the
// applier.
func TestRunLeavesUncommittedTransactionUnapplied(t *testing.T) {
	mgr := walog.NewManager(2, 512)
	alloc := mgr.NewAllocator()
	page, err := alloc.TryAllocate()
	require.NoError(t, err)

	key := storage.AbstractKey{Table: 1, Key: "orphan"}
	require.NoError(t, page.AppendStart(1))
	require.NoError(t, page.AppendInsert(1, key, []byte("uncommitted")))
	page.Durable()

	applier := occ.New(2, 64, mgr)
	report := Run(mgr, applier)

	assert.Equal(t, 0, report.RecordsApplied)
	c := txctx.New(nil)
	applier.Begin(c)
	_, ok := applier.Read(c, key)
	assert.False(t, ok)
}
