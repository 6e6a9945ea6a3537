package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polar1shu/Courier-sub000/internal/engine/occ"
	"github.com/polar1shu/Courier-sub000/internal/executor"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
)

func TestInitBatchInsertsEveryKey(t *testing.T) {
	wl := NewKVReadUpdate(storage.TableTag(0), 4, 8, 0.5, func() float64 { return 0.5 }, func(n int) int { return 0 })
	batch := wl.InitBatch()
	require.Len(t, batch, 4)

	log := walog.NewManager(8, 4096)
	e := occ.New(2, 16, log)
	alloc := log.NewAllocator()
	c := txctx.New(nil)
	e.Begin(c)
	ex := executor.NewPlain(e, c, func(c *txctx.Ctx) bool { return e.Commit(c, alloc) }, e.Abort)

	for _, txn := range batch {
		require.True(t, txn.Run(ex))
		require.True(t, ex.Commit())
		ex.Reset()
	}

	for i := 0; i < 4; i++ {
		key := storage.AbstractKey{Table: 0, Key: keyString(i)}
		_, ok := e.Read(c, key)
		assert.True(t, ok)
	}
}

func TestNextAlternatesByRatio(t *testing.T) {
	always1 := func() float64 { return 1 }
	always0 := func() float64 { return 0 }
	pick0 := func(n int) int { return 0 }

	wlWrite := NewKVReadUpdate(storage.TableTag(0), 4, 8, 0.5, always0, pick0)
	txn := wlWrite.Next(0)
	_, isWrite := txn.(*readModifyWriteTxn)
	assert.True(t, isWrite)

	wlRead := NewKVReadUpdate(storage.TableTag(0), 4, 8, 0.5, always1, pick0)
	txn2 := wlRead.Next(0)
	_, isRead := txn2.(*readTxn)
	assert.True(t, isRead)
}
