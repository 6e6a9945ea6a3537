package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Header
	n int
}

func TestTableInsertLookupDelete(t *testing.T) {
	tbl := NewTable[record](2, 16)
	key := AbstractKey{Table: 1, Key: "a"}

	_, ok := tbl.Lookup(key)
	assert.False(t, ok)

	require.True(t, tbl.Insert(key, &record{n: 1}))
	assert.False(t, tbl.Insert(key, &record{n: 2})) // duplicate

	v, ok := tbl.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 1, v.n)

	require.True(t, tbl.Delete(key))
	assert.False(t, tbl.Delete(key)) // already gone

	_, ok = tbl.Lookup(key)
	assert.False(t, ok)
}

func TestTableCountAndRange(t *testing.T) {
	tbl := NewTable[record](2, 16)
	for i := 0; i < 5; i++ {
		key := AbstractKey{Table: 1, Key: keyOf(i)}
		require.True(t, tbl.Insert(key, &record{n: i}))
	}
	assert.Equal(t, 5, tbl.Count())

	seen := 0
	tbl.Range(func(k AbstractKey, v *record) bool {
		seen++
		return true
	})
	assert.Equal(t, 5, seen)
}

func TestHeaderLatches(t *testing.T) {
	h := &Header{}
	require.True(t, h.TryLock())
	assert.False(t, h.TryLock())
	assert.False(t, h.TryRLock())
	h.Unlock()
	require.True(t, h.TryRLock())
	assert.True(t, h.TryRLock())
	h.RUnlock()
	h.RUnlock()
}

func TestAbstractKeyRoundTrip(t *testing.T) {
	k := AbstractKey{Table: 7, Key: "hello"}
	assert.Equal(t, k, ParseKey(k.String()))
}

func keyOf(i int) string {
	return string(rune('a' + i))
}
