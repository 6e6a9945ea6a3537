package txctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polar1shu/Courier-sub000/internal/storage"
)

func TestReadYourOwnWrites(t *testing.T) {
	c := New(nil)
	c.Begin()

	key := storage.AbstractKey{Table: 1, Key: "a"}
	_, ok := c.LookupWriteSet(key)
	assert.False(t, ok)

	c.AccessWrite(key, []byte("value"), 0, 5, 1, nil)
	idx, ok := c.LookupWriteSet(key)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), c.Writes()[idx].Buffer)
}

func TestPutWriteOverwritesSameKey(t *testing.T) {
	c := New(nil)
	c.Begin()
	key := storage.AbstractKey{Table: 1, Key: "a"}

	c.AccessWrite(key, []byte("first"), 0, 5, 1, nil)
	c.AccessWrite(key, []byte("second"), 0, 6, 1, nil)

	require.Len(t, c.Writes(), 1)
	assert.Equal(t, []byte("second"), c.Writes()[0].Buffer)
}

func TestBeginResetsState(t *testing.T) {
	c := New(nil)
	c.Begin()
	key := storage.AbstractKey{Table: 1, Key: "a"}
	c.AccessWrite(key, []byte("v"), 0, 1, 1, nil)
	c.AccessRead(key, 1)
	c.Scratch = "leftover"

	c.Begin()
	assert.Empty(t, c.Writes())
	assert.Empty(t, c.Reads())
	assert.Nil(t, c.Scratch)
}

func TestFinishClearsBuffers(t *testing.T) {
	c := New(nil)
	c.Begin()
	key := storage.AbstractKey{Table: 1, Key: "a"}
	c.AccessWrite(key, []byte("v"), 0, 1, 1, nil)
	c.Finish(StatusCommitted)
	assert.Equal(t, StatusCommitted, c.Status)
	assert.Empty(t, c.Writes())
}
