package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct{ released bool }

func (f *fakePage) Release() { f.released = true }

func TestThreadBufferMergesRepeatedWrites(t *testing.T) {
	vh := NewVirtualHeader([]byte("0000000000"))
	page := &fakePage{}
	buf := NewThreadBuffer(page)

	buf.Push(vh, 0, 2, nil)
	buf.Push(vh, 4, 6, nil)

	require.Len(t, buf.events, 1)
	ev := buf.events[vh]
	assert.Equal(t, 0, ev.StartIdx)
	assert.Equal(t, 6, ev.EndIdx)
}

func TestQueuePublishAndAid(t *testing.T) {
	vh := NewVirtualHeader([]byte("0000000000"))
	copy(vh.Visible(), "1100000000")

	page := &fakePage{}
	buf := NewThreadBuffer(page)
	buf.Push(vh, 0, 2, nil)

	q := NewQueue(8, 4, HighWaterCourier)
	q.Publish(buf)
	assert.Equal(t, 1, q.Depth())

	q.Aid(1) // threadID 1 is above the default ceiling (0), so this is a no-op
	assert.Equal(t, 1, q.Depth())

	q.FlushAll()
	assert.Equal(t, 0, q.Depth())
	assert.True(t, page.released)
	assert.Equal(t, []byte("11"), vh.Payload()[:2])
}

func TestCachePoolAcquireRelease(t *testing.T) {
	pool := NewCachePool(2, 4)
	slot1, ok := pool.Acquire()
	require.True(t, ok)
	slot2, ok := pool.Acquire()
	require.True(t, ok)
	assert.NotSame(t, slot1, slot2)

	_, ok = pool.Acquire()
	assert.False(t, ok)

	pool.Release(slot1)
	slot3, ok := pool.Acquire()
	require.True(t, ok)
	assert.Same(t, slot1, slot3)
}

// TestDrainReleasesCacheSlotToPool exercises the real queue/drain path (not
// CachePool in isolation): once drain() dissolves a cache link, the slot
// must be handed back to its owning pool so a later Acquire can reuse it.
func TestDrainReleasesCacheSlotToPool(t *testing.T) {
	pool := NewCachePool(1, 4)
	slot, ok := pool.Acquire()
	require.True(t, ok)
	slot.RLock() // mirrors the RLock a committer holds until drain's RUnlock

	vh := NewVirtualHeader([]byte("aaaa"))
	vh.ConstructLink(slot)
	copy(slot.Data(), "bbbb")

	page := &fakePage{}
	buf := NewThreadBuffer(page)
	buf.Push(vh, 0, 4, slot)

	q := NewQueue(8, 4, HighWaterCourier)
	q.Publish(buf)
	q.FlushAll()

	assert.Nil(t, vh.CacheLink())

	reacquired, ok := pool.Acquire()
	require.True(t, ok)
	assert.Same(t, slot, reacquired)
}

func TestCacheLinkRedirectsVisible(t *testing.T) {
	vh := NewVirtualHeader([]byte("aaaa"))
	pool := NewCachePool(1, 4)
	slot, ok := pool.Acquire()
	require.True(t, ok)
	copy(slot.Data(), "bbbb")

	vh.ConstructLink(slot)
	assert.Equal(t, []byte("bbbb"), vh.Visible())
	assert.Same(t, slot, vh.CacheLink())

	vh.DissolveLink()
	assert.Equal(t, []byte("aaaa"), vh.Visible())
	assert.Nil(t, vh.CacheLink())
}
