package buffer_pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/latch"
)

func TestCurrentPageAcq_ReadersThenWriter(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 5, 'r')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	r1, err := NewCurrentPageAcq(cache, 5, latch.ModeRead)
	require.NoError(t, err)
	r2, err := NewCurrentPageAcq(cache, 5, latch.ModeRead)
	require.NoError(t, err)
	require.NoError(t, r1.Wait(ctx))
	require.NoError(t, r2.Wait(ctx))
	assert.Same(t, r1.PageForRead(), r2.PageForRead())
	assert.Equal(t, 2, r1.PageForRead().RefCount())

	w, err := NewCurrentPageAcq(cache, 5, latch.ModeWrite)
	require.NoError(t, err)
	select {
	case <-w.AccessGranted():
		t.Fatal("writer granted while readers hold the block")
	case <-time.After(20 * time.Millisecond):
	}

	r1.Release()
	assert.False(t, w.grant.Granted())
	r2.Release()
	require.NoError(t, w.WaitAccess(ctx))
	require.NoError(t, w.WaitData(ctx))
	assert.Equal(t, fill('r'), w.PageForWrite().Data())
	w.Release()
}

func TestCurrentPageAcq_ConditionsAreIndependent(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 8, 'q')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)
	release := store.hold()
	defer release()

	a, err := NewCurrentPageAcq(cache, 8, latch.ModeRead)
	require.NoError(t, err)
	defer a.Release()

	// 访问已授予，数据尚未就绪
	require.NoError(t, a.WaitAccess(ctx))
	select {
	case <-a.DataReady():
		t.Fatal("data ready before load completed")
	default:
	}
	assert.Panics(t, func() { a.PageForRead() }, "page used before data ready")

	release()
	require.NoError(t, a.WaitData(ctx))
	assert.Equal(t, fill('q'), a.PageForRead().Data())
}

func TestCurrentPageAcq_Misuse(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 1, 'm')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	r, err := NewCurrentPageAcq(cache, 1, latch.ModeRead)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	assert.Panics(t, func() { r.PageForWrite() }, "write access under read grant")

	w, err := NewCurrentPageAcq(cache, 1, latch.ModeWrite)
	require.NoError(t, err)
	assert.Panics(t, func() { w.PageForRead() }, "page used before access granted")

	r.Release()
	assert.Panics(t, func() { r.PageForRead() }, "use after release")

	require.NoError(t, w.Wait(ctx))
	w.Release()
}

func TestCurrentPageAcq_ReleaseWhileQueued(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 2, 'z')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	w, err := NewCurrentPageAcq(cache, 2, latch.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx))

	queued, err := NewCurrentPageAcq(cache, 2, latch.ModeWrite)
	require.NoError(t, err)
	queued.Release()

	r, err := NewCurrentPageAcq(cache, 2, latch.ModeRead)
	require.NoError(t, err)
	w.Release()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 1, r.PageForRead().RefCount())
	r.Release()
}

func TestCurrentPageAcq_IntentUpgrade(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 4, 'i')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	r, err := NewCurrentPageAcq(cache, 4, latch.ModeRead)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	i, err := NewCurrentPageAcq(cache, 4, latch.ModeIntent)
	require.NoError(t, err)
	require.NoError(t, i.Wait(ctx))
	assert.Equal(t, latch.ModeIntent, i.Mode())
	assert.Panics(t, func() { i.PageForWrite() })

	upgraded := make(chan error, 1)
	go func() { upgraded <- i.Upgrade(ctx) }()
	select {
	case <-upgraded:
		t.Fatal("upgrade completed while a reader still holds the block")
	case <-time.After(20 * time.Millisecond):
	}
	r.Release()
	require.NoError(t, <-upgraded)
	assert.Equal(t, latch.ModeWrite, i.Mode())
	copy(i.WritableData(), fill('U'))
	i.Release()
}

func TestCurrentPageAcq_Create(t *testing.T) {
	store := newFaultyStore()
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	a, err := NewCurrentPageAcqForCreate(ctx, cache)
	require.NoError(t, err)
	require.NoError(t, a.Wait(ctx))
	assert.True(t, store.Allocated(a.BlockID()))
	assert.Equal(t, make([]byte, testBlockSize), a.PageForWrite().Data())
	assert.Equal(t, 0, store.readCount(a.BlockID()), "created pages are not read")
	assert.Equal(t, int64(1), cache.Stats().PageCreates)
	a.Release()
}

func TestCurrentPageAcq_CreateReplacesStalePage(t *testing.T) {
	store := newFaultyStore()
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	// 预读一个尚未分配的块号，页面进入 Failed
	next := basic.BlockID(0)
	n, err := cache.Prefetch(next)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	p, err := cache.PageForBlockID(next)
	require.NoError(t, err)
	<-p.DataReady()
	require.Equal(t, PageFailed, p.State())

	a, err := NewCurrentPageAcqForCreate(ctx, cache)
	require.NoError(t, err)
	defer a.Release()
	require.Equal(t, next, a.BlockID())
	require.NoError(t, a.Wait(ctx))
	assert.NotSame(t, p, a.PageForWrite())
}

func TestSnapshot_CopyOnWrite(t *testing.T) {
	store := newFaultyStore()
	store.seed(t, 6, 'o')
	cache := newTestCache(t, store, nil)
	ctx := testContext(t)

	r, err := NewCurrentPageAcq(cache, 6, latch.ModeRead)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))
	snap := r.Snapshot()
	r.Release()

	w, err := NewCurrentPageAcq(cache, 6, latch.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx))
	copy(w.WritableData(), fill('n'))
	assert.Equal(t, fill('n'), w.PageForWrite().Data())
	w.Release()

	assert.Equal(t, basic.BlockID(6), snap.BlockID())
	assert.Equal(t, fill('o'), snap.Data(), "snapshot keeps the old content")
	snap.Release()
	snap.Release()
	assert.Panics(t, func() { snap.Data() })
}
