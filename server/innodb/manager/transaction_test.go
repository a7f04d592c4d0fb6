package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
)

func TestTransaction_WriteThenRead(t *testing.T) {
	f := newFixture(t, 42)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 42, "ABCD")
	assert.Equal(t, []basic.BlockID{42}, t1.DirtyBlocks())
	assert.Equal(t, []basic.BlockID{42}, t1.WrittenBlocks())

	t2 := BeginTransaction(f.cache, t1)
	assert.Equal(t, "ABCD", f.read(t, t2, 42), "read sees the cached write before commit")

	require.NoError(t, t1.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.Equal(t, []string{"ABCD"}, f.writesTo(42))
	assert.Equal(t, TRX_STATE_COMMITTED, t1.State())
}

func TestTransaction_CommitOrdering(t *testing.T) {
	f := newFixture(t, 7)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 7, "T1T1")
	t2 := BeginTransaction(f.cache, t1)
	f.write(t, t2, 7, "ZZZZ")

	err := t2.Commit(f.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
	assert.Equal(t, TRX_STATE_ACTIVE, t2.State(), "rejected commit leaves the transaction open")
	assert.Empty(t, f.store.WriteLog())

	require.NoError(t, t1.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.Equal(t, []string{"T1T1", "ZZZZ"}, f.writesTo(7), "store observes T1 then T2")
}

func TestTransaction_EachTransactionFlushesItsOwnImage(t *testing.T) {
	f := newFixture(t, 3)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 3, "one.")
	t2 := BeginTransaction(f.cache, t1)
	f.write(t, t2, 3, "two.")

	require.NoError(t, t1.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.Equal(t, []string{"one.", "two."}, f.writesTo(3))
}

func TestTransaction_CommitIdempotent(t *testing.T) {
	f := newFixture(t, 1)

	txn := BeginTransaction(f.cache, nil)
	lock, err := NewBufLock(f.ctx, txn, 1, basic.AccessWrite)
	require.NoError(t, err)
	w, err := NewBufWrite(f.ctx, lock)
	require.NoError(t, err)
	copy(w.GetDataForWrite(testBlockSize), "once")
	w.Close()
	w.Close()
	lock.Release()
	lock.Release()

	require.NoError(t, txn.Commit(f.ctx))
	require.NoError(t, txn.Commit(f.ctx))
	assert.Equal(t, []string{"once"}, f.writesTo(1), "flush issued exactly once")
	assert.Equal(t, int64(1), f.cache.Stats().FlushBatches)

	_, err = NewBufLock(f.ctx, txn, 1, basic.AccessRead)
	assert.True(t, errors.Is(err, ErrTxFinished))
}

func TestTransaction_LiveWriteLocks(t *testing.T) {
	f := newFixture(t, 2)

	txn := BeginTransaction(f.cache, nil)
	r, err := NewBufLock(f.ctx, txn, 2, basic.AccessRead)
	require.NoError(t, err)
	w, err := NewBufLock(f.ctx, txn, 2, basic.AccessWrite)
	require.NoError(t, err)

	err = txn.Commit(f.ctx)
	assert.True(t, errors.Is(err, ErrLiveBufLocks))

	w.Release()
	require.NoError(t, txn.Commit(f.ctx), "live read locks do not block commit")
	r.Release()
}

func TestTransaction_PredecessorFailure(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.store.failWrite(1)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 1, "bad!")
	t2 := BeginTransaction(f.cache, t1)
	f.write(t, t2, 2, "good")

	err := t1.Commit(f.ctx)
	require.Error(t, err)
	assert.True(t, buffer_pool.IsBlockStoreFailure(err))
	assert.True(t, errors.Is(err, errDiskFull))
	assert.Equal(t, TRX_STATE_FAILED, t1.State())

	err = t2.Commit(f.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
	assert.Equal(t, TRX_STATE_FAILED, t2.State())
	assert.Empty(t, f.writesTo(2), "successor of a failed transaction never reaches the store")

	// 失败的结果同样是幂等的
	assert.Equal(t, err.Error(), t2.Commit(f.ctx).Error())
}

func TestTransaction_LoadFailureIsFatal(t *testing.T) {
	f := newFixture(t, 1, 2)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 1, "kept")

	lock, err := NewBufLock(f.ctx, t1, 404, basic.AccessWrite)
	require.NoError(t, err)
	_, err = NewBufWrite(f.ctx, lock)
	require.Error(t, err)
	assert.True(t, buffer_pool.IsBlockStoreFailure(err))
	assert.Equal(t, TRX_STATE_FAILED, t1.State())

	// 失败后释放的锁不再记录，也不能再开新锁
	lock.Release()
	_, err = NewBufLock(f.ctx, t1, 2, basic.AccessWrite)
	assert.True(t, errors.Is(err, ErrTxFinished))
	assert.True(t, buffer_pool.IsBlockStoreFailure(err))

	t2 := BeginTransaction(f.cache, t1)
	f.write(t, t2, 2, "next")

	err = t1.Commit(f.ctx)
	require.Error(t, err)
	assert.True(t, buffer_pool.IsBlockStoreFailure(err))

	err = t2.Commit(f.ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))
	assert.True(t, buffer_pool.IsBlockStoreFailure(err))
	assert.Equal(t, TRX_STATE_FAILED, t2.State())

	assert.Empty(t, f.store.WriteLog(), "neither transaction reaches the store")
}

func TestTransaction_DeleteRequiresGrantedLock(t *testing.T) {
	f := newFixture(t, 1)

	t1 := BeginTransaction(f.cache, nil)
	holder, err := NewBufLock(f.ctx, t1, 1, basic.AccessWrite)
	require.NoError(t, err)
	require.NoError(t, holder.Wait(f.ctx))

	t2 := BeginTransaction(f.cache, t1)
	waiter, err := NewBufLock(f.ctx, t2, 1, basic.AccessWrite)
	require.NoError(t, err)
	select {
	case <-waiter.AccessGranted():
		t.Fatal("second write lock granted while the first is held")
	default:
	}

	t.Run("排队中的写锁不能删除", func(t *testing.T) {
		assert.Panics(t, func() { waiter.MarkDeleted() })
	})
	t.Run("排队中的写锁不能修改", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
		defer cancel()
		_, err := NewBufWrite(ctx, waiter)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, TRX_STATE_ACTIVE, t2.State(), "a timed-out wait is not a store failure")
	})

	// 撤销排队中的请求
	waiter.Release()

	w, err := NewBufWrite(f.ctx, holder)
	require.NoError(t, err)
	copy(w.GetDataForWrite(testBlockSize), "mine")
	w.Close()
	holder.Release()

	require.NoError(t, t1.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.True(t, f.store.Allocated(1), "cancelled request never deallocates the block")
	assert.Equal(t, []string{"mine"}, f.writesTo(1))
	assert.Equal(t, "mine", f.read(t, BeginReadOnlyTransaction(f.cache), 1))
}

func TestTransaction_PipelinedCommits(t *testing.T) {
	f := newFixture(t, 1, 2, 3)

	var txns []*Transaction
	var pred *Transaction
	for i, id := range []basic.BlockID{1, 2, 3} {
		txn := BeginTransaction(f.cache, pred)
		f.write(t, txn, id, []string{"a...", "b...", "c..."}[i])
		txns = append(txns, txn)
		pred = txn
	}

	// 逆序并发提交：后继在前驱开始提交前被拒绝，重试直到成功
	errs := make(chan error, len(txns))
	for i := len(txns) - 1; i >= 0; i-- {
		go func(txn *Transaction) {
			for {
				err := txn.Commit(f.ctx)
				if errors.Is(err, ErrOrderingViolation) && txn.State() == TRX_STATE_ACTIVE {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
		}(txns[i])
	}
	for range txns {
		require.NoError(t, <-errs)
	}

	var order []basic.BlockID
	for _, rec := range f.store.WriteLog() {
		order = append(order, rec.BlockID)
	}
	assert.Equal(t, []basic.BlockID{1, 2, 3}, order)
}

func TestTransaction_CommitContextCancelled(t *testing.T) {
	f := newFixture(t, 1)

	t1 := BeginTransaction(f.cache, nil)
	t2 := BeginTransaction(f.cache, t1)
	f.write(t, t2, 1, "wait")

	// 前驱处于提交中但尚未发出时，后继等待；这里用已取消的 ctx 验证等待可以被打断
	t1.mu.Lock()
	t1.state = TRX_STATE_COMMITTING
	t1.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := t2.Commit(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, TRX_STATE_ACTIVE, t2.State())

	t1.mu.Lock()
	t1.state = TRX_STATE_ACTIVE
	t1.mu.Unlock()
	require.NoError(t, t1.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.Equal(t, []string{"wait"}, f.writesTo(1))
}

func TestTransaction_CreateAndDelete(t *testing.T) {
	f := newFixture(t)

	t1 := BeginTransaction(f.cache, nil)
	lock, err := NewBufLockForCreate(f.ctx, t1)
	require.NoError(t, err)
	id := lock.BlockID()
	w, err := NewBufWrite(f.ctx, lock)
	require.NoError(t, err)
	copy(w.GetDataForWrite(testBlockSize), "new!")
	w.Close()
	lock.Release()
	require.NoError(t, t1.Commit(f.ctx))
	assert.True(t, f.store.Allocated(id))
	assert.Equal(t, []string{"new!"}, f.writesTo(id))

	t2 := BeginTransaction(f.cache, t1)
	del, err := NewBufLock(f.ctx, t2, id, basic.AccessWrite)
	require.NoError(t, err)
	require.NoError(t, del.Wait(f.ctx))
	del.MarkDeleted()
	del.Release()
	require.NoError(t, t2.Commit(f.ctx))
	assert.False(t, f.store.Allocated(id))
	assert.Equal(t, 0, f.cache.Len())
}

func TestTransaction_UntouchedCreateWritesZeros(t *testing.T) {
	f := newFixture(t)

	txn := BeginTransaction(f.cache, nil)
	lock, err := NewBufLockForCreate(f.ctx, txn)
	require.NoError(t, err)
	lock.Release()
	require.NoError(t, txn.Commit(f.ctx))
	assert.Equal(t, []string{"\x00\x00\x00\x00"}, f.writesTo(lock.BlockID()))
}

func TestTransaction_ReadOnlySnapshot(t *testing.T) {
	f := newFixture(t, 5)

	t1 := BeginTransaction(f.cache, nil)
	f.write(t, t1, 5, "old.")
	require.NoError(t, t1.Commit(f.ctx))

	ro := BeginReadOnlyTransaction(f.cache)
	snap, err := NewBufLock(f.ctx, ro, 5, basic.AccessRead)
	require.NoError(t, err)
	assert.True(t, snap.IsSnapshot())

	// 快照锁不占用块锁，写者立即获得授予
	t2 := BeginTransaction(f.cache, t1)
	w, err := NewBufLock(f.ctx, t2, 5, basic.AccessWrite)
	require.NoError(t, err)
	select {
	case <-w.AccessGranted():
	case <-time.After(time.Second):
		t.Fatal("writer blocked by a snapshot reader")
	}
	acc, err := NewBufWrite(f.ctx, w)
	require.NoError(t, err)
	copy(acc.GetDataForWrite(testBlockSize), "new.")
	acc.Close()
	w.Release()

	r, err := NewBufRead(f.ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, "old.", string(r.GetData()))
	r.Close()
	snap.Release()

	_, err = NewBufLock(f.ctx, ro, 5, basic.AccessWrite)
	assert.True(t, errors.Is(err, ErrReadOnlyTx))
	require.NoError(t, ro.Commit(f.ctx))
	require.NoError(t, t2.Commit(f.ctx))
	assert.Equal(t, []string{"old.", "new."}, f.writesTo(5))
}

func TestTransaction_ReadOnlyPredecessor(t *testing.T) {
	f := newFixture(t, 1)

	ro := BeginReadOnlyTransaction(f.cache)
	txn := BeginTransaction(f.cache, ro)
	f.write(t, txn, 1, "next")
	require.NoError(t, ro.Commit(f.ctx))
	require.NoError(t, txn.Commit(f.ctx))
	assert.Equal(t, []string{"next"}, f.writesTo(1))
}

func TestTransaction_ForeignPredecessorPanics(t *testing.T) {
	f1 := newFixture(t)
	f2 := newFixture(t)
	pred := BeginTransaction(f1.cache, nil)
	assert.Panics(t, func() { BeginTransaction(f2.cache, pred) })
}
