package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
)

// 事务状态
const (
	TRX_STATE_ACTIVE     uint8 = iota
	TRX_STATE_COMMITTING       // 等待前驱发出刷写
	TRX_STATE_ISSUED           // 刷写已发出，等待完成
	TRX_STATE_COMMITTED
	TRX_STATE_FAILED
)

var nextTrxID int64

/*
*
Transaction 一组按顺序执行的 Buf Lock 操作。

事务持有其前驱(同一个 PageCache 上紧邻的上一个事务)的引用：本事务的刷写批次只有在前驱的批次发出之后才会发出，
前驱失败时本事务也失败。脏块的内容在 Buf Lock 释放时复制保存，提交时整体写入块存储。
*
*/
type Transaction struct {
	ID         int64
	StartTime  time.Time
	IsReadOnly bool // 只读事务的读锁使用快照

	cache *buffer_pool.PageCache

	mu          sync.Mutex
	state       uint8
	pred        *Transaction
	dirty       map[basic.BlockID][]byte
	written     map[basic.BlockID]struct{}
	deleted     map[basic.BlockID]struct{}
	liveWriters int
	batch       *buffer_pool.FlushBatch
	err         error

	issued chan struct{} // 刷写发出或提前失败时关闭
	done   chan struct{} // 进入终态时关闭
}

func newTransaction(cache *buffer_pool.PageCache, pred *Transaction, readOnly bool) *Transaction {
	return &Transaction{
		ID:         atomic.AddInt64(&nextTrxID, 1),
		StartTime:  time.Now(),
		IsReadOnly: readOnly,
		cache:      cache,
		state:      TRX_STATE_ACTIVE,
		pred:       pred,
		dirty:      make(map[basic.BlockID][]byte),
		written:    make(map[basic.BlockID]struct{}),
		deleted:    make(map[basic.BlockID]struct{}),
		issued:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// BeginTransaction 在 cache 上开始事务，pred 为前驱事务，可以为空
func BeginTransaction(cache *buffer_pool.PageCache, pred *Transaction) *Transaction {
	if pred != nil && pred.cache != cache {
		panic("manager: predecessor transaction belongs to another page cache")
	}
	return newTransaction(cache, pred, false)
}

// BeginReadOnlyTransaction 只读事务，不参与提交顺序，读锁取快照后立即释放块锁
func BeginReadOnlyTransaction(cache *buffer_pool.PageCache) *Transaction {
	return newTransaction(cache, nil, true)
}

// Cache 所属页面缓存
func (t *Transaction) Cache() *buffer_pool.PageCache {
	return t.cache
}

// State 当前状态
func (t *Transaction) State() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err 失败原因
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done 进入终态时关闭
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// NoteDirty 记录块的新内容，同一块后记录的内容覆盖先前的。由释放中的写 Buf Lock 调用，此时页面仍被固定。
func (t *Transaction) NoteDirty(id basic.BlockID, image []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.noteableLocked("note dirty block") {
		return
	}
	if _, ok := t.dirty[id]; !ok {
		t.cache.RetainDirty(id)
	}
	t.dirty[id] = image
}

// NoteWritten 记录以写模式持有过的块
func (t *Transaction) NoteWritten(id basic.BlockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.noteableLocked("note written block") {
		return
	}
	t.written[id] = struct{}{}
}

// NoteDeleted 记录提交时要回收的块
func (t *Transaction) NoteDeleted(id basic.BlockID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.noteableLocked("note deleted block") {
		return
	}
	t.deleted[id] = struct{}{}
}

// noteableLocked 已失败的事务忽略仍在释放的 Buf Lock 的记录，其他终态视为使用错误
func (t *Transaction) noteableLocked(op string) bool {
	switch t.state {
	case TRX_STATE_ACTIVE:
		return true
	case TRX_STATE_FAILED:
		return false
	default:
		panic(fmt.Sprintf("manager: %s on finished transaction %d", op, t.ID))
	}
}

// DirtyBlocks 已记录的脏块，按块号排序
func (t *Transaction) DirtyBlocks() []basic.BlockID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]basic.BlockID, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	return sortIDs(ids)
}

// WrittenBlocks 以写模式持有过的块，按块号排序
func (t *Transaction) WrittenBlocks() []basic.BlockID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]basic.BlockID, 0, len(t.written))
	for id := range t.written {
		ids = append(ids, id)
	}
	return sortIDs(ids)
}

func sortIDs(ids []basic.BlockID) []basic.BlockID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// lockOpened Buf Lock 创建时调用
func (t *Transaction) lockOpened(mode basic.AccessMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TRX_STATE_ACTIVE {
		if t.err != nil {
			return fmt.Errorf("transaction %d: %w: %w", t.ID, ErrTxFinished, t.err)
		}
		return fmt.Errorf("transaction %d: %w", t.ID, ErrTxFinished)
	}
	if mode == basic.AccessRead {
		return nil
	}
	if t.IsReadOnly {
		return fmt.Errorf("transaction %d: %s lock: %w", t.ID, mode, ErrReadOnlyTx)
	}
	t.liveWriters++
	return nil
}

// lockClosed Buf Lock 释放时调用，mode 为创建时的模式
func (t *Transaction) lockClosed(mode basic.AccessMode) {
	if mode == basic.AccessRead {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.liveWriters--
}

/*
*
Commit 提交事务，阻塞到刷写完成。

  - 前驱尚未开始提交：返回 ErrOrderingViolation，事务保持活跃，可以稍后重试；
  - 前驱正在等待它自己的前驱：等待前驱发出刷写；
  - 前驱失败：本事务失败，错误包含 ErrOrderingViolation 和前驱的错误，不写入任何块；
  - 仍有未释放的写 Buf Lock：返回 ErrLiveBufLocks。

重复提交返回第一次的结果，不会再次发出刷写。ctx 取消只停止等待，已发出的刷写照常完成。
*
*/
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != TRX_STATE_ACTIVE {
		t.mu.Unlock()
		return t.wait(ctx)
	}
	if t.liveWriters > 0 {
		n := t.liveWriters
		t.mu.Unlock()
		return fmt.Errorf("transaction %d: %d write locks: %w", t.ID, n, ErrLiveBufLocks)
	}
	pred := t.pred
	if pred != nil && pred.State() == TRX_STATE_ACTIVE {
		t.mu.Unlock()
		logger.Warnf("transaction %d committed before predecessor %d", t.ID, pred.ID)
		return fmt.Errorf("transaction %d before predecessor %d: %w", t.ID, pred.ID, ErrOrderingViolation)
	}
	if t.IsReadOnly {
		t.state = TRX_STATE_COMMITTED
		close(t.issued)
		close(t.done)
		t.mu.Unlock()
		return nil
	}
	t.state = TRX_STATE_COMMITTING
	t.mu.Unlock()

	var prev *buffer_pool.FlushBatch
	if pred != nil {
		select {
		case <-pred.issued:
		case <-ctx.Done():
			t.mu.Lock()
			t.state = TRX_STATE_ACTIVE
			t.mu.Unlock()
			return ctx.Err()
		}
		var perr error
		pred.mu.Lock()
		prev, perr = pred.batch, pred.err
		pred.mu.Unlock()
		// 只读前驱没有批次也没有错误
		if perr != nil {
			t.finish(fmt.Errorf("%w: predecessor %d failed: %w", ErrOrderingViolation, pred.ID, perr))
			return t.Err()
		}
	}

	t.mu.Lock()
	writes := t.dirty
	dirtyIDs := make([]basic.BlockID, 0, len(writes))
	for id := range writes {
		dirtyIDs = append(dirtyIDs, id)
	}
	deletes := make([]basic.BlockID, 0, len(t.deleted))
	for id := range t.deleted {
		deletes = append(deletes, id)
		delete(writes, id)
	}
	t.dirty = nil
	b := buffer_pool.NewFlushBatch(writes, sortIDs(deletes), dirtyIDs, prev)
	if err := t.cache.IssueFlush(b); err != nil {
		t.mu.Unlock()
		t.finish(fmt.Errorf("transaction %d: issue flush: %w", t.ID, err))
		return t.Err()
	}
	t.batch = b
	t.state = TRX_STATE_ISSUED
	t.pred = nil
	close(t.issued)
	t.mu.Unlock()

	logger.Debugf("transaction %d issued %d writes, %d deletes", t.ID, len(writes), len(deletes))
	go t.awaitFlush(b)
	return t.wait(ctx)
}

func (t *Transaction) awaitFlush(b *buffer_pool.FlushBatch) {
	<-b.Done()
	err := b.Err()
	if errors.Is(err, buffer_pool.ErrPredecessorFailed) {
		err = fmt.Errorf("%w: %w", ErrOrderingViolation, err)
	}
	t.finish(err)
}

/*
*
fail 块存储故障对事务是致命的：活跃事务立即失败，不再刷写任何块，
后继事务通过前驱失败的路径失败。已开始提交的事务由 Commit 决定结果。
*
*/
func (t *Transaction) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TRX_STATE_ACTIVE {
		return
	}
	t.finishLocked(fmt.Errorf("transaction %d: %w", t.ID, err))
}

// finish 进入终态。失败时若尚未发出刷写，也关闭 issued，使后继事务看到失败。
func (t *Transaction) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(err)
}

func (t *Transaction) finishLocked(err error) {
	t.dirty = nil
	t.err = err
	if err != nil {
		t.state = TRX_STATE_FAILED
		logger.Errorf("transaction %d failed: %v", t.ID, err)
	} else {
		t.state = TRX_STATE_COMMITTED
	}
	if t.batch == nil {
		close(t.issued)
	}
	t.pred = nil
	close(t.done)
}

func (t *Transaction) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
