package manager

import (
	"context"
	"fmt"
	"sync"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/latch"
)

func latchMode(m basic.AccessMode) latch.Mode {
	switch m {
	case basic.AccessRead:
		return latch.ModeRead
	case basic.AccessIntent:
		return latch.ModeIntent
	case basic.AccessWrite:
		return latch.ModeWrite
	default:
		panic(fmt.Sprintf("manager: unknown access mode %d", m))
	}
}

/*
*
BufLock 事务对一个块的作用域访问句柄。

每个 BufLock 拥有独立的 CurrentPageAcq，子锁只共享父锁的事务，因此父锁可以先于子锁释放。
写模式的锁释放时把缓冲区内容复制给事务；只读事务的读锁在创建时取快照并立即释放块锁。
*
*/
type BufLock struct {
	txn     *Transaction
	blockID basic.BlockID
	opened  basic.AccessMode // 创建时的模式

	acq      *buffer_pool.CurrentPageAcq
	snapshot *buffer_pool.Snapshot

	mu       sync.Mutex
	mode     basic.AccessMode
	mutated  bool
	deleted  bool
	readers  int  // 活跃的 BufRead 数
	writer   bool // 是否有活跃的 BufWrite
	released bool
}

// NewBufLock 在事务 txn 中以 mode 访问块 id。只申请块锁，不等待授予；只读事务的读锁除外。
func NewBufLock(ctx context.Context, txn *Transaction, id basic.BlockID, mode basic.AccessMode) (*BufLock, error) {
	if err := txn.lockOpened(mode); err != nil {
		return nil, err
	}
	acq, err := buffer_pool.NewCurrentPageAcq(txn.cache, id, latchMode(mode))
	if err != nil {
		txn.lockClosed(mode)
		return nil, jerrors.Annotatef(err, "buf lock %v", id)
	}
	l := &BufLock{
		txn:     txn,
		blockID: id,
		opened:  mode,
		mode:    mode,
		acq:     acq,
	}
	if txn.IsReadOnly && mode == basic.AccessRead {
		if err := l.takeSnapshot(ctx); err != nil {
			l.Release()
			return nil, err
		}
	}
	return l, nil
}

// NewChildBufLock 以父锁的事务访问块 id，与父锁没有其他关联
func NewChildBufLock(ctx context.Context, parent *BufLock, id basic.BlockID, mode basic.AccessMode) (*BufLock, error) {
	parent.mu.Lock()
	released := parent.released
	parent.mu.Unlock()
	if released {
		panic(fmt.Sprintf("manager: child lock on %v created from released lock on %v", id, parent.blockID))
	}
	return NewBufLock(ctx, parent.txn, id, mode)
}

// NewBufLockForCreate 分配新块并以写模式持有，新块在提交时写入全零或修改后的内容
func NewBufLockForCreate(ctx context.Context, txn *Transaction) (*BufLock, error) {
	if err := txn.lockOpened(basic.AccessWrite); err != nil {
		return nil, err
	}
	acq, err := buffer_pool.NewCurrentPageAcqForCreate(ctx, txn.cache)
	if err != nil {
		txn.lockClosed(basic.AccessWrite)
		return nil, jerrors.Annotate(err, "create block")
	}
	return &BufLock{
		txn:     txn,
		blockID: acq.BlockID(),
		opened:  basic.AccessWrite,
		mode:    basic.AccessWrite,
		acq:     acq,
		mutated: true,
	}, nil
}

func (l *BufLock) takeSnapshot(ctx context.Context) error {
	if err := l.waitAcq(ctx); err != nil {
		return fmt.Errorf("snapshot %v: %w", l.blockID, err)
	}
	l.snapshot = l.acq.Snapshot()
	l.acq.Release()
	l.acq = nil
	return nil
}

// BlockID 块号
func (l *BufLock) BlockID() basic.BlockID {
	return l.blockID
}

// Transaction 所属事务
func (l *BufLock) Transaction() *Transaction {
	return l.txn
}

// Mode 当前模式，意向锁升级后为写
func (l *BufLock) Mode() basic.AccessMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// IsSnapshot 是否从快照读取
func (l *BufLock) IsSnapshot() bool {
	return l.snapshot != nil
}

// AccessGranted 块锁授予时关闭；快照锁总是已授予
func (l *BufLock) AccessGranted() <-chan struct{} {
	if l.acq == nil {
		return closedChan
	}
	return l.acq.AccessGranted()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Wait 等待块锁授予和数据就绪
func (l *BufLock) Wait(ctx context.Context) error {
	if l.acq == nil {
		return nil
	}
	return l.waitAcq(ctx)
}

// waitAcq 块存储故障对所属事务是致命的
func (l *BufLock) waitAcq(ctx context.Context) error {
	err := l.acq.Wait(ctx)
	if err != nil && buffer_pool.IsBlockStoreFailure(err) {
		l.txn.fail(err)
	}
	return err
}

// accessHeld 块锁是否已授予。排队中被释放的请求从未持有访问权。
func (l *BufLock) accessHeld() bool {
	if l.acq == nil {
		return false
	}
	select {
	case <-l.acq.AccessGranted():
		return true
	default:
		return false
	}
}

// Upgrade 意向锁升级为写锁
func (l *BufLock) Upgrade(ctx context.Context) error {
	l.mu.Lock()
	if l.released || l.mode != basic.AccessIntent {
		l.mu.Unlock()
		panic(fmt.Sprintf("manager: upgrade of %v requires a live intent lock", l.blockID))
	}
	l.mu.Unlock()

	if err := l.acq.Upgrade(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.mode = basic.AccessWrite
	l.mu.Unlock()
	return nil
}

// MarkDeleted 提交时回收该块。要求写锁已授予且数据就绪，否则视为使用错误。
func (l *BufLock) MarkDeleted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.mode != basic.AccessWrite {
		panic(fmt.Sprintf("manager: delete of %v requires a live write lock", l.blockID))
	}
	l.acq.PageForWrite()
	l.deleted = true
}

/*
*
Release 释放锁：写模式且修改过时把内容记入事务的脏块，写模式总是记入已写块，然后释放块锁。
重复调用无副作用；仍有活跃的 BufRead/BufWrite 时调用视为使用错误。
*
*/
func (l *BufLock) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	if l.readers > 0 || l.writer {
		l.mu.Unlock()
		panic(fmt.Sprintf("manager: lock on %v released with live accessors", l.blockID))
	}
	l.released = true
	mode, mutated, deleted := l.mode, l.mutated, l.deleted
	l.mu.Unlock()

	if mode == basic.AccessWrite {
		if deleted && l.accessHeld() {
			l.txn.NoteDeleted(l.blockID)
		} else if mutated {
			data := l.acq.PageForWrite().Data()
			image := make([]byte, len(data))
			copy(image, data)
			l.txn.NoteDirty(l.blockID, image)
		}
		l.txn.NoteWritten(l.blockID)
	}
	if l.acq != nil {
		l.acq.Release()
	}
	if l.snapshot != nil {
		l.snapshot.Release()
	}
	l.txn.lockClosed(l.opened)
}

// openAccessor 登记一个访问器，写访问器与任何其他访问器互斥
func (l *BufLock) openAccessor(write bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		panic(fmt.Sprintf("manager: accessor on released lock %v", l.blockID))
	}
	if l.writer || (write && l.readers > 0) {
		panic(fmt.Sprintf("manager: conflicting accessors on %v", l.blockID))
	}
	if write {
		if l.mode != basic.AccessWrite {
			panic(fmt.Sprintf("manager: write accessor on %v under %s lock", l.blockID, l.mode))
		}
		l.writer = true
		return
	}
	l.readers++
}

func (l *BufLock) closeAccessor(write bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if write {
		l.writer = false
	} else {
		l.readers--
	}
}

func (l *BufLock) markMutated() {
	l.mu.Lock()
	l.mutated = true
	l.mu.Unlock()
}
