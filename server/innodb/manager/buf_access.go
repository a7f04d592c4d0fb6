package manager

import (
	"context"
	"fmt"
)

// BufRead BufLock 上的只读访问器，GetData 返回的切片只在 Close 之前有效
type BufRead struct {
	lock   *BufLock
	data   []byte
	closed bool
}

// NewBufRead 等待块锁授予和数据就绪
func NewBufRead(ctx context.Context, lock *BufLock) (*BufRead, error) {
	lock.openAccessor(false)
	if lock.snapshot != nil {
		return &BufRead{lock: lock, data: lock.snapshot.Data()}, nil
	}
	if err := lock.waitAcq(ctx); err != nil {
		lock.closeAccessor(false)
		return nil, err
	}
	return &BufRead{lock: lock, data: lock.acq.PageForRead().Data()}, nil
}

// GetData 块内容
func (r *BufRead) GetData() []byte {
	if r.closed {
		panic(fmt.Sprintf("manager: read of %v after close", r.lock.blockID))
	}
	return r.data
}

// Close 重复调用无副作用
func (r *BufRead) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.data = nil
	r.lock.closeAccessor(false)
}

// BufWrite 写锁上的独占访问器
type BufWrite struct {
	lock   *BufLock
	closed bool
}

// NewBufWrite 等待写锁授予和数据就绪，意向锁须先升级
func NewBufWrite(ctx context.Context, lock *BufLock) (*BufWrite, error) {
	lock.openAccessor(true)
	if err := lock.waitAcq(ctx); err != nil {
		lock.closeAccessor(true)
		return nil, err
	}
	return &BufWrite{lock: lock}, nil
}

// GetData 只读视图，不标记修改
func (w *BufWrite) GetData() []byte {
	w.checkOpen()
	return w.lock.acq.PageForWrite().Data()
}

// GetDataForWrite 可修改的缓冲区，size 必须等于块大小。调用即视为修改。
func (w *BufWrite) GetDataForWrite(size int) []byte {
	w.checkOpen()
	if bs := w.lock.txn.cache.BlockSize(); size != bs {
		panic(fmt.Sprintf("manager: write of %d bytes to %v, block size is %d", size, w.lock.blockID, bs))
	}
	w.lock.markMutated()
	return w.lock.acq.WritableData()
}

// Close 重复调用无副作用
func (w *BufWrite) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.lock.closeAccessor(true)
}

func (w *BufWrite) checkOpen() {
	if w.closed {
		panic(fmt.Sprintf("manager: write accessor on %v used after close", w.lock.blockID))
	}
}
