package buffer_pool

import (
	"context"
	"fmt"
	"sync"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/latch"
)

// CurrentPageAcq 一次块锁授予与页面数据就绪的组合。
//
// 构造时固定页面并申请块锁，之后"访问已授予"和"数据已就绪"两个条件可以分别等待。
// 持有期间页面不会被淘汰；Release 之后不得再使用。
type CurrentPageAcq struct {
	cache *PageCache
	page  *Page
	grant *latch.Grant

	mu       sync.Mutex
	released bool
}

// NewCurrentPageAcq 为块 id 申请 mode 模式的访问。不会阻塞在块锁或IO上。
func NewCurrentPageAcq(cache *PageCache, id basic.BlockID, mode latch.Mode) (*CurrentPageAcq, error) {
	p, err := cache.pinPage(id)
	if err != nil {
		return nil, err
	}
	return &CurrentPageAcq{
		cache: cache,
		page:  p,
		grant: p.lock.Acquire(mode),
	}, nil
}

// NewCurrentPageAcqForCreate 分配新块并以写模式获取其全零页面
func NewCurrentPageAcqForCreate(ctx context.Context, cache *PageCache) (*CurrentPageAcq, error) {
	p, err := cache.pinNewPage(ctx)
	if err != nil {
		return nil, err
	}
	return &CurrentPageAcq{
		cache: cache,
		page:  p,
		grant: p.lock.Acquire(latch.ModeWrite),
	}, nil
}

// BlockID 块号
func (a *CurrentPageAcq) BlockID() basic.BlockID {
	return a.page.blockID
}

// Mode 当前持有模式
func (a *CurrentPageAcq) Mode() latch.Mode {
	return a.grant.Mode()
}

// AccessGranted 块锁授予时关闭
func (a *CurrentPageAcq) AccessGranted() <-chan struct{} {
	return a.grant.Ready()
}

// DataReady 页面加载完成(或失败)时关闭
func (a *CurrentPageAcq) DataReady() <-chan struct{} {
	return a.page.ready
}

// WaitAccess 等待块锁授予
func (a *CurrentPageAcq) WaitAccess(ctx context.Context) error {
	return a.grant.Wait(ctx)
}

// WaitData 等待页面数据，返回加载错误
func (a *CurrentPageAcq) WaitData(ctx context.Context) error {
	select {
	case <-a.page.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.page.Err()
}

// Wait 先等待访问授予，再等待数据
func (a *CurrentPageAcq) Wait(ctx context.Context) error {
	if err := a.WaitAccess(ctx); err != nil {
		return err
	}
	return a.WaitData(ctx)
}

// PageForRead 访问授予且数据就绪后返回页面，否则视为使用错误
func (a *CurrentPageAcq) PageForRead() *Page {
	a.checkUsable()
	return a.page
}

// PageForWrite 同 PageForRead，且要求持有写锁
func (a *CurrentPageAcq) PageForWrite() *Page {
	a.checkUsable()
	if m := a.grant.Mode(); m != latch.ModeWrite {
		panic(fmt.Sprintf("buffer_pool: page %v requested for write under %s access", a.page.blockID, m))
	}
	return a.page
}

// WritableData 写锁持有者可修改的缓冲区，存在快照时先复制出新版本
func (a *CurrentPageAcq) WritableData() []byte {
	p := a.PageForWrite()
	a.cache.mu.Lock()
	defer a.cache.mu.Unlock()
	return p.writableDataLocked()
}

// Snapshot 记录当前内容的只读快照，之后可以立即释放本次获取
func (a *CurrentPageAcq) Snapshot() *Snapshot {
	p := a.PageForRead()
	a.cache.mu.Lock()
	defer a.cache.mu.Unlock()
	p.version.snapshots++
	return &Snapshot{
		cache:   a.cache,
		blockID: p.blockID,
		version: p.version,
	}
}

// Upgrade 意向锁升级为写锁，等待授予意向锁时已存在的读者释放
func (a *CurrentPageAcq) Upgrade(ctx context.Context) error {
	if err := a.grant.Wait(ctx); err != nil {
		return err
	}
	upgraded := a.page.lock.Upgrade(a.grant)
	select {
	case <-upgraded:
		return nil
	case <-ctx.Done():
		return jerrors.Annotatef(ctx.Err(), "upgrading %v", a.page.blockID)
	}
}

// Release 释放块锁并解除页面固定。未授予的请求会被撤销。重复调用无副作用。
func (a *CurrentPageAcq) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()

	a.page.lock.Release(a.grant)
	a.cache.unpinPage(a.page)
}

func (a *CurrentPageAcq) checkUsable() {
	a.mu.Lock()
	released := a.released
	a.mu.Unlock()
	if released {
		panic(fmt.Sprintf("buffer_pool: acquisition of %v used after release", a.page.blockID))
	}
	if !a.grant.Granted() {
		panic(fmt.Sprintf("buffer_pool: page %v used before access was granted", a.page.blockID))
	}
	select {
	case <-a.page.ready:
	default:
		panic(fmt.Sprintf("buffer_pool: page %v used before data was ready", a.page.blockID))
	}
	if err := a.page.Err(); err != nil {
		panic(fmt.Sprintf("buffer_pool: page %v failed to load: %v", a.page.blockID, err))
	}
}
