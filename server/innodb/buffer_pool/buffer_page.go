package buffer_pool

import (
	"container/list"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/latch"
)

/*
*
Page 是一个块在内存中的副本，由 PageCache 的页表独占。多个 CurrentPageAcq 通过引用计数共享同一个 Page，
引用计数归零且没有待刷写的脏镜像时才可能被淘汰。缓冲区只能由唯一的写锁持有者修改，这一点完全依靠块锁保证。

缓冲区以 pageVersion 表示：快照读持有旧版本的引用，写者在存在快照时先复制出新版本再修改(写时复制)。
*
*/
type Page struct {
	cache   *PageCache
	blockID basic.BlockID
	lock    *latch.BlockLock

	// 以下字段由 cache.mu 保护
	state   PageState
	refs    int  // 活跃的 CurrentPageAcq 数
	dirty   int  // 尚未刷写完成的事务镜像数
	deleted bool // 已在某个事务中标记删除
	err     error
	lruElem *list.Element

	// 持有块锁期间稳定
	version *pageVersion
	ready   chan struct{}
}

// pageVersion 页面缓冲区的一个版本
type pageVersion struct {
	data      []byte
	snapshots int
}

func newPage(cache *PageCache, id basic.BlockID) *Page {
	return &Page{
		cache:   cache,
		blockID: id,
		lock:    latch.NewBlockLock(),
		state:   PageUnloaded,
		ready:   make(chan struct{}),
	}
}

// BlockID 块号
func (p *Page) BlockID() basic.BlockID {
	return p.blockID
}

// Lock 块锁
func (p *Page) Lock() *latch.BlockLock {
	return p.lock
}

// DataReady 数据就绪或加载失败时关闭
func (p *Page) DataReady() <-chan struct{} {
	return p.ready
}

// State 获取加载状态
func (p *Page) State() PageState {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	return p.state
}

// Err 加载错误，仅在 Failed 状态下非空
func (p *Page) Err() error {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	return p.err
}

// IsDirty 是否存在尚未持久化的修改
func (p *Page) IsDirty() bool {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	return p.dirty > 0
}

// RefCount 活跃的获取数
func (p *Page) RefCount() int {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	return p.refs
}

// Data 当前版本的缓冲区。调用方必须已获得访问权且数据已就绪。
func (p *Page) Data() []byte {
	return p.version.data
}

func (p *Page) markLoadedLocked(data []byte) {
	p.version = &pageVersion{data: data}
	p.state = PageLoaded
	close(p.ready)
}

func (p *Page) markFailedLocked(err error) {
	p.err = err
	p.state = PageFailed
	close(p.ready)
}

// evictableLocked 无引用、无脏镜像、不在加载中
func (p *Page) evictableLocked() bool {
	if p.refs > 0 || p.dirty > 0 {
		return false
	}
	return p.state == PageLoaded || p.state == PageFailed
}

// writableDataLocked 写者获取可修改的缓冲区，存在快照时先复制
func (p *Page) writableDataLocked() []byte {
	if p.version.snapshots > 0 {
		data := make([]byte, len(p.version.data))
		copy(data, p.version.data)
		p.version = &pageVersion{data: data}
	}
	return p.version.data
}
