package buffer_pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	jerrors "github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
)

const (
	DEFAULT_CAPACITY             = 4096 // 默认页表容量（页数）
	DEFAULT_MAX_CONCURRENT_READS = 64   // 默认并发块读取数
	DEFAULT_FLUSH_PARALLELISM    = 8    // 默认批次内并发写数
)

// Config 页面缓存配置
type Config struct {
	Capacity           int     // 页表容量（页数），超过后按LRU淘汰
	MaxConcurrentReads int64   // 同时进行的块读取数
	FlushParallelism   int     // 单个刷写批次内的并发写数
	FlushRateLimit     float64 // 每秒写块数上限，0 表示不限制
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Capacity:           DEFAULT_CAPACITY,
		MaxConcurrentReads: DEFAULT_MAX_CONCURRENT_READS,
		FlushParallelism:   DEFAULT_FLUSH_PARALLELISM,
	}
}

func (c *Config) withDefaults() *Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	*cfg = *c
	if cfg.Capacity <= 0 {
		cfg.Capacity = DEFAULT_CAPACITY
	}
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = DEFAULT_MAX_CONCURRENT_READS
	}
	if cfg.FlushParallelism <= 0 {
		cfg.FlushParallelism = DEFAULT_FLUSH_PARALLELISM
	}
	return cfg
}

// PageCache 一个分片的页表，负责从块存储异步加载页面。
//
// 页表、页面状态和引用计数都由 mu 保护，相当于该分片唯一的逻辑工作者；
// 页面缓冲区本身由块锁保护。
type PageCache struct {
	mu sync.Mutex

	store     basic.BlockStore
	config    *Config
	blockSize int

	pages map[basic.BlockID]*Page
	lru   *lruList
	stats *PageCacheStats

	readSem  *semaphore.Weighted
	flusher  *flushQueue
	allocate func(ctx context.Context) (basic.BlockID, error)

	// 关闭控制
	outstanding int
	closed      bool
	drained     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPageCache 创建页面缓存
func NewPageCache(store basic.BlockStore, config *Config) *PageCache {
	cfg := config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &PageCache{
		store:     store,
		config:    cfg,
		blockSize: store.BlockSize(),
		pages:     make(map[basic.BlockID]*Page),
		lru:       newLRUList(),
		stats:     NewPageCacheStats(),
		readSem:   semaphore.NewWeighted(cfg.MaxConcurrentReads),
		allocate:  store.Allocate,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.flusher = newFlushQueue(c, cfg)
	return c
}

// BlockSize 块大小
func (c *PageCache) BlockSize() int {
	return c.blockSize
}

// Store 底层块存储
func (c *PageCache) Store() basic.BlockStore {
	return c.store
}

// Stats 统计信息
func (c *PageCache) Stats() PageCacheStats {
	return c.stats.Copy()
}

// Len 页表中的页面数
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// PageForBlockID 返回块对应的页面；不存在时创建 Unloaded 页面并发出异步读取。不会阻塞在IO上。
func (c *PageCache) PageForBlockID(id basic.BlockID) (*Page, error) {
	if id == basic.NullBlockID {
		return nil, jerrors.Trace(basic.ErrInvalidBlockID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	return c.lookupOrCreateLocked(id), nil
}

func (c *PageCache) lookupOrCreateLocked(id basic.BlockID) *Page {
	if p, ok := c.pages[id]; ok {
		c.stats.RecordPageRequest(true)
		c.lru.touch(p)
		return p
	}
	c.stats.RecordPageRequest(false)
	p := newPage(c, id)
	c.pages[id] = p
	c.lru.touch(p)
	c.issueLoadLocked(p)
	return p
}

func (c *PageCache) issueLoadLocked(p *Page) {
	p.state = PageLoading
	c.outstanding++
	go c.load(p)
}

// load 在后台读取块数据并触发 DataReady
func (c *PageCache) load(p *Page) {
	start := time.Now()
	data, err := c.readBlock(p.blockID)
	c.stats.RecordLoad(err == nil, time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		logger.Warnf("load %v failed: %v", p.blockID, err)
		p.markFailedLocked(err)
	} else {
		logger.Debugf("loaded %v", p.blockID)
		p.markLoadedLocked(data)
	}
	c.releaseOutstandingLocked()
	c.evictLocked()
}

func (c *PageCache) readBlock(id basic.BlockID) ([]byte, error) {
	if err := c.readSem.Acquire(c.ctx, 1); err != nil {
		return nil, NewBlockStoreFailure("read", id, err)
	}
	defer c.readSem.Release(1)

	data, err := c.store.Read(c.ctx, id)
	if err != nil {
		return nil, NewBlockStoreFailure("read", id, err)
	}
	if len(data) != c.blockSize {
		return nil, NewBlockStoreFailure("read", id,
			jerrors.Annotatef(basic.ErrInvalidBlockSize, "got %d bytes, want %d", len(data), c.blockSize))
	}
	return data, nil
}

// pinPage 查找或创建页面并增加引用计数
func (c *PageCache) pinPage(id basic.BlockID) (*Page, error) {
	if id == basic.NullBlockID {
		return nil, jerrors.Trace(basic.ErrInvalidBlockID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	p := c.lookupOrCreateLocked(id)
	p.refs++
	c.outstanding++
	return p, nil
}

// pinNewPage 分配新块并安装一个已加载的全零页面，不读取块存储
func (c *PageCache) pinNewPage(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrCacheClosed
	}

	id, err := c.allocate(ctx)
	if err != nil {
		return nil, NewBlockStoreFailure("allocate", basic.NullBlockID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if old, ok := c.pages[id]; ok {
		if !old.evictableLocked() {
			return nil, jerrors.Errorf("allocated %v is still in use by the cache", id)
		}
		c.dropLocked(old)
	}
	p := newPage(c, id)
	p.markLoadedLocked(make([]byte, c.blockSize))
	c.pages[id] = p
	c.lru.touch(p)
	p.refs++
	c.outstanding++
	c.stats.recordCreate()
	logger.Debugf("created %v", id)
	return p, nil
}

func (c *PageCache) unpinPage(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.refs--
	if p.refs < 0 {
		panic("buffer_pool: page reference count underflow")
	}
	if p.deleted && p.evictableLocked() && c.pages[p.blockID] == p {
		c.dropLocked(p)
	}
	c.releaseOutstandingLocked()
	c.evictLocked()
}

// RetainDirty 事务记录脏镜像时调用，页面在刷写完成前不会被淘汰
func (c *PageCache) RetainDirty(id basic.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[id]
	if !ok {
		panic("buffer_pool: dirty block is not cached")
	}
	p.dirty++
}

// completeFlushLocked 刷写批次结束后更新页面状态。失败时脏镜像保留，页面不会被淘汰。
func (c *PageCache) completeFlushLocked(b *FlushBatch, err error) {
	if err != nil {
		return
	}
	for _, id := range b.dirtyIDs {
		if p, ok := c.pages[id]; ok && p.dirty > 0 {
			p.dirty--
		}
	}
	for _, id := range b.deletes {
		p, ok := c.pages[id]
		if !ok {
			continue
		}
		p.deleted = true
		if p.evictableLocked() {
			c.dropLocked(p)
		}
	}
	c.evictLocked()
}

func (c *PageCache) releaseOutstandingLocked() {
	c.outstanding--
	if c.outstanding == 0 && c.closed && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// evictLocked 超过容量时淘汰无引用的干净页面
func (c *PageCache) evictLocked() {
	for len(c.pages) > c.config.Capacity {
		p := c.lru.victim()
		if p == nil {
			return
		}
		c.dropLocked(p)
		c.stats.recordEviction()
		logger.Debugf("evicted %v (%s)", p.blockID, p.state)
	}
}

func (c *PageCache) dropLocked(p *Page) {
	delete(c.pages, p.blockID)
	c.lru.remove(p)
}

// IssueFlush 按调用顺序排入刷写队列。prev 为前驱事务的批次，前驱失败时本批次不会写入。
func (c *PageCache) IssueFlush(b *FlushBatch) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrCacheClosed
	}
	return c.flusher.issue(b)
}

// Shutdown 等待所有获取和加载结束，排空刷写队列后释放页表。只能调用一次。
func (c *PageCache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.closed = true
	drained := make(chan struct{})
	if c.outstanding == 0 {
		close(drained)
	} else {
		c.drained = drained
	}
	c.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for page acquisitions to drain: %w", ctx.Err())
	}

	if err := c.flusher.close(ctx); err != nil {
		return fmt.Errorf("draining flush queue: %w", err)
	}
	c.cancel()

	c.mu.Lock()
	n := len(c.pages)
	c.pages = make(map[basic.BlockID]*Page)
	c.lru = newLRUList()
	c.mu.Unlock()

	logger.Infof("page cache shut down, released %d pages", n)
	return nil
}
