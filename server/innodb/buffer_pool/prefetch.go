package buffer_pool

import (
	"container/list"
	"sync"
	"time"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
)

const (
	DEFAULT_PREFETCH_SIZE      = 8
	DEFAULT_PREFETCH_QUEUE_LEN = 64
)

// PrefetchManager 管理预读。预读只发出加载，不申请块锁，也不固定页面。
type PrefetchManager struct {
	cache         *PageCache
	prefetchQueue *list.List // 预读请求队列，按优先级降序
	prefetchSize  int        // 每次预读的块数量
	maxQueueSize  int        // 最大队列长度
	notify        chan struct{}
	mu            sync.Mutex
}

// PrefetchRequest 预读请求
type PrefetchRequest struct {
	Start    basic.BlockID // 起始块号
	Count    int           // 块数量
	Priority int           // 优先级(1-10)
	Deadline time.Time     // 截止时间
}

// NewPrefetchManager 创建预读管理器，工作线程随缓存关闭退出
func NewPrefetchManager(cache *PageCache, prefetchSize int, maxQueueSize int) *PrefetchManager {
	if prefetchSize <= 0 {
		prefetchSize = DEFAULT_PREFETCH_SIZE
	}
	if maxQueueSize <= 0 {
		maxQueueSize = DEFAULT_PREFETCH_QUEUE_LEN
	}
	pm := &PrefetchManager{
		cache:         cache,
		prefetchQueue: list.New(),
		prefetchSize:  prefetchSize,
		maxQueueSize:  maxQueueSize,
		notify:        make(chan struct{}, 1),
	}
	go pm.prefetchWorker()
	return pm
}

// TriggerPrefetch 从 start 开始顺序预读 prefetchSize 个块
func (pm *PrefetchManager) TriggerPrefetch(start basic.BlockID) bool {
	return pm.TriggerPrefetchWithPriority(start, 5, 5*time.Second)
}

// TriggerPrefetchWithPriority 带优先级的预读。队列已满且优先级不高于队列中最低者时丢弃。
func (pm *PrefetchManager) TriggerPrefetchWithPriority(start basic.BlockID, priority int, deadline time.Duration) bool {
	request := &PrefetchRequest{
		Start:    start,
		Count:    pm.prefetchSize,
		Priority: priority,
		Deadline: time.Now().Add(deadline),
	}
	if !pm.addPrefetchRequest(request) {
		return false
	}
	select {
	case pm.notify <- struct{}{}:
	default:
	}
	return true
}

func (pm *PrefetchManager) addPrefetchRequest(request *PrefetchRequest) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.prefetchQueue.Len() >= pm.maxQueueSize {
		lowest := pm.prefetchQueue.Back()
		if request.Priority <= lowest.Value.(*PrefetchRequest).Priority {
			return false
		}
		pm.prefetchQueue.Remove(lowest)
	}

	// 同优先级保持先来先服务
	for e := pm.prefetchQueue.Front(); e != nil; e = e.Next() {
		if request.Priority > e.Value.(*PrefetchRequest).Priority {
			pm.prefetchQueue.InsertBefore(request, e)
			return true
		}
	}
	pm.prefetchQueue.PushBack(request)
	return true
}

func (pm *PrefetchManager) prefetchWorker() {
	for {
		request := pm.getNextRequest()
		if request == nil {
			select {
			case <-pm.notify:
				continue
			case <-pm.cache.ctx.Done():
				return
			}
		}
		if time.Now().After(request.Deadline) {
			continue
		}
		for i := 0; i < request.Count; i++ {
			id := request.Start + basic.BlockID(i)
			if id == basic.NullBlockID {
				break
			}
			if _, err := pm.cache.Prefetch(id); err != nil {
				return
			}
		}
	}
}

// getNextRequest 取出队首请求
func (pm *PrefetchManager) getNextRequest() *PrefetchRequest {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	e := pm.prefetchQueue.Front()
	if e == nil {
		return nil
	}
	pm.prefetchQueue.Remove(e)
	return e.Value.(*PrefetchRequest)
}

// GetQueueLength 当前队列长度
func (pm *PrefetchManager) GetQueueLength() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.prefetchQueue.Len()
}

// ClearQueue 清空预读队列
func (pm *PrefetchManager) ClearQueue() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.prefetchQueue.Init()
}

// Prefetch 为未缓存的块发出加载，返回新发出的数量。不计入命中统计。
func (c *PageCache) Prefetch(ids ...basic.BlockID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrCacheClosed
	}
	issued := 0
	for _, id := range ids {
		if id == basic.NullBlockID {
			continue
		}
		if _, ok := c.pages[id]; ok {
			continue
		}
		p := newPage(c, id)
		c.pages[id] = p
		c.lru.touch(p)
		c.issueLoadLocked(p)
		issued++
	}
	return issued, nil
}
