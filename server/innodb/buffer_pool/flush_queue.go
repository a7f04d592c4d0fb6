package buffer_pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	jerrors "github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
)

// FlushBatch 一个事务提交时的刷写批次。
//
// 批次之间按发出顺序串行写入块存储，批次内部的写入可以并发。
type FlushBatch struct {
	writes   map[basic.BlockID][]byte
	deletes  []basic.BlockID
	dirtyIDs []basic.BlockID
	prev     *FlushBatch

	done chan struct{}
	err  error
}

// NewFlushBatch 创建刷写批次。writes 中的镜像归批次所有；dirtyIDs 为调用方通过 RetainDirty 登记过的块。
func NewFlushBatch(writes map[basic.BlockID][]byte, deletes, dirtyIDs []basic.BlockID, prev *FlushBatch) *FlushBatch {
	return &FlushBatch{
		writes:   writes,
		deletes:  deletes,
		dirtyIDs: dirtyIDs,
		prev:     prev,
		done:     make(chan struct{}),
	}
}

// Done 批次完成(成功或失败)时关闭
func (b *FlushBatch) Done() <-chan struct{} {
	return b.done
}

// Err 批次结果，Done 关闭之前为 nil
func (b *FlushBatch) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Wait 等待批次完成
func (b *FlushBatch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *FlushBatch) finish(err error) {
	b.err = err
	b.prev = nil
	close(b.done)
}

// flushQueue 每个 PageCache 一个后台写回线程
type flushQueue struct {
	cache       *PageCache
	parallelism int
	limiter     *rate.Limiter

	mu      sync.Mutex
	pending *list.List
	closing bool
	notify  chan struct{}
	stopped chan struct{}
}

func newFlushQueue(cache *PageCache, cfg *Config) *flushQueue {
	q := &flushQueue{
		cache:       cache,
		parallelism: cfg.FlushParallelism,
		pending:     list.New(),
		notify:      make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	if cfg.FlushRateLimit > 0 {
		burst := int(cfg.FlushRateLimit)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.FlushRateLimit), burst)
	}
	go q.run()
	return q
}

// issue 排入队列即视为"已发出"
func (q *flushQueue) issue(b *FlushBatch) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return ErrCacheClosed
	}
	q.pending.PushBack(b)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *flushQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *flushQueue) next() (*FlushBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.pending.Front()
	if e == nil {
		return nil, q.closing
	}
	q.pending.Remove(e)
	return e.Value.(*FlushBatch), false
}

func (q *flushQueue) run() {
	defer close(q.stopped)
	for {
		b, closing := q.next()
		if b != nil {
			q.process(b)
			continue
		}
		if closing {
			return
		}
		<-q.notify
	}
}

func (q *flushQueue) process(b *FlushBatch) {
	if b.prev != nil {
		<-b.prev.done
		if perr := b.prev.err; perr != nil {
			q.finish(b, fmt.Errorf("%w: %v", ErrPredecessorFailed, perr))
			return
		}
	}

	q.cache.stats.recordBatch()
	g, ctx := errgroup.WithContext(q.cache.ctx)
	g.SetLimit(q.parallelism)
	for id, data := range b.writes {
		id, data := id, data
		g.Go(func() error {
			return q.writeBlock(ctx, id, data)
		})
	}
	err := g.Wait()

	if err == nil {
		for _, id := range b.deletes {
			if derr := q.cache.store.Deallocate(q.cache.ctx, id); derr != nil {
				err = NewBlockStoreFailure("deallocate", id, derr)
				break
			}
			q.cache.stats.recordDeallocation()
		}
	}
	if err != nil {
		logger.Errorf("flush of %d blocks failed: %v", len(b.writes), err)
	}
	q.finish(b, err)
}

func (q *flushQueue) finish(b *FlushBatch, err error) {
	q.cache.mu.Lock()
	q.cache.completeFlushLocked(b, err)
	q.cache.mu.Unlock()
	b.finish(err)
}

func (q *flushQueue) writeBlock(ctx context.Context, id basic.BlockID, data []byte) error {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return NewBlockStoreFailure("write", id, jerrors.Annotate(err, "write rate limiter"))
		}
	}
	start := time.Now()
	err := q.cache.store.Write(ctx, id, data)
	q.cache.stats.RecordWrite(err == nil, time.Since(start))
	if err != nil {
		return NewBlockStoreFailure("write", id, err)
	}
	return nil
}

// close 不再接受新批次，等待已发出的批次写完
func (q *flushQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.wake()

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
