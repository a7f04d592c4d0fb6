package buffer_pool

import (
	"context"
	"sync"

	jerrors "github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/util"
)

// 单次分配最多尝试的次数(乘以分片数)
const maxAllocateAttemptsPerShard = 64

// ShardSet 同一个块存储之上的多个页面缓存，按块号哈希划分。
//
// 每个块号只属于一个分片，因此同一块的块锁和页面只存在于一个 PageCache 中。
// 新块由分片感知的分配器分配：从存储取得的块号若属于其他分片，先放入该分片的备用池。
type ShardSet struct {
	store  basic.BlockStore
	shards []*PageCache

	mu     sync.Mutex
	spares [][]basic.BlockID
}

// NewShardSet 创建 n 个分片
func NewShardSet(store basic.BlockStore, n int, config *Config) *ShardSet {
	if n <= 0 {
		n = 1
	}
	s := &ShardSet{
		store:  store,
		shards: make([]*PageCache, n),
		spares: make([][]basic.BlockID, n),
	}
	for i := range s.shards {
		c := NewPageCache(store, config)
		c.allocate = s.allocator(i)
		s.shards[i] = c
	}
	logger.Infof("page cache sharded %d ways, block size %d", n, store.BlockSize())
	return s
}

func (s *ShardSet) shardIndex(id basic.BlockID) int {
	return int(util.HashUint64(uint64(id)) % uint64(len(s.shards)))
}

// ShardFor 块所属的分片
func (s *ShardSet) ShardFor(id basic.BlockID) *PageCache {
	return s.shards[s.shardIndex(id)]
}

// Shards 全部分片
func (s *ShardSet) Shards() []*PageCache {
	return s.shards
}

// Len 分片数
func (s *ShardSet) Len() int {
	return len(s.shards)
}

// Stats 各分片统计之和
func (s *ShardSet) Stats() PageCacheStats {
	var total PageCacheStats
	for _, c := range s.shards {
		st := c.Stats()
		total.PageRequests += st.PageRequests
		total.PageHits += st.PageHits
		total.PageMisses += st.PageMisses
		total.PageLoads += st.PageLoads
		total.PageLoadFailures += st.PageLoadFailures
		total.PageEvictions += st.PageEvictions
		total.PageCreates += st.PageCreates
		total.FlushBatches += st.FlushBatches
		total.FlushWrites += st.FlushWrites
		total.FlushFailures += st.FlushFailures
		total.Deallocations += st.Deallocations
		total.ReadLatencyTotal += st.ReadLatencyTotal
		total.WriteLatencyTotal += st.WriteLatencyTotal
	}
	return total
}

func (s *ShardSet) allocator(shard int) func(ctx context.Context) (basic.BlockID, error) {
	return func(ctx context.Context) (basic.BlockID, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if n := len(s.spares[shard]); n > 0 {
			id := s.spares[shard][n-1]
			s.spares[shard] = s.spares[shard][:n-1]
			return id, nil
		}
		for attempt := 0; attempt < maxAllocateAttemptsPerShard*len(s.shards); attempt++ {
			id, err := s.store.Allocate(ctx)
			if err != nil {
				return basic.NullBlockID, err
			}
			owner := s.shardIndex(id)
			if owner == shard {
				return id, nil
			}
			s.spares[owner] = append(s.spares[owner], id)
		}
		return basic.NullBlockID, jerrors.Errorf("no block id routed to shard %d", shard)
	}
}

// Shutdown 并发关闭全部分片，再归还未使用的备用块号
func (s *ShardSet) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range s.shards {
		i, c := i, c
		g.Go(func() error {
			return jerrors.Annotatef(c.Shutdown(gctx), "shard %d", i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ids := range s.spares {
		for _, id := range ids {
			if err := s.store.Deallocate(ctx, id); err != nil {
				return NewBlockStoreFailure("deallocate", id, err)
			}
		}
		s.spares[i] = nil
	}
	return nil
}
