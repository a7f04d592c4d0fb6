package buffer_pool

import (
	"sync/atomic"
	"time"
)

// PageCacheStats 页面缓存统计信息
type PageCacheStats struct {
	// 命中率统计
	PageRequests int64
	PageHits     int64
	PageMisses   int64

	// IO统计
	PageLoads        int64
	PageLoadFailures int64
	PageEvictions    int64
	PageCreates      int64

	// 刷新统计
	FlushBatches  int64
	FlushWrites   int64
	FlushFailures int64
	Deallocations int64

	// 性能统计
	ReadLatencyTotal  int64 // 纳秒
	WriteLatencyTotal int64 // 纳秒
	LastResetTime     time.Time
}

// NewPageCacheStats 创建新的统计对象
func NewPageCacheStats() *PageCacheStats {
	return &PageCacheStats{
		LastResetTime: time.Now(),
	}
}

// RecordPageRequest 记录页面请求
func (s *PageCacheStats) RecordPageRequest(hit bool) {
	atomic.AddInt64(&s.PageRequests, 1)
	if hit {
		atomic.AddInt64(&s.PageHits, 1)
	} else {
		atomic.AddInt64(&s.PageMisses, 1)
	}
}

// RecordLoad 记录一次块读取
func (s *PageCacheStats) RecordLoad(success bool, latency time.Duration) {
	atomic.AddInt64(&s.PageLoads, 1)
	atomic.AddInt64(&s.ReadLatencyTotal, int64(latency))
	if !success {
		atomic.AddInt64(&s.PageLoadFailures, 1)
	}
}

// RecordWrite 记录一次块写入
func (s *PageCacheStats) RecordWrite(success bool, latency time.Duration) {
	atomic.AddInt64(&s.FlushWrites, 1)
	atomic.AddInt64(&s.WriteLatencyTotal, int64(latency))
	if !success {
		atomic.AddInt64(&s.FlushFailures, 1)
	}
}

func (s *PageCacheStats) recordEviction() {
	atomic.AddInt64(&s.PageEvictions, 1)
}

func (s *PageCacheStats) recordCreate() {
	atomic.AddInt64(&s.PageCreates, 1)
}

func (s *PageCacheStats) recordBatch() {
	atomic.AddInt64(&s.FlushBatches, 1)
}

func (s *PageCacheStats) recordDeallocation() {
	atomic.AddInt64(&s.Deallocations, 1)
}

// Copy 返回统计信息的拷贝
func (s *PageCacheStats) Copy() PageCacheStats {
	return PageCacheStats{
		PageRequests:      atomic.LoadInt64(&s.PageRequests),
		PageHits:          atomic.LoadInt64(&s.PageHits),
		PageMisses:        atomic.LoadInt64(&s.PageMisses),
		PageLoads:         atomic.LoadInt64(&s.PageLoads),
		PageLoadFailures:  atomic.LoadInt64(&s.PageLoadFailures),
		PageEvictions:     atomic.LoadInt64(&s.PageEvictions),
		PageCreates:       atomic.LoadInt64(&s.PageCreates),
		FlushBatches:      atomic.LoadInt64(&s.FlushBatches),
		FlushWrites:       atomic.LoadInt64(&s.FlushWrites),
		FlushFailures:     atomic.LoadInt64(&s.FlushFailures),
		Deallocations:     atomic.LoadInt64(&s.Deallocations),
		ReadLatencyTotal:  atomic.LoadInt64(&s.ReadLatencyTotal),
		WriteLatencyTotal: atomic.LoadInt64(&s.WriteLatencyTotal),
		LastResetTime:     s.LastResetTime,
	}
}

// GetHitRatio 获取命中率
func (s *PageCacheStats) GetHitRatio() float64 {
	requests := atomic.LoadInt64(&s.PageRequests)
	if requests == 0 {
		return 0
	}
	hits := atomic.LoadInt64(&s.PageHits)
	return float64(hits) / float64(requests)
}

// GetAvgReadLatency 获取平均读取延迟(纳秒)
func (s *PageCacheStats) GetAvgReadLatency() float64 {
	reads := atomic.LoadInt64(&s.PageLoads)
	if reads == 0 {
		return 0
	}
	total := atomic.LoadInt64(&s.ReadLatencyTotal)
	return float64(total) / float64(reads)
}

// GetAvgWriteLatency 获取平均写入延迟(纳秒)
func (s *PageCacheStats) GetAvgWriteLatency() float64 {
	writes := atomic.LoadInt64(&s.FlushWrites)
	if writes == 0 {
		return 0
	}
	total := atomic.LoadInt64(&s.WriteLatencyTotal)
	return float64(total) / float64(writes)
}
