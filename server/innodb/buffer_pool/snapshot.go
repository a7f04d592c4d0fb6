package buffer_pool

import "github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"

// Snapshot 块在某一时刻内容的只读视图。
//
// 快照不持有块锁，也不固定页面；它只引用当时的缓冲区版本。之后的写者会复制出新版本再修改，
// 因此快照内容保持不变。
type Snapshot struct {
	cache    *PageCache
	blockID  basic.BlockID
	version  *pageVersion
	released bool
}

// BlockID 块号
func (s *Snapshot) BlockID() basic.BlockID {
	return s.blockID
}

// Data 快照内容，Release 之后不可再用
func (s *Snapshot) Data() []byte {
	if s.released {
		panic("buffer_pool: snapshot used after release")
	}
	return s.version.data
}

// Release 释放快照。重复释放无副作用。
func (s *Snapshot) Release() {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.version.snapshots--
}
