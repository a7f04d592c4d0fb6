package buffer_pool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/storage"
)

const testBlockSize = 16

var errInjected = errors.New("injected failure")

// faultyStore 可以挂起读取、注入读写失败的内存块存储
type faultyStore struct {
	*storage.MemoryBlockStore

	mu         sync.Mutex
	gate       chan struct{}
	reads      map[basic.BlockID]int
	failReads  map[basic.BlockID]error
	failWrites map[basic.BlockID]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryBlockStore: storage.NewMemoryBlockStore(testBlockSize, nil),
		reads:            make(map[basic.BlockID]int),
		failReads:        make(map[basic.BlockID]error),
		failWrites:       make(map[basic.BlockID]error),
	}
}

// hold 之后的读取阻塞到返回的函数被调用
func (s *faultyStore) hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *faultyStore) Read(ctx context.Context, id basic.BlockID) ([]byte, error) {
	s.mu.Lock()
	gate := s.gate
	s.reads[id]++
	err := s.failReads[id]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryBlockStore.Read(ctx, id)
}

func (s *faultyStore) Write(ctx context.Context, id basic.BlockID, data []byte) error {
	s.mu.Lock()
	err := s.failWrites[id]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryBlockStore.Write(ctx, id, data)
}

func (s *faultyStore) readCount(id basic.BlockID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id]
}

func (s *faultyStore) failRead(id basic.BlockID) {
	s.mu.Lock()
	s.failReads[id] = errInjected
	s.mu.Unlock()
}

func (s *faultyStore) failWrite(id basic.BlockID) {
	s.mu.Lock()
	s.failWrites[id] = errInjected
	s.mu.Unlock()
}

// seed 写入初始内容，内容为 fill 重复
func (s *faultyStore) seed(t *testing.T, id basic.BlockID, fill byte) {
	t.Helper()
	require.NoError(t, s.Put(id, bytes.Repeat([]byte{fill}, testBlockSize)))
}

func newTestCache(t *testing.T, store basic.BlockStore, cfg *Config) *PageCache {
	t.Helper()
	c := NewPageCache(store, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, testBlockSize)
}
