package manager

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/storage"
)

const testBlockSize = 4

var errDiskFull = errors.New("disk full")

// failingStore 对指定块的写入返回错误
type failingStore struct {
	*storage.MemoryBlockStore

	mu         sync.Mutex
	failWrites map[basic.BlockID]bool
}

func newFailingStore() *failingStore {
	return &failingStore{
		MemoryBlockStore: storage.NewMemoryBlockStore(testBlockSize, nil),
		failWrites:       make(map[basic.BlockID]bool),
	}
}

func (s *failingStore) failWrite(id basic.BlockID) {
	s.mu.Lock()
	s.failWrites[id] = true
	s.mu.Unlock()
}

func (s *failingStore) Write(ctx context.Context, id basic.BlockID, data []byte) error {
	s.mu.Lock()
	fail := s.failWrites[id]
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryBlockStore.Write(ctx, id, data)
}

type fixture struct {
	store *failingStore
	cache *buffer_pool.PageCache
	ctx   context.Context
}

func newFixture(t *testing.T, seeded ...basic.BlockID) *fixture {
	t.Helper()
	store := newFailingStore()
	for _, id := range seeded {
		require.NoError(t, store.Put(id, bytes.Repeat([]byte{'.'}, testBlockSize)))
	}
	cache := buffer_pool.NewPageCache(store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(func() {
		_ = cache.Shutdown(ctx)
		cancel()
	})
	return &fixture{store: store, cache: cache, ctx: ctx}
}

// write 在 txn 中把 data 写入块 id 并释放锁
func (f *fixture) write(t *testing.T, txn *Transaction, id basic.BlockID, data string) {
	t.Helper()
	lock, err := NewBufLock(f.ctx, txn, id, basic.AccessWrite)
	require.NoError(t, err)
	w, err := NewBufWrite(f.ctx, lock)
	require.NoError(t, err)
	copy(w.GetDataForWrite(testBlockSize), data)
	w.Close()
	lock.Release()
}

// read 在 txn 中读取块 id
func (f *fixture) read(t *testing.T, txn *Transaction, id basic.BlockID) string {
	t.Helper()
	lock, err := NewBufLock(f.ctx, txn, id, basic.AccessRead)
	require.NoError(t, err)
	defer lock.Release()
	r, err := NewBufRead(f.ctx, lock)
	require.NoError(t, err)
	defer r.Close()
	return string(r.GetData())
}

func (f *fixture) writesTo(id basic.BlockID) []string {
	var out []string
	for _, rec := range f.store.WriteLog() {
		if rec.BlockID == id {
			out = append(out, string(rec.Data))
		}
	}
	return out
}
