package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/buffer_pool"
)

// TransactionManager 一个页面缓存上的事务管理器，按开始顺序把读写事务串成前驱链
type TransactionManager struct {
	mu                 sync.RWMutex
	cache              *buffer_pool.PageCache
	last               *Transaction           // 最近开始的读写事务
	activeTransactions map[int64]*Transaction // 活跃事务

	defaultTimeout time.Duration
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(cache *buffer_pool.PageCache) *TransactionManager {
	return &TransactionManager{
		cache:              cache,
		activeTransactions: make(map[int64]*Transaction),
		defaultTimeout:     time.Hour,
	}
}

// Begin 开始读写事务，前驱为上一个读写事务
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	trx := BeginTransaction(tm.cache, tm.last)
	tm.last = trx
	tm.activeTransactions[trx.ID] = trx
	return trx
}

// BeginReadOnly 开始只读快照事务，不进入前驱链
func (tm *TransactionManager) BeginReadOnly() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	trx := BeginReadOnlyTransaction(tm.cache)
	tm.activeTransactions[trx.ID] = trx
	return trx
}

// Commit 提交事务，进入终态后从活跃列表移除
func (tm *TransactionManager) Commit(ctx context.Context, trx *Transaction) error {
	err := trx.Commit(ctx)
	if st := trx.State(); st == TRX_STATE_COMMITTED || st == TRX_STATE_FAILED {
		tm.mu.Lock()
		delete(tm.activeTransactions, trx.ID)
		tm.mu.Unlock()
	}
	return err
}

// GetTransaction 获取活跃事务
func (tm *TransactionManager) GetTransaction(trxID int64) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTransactions[trxID]
}

// ActiveCount 活跃事务数
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeTransactions)
}

// Cleanup 移除已直接提交的事务，并报告运行超过 defaultTimeout 的事务
func (tm *TransactionManager) Cleanup() []int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var longRunning []int64
	now := time.Now()
	for id, trx := range tm.activeTransactions {
		switch trx.State() {
		case TRX_STATE_COMMITTED, TRX_STATE_FAILED:
			delete(tm.activeTransactions, id)
		default:
			if now.Sub(trx.StartTime) > tm.defaultTimeout {
				longRunning = append(longRunning, id)
			}
		}
	}
	sort.Slice(longRunning, func(i, j int) bool { return longRunning[i] < longRunning[j] })
	for _, id := range longRunning {
		logger.Warnf("transaction %d active for more than %v", id, tm.defaultTimeout)
	}
	return longRunning
}

// Close 按开始顺序提交所有活跃事务，返回第一个错误
func (tm *TransactionManager) Close(ctx context.Context) error {
	tm.mu.RLock()
	pending := make([]*Transaction, 0, len(tm.activeTransactions))
	for _, trx := range tm.activeTransactions {
		pending = append(pending, trx)
	}
	tm.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	var first error
	for _, trx := range pending {
		if err := tm.Commit(ctx, trx); err != nil && first == nil {
			first = jerrors.Annotatef(err, "commit transaction %d", trx.ID)
		}
	}
	return first
}
