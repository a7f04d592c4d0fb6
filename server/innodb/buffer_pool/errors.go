package buffer_pool

import (
	"errors"
	"fmt"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
)

var (
	// 缓存错误
	ErrCacheClosed = errors.New("page cache is shut down")

	// 刷新错误
	ErrPredecessorFailed = errors.New("predecessor flush failed")
)

// BlockStoreFailure 块存储读写失败，对受影响的页面和事务是致命的
type BlockStoreFailure struct {
	Op      string        // 操作名称
	BlockID basic.BlockID // 块号
	Err     error         // 原始错误
}

func (e *BlockStoreFailure) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("block store %s %v: %v", e.Op, e.BlockID, e.Err)
}

func (e *BlockStoreFailure) Unwrap() error {
	return e.Err
}

// NewBlockStoreFailure 创建块存储错误
func NewBlockStoreFailure(op string, id basic.BlockID, err error) error {
	return &BlockStoreFailure{
		Op:      op,
		BlockID: id,
		Err:     err,
	}
}

// IsBlockStoreFailure 检查是否为块存储错误
func IsBlockStoreFailure(err error) bool {
	var f *BlockStoreFailure
	return errors.As(err, &f)
}

// IsClosed 检查是否为缓存已关闭错误
func IsClosed(err error) bool {
	return errors.Is(err, ErrCacheClosed)
}
