package basic

import (
	"context"
	"fmt"
	"math"
)

// BlockID 块标识，由块存储分配和回收，全序且稳定
type BlockID uint64

// NullBlockID 无效块号
const NullBlockID BlockID = math.MaxUint64

func (id BlockID) String() string {
	if id == NullBlockID {
		return "block(null)"
	}
	return fmt.Sprintf("block(%d)", uint64(id))
}

// AccessMode Buf Lock 的访问模式
type AccessMode uint8

const (
	AccessRead   AccessMode = iota // 只读
	AccessIntent                   // 意向写，可升级为写
	AccessWrite                    // 写
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessIntent:
		return "intent"
	case AccessWrite:
		return "write"
	default:
		return fmt.Sprintf("access(%d)", uint8(m))
	}
}

// BlockStore 持久化块存储。
//
// Read 返回的切片归调用方所有；Write 不得保留 data。
// 不同事务之间的写入顺序由调用方保证，同一批次内的写入可以并发执行。
type BlockStore interface {
	// BlockSize 固定块大小(字节)
	BlockSize() int

	Read(ctx context.Context, id BlockID) ([]byte, error)

	Write(ctx context.Context, id BlockID, data []byte) error

	// Allocate 分配一个新块号
	Allocate(ctx context.Context) (BlockID, error)

	// Deallocate 回收块号，缓存不会根据块内容推断存活性
	Deallocate(ctx context.Context, id BlockID) error
}
