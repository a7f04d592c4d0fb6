package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
)

// WriteRecord 一次成功写入
type WriteRecord struct {
	BlockID basic.BlockID
	Data    []byte
}

// MemoryBlockStore 内存块存储，块按 Codec 编码保存。
//
// 已分配但从未写入的块读出为全零；回收的块号后进先出复用。
type MemoryBlockStore struct {
	mu        sync.Mutex
	blockSize int
	codec     Codec

	blocks map[basic.BlockID][]byte // nil 值表示已分配未写入
	next   basic.BlockID
	free   []basic.BlockID
	log    []WriteRecord
	closed bool
}

// NewMemoryBlockStore 创建内存块存储，codec 为空时不压缩
func NewMemoryBlockStore(blockSize int, codec Codec) *MemoryBlockStore {
	if codec == nil {
		codec = rawCodec{}
	}
	return &MemoryBlockStore{
		blockSize: blockSize,
		codec:     codec,
		blocks:    make(map[basic.BlockID][]byte),
	}
}

func (s *MemoryBlockStore) BlockSize() int {
	return s.blockSize
}

func (s *MemoryBlockStore) Read(ctx context.Context, id basic.BlockID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, basic.ErrStoreClosed
	}
	encoded, ok := s.blocks[id]
	if !ok {
		return nil, errors.Wrapf(basic.ErrBlockNotFound, "read %v", id)
	}
	if encoded == nil {
		return make([]byte, s.blockSize), nil
	}
	data, err := s.codec.Decode(encoded, s.blockSize)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %v", id)
	}
	return data, nil
}

func (s *MemoryBlockStore) Write(ctx context.Context, id basic.BlockID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) != s.blockSize {
		return errors.Wrapf(basic.ErrInvalidBlockSize, "write %v: %d bytes", id, len(data))
	}
	encoded, err := s.codec.Encode(data)
	if err != nil {
		return errors.Wrapf(err, "encode %v", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return basic.ErrStoreClosed
	}
	if _, ok := s.blocks[id]; !ok {
		return errors.Wrapf(basic.ErrBlockNotFound, "write %v", id)
	}
	s.blocks[id] = encoded
	s.log = append(s.log, WriteRecord{BlockID: id, Data: append([]byte(nil), data...)})
	return nil
}

func (s *MemoryBlockStore) Allocate(ctx context.Context) (basic.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return basic.NullBlockID, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return basic.NullBlockID, basic.ErrStoreClosed
	}
	var id basic.BlockID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		for {
			id = s.next
			s.next++
			if _, used := s.blocks[id]; !used {
				break
			}
		}
	}
	s.blocks[id] = nil
	return id, nil
}

func (s *MemoryBlockStore) Deallocate(ctx context.Context, id basic.BlockID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return basic.ErrStoreClosed
	}
	if _, ok := s.blocks[id]; !ok {
		return errors.Wrapf(basic.ErrBlockNotFound, "deallocate %v", id)
	}
	delete(s.blocks, id)
	s.free = append(s.free, id)
	return nil
}

// Put 直接写入指定块号(必要时分配)，用于初始化数据
func (s *MemoryBlockStore) Put(id basic.BlockID, data []byte) error {
	if id == basic.NullBlockID {
		return basic.ErrInvalidBlockID
	}
	if len(data) != s.blockSize {
		return errors.Wrapf(basic.ErrInvalidBlockSize, "put %v: %d bytes", id, len(data))
	}
	encoded, err := s.codec.Encode(data)
	if err != nil {
		return errors.Wrapf(err, "encode %v", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = encoded
	for i, f := range s.free {
		if f == id {
			s.free = append(s.free[:i], s.free[i+1:]...)
			break
		}
	}
	return nil
}

// Allocated 块号是否处于已分配状态
func (s *MemoryBlockStore) Allocated(id basic.BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[id]
	return ok
}

// WriteLog 按发生顺序返回全部成功写入
func (s *MemoryBlockStore) WriteLog() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteRecord, len(s.log))
	copy(out, s.log)
	return out
}

// EncodedSize 编码后占用的总字节数
func (s *MemoryBlockStore) EncodedSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.blocks {
		total += len(b)
	}
	return total
}

// Close 之后所有操作返回 ErrStoreClosed
func (s *MemoryBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
