package storage

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-blockcache/logger"
	"github.com/zhukovaskychina/xmysql-blockcache/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-blockcache/util"
)

/*
*
FileBlockStore 单文件块存储，块号 n 位于偏移 n*blockSize。

打开时文件中已有的块全部视为已分配；回收的块号只在本进程内复用，
重启后不会恢复空闲列表。
*
*/
type FileBlockStore struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	blockSize int

	next   basic.BlockID
	free   map[basic.BlockID]struct{}
	closed bool
}

// OpenFileBlockStore 打开或创建块文件
func OpenFileBlockStore(path string, blockSize int) (*FileBlockStore, error) {
	if blockSize <= 0 {
		return nil, errors.Wrapf(basic.ErrInvalidBlockSize, "block size %d", blockSize)
	}
	f, created, err := util.OpenOrCreateFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open block file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat block file %s", path)
	}
	if info.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, errors.Errorf("block file %s size %d is not a multiple of %d", path, info.Size(), blockSize)
	}
	s := &FileBlockStore{
		file:      f,
		path:      path,
		blockSize: blockSize,
		next:      basic.BlockID(info.Size() / int64(blockSize)),
		free:      make(map[basic.BlockID]struct{}),
	}
	if created {
		logger.Infof("created block file %s", path)
	} else {
		logger.Infof("opened block file %s with %d blocks", path, s.next)
	}
	return s, nil
}

func (s *FileBlockStore) BlockSize() int {
	return s.blockSize
}

func (s *FileBlockStore) offset(id basic.BlockID) int64 {
	return int64(id) * int64(s.blockSize)
}

func (s *FileBlockStore) checkLocked(id basic.BlockID) error {
	if s.closed {
		return basic.ErrStoreClosed
	}
	if id >= s.next {
		return basic.ErrBlockNotFound
	}
	if _, freed := s.free[id]; freed {
		return basic.ErrBlockNotFound
	}
	return nil
}

func (s *FileBlockStore) Read(ctx context.Context, id basic.BlockID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err := s.checkLocked(id)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "read %v", id)
	}

	data := make([]byte, s.blockSize)
	n, err := s.file.ReadAt(data, s.offset(id))
	if err != nil && !(err == io.EOF && n == s.blockSize) {
		return nil, errors.Wrapf(err, "read %v from %s", id, s.path)
	}
	return data, nil
}

func (s *FileBlockStore) Write(ctx context.Context, id basic.BlockID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) != s.blockSize {
		return errors.Wrapf(basic.ErrInvalidBlockSize, "write %v: %d bytes", id, len(data))
	}
	s.mu.Lock()
	err := s.checkLocked(id)
	s.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "write %v", id)
	}

	if _, err := s.file.WriteAt(data, s.offset(id)); err != nil {
		return errors.Wrapf(err, "write %v to %s", id, s.path)
	}
	return nil
}

func (s *FileBlockStore) Allocate(ctx context.Context) (basic.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return basic.NullBlockID, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return basic.NullBlockID, basic.ErrStoreClosed
	}
	for id := range s.free {
		delete(s.free, id)
		// 复用的块清零，读出与新分配的块一致
		if _, err := s.file.WriteAt(make([]byte, s.blockSize), s.offset(id)); err != nil {
			s.free[id] = struct{}{}
			return basic.NullBlockID, errors.Wrapf(err, "zero reused %v", id)
		}
		return id, nil
	}

	id := s.next
	if err := s.file.Truncate(s.offset(id + 1)); err != nil {
		return basic.NullBlockID, errors.Wrapf(err, "extend %s for %v", s.path, id)
	}
	s.next++
	return id, nil
}

func (s *FileBlockStore) Deallocate(ctx context.Context, id basic.BlockID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return errors.Wrapf(err, "deallocate %v", id)
	}
	s.free[id] = struct{}{}
	return nil
}

// Sync 刷盘
func (s *FileBlockStore) Sync() error {
	return errors.Wrapf(s.file.Sync(), "sync %s", s.path)
}

// Close 刷盘并关闭文件
func (s *FileBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.Wrapf(err, "sync %s", s.path)
	}
	return errors.Wrapf(s.file.Close(), "close %s", s.path)
}
