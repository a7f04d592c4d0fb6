package basic

import "errors"

// 块存储相关错误
var (
	ErrBlockNotFound    = errors.New("block not found")
	ErrInvalidBlockID   = errors.New("invalid block id")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrStoreClosed      = errors.New("block store closed")
)
