package manager

import "errors"

// 事务错误
var (
	ErrOrderingViolation = errors.New("transaction ordering violation")
	ErrLiveBufLocks      = errors.New("transaction has live write buf locks")
	ErrTxFinished        = errors.New("transaction already finished")
	ErrReadOnlyTx        = errors.New("read-only transaction")
)
