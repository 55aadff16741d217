package apperrors

import "errors"

var (
	ErrConnect           = errors.New("connect failed")
	ErrHealthCheck       = errors.New("health check failed")
	ErrPrepare           = errors.New("prepare failed")
	ErrTransactionStart  = errors.New("transaction start failed")
	ErrCommit            = errors.New("commit failed")
	ErrRollback          = errors.New("rollback failed")
	ErrInvalidScopeState = errors.New("transaction already finalized")
	ErrClientBorrowed    = errors.New("client is borrowed by an open transaction")
	ErrClientReleased    = errors.New("client already released to the pool")
	ErrConnectionLost    = errors.New("connection lost")
	ErrPoolClosed        = errors.New("pool is closed")
)
