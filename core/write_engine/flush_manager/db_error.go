package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrTableNotFound      = errors.New("table not configured in buffer pool")
	ErrPageNotFoundOnDisk = errors.New("page not found on disk")
	ErrPoolExhausted      = errors.New("buffer pool is full and every frame is pinned")
	ErrIO                 = errors.New("i/o error")
	ErrNotResident        = errors.New("page not resident in buffer pool")
	ErrNotPinned          = errors.New("page is not pinned")
	ErrPoolClosed         = errors.New("buffer pool is closed")
	ErrHandleReleased     = errors.New("page handle already released")
	ErrInvalidPoolConfig  = errors.New("invalid buffer pool configuration")
)
