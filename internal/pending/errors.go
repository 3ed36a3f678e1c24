package pending

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running buffer.
	ErrAlreadyRunning = errors.New("buffer is already running")

	// ErrNilStore is returned by New without a record store.
	ErrNilStore = errors.New("record store cannot be nil")

	// ErrNilCache is returned by New without a cache.
	ErrNilCache = errors.New("cache cannot be nil")
)
