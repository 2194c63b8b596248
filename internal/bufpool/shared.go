package bufpool

import (
	"sync"

	"murmur/internal/metrics"
)

// The process-wide shared pool is a convenience for callers that do not
// thread a pool through their constructors. It has an explicit lifecycle:
// nothing exists until InitShared, and ResetShared tears it down.
var (
	sharedMu sync.Mutex
	shared   *Pool
)

// InitShared constructs the shared pool. Subsequent calls replace it.
func InitShared(cfg Config, m *metrics.Metrics) *Pool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = New(cfg, m)
	return shared
}

// Shared returns the shared pool, or nil when InitShared has not run.
func Shared() *Pool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return shared
}

// ResetShared discards the shared pool.
func ResetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = nil
}
