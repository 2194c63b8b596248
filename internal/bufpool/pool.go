// Package bufpool recycles fixed-capacity audio sample buffers so that
// steady-state capture does not allocate per chunk.
package bufpool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"murmur/internal/domain"
	"murmur/internal/logging"
	"murmur/internal/metrics"
)

// PooledBuffer is a reusable fixed-capacity audio sample container. A buffer
// is either available (held by the pool, payload logically empty) or checked
// out (owned by exactly one caller), never both.
type PooledBuffer struct {
	ID   string
	Data []byte

	recycledAt time.Time
	pooled     bool
}

// Capacity returns the fixed frame capacity in bytes.
func (b *PooledBuffer) Capacity() int {
	return cap(b.Data)
}

// Config controls pool sizing and recycling behavior.
type Config struct {
	FrameBytes      int
	MaxPoolSize     int
	Prewarm         int
	MaxAge          time.Duration
	CleanupInterval time.Duration
	GrowHitRate     float64
	ShrinkHitRate   float64
	MemoryBudgetMB  float64
}

func (c *Config) applyDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 32
	}
	if c.Prewarm > c.MaxPoolSize {
		c.Prewarm = c.MaxPoolSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Second
	}
	if c.GrowHitRate <= 0 {
		c.GrowHitRate = 0.9
	}
	if c.ShrinkHitRate <= 0 {
		c.ShrinkHitRate = 0.5
	}
	if c.MemoryBudgetMB <= 0 {
		c.MemoryBudgetMB = 4
	}
}

// ResizeAction reports what ResizeToFit decided to do.
type ResizeAction string

const (
	ResizeGrow   ResizeAction = "grow"
	ResizeShrink ResizeAction = "shrink"
	ResizeHold   ResizeAction = "hold"
)

// Pool hands out buffers on Acquire and reclaims them on Release. The free
// list is LIFO so the most recently returned buffer is reused first. All
// list mutation happens under the pool's own lock; callers interact only
// through Acquire and Release.
type Pool struct {
	mu          sync.Mutex
	cfg         Config
	free        []*PooledBuffer
	checkedOut  map[string]struct{}
	hits        uint64
	misses      uint64
	lastCleanup time.Time
	peakMB      float64

	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a pool and pre-warms it with cfg.Prewarm buffers.
func New(cfg Config, m *metrics.Metrics) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:        cfg,
		checkedOut: make(map[string]struct{}),
		now:        time.Now,
		log:        logging.WithComponent("bufpool"),
		metrics:    m,
	}
	for i := 0; i < cfg.Prewarm; i++ {
		p.free = append(p.free, p.newBuffer())
	}
	p.lastCleanup = p.now()
	p.updatePeakLocked()
	return p
}

// Acquire returns a buffer of the configured capacity, recycling one when
// possible. It never blocks; nil means allocation is impossible and the
// caller should drop the frame or retry.
func (p *Pool) Acquire() *PooledBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.cleanupLocked(now)

	for len(p.free) > 0 {
		last := len(p.free) - 1
		buf := p.free[last]
		p.free = p.free[:last]
		if now.Sub(buf.recycledAt) > p.cfg.MaxAge {
			p.metrics.RecordPoolEviction()
			continue
		}
		buf.pooled = false
		p.checkedOut[buf.ID] = struct{}{}
		p.hits++
		p.metrics.RecordPoolHit()
		return buf
	}

	if p.cfg.FrameBytes <= 0 {
		return nil
	}

	buf := p.newBuffer()
	buf.pooled = false
	p.misses++
	p.metrics.RecordPoolMiss()
	// Adopt the buffer only while there is room; otherwise it lives outside
	// the pool until Release decides its fate.
	if len(p.free)+len(p.checkedOut) < p.cfg.MaxPoolSize {
		p.checkedOut[buf.ID] = struct{}{}
	}
	p.updatePeakLocked()
	return buf
}

// Release clears the buffer payload and returns it to the free list unless
// the pool is already at its maximum size, in which case the buffer is
// dropped. Releasing nil or an already-pooled buffer is a no-op.
func (p *Pool) Release(buf *PooledBuffer) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.pooled {
		return
	}

	buf.Data = buf.Data[:0]
	buf.recycledAt = p.now()
	delete(p.checkedOut, buf.ID)

	if len(p.free)+len(p.checkedOut) < p.cfg.MaxPoolSize {
		buf.pooled = true
		p.free = append(p.free, buf)
	} else {
		p.metrics.RecordPoolEviction()
	}
	p.metrics.SetPoolBuffers(len(p.free) + len(p.checkedOut))
}

// Statistics returns an on-demand snapshot.
func (p *Pool) Statistics() domain.PoolStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statisticsLocked()
}

func (p *Pool) statisticsLocked() domain.PoolStatistics {
	total := len(p.free) + len(p.checkedOut)
	stats := domain.PoolStatistics{
		TotalBuffers:     total,
		AvailableBuffers: len(p.free),
		CheckedOut:       len(p.checkedOut),
		Hits:             p.hits,
		Misses:           p.misses,
		MemoryMB:         p.memoryMB(total),
		PeakMemoryMB:     p.peakMB,
	}
	if p.hits+p.misses > 0 {
		stats.HitRate = float64(p.hits) / float64(p.hits+p.misses)
	}
	return stats
}

// ResizeToFit adaptively grows the pool toward MaxPoolSize when the hit rate
// is high and memory is cheap, or sheds idle buffers when the hit rate is
// poor or memory is tight. A heuristic control loop, not a hard guarantee.
func (p *Pool) ResizeToFit() ResizeAction {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.statisticsLocked()
	requests := p.hits + p.misses

	switch {
	case requests > 0 && stats.HitRate < p.cfg.ShrinkHitRate,
		stats.MemoryMB > p.cfg.MemoryBudgetMB:
		drop := len(p.free) / 2
		for i := 0; i < drop; i++ {
			last := len(p.free) - 1
			p.free[last] = nil
			p.free = p.free[:last]
			p.metrics.RecordPoolEviction()
		}
		p.log.Debug().Int("dropped", drop).Msg("pool shrunk")
		p.metrics.SetPoolBuffers(len(p.free) + len(p.checkedOut))
		return ResizeShrink

	case requests > 0 && stats.HitRate > p.cfg.GrowHitRate && stats.MemoryMB < p.cfg.MemoryBudgetMB:
		added := 0
		for len(p.free)+len(p.checkedOut) < p.cfg.MaxPoolSize {
			p.free = append(p.free, p.newBuffer())
			added++
		}
		p.updatePeakLocked()
		p.log.Debug().Int("added", added).Msg("pool grown")
		p.metrics.SetPoolBuffers(len(p.free) + len(p.checkedOut))
		return ResizeGrow

	default:
		return ResizeHold
	}
}

// cleanupLocked evicts stale free buffers, at most once per CleanupInterval.
func (p *Pool) cleanupLocked(now time.Time) {
	if now.Sub(p.lastCleanup) < p.cfg.CleanupInterval {
		return
	}
	p.lastCleanup = now

	kept := p.free[:0]
	for _, buf := range p.free {
		if now.Sub(buf.recycledAt) > p.cfg.MaxAge {
			p.metrics.RecordPoolEviction()
			continue
		}
		kept = append(kept, buf)
	}
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = kept
}

func (p *Pool) newBuffer() *PooledBuffer {
	return &PooledBuffer{
		ID:         uuid.NewString(),
		Data:       make([]byte, 0, p.cfg.FrameBytes),
		recycledAt: p.now(),
		pooled:     true,
	}
}

func (p *Pool) memoryMB(buffers int) float64 {
	return float64(buffers*p.cfg.FrameBytes) / (1 << 20)
}

func (p *Pool) updatePeakLocked() {
	if mb := p.memoryMB(len(p.free) + len(p.checkedOut)); mb > p.peakMB {
		p.peakMB = mb
	}
	p.metrics.SetPoolBuffers(len(p.free) + len(p.checkedOut))
}
