// Package batching converts the continuous fragment stream into discrete
// batches using a debounce-then-chunk policy, without fixed-interval
// polling, and tracks processing quality as it goes.
package batching

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"murmur/internal/domain"
	"murmur/internal/logging"
	"murmur/internal/metrics"
	"murmur/internal/ports"
)

const latencyWindow = 50

// Config controls batching windows and quality scoring. The thresholds and
// weights are tunable heuristics.
type Config struct {
	DebounceWindow    time.Duration
	ChunkSize         int
	QueueSize         int
	TargetThroughput  float64
	TuningInterval    time.Duration
	QualityThreshold  float64
	LowConfidence     float64
	ConfidenceWeight  float64
	ThroughputWeight  float64
	ReliabilityWeight float64
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 50 * time.Millisecond
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TargetThroughput <= 0 {
		c.TargetThroughput = 100
	}
	if c.TuningInterval <= 0 {
		c.TuningInterval = 5 * time.Second
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.7
	}
	if c.LowConfidence <= 0 {
		c.LowConfidence = 0.6
	}
	if c.ConfidenceWeight <= 0 {
		c.ConfidenceWeight = 0.4
	}
	if c.ThroughputWeight <= 0 {
		c.ThroughputWeight = 0.3
	}
	if c.ReliabilityWeight <= 0 {
		c.ReliabilityWeight = 0.3
	}
}

type sequenced struct {
	fragment domain.TranscriptFragment
	seq      uint64
}

// Processor drains pushed fragments through three cooperative loops: the
// debounce/chunk drain loop, the quality-reaction loop, and the periodic
// tuning loop. All mutable aggregate state is guarded by one lock and only
// ever written by those loops or Push.
type Processor struct {
	cfg        Config
	normalizer ports.Normalizer
	events     ports.EventSink
	log        zerolog.Logger
	metrics    *metrics.Metrics

	in        chan sequenced
	flush     chan struct{}
	batches   chan domain.TranscriptBatch
	completed chan float64
	debounced func(func())

	mu          sync.Mutex
	quality     domain.QualityMetrics
	latencies   []time.Duration
	batchCount  uint64
	queued      int
	inFlight    bool
	dropped     uint64
	lastBatchAt time.Time
	seq         uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped processor. normalizer and events may be nil.
func New(cfg Config, normalizer ports.Normalizer, events ports.EventSink, m *metrics.Metrics) *Processor {
	cfg.applyDefaults()
	if events == nil {
		events = ports.NopEventSink{}
	}
	return &Processor{
		cfg:        cfg,
		normalizer: normalizer,
		events:     events,
		log:        logging.WithComponent("batching"),
		metrics:    m,
		in:         make(chan sequenced, cfg.QueueSize),
		flush:      make(chan struct{}, 1),
		batches:    make(chan domain.TranscriptBatch, 16),
		completed:  make(chan float64, 16),
		debounced:  debounce.New(cfg.DebounceWindow),
	}
}

// Start launches the three background loops. Idempotent.
func (p *Processor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.wg.Add(3)
		go p.drainLoop(runCtx)
		go p.qualityLoop(runCtx)
		go p.tuningLoop(runCtx)
	})
}

// Stop cancels the loops cooperatively, flushes any pending burst, and
// closes the batch channel.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		close(p.batches)
	})
}

// Push enqueues one fragment. A full queue drops the fragment; audio
// transcription tolerates loss and the drop is counted.
func (p *Processor) Push(fragment domain.TranscriptFragment) {
	if fragment.ReceivedAt.IsZero() {
		fragment.ReceivedAt = time.Now()
	}

	p.mu.Lock()
	p.seq++
	item := sequenced{fragment: fragment, seq: p.seq}
	p.mu.Unlock()

	select {
	case p.in <- item:
		p.mu.Lock()
		p.queued++
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.Warn().Msg("fragment queue full; dropping fragment")
		return
	}

	p.debounced(func() {
		select {
		case p.flush <- struct{}{}:
		default:
		}
	})
}

// Batches is the downstream stream of finished batches. Closed by Stop.
func (p *Processor) Batches() <-chan domain.TranscriptBatch {
	return p.batches
}

// Metrics returns an on-demand snapshot of processing state.
func (p *Processor) Metrics() domain.ProcessingMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg time.Duration
	if len(p.latencies) > 0 {
		var sum time.Duration
		for _, d := range p.latencies {
			sum += d
		}
		avg = sum / time.Duration(len(p.latencies))
	}

	return domain.ProcessingMetrics{
		Quality:          p.quality,
		IsProcessing:     p.inFlight || p.queued > 0,
		Rate:             p.quality.Throughput,
		QueuedFragments:  p.queued,
		AvgBatchLatency:  avg,
		BatchesCompleted: p.batchCount,
	}
}

// ResetQuality zeroes the running quality aggregate. Explicit operator
// action only; nothing resets it implicitly.
func (p *Processor) ResetQuality() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quality = domain.QualityMetrics{}
	p.latencies = nil
	p.batchCount = 0
	p.lastBatchAt = time.Time{}
}

// drainLoop groups fragments into bursts closed by the debounce window and
// cuts a chunk early whenever a burst reaches ChunkSize.
func (p *Processor) drainLoop(ctx context.Context) {
	defer p.wg.Done()

	var burst []sequenced
	for {
		select {
		case <-ctx.Done():
			for len(burst) > 0 {
				n := p.cfg.ChunkSize
				if n > len(burst) {
					n = len(burst)
				}
				p.emit(ctx, burst[:n])
				burst = burst[n:]
			}
			return

		case item := <-p.in:
			burst = append(burst, item)
			if len(burst) >= p.cfg.ChunkSize {
				p.emit(ctx, burst[:p.cfg.ChunkSize])
				burst = append([]sequenced(nil), burst[p.cfg.ChunkSize:]...)
			}

		case <-p.flush:
			for len(burst) > 0 {
				n := p.cfg.ChunkSize
				if n > len(burst) {
					n = len(burst)
				}
				p.emit(ctx, burst[:n])
				burst = append([]sequenced(nil), burst[n:]...)
			}
		}
	}
}

// emit processes one chunk into a batch: fragments are normalized
// concurrently, then reassembled in arrival order before the text join.
func (p *Processor) emit(ctx context.Context, chunk []sequenced) {
	if len(chunk) == 0 {
		return
	}

	p.mu.Lock()
	p.inFlight = true
	p.mu.Unlock()

	start := time.Now()
	results := make([]sequenced, len(chunk))
	var wg sync.WaitGroup
	for i, item := range chunk {
		wg.Add(1)
		go func(i int, item sequenced) {
			defer wg.Done()
			if p.normalizer != nil {
				if text, err := p.normalizer.Apply(item.fragment.Text); err == nil {
					item.fragment.Text = text
				} else {
					p.log.Warn().Err(err).Msg("fragment normalization failed")
				}
			}
			results[i] = item
		}(i, item)
	}
	wg.Wait()

	// Processing may finish out of order; logical sequence may not.
	sort.Slice(results, func(i, j int) bool { return results[i].seq < results[j].seq })

	fragments := make([]domain.TranscriptFragment, len(results))
	texts := make([]string, 0, len(results))
	var confidenceSum float64
	for i, item := range results {
		fragments[i] = item.fragment
		confidenceSum += item.fragment.Confidence
		if item.fragment.Text != "" {
			texts = append(texts, item.fragment.Text)
		}
	}

	elapsed := time.Since(start)
	batch := domain.TranscriptBatch{
		ID:             uuid.NewString(),
		Fragments:      fragments,
		Text:           strings.Join(texts, " "),
		MeanConfidence: confidenceSum / float64(len(results)),
		ProcessingTime: elapsed,
		Size:           len(results),
	}

	score := p.recordBatch(batch)
	p.metrics.RecordBatch(batch.Size, elapsed.Seconds())

	select {
	case p.completed <- score:
	default:
	}

	select {
	case p.batches <- batch:
	default:
		// Buffer full: block until the consumer catches up or we shut
		// down. The final flush after cancellation still lands via the
		// buffered fast path above.
		select {
		case p.batches <- batch:
		case <-ctx.Done():
			p.mu.Lock()
			p.dropped += uint64(batch.Size)
			p.mu.Unlock()
			p.log.Warn().Int("size", batch.Size).Msg("discarding batch during shutdown; consumer not draining")
		}
	}

	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// recordBatch folds one batch into the running quality aggregate using
// (old + sample) / 2 blending, keeping updates O(1) regardless of history.
func (p *Processor) recordBatch(batch domain.TranscriptBatch) float64 {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.queued -= batch.Size
	if p.queued < 0 {
		p.queued = 0
	}

	first := p.batchCount == 0
	p.batchCount++
	p.quality.TotalFragments += uint64(batch.Size)
	for _, fragment := range batch.Fragments {
		if fragment.Confidence < p.cfg.LowConfidence {
			p.quality.LowConfidence++
		}
	}

	if first {
		p.quality.MeanConfidence = batch.MeanConfidence
		p.quality.MeanProcessingTime = batch.ProcessingTime
	} else {
		p.quality.MeanConfidence = (p.quality.MeanConfidence + batch.MeanConfidence) / 2
		p.quality.MeanProcessingTime = (p.quality.MeanProcessingTime + batch.ProcessingTime) / 2
	}

	if !p.lastBatchAt.IsZero() {
		if elapsed := now.Sub(p.lastBatchAt).Seconds(); elapsed > 0 {
			sample := float64(batch.Size) / elapsed
			if p.quality.Throughput == 0 {
				p.quality.Throughput = sample
			} else {
				p.quality.Throughput = (p.quality.Throughput + sample) / 2
			}
		}
	}
	p.lastBatchAt = now

	p.quality.Score = p.compositeScoreLocked()

	if len(p.latencies) < latencyWindow {
		p.latencies = append(p.latencies, batch.ProcessingTime)
	} else {
		copy(p.latencies, p.latencies[1:])
		p.latencies[latencyWindow-1] = batch.ProcessingTime
	}

	return p.quality.Score
}

// compositeScoreLocked blends confidence, throughput-vs-target, and
// reliability into one quality score.
func (p *Processor) compositeScoreLocked() float64 {
	throughputRatio := p.quality.Throughput / p.cfg.TargetThroughput
	if throughputRatio > 1 {
		throughputRatio = 1
	}

	reliability := 1.0
	if p.quality.TotalFragments > 0 {
		reliability = 1 - float64(p.quality.LowConfidence)/float64(p.quality.TotalFragments)
	}

	return p.cfg.ConfidenceWeight*p.quality.MeanConfidence +
		p.cfg.ThroughputWeight*throughputRatio +
		p.cfg.ReliabilityWeight*reliability
}

// qualityLoop raises an alert whenever a completed batch leaves the
// composite score below the configured threshold.
func (p *Processor) qualityLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case score := <-p.completed:
			if score < p.cfg.QualityThreshold {
				p.log.Warn().Float64("score", score).Msg("quality below threshold")
				p.events.QualityAlert(score)
			}
		}
	}
}

// tuningLoop periodically compares measured throughput against the target
// and emits advisory adjustment signals. Advisory only; nothing is enforced.
func (p *Processor) tuningLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.TuningInterval)
	defer ticker.Stop()

	var lastTotal uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			total := p.quality.TotalFragments
			queued := p.queued
			p.mu.Unlock()

			rate := float64(total-lastTotal) / p.cfg.TuningInterval.Seconds()
			lastTotal = total

			switch {
			case rate > p.cfg.TargetThroughput*1.5:
				p.events.TuningAdvice("reduce batch size")
			case rate < p.cfg.TargetThroughput*0.5 && queued > 0:
				p.events.TuningAdvice("increase debounce window")
			}
		}
	}
}
