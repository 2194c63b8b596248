package domain

import "time"

// ConnectionState models the lifecycle of the streaming connection.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionError        ConnectionState = "error"
)

// ErrorCode identifies non-fatal and fatal pipeline errors.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodeAudioStream ErrorCode = "audio_stream"
	ErrorCodeConnection  ErrorCode = "connection"
	ErrorCodeProtocol    ErrorCode = "protocol"
	ErrorCodeBufferPool  ErrorCode = "buffer_pool"
	ErrorCodeProcessing  ErrorCode = "processing"
)

// TranscriptFragment is one incremental speech-to-text update from the
// remote service. Fragments are ephemeral: they are consumed by the batch
// processor as soon as they arrive.
type TranscriptFragment struct {
	Text       string        `json:"text"`
	IsFinal    bool          `json:"isFinal"`
	Confidence float64       `json:"confidence"`
	Offset     time.Duration `json:"offset"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// TranscriptBatch is an ordered group of fragments collected inside one
// batching window, with derived aggregates.
type TranscriptBatch struct {
	ID             string               `json:"id"`
	Fragments      []TranscriptFragment `json:"fragments"`
	Text           string               `json:"text"`
	MeanConfidence float64              `json:"meanConfidence"`
	ProcessingTime time.Duration        `json:"processingTime"`
	Size           int                  `json:"size"`
}

// PoolStatistics is an on-demand snapshot of the buffer pool.
type PoolStatistics struct {
	TotalBuffers     int     `json:"totalBuffers"`
	AvailableBuffers int     `json:"availableBuffers"`
	CheckedOut       int     `json:"checkedOut"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	HitRate          float64 `json:"hitRate"`
	MemoryMB         float64 `json:"memoryMb"`
	PeakMemoryMB     float64 `json:"peakMemoryMb"`
}

// QualityMetrics is the running processing-quality aggregate. It is mutated
// incrementally as batches complete and reset only by explicit operator
// action.
type QualityMetrics struct {
	TotalFragments     uint64        `json:"totalFragments"`
	MeanConfidence     float64       `json:"meanConfidence"`
	LowConfidence      uint64        `json:"lowConfidence"`
	MeanProcessingTime time.Duration `json:"meanProcessingTime"`
	Throughput         float64       `json:"throughput"`
	Score              float64       `json:"score"`
}

// ProcessingMetrics is the batch processor's observable state.
type ProcessingMetrics struct {
	Quality          QualityMetrics `json:"quality"`
	IsProcessing     bool           `json:"isProcessing"`
	Rate             float64        `json:"rate"`
	QueuedFragments  int            `json:"queuedFragments"`
	AvgBatchLatency  time.Duration  `json:"avgBatchLatency"`
	BatchesCompleted uint64         `json:"batchesCompleted"`
}

// SessionSummary is returned when a dictation session stops.
type SessionSummary struct {
	Transcript string        `json:"transcript"`
	Batches    int           `json:"batches"`
	Duration   time.Duration `json:"duration"`
}

// Status summarizes the current pipeline status.
type Status struct {
	State   ConnectionState `json:"state"`
	Active  bool            `json:"active"`
	Message string          `json:"message,omitempty"`
}
