package domain

import "time"

// Diagnostics health thresholds. Treated as tunable heuristics, not hard
// correctness requirements.
const (
	HealthyErrorRateLimit = 0.1
	HealthyLatencyLimit   = 2 * time.Second
)

// ConnectionDiagnostics is an immutable snapshot derived from the connection
// manager's counters. It is recomputed on demand and never mutated in place.
type ConnectionDiagnostics struct {
	State            ConnectionState `json:"state"`
	ConnectAttempts  uint64          `json:"connectAttempts"`
	RetryCount       int             `json:"retryCount"`
	MessagesSent     uint64          `json:"messagesSent"`
	MessagesReceived uint64          `json:"messagesReceived"`
	Errors           uint64          `json:"errors"`
	Latency          time.Duration   `json:"latency"`
	Uptime           time.Duration   `json:"uptime"`
}

// ErrorRate is errors per message handled. Zero when no messages have moved.
func (d ConnectionDiagnostics) ErrorRate() float64 {
	total := d.MessagesSent + d.MessagesReceived
	if total == 0 {
		return 0
	}
	return float64(d.Errors) / float64(total)
}

// Healthy reports whether the connection is connected with an acceptable
// error rate and round-trip latency.
func (d ConnectionDiagnostics) Healthy() bool {
	return d.State == ConnectionConnected &&
		d.ErrorRate() < HealthyErrorRateLimit &&
		d.Latency < HealthyLatencyLimit
}

// ConnectionView is the read-only, continuously observable connection state
// exposed to UI layers.
type ConnectionView struct {
	IsConnected bool            `json:"isConnected"`
	State       ConnectionState `json:"connectionState"`
	LastError   string          `json:"connectionError,omitempty"`
	Latency     time.Duration   `json:"networkLatency"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
}
