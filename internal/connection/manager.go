// Package connection maintains the single persistent streaming connection to
// the transcription service, transparently surviving transient network
// failures through a reconnect state machine with exponential backoff.
package connection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"murmur/internal/domain"
	"murmur/internal/logging"
	"murmur/internal/metrics"
	"murmur/internal/ports"
	"murmur/internal/providers/deepgram"
)

// Config controls connection, backoff, and liveness behavior.
type Config struct {
	Settings       deepgram.Settings
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	StaleAfter     time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetries     int
	JitterFraction float64
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Minute
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.JitterFraction <= 0 || c.JitterFraction > 1 {
		c.JitterFraction = 0.1
	}
}

// Conn is the subset of the websocket connection the manager uses.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager owns one live connection and its timers. Every piece of mutable
// state lives behind the manager's lock; timers and loops carry the
// generation they were armed under and become no-ops once a state
// transition bumps it.
type Manager struct {
	cfg     Config
	creds   ports.CredentialStore
	sink    ports.FragmentSink
	events  ports.EventSink
	dialer  Dialer
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         domain.ConnectionState
	gen           uint64
	conn          Conn
	ctx           context.Context
	autoReconnect bool
	retryCount    int
	attempts      uint64
	sent          uint64
	received      uint64
	errs          uint64
	lastError     string
	connectedAt   time.Time
	lastMsgAt     time.Time
	latency       time.Duration
	pingSentAt    time.Time

	rand func() float64
}

// NewManager creates a disconnected manager. Fragments parsed off the wire
// are pushed to sink; events may be nil.
func NewManager(cfg Config, creds ports.CredentialStore, sink ports.FragmentSink, events ports.EventSink, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	if events == nil {
		events = ports.NopEventSink{}
	}
	return &Manager{
		cfg:     cfg,
		creds:   creds,
		sink:    sink,
		events:  events,
		dialer:  wsDialer{dialer: websocket.DefaultDialer},
		log:     logging.WithComponent("connection"),
		metrics: m,
		state:   domain.ConnectionDisconnected,
		rand:    rand.Float64,
	}
}

// Connect opens the streaming connection. A call while already connecting,
// connected, or inside a reconnect cycle resumes the existing attempt
// instead of starting a second one.
func (m *Manager) Connect(ctx context.Context, autoReconnect bool) error {
	m.mu.Lock()
	switch m.state {
	case domain.ConnectionConnected, domain.ConnectionConnecting, domain.ConnectionReconnecting:
		// Resuming an existing connection or cycle still adopts the
		// caller's context; future reconnect dials must not run under a
		// context an earlier caller has since cancelled.
		m.ctx = ctx
		m.autoReconnect = autoReconnect
		m.mu.Unlock()
		return nil
	}
	m.ctx = ctx
	m.autoReconnect = autoReconnect
	m.retryCount = 0
	m.state = domain.ConnectionConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.events.ConnectionStateChanged(domain.ConnectionConnecting, "")
	go m.dial(ctx, gen)
	return nil
}

// ForceReconnect bypasses backoff, resets the retry counter, and attempts a
// fresh connection immediately. Used for manual recovery from the terminal
// error state.
func (m *Manager) ForceReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.ctx = ctx
	m.autoReconnect = true
	m.retryCount = 0
	m.state = domain.ConnectionConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.events.ConnectionStateChanged(domain.ConnectionConnecting, "manual reconnect")
	go m.dial(ctx, gen)
}

// Disconnect disables auto-reconnect, cancels pending timers, sends a
// graceful close when connected, and forces the Disconnected state. Safe to
// call any number of times from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.autoReconnect = false
	m.retryCount = 0
	m.gen++
	if m.conn != nil {
		if m.state == domain.ConnectionConnected {
			_ = m.conn.WriteMessage(websocket.TextMessage, deepgram.CloseStreamMessage())
		}
		_ = m.conn.Close()
		m.conn = nil
	}
	changed := m.state != domain.ConnectionDisconnected
	m.state = domain.ConnectionDisconnected
	m.mu.Unlock()

	if changed {
		m.events.ConnectionStateChanged(domain.ConnectionDisconnected, "")
	}
}

// Send transmits one binary audio frame. When not connected the frame is
// dropped and logged; audio is lossy-tolerant and callers must not treat
// drops as fatal.
func (m *Manager) Send(data []byte) {
	m.mu.Lock()
	if m.state != domain.ConnectionConnected || m.conn == nil {
		m.mu.Unlock()
		m.log.Debug().Int("bytes", len(data)).Msg("dropping audio frame while not connected")
		return
	}
	err := m.conn.WriteMessage(websocket.BinaryMessage, data)
	if err == nil {
		m.sent++
		m.mu.Unlock()
		m.metrics.RecordSend(len(data))
		return
	}
	notify := m.failLocked(fmt.Sprintf("write failed: %v", err))
	m.mu.Unlock()
	notify()
}

// Diagnostics returns an immutable snapshot recomputed from counters.
func (m *Manager) Diagnostics() domain.ConnectionDiagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime time.Duration
	if m.state == domain.ConnectionConnected {
		uptime = time.Since(m.connectedAt)
	}
	return domain.ConnectionDiagnostics{
		State:            m.state,
		ConnectAttempts:  m.attempts,
		RetryCount:       m.retryCount,
		MessagesSent:     m.sent,
		MessagesReceived: m.received,
		Errors:           m.errs,
		Latency:          m.latency,
		Uptime:           uptime,
	}
}

// View returns the read-only state exposed to UI observers.
func (m *Manager) View() domain.ConnectionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ConnectionView{
		IsConnected: m.state == domain.ConnectionConnected,
		State:       m.state,
		LastError:   m.lastError,
		Latency:     m.latency,
		RetryCount:  m.retryCount,
		MaxRetries:  m.cfg.MaxRetries,
	}
}

// dial performs one connection attempt under the given generation.
func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.attempts++
	m.mu.Unlock()
	m.metrics.RecordConnectAttempt()

	// Timeout guard: fires only while this attempt's generation is live.
	m.after(m.cfg.ConnectTimeout, gen, func() func() {
		return m.failLocked("connection attempt timed out")
	})

	token, err := m.creds.Token(ctx)
	if err != nil {
		m.terminate(gen, fmt.Sprintf("credential lookup failed: %v", err))
		return
	}
	listenURL, err := deepgram.ListenURL(m.cfg.Settings)
	if err != nil {
		m.terminate(gen, fmt.Sprintf("invalid endpoint: %v", err))
		return
	}

	conn, dialErr := m.dialer.Dial(ctx, listenURL, deepgram.AuthHeader(token))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if dialErr == nil {
			_ = conn.Close()
		}
		return
	}
	if dialErr != nil {
		notify := m.failLocked(fmt.Sprintf("dial failed: %v", dialErr))
		m.mu.Unlock()
		notify()
		return
	}

	now := time.Now()
	m.conn = conn
	m.state = domain.ConnectionConnected
	m.gen++
	gen = m.gen
	m.retryCount = 0
	m.lastError = ""
	m.connectedAt = now
	m.lastMsgAt = now
	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		if !m.pingSentAt.IsZero() {
			m.latency = time.Since(m.pingSentAt)
		}
		m.mu.Unlock()
		return nil
	})
	m.mu.Unlock()

	m.log.Info().Str("url", listenURL).Msg("connected")
	m.events.ConnectionStateChanged(domain.ConnectionConnected, "")
	go m.readLoop(conn, gen)
	go m.healthLoop(conn, gen)
}

// readLoop consumes inbound messages until the connection fails or is
// superseded. Malformed messages count as errors but keep the connection
// open.
func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			notify := m.failLocked(fmt.Sprintf("read failed: %v", err))
			m.mu.Unlock()
			notify()
			return
		}

		fragment, ok, parseErr := deepgram.ParseFragment(payload)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.received++
		m.lastMsgAt = time.Now()
		if parseErr != nil {
			m.errs++
			m.mu.Unlock()
			m.metrics.RecordProtocolError()
			m.log.Warn().Err(parseErr).Msg("discarding malformed message")
			continue
		}
		// A parsed message after failed attempts means the link recovered.
		m.retryCount = 0
		m.mu.Unlock()

		if ok {
			m.metrics.RecordFragment(fragment.IsFinal)
			m.sink.Push(fragment)
		}
	}
}

// healthLoop pings the service and declares the connection stale when no
// message has arrived within StaleAfter.
func (m *Manager) healthLoop(conn Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if time.Since(m.lastMsgAt) > m.cfg.StaleAfter {
			notify := m.failLocked("connection presumed stale: no message within " + m.cfg.StaleAfter.String())
			m.mu.Unlock()
			notify()
			return
		}
		m.pingSentAt = time.Now()
		_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		m.mu.Unlock()
	}
}

// failLocked records a failure, tears down the current connection, and
// either schedules a backoff attempt or transitions to the terminal error
// state. The caller holds the lock; the returned func emits observer
// notifications and must be called after unlocking.
func (m *Manager) failLocked(detail string) func() {
	m.lastError = detail
	m.errs++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++

	if !m.autoReconnect {
		m.state = domain.ConnectionError
		m.log.Error().Str("detail", detail).Msg("connection failed")
		return func() {
			m.events.ConnectionStateChanged(domain.ConnectionError, detail)
			m.events.PipelineError(domain.ErrorCodeConnection, detail)
		}
	}

	m.retryCount++
	if m.retryCount >= m.cfg.MaxRetries {
		m.state = domain.ConnectionError
		m.autoReconnect = false
		terminal := fmt.Sprintf("retries exhausted after %d attempts: %s", m.retryCount, detail)
		m.log.Error().Str("detail", detail).Int("retries", m.retryCount).Msg("giving up")
		return func() {
			m.events.ConnectionStateChanged(domain.ConnectionError, terminal)
			m.events.PipelineError(domain.ErrorCodeConnection, terminal)
		}
	}

	m.state = domain.ConnectionReconnecting
	gen := m.gen
	ctx := m.ctx
	delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.retryCount)
	delay += m.jitter(delay)
	attempt := m.retryCount
	m.metrics.RecordReconnect()
	m.log.Warn().
		Str("detail", detail).
		Dur("delay", delay).
		Int("attempt", attempt).
		Int("max", m.cfg.MaxRetries).
		Msg("scheduling reconnect")

	m.after(delay, gen, func() func() {
		go m.dial(ctx, gen)
		return nil
	})

	status := fmt.Sprintf("reconnecting (attempt %d/%d): %s", attempt, m.cfg.MaxRetries, detail)
	return func() {
		m.events.ConnectionStateChanged(domain.ConnectionReconnecting, status)
	}
}

// terminate moves straight to the terminal error state; used for conditions
// that retrying cannot fix (missing credentials, broken endpoint).
func (m *Manager) terminate(gen uint64, detail string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastError = detail
	m.errs++
	m.autoReconnect = false
	m.state = domain.ConnectionError
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.log.Error().Str("detail", detail).Msg("terminal connection failure")
	m.events.ConnectionStateChanged(domain.ConnectionError, detail)
	m.events.PipelineError(domain.ErrorCodeConnection, detail)
}

// after runs fn under the lock once delay elapses, unless the generation has
// moved on. fn may return a notification closure to run after unlocking.
func (m *Manager) after(delay time.Duration, gen uint64, fn func() func()) {
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		notify := fn()
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
	})
}

// backoffDelay returns min(base * 2^(attempt-1), max) for 1-indexed attempts.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// jitter returns a uniformly random perturbation of up to JitterFraction of
// the delay, avoiding synchronized retry storms.
func (m *Manager) jitter(delay time.Duration) time.Duration {
	return time.Duration(m.rand() * m.cfg.JitterFraction * float64(delay))
}
