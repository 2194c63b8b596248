package connection

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"murmur/internal/domain"
)

func testConfig() Config {
	return Config{
		ConnectTimeout: 200 * time.Millisecond,
		HealthInterval: time.Second,
		StaleAfter:     time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		MaxRetries:     3,
		JitterFraction: 0.1,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func validPayload(text string) []byte {
	return []byte(`{"is_final":true,"channel":{"alternatives":[{"transcript":"` + text + `","confidence":0.9}]}}`)
}

func TestConnectSuccessAndFragmentFlow(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	sink := &fragmentRecorder{}
	manager := newTestManager(testConfig(), dialer, sink, nil)

	if err := manager.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "connected state", func() bool {
		return manager.View().IsConnected
	})

	conn.inbound <- validPayload("hello")
	conn.inbound <- validPayload("world")
	waitFor(t, "two fragments", func() bool {
		return len(sink.snapshot()) == 2
	})

	frags := sink.snapshot()
	if frags[0].Text != "hello" || frags[1].Text != "world" {
		t.Fatalf("fragments out of order: %+v", frags)
	}
	if !frags[0].IsFinal {
		t.Fatalf("expected final fragment")
	}

	diag := manager.Diagnostics()
	if diag.MessagesReceived != 2 || diag.Errors != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func TestMalformedMessageCountedButConnectionSurvives(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	sink := &fragmentRecorder{}
	manager := newTestManager(testConfig(), dialer, sink, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "connected state", func() bool { return manager.View().IsConnected })

	conn.inbound <- []byte("{broken")
	conn.inbound <- validPayload("still here")

	waitFor(t, "fragment after malformed message", func() bool {
		return len(sink.snapshot()) == 1
	})

	diag := manager.Diagnostics()
	if diag.Errors != 1 {
		t.Fatalf("expected one protocol error, got %d", diag.Errors)
	}
	if diag.State != domain.ConnectionConnected {
		t.Fatalf("malformed message must not tear down the connection: %s", diag.State)
	}
	if got := diag.ErrorRate(); got != 0.5 {
		t.Fatalf("unexpected error rate: %f", got)
	}
}

func TestSendWhenNotConnectedIsSilentDrop(t *testing.T) {
	t.Parallel()

	manager := newTestManager(testConfig(), &fakeDialer{}, &fragmentRecorder{}, nil)
	manager.Send([]byte("audio"))

	diag := manager.Diagnostics()
	if diag.MessagesSent != 0 {
		t.Fatalf("expected drop, got sent=%d", diag.MessagesSent)
	}
	if diag.State != domain.ConnectionDisconnected {
		t.Fatalf("unexpected state: %s", diag.State)
	}
}

func TestSendWritesBinaryFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "connected state", func() bool { return manager.View().IsConnected })

	manager.Send([]byte{1, 2, 3})

	writes := conn.snapshotWrites()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writes))
	}
	if writes[0].messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", writes[0].messageType)
	}
	if manager.Diagnostics().MessagesSent != 1 {
		t.Fatalf("sent counter not incremented")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "connected state", func() bool { return manager.View().IsConnected })

	for i := 0; i < 3; i++ {
		manager.Disconnect()
		if got := manager.View().State; got != domain.ConnectionDisconnected {
			t.Fatalf("disconnect %d left state %s", i, got)
		}
	}

	writes := conn.snapshotWrites()
	if len(writes) != 1 || !strings.Contains(string(writes[0].data), "CloseStream") {
		t.Fatalf("expected one graceful close message, got %+v", writes)
	}
}

func TestDisconnectFromFreshManager(t *testing.T) {
	t.Parallel()

	manager := newTestManager(testConfig(), &fakeDialer{}, &fragmentRecorder{}, nil)
	manager.Disconnect()
	manager.Disconnect()
	if got := manager.View().State; got != domain.ConnectionDisconnected {
		t.Fatalf("unexpected state: %s", got)
	}
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{results: []dialResult{{err: errors.New("unreachable")}}}
	events := &eventRecorder{}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, events)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "terminal error state", func() bool {
		return manager.View().State == domain.ConnectionError
	})

	attempts := manager.Diagnostics().ConnectAttempts
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}

	time.Sleep(50 * time.Millisecond)
	if again := manager.Diagnostics().ConnectAttempts; again != attempts {
		t.Fatalf("automatic reconnects continued after terminal state: %d -> %d", attempts, again)
	}
	if view := manager.View(); !strings.Contains(view.LastError, "retries exhausted") {
		t.Fatalf("expected terminal error surfaced, got %q", view.LastError)
	}
	if !events.sawState(domain.ConnectionReconnecting) {
		t.Fatalf("expected reconnecting notifications before terminal state")
	}
}

func TestReconnectAfterTransientFailure(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("blip")},
		{conn: conn},
	}}
	events := &eventRecorder{}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, events)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "connected after transient failure", func() bool {
		return manager.View().IsConnected
	})

	diag := manager.Diagnostics()
	if diag.ConnectAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", diag.ConnectAttempts)
	}
	if diag.RetryCount != 0 {
		t.Fatalf("retry counter should reset on success, got %d", diag.RetryCount)
	}
}

func TestReconnectUsesContextFromLatestConnect(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	dialer := &ctxAwareDialer{conns: []*fakeConn{first, second}}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	sessionCtx, cancel := context.WithCancel(context.Background())
	_ = manager.Connect(sessionCtx, true)
	waitFor(t, "first connection", func() bool { return manager.View().IsConnected })

	// First caller goes away; the connection deliberately stays up for the
	// next caller, which resumes with a live context.
	cancel()
	_ = manager.Connect(context.Background(), true)

	// Transient transport blip after the first caller's context died.
	_ = first.Close()

	waitFor(t, "reconnected under the fresh context", func() bool {
		return dialer.callCount() == 2 && manager.View().IsConnected
	})
	if got := manager.View().State; got != domain.ConnectionConnected {
		t.Fatalf("expected recovery, got %s", got)
	}
}

func TestFailedWriteNotCountedAsSent(t *testing.T) {
	t.Parallel()

	conn := &failingWriteConn{fakeConn: newFakeConn()}
	manager := newTestManager(testConfig(), staticDialer{conn: conn}, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "connected state", func() bool { return manager.View().IsConnected })

	manager.Send([]byte{1, 2, 3})

	diag := manager.Diagnostics()
	if diag.MessagesSent != 0 {
		t.Fatalf("failed write must not count as sent, got %d", diag.MessagesSent)
	}
	if diag.Errors == 0 {
		t.Fatalf("failed write should count as an error")
	}
}

func TestReadFailureFeedsReconnectPath(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "first connection", func() bool { return manager.View().IsConnected })

	// Abnormal close from the far side.
	_ = first.Close()

	waitFor(t, "reconnected on second conn", func() bool {
		return dialer.callCount() == 2 && manager.View().IsConnected
	})
}

func TestStaleConnectionIsRecycled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	cfg.StaleAfter = time.Millisecond

	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}
	manager := newTestManager(cfg, dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "stale connection replaced", func() bool {
		return dialer.callCount() >= 2
	})
}

func TestForceReconnectRecoversFromTerminalState(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{err: errors.New("down")},
		{conn: conn},
	}}
	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "terminal state", func() bool {
		return manager.View().State == domain.ConnectionError
	})

	manager.ForceReconnect(context.Background())
	waitFor(t, "manual recovery", func() bool {
		return manager.View().IsConnected
	})
	if rc := manager.Diagnostics().RetryCount; rc != 0 {
		t.Fatalf("force reconnect should reset retry counter, got %d", rc)
	}
}

func TestConnectWhileInFlightResumesExistingAttempt(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	dialer := &blockingDialer{release: release}
	t.Cleanup(func() { close(release) })

	manager := newTestManager(testConfig(), dialer, &fragmentRecorder{}, nil)

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "first dial in flight", func() bool { return dialer.callCount() == 1 })
	_ = manager.Connect(context.Background(), true)
	_ = manager.Connect(context.Background(), true)

	time.Sleep(20 * time.Millisecond)
	if calls := dialer.callCount(); calls != 1 {
		t.Fatalf("expected a single in-flight attempt, got %d dials", calls)
	}
}

func TestConnectTimeoutTriggersBackoff(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 2

	release := make(chan struct{})
	dialer := &blockingDialer{release: release}
	t.Cleanup(func() { close(release) })

	manager := newTestManager(cfg, dialer, &fragmentRecorder{}, nil)
	_ = manager.Connect(context.Background(), true)

	waitFor(t, "terminal state after repeated timeouts", func() bool {
		return manager.View().State == domain.ConnectionError
	})
}

func TestCredentialFailureIsTerminal(t *testing.T) {
	t.Parallel()

	manager := newTestManager(testConfig(), &fakeDialer{}, &fragmentRecorder{}, nil)
	manager.creds = fakeCreds{err: errors.New("no token configured")}

	_ = manager.Connect(context.Background(), true)
	waitFor(t, "terminal state", func() bool {
		return manager.View().State == domain.ConnectionError
	})
	if view := manager.View(); !strings.Contains(view.LastError, "credential") {
		t.Fatalf("expected credential failure surfaced, got %q", view.LastError)
	}
}

// --- fakes ---

func newTestManager(cfg Config, dialer Dialer, sink *fragmentRecorder, events *eventRecorder) *Manager {
	var eventSink *eventRecorder
	if events != nil {
		eventSink = events
	}
	manager := NewManager(cfg, fakeCreds{token: "tok"}, sink, nil, nil)
	if eventSink != nil {
		manager.events = eventSink
	}
	manager.dialer = dialer
	return manager
}

type fakeCreds struct {
	token string
	err   error
}

func (f fakeCreds) Token(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fragmentRecorder struct {
	mu    sync.Mutex
	frags []domain.TranscriptFragment
}

func (r *fragmentRecorder) Push(fragment domain.TranscriptFragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frags = append(r.frags, fragment)
}

func (r *fragmentRecorder) snapshot() []domain.TranscriptFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TranscriptFragment, len(r.frags))
	copy(out, r.frags)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	states []domain.ConnectionState
}

func (r *eventRecorder) ConnectionStateChanged(state domain.ConnectionState, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *eventRecorder) PipelineError(domain.ErrorCode, string) {}
func (r *eventRecorder) QualityAlert(float64)                   {}
func (r *eventRecorder) TuningAdvice(string)                    {}

func (r *eventRecorder) sawState(state domain.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

type write struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	inbound chan []byte

	mu        sync.Mutex
	writes    []write
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.inbound:
		return websocket.TextMessage, payload, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, write{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) snapshotWrites() []write {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]write, len(c.writes))
	copy(out, c.writes)
	return out
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

func (d *fakeDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	index := d.calls
	d.calls++
	if index >= len(d.results) {
		index = len(d.results) - 1
	}
	d.mu.Unlock()

	if index < 0 {
		return nil, errors.New("no dial results configured")
	}
	result := d.results[index]
	if result.err != nil {
		return nil, result.err
	}
	return result.conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ctxAwareDialer honors context cancellation the way a real dialer does.
type ctxAwareDialer struct {
	mu    sync.Mutex
	calls int
	conns []*fakeConn
}

func (d *ctxAwareDialer) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	index := d.calls
	d.calls++
	if index >= len(d.conns) {
		index = len(d.conns) - 1
	}
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.conns[index], nil
}

func (d *ctxAwareDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type staticDialer struct {
	conn Conn
}

func (d staticDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	return d.conn, nil
}

type failingWriteConn struct {
	*fakeConn
}

func (c *failingWriteConn) WriteMessage(int, []byte) error {
	return errors.New("broken pipe")
}

type blockingDialer struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (d *blockingDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	<-d.release
	return nil, errors.New("released")
}

func (d *blockingDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
