// Package pipeline orchestrates dictation sessions: microphone frames flow
// through the buffer pool into the streaming connection, and transcript
// batches flow back out to the registered sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"murmur/internal/audio"
	"murmur/internal/bufpool"
	"murmur/internal/domain"
	"murmur/internal/logging"
	"murmur/internal/ports"
)

var ErrNoActiveSession = errors.New("no active dictation session")

// Streamer is the persistent upstream connection.
type Streamer interface {
	Connect(ctx context.Context, autoReconnect bool) error
	Disconnect()
	Send(data []byte)
	View() domain.ConnectionView
}

// BatchSource turns pushed fragments into batches. One source serves one
// session; Stop flushes and closes the batch channel.
type BatchSource interface {
	ports.FragmentSink
	Start(ctx context.Context)
	Stop()
	Batches() <-chan domain.TranscriptBatch
}

// Config controls per-session capture behavior.
type Config struct {
	Audio         ports.AudioConfig
	FrameDuration time.Duration
	StopGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 100 * time.Millisecond
	}
}

// Controller owns the session lifecycle. The streaming connection persists
// across sessions; batch sources are created fresh per session.
type Controller struct {
	capture   ports.AudioCapture
	streamer  Streamer
	pool      *bufpool.Pool
	router    *FragmentRouter
	newSource func() BatchSource
	sinks     []ports.BatchSink
	events    ports.EventSink
	log       zerolog.Logger
	cfg       Config

	mu      sync.Mutex
	current *activeSession
}

func NewController(
	capture ports.AudioCapture,
	streamer Streamer,
	pool *bufpool.Pool,
	router *FragmentRouter,
	newSource func() BatchSource,
	sinks []ports.BatchSink,
	events ports.EventSink,
	cfg Config,
) *Controller {
	cfg.applyDefaults()
	if events == nil {
		events = ports.NopEventSink{}
	}
	return &Controller{
		capture:   capture,
		streamer:  streamer,
		pool:      pool,
		router:    router,
		newSource: newSource,
		sinks:     sinks,
		events:    events,
		log:       logging.WithComponent("pipeline"),
		cfg:       cfg,
	}
}

type activeSession struct {
	cancel    context.CancelFunc
	audio     ports.AudioSession
	source    BatchSource
	startedAt time.Time
	audioDone chan struct{}
	batchDone chan struct{}

	mu      sync.Mutex
	parts   []string
	batches int
}

func (s *activeSession) record(batch domain.TranscriptBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.Text != "" {
		s.parts = append(s.parts, batch.Text)
	}
	s.batches++
}

func (s *activeSession) summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSummary{
		Transcript: strings.Join(s.parts, " "),
		Batches:    s.batches,
		Duration:   time.Since(s.startedAt),
	}
}

// Start begins a dictation session, replacing any session already running.
func (c *Controller) Start(ctx context.Context) error {
	var previous *activeSession
	c.mu.Lock()
	previous, c.current = c.current, nil
	c.mu.Unlock()
	if previous != nil {
		c.stopSession(previous)
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	if err := c.streamer.Connect(sessionCtx, true); err != nil {
		cancel()
		return fmt.Errorf("failed to open streaming connection: %w", err)
	}

	audioSession, err := c.capture.Start(sessionCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		c.events.PipelineError(domain.ErrorCodeStartup, err.Error())
		return fmt.Errorf("failed to start audio capture: %w", err)
	}

	source := c.newSource()
	source.Start(sessionCtx)
	c.router.SetTarget(source)

	active := &activeSession{
		cancel:    cancel,
		audio:     audioSession,
		source:    source,
		startedAt: time.Now(),
		audioDone: make(chan struct{}),
		batchDone: make(chan struct{}),
	}

	c.mu.Lock()
	c.current = active
	c.mu.Unlock()

	go c.pumpAudio(active)
	go c.consumeBatches(active)

	c.log.Info().Msg("dictation session started")
	return nil
}

// Stop ends the active session gracefully and returns its summary. The
// streaming connection stays up for the next session.
func (c *Controller) Stop(ctx context.Context) (domain.SessionSummary, error) {
	active, err := c.takeCurrent()
	if err != nil {
		return domain.SessionSummary{}, err
	}

	if err := active.audio.Stop(); err != nil {
		c.events.PipelineError(domain.ErrorCodeAudioStream, "failed to stop audio capture cleanly")
	}
	<-active.audioDone

	// Trailing fragments for audio already sent may still be in flight.
	if c.cfg.StopGrace > 0 {
		timer := time.NewTimer(c.cfg.StopGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	c.router.SetTarget(nil)
	active.source.Stop()
	<-active.batchDone
	active.cancel()

	summary := active.summary()
	c.log.Info().
		Int("batches", summary.Batches).
		Dur("duration", summary.Duration).
		Msg("dictation session stopped")
	return summary, nil
}

// Abort discards the active session without producing a summary.
func (c *Controller) Abort() error {
	active, err := c.takeCurrent()
	if err != nil {
		return err
	}
	c.stopSession(active)
	c.log.Info().Msg("dictation session aborted")
	return nil
}

// Shutdown aborts any active session and tears down the streaming
// connection.
func (c *Controller) Shutdown() {
	_ = c.Abort()
	c.streamer.Disconnect()
}

// Status reports connection state plus whether a session is running.
func (c *Controller) Status() domain.Status {
	view := c.streamer.View()

	c.mu.Lock()
	active := c.current != nil
	c.mu.Unlock()

	return domain.Status{
		State:   view.State,
		Active:  active,
		Message: view.LastError,
	}
}

func (c *Controller) takeCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	active := c.current
	c.current = nil
	return active, nil
}

func (c *Controller) stopSession(active *activeSession) {
	c.router.SetTarget(nil)
	_ = active.audio.Stop()
	active.cancel()
	<-active.audioDone
	active.source.Stop()
	<-active.batchDone
}

// pumpAudio reads capture frames into pooled buffers and hands them to the
// streamer. Frames are dropped rather than buffered when the connection is
// down.
func (c *Controller) pumpAudio(active *activeSession) {
	defer close(active.audioDone)

	frame := audio.FrameSize(c.cfg.Audio, c.cfg.FrameDuration)
	for {
		buf := c.pool.Acquire()

		var scratch []byte
		if buf != nil && buf.Capacity() >= frame {
			scratch = buf.Data[:frame]
		} else {
			scratch = make([]byte, frame)
		}

		n, err := active.audio.Read(scratch)
		if n > 0 {
			c.streamer.Send(scratch[:n])
		}
		c.pool.Release(buf)

		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.events.PipelineError(domain.ErrorCodeAudioStream, fmt.Sprintf("audio capture error: %v", err))
				c.log.Warn().Err(err).Msg("audio capture ended with error")
			}
			return
		}
	}
}

// consumeBatches fans finished batches out to the sinks and folds them into
// the session transcript. Ends when the source's batch channel closes.
func (c *Controller) consumeBatches(active *activeSession) {
	defer close(active.batchDone)

	for batch := range active.source.Batches() {
		active.record(batch)
		for _, sink := range c.sinks {
			sink.HandleBatch(batch)
		}
	}
}
