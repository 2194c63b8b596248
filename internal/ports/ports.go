package ports

import (
	"context"
	"errors"
	"io"

	"murmur/internal/domain"
)

// ErrTokenNotFound is returned by credential stores when no token exists.
var ErrTokenNotFound = errors.New("credential not found")

// CredentialStore supplies the authentication token used to open the
// streaming connection. The connection manager only consumes the token; it
// never stores or validates it.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// FragmentSink receives transcript fragments as they are parsed off the
// wire. Push must not block the caller's read loop for long.
type FragmentSink interface {
	Push(fragment domain.TranscriptFragment)
}

// BatchSink consumes finished transcript batches (UI transcript view,
// text enhancement, export).
type BatchSink interface {
	HandleBatch(batch domain.TranscriptBatch)
}

// Normalizer transforms fragment text deterministically.
type Normalizer interface {
	Apply(text string) (string, error)
}

// EventSink emits pipeline state and advisory events to observers. The core
// never holds references to UI objects beyond this interface.
type EventSink interface {
	ConnectionStateChanged(state domain.ConnectionState, detail string)
	PipelineError(code domain.ErrorCode, detail string)
	QualityAlert(score float64)
	TuningAdvice(advice string)
}

// NopEventSink discards all events.
type NopEventSink struct{}

func (NopEventSink) ConnectionStateChanged(domain.ConnectionState, string) {}
func (NopEventSink) PipelineError(domain.ErrorCode, string)                {}
func (NopEventSink) QualityAlert(float64)                                  {}
func (NopEventSink) TuningAdvice(string)                                   {}
