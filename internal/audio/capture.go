// Package audio captures raw microphone PCM by shelling out to ffmpeg.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"murmur/internal/ports"
)

const (
	bytesPerSample = 2 // s16le
	startupGrace   = 250 * time.Millisecond
	stopGrace      = 1200 * time.Millisecond
)

// FrameSize returns the byte length of one audio frame of the given
// duration for the capture settings.
func FrameSize(cfg ports.AudioConfig, frame time.Duration) int {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := int(float64(rate) * frame.Seconds())
	if samples < 1 {
		samples = 1
	}
	return samples * channels * bytesPerSample
}

// Capture launches ffmpeg sessions that emit signed 16-bit little-endian
// PCM on stdout.
type Capture struct {
	binary string
}

// NewCapture uses the given ffmpeg binary, defaulting to one on PATH.
func NewCapture(binary string) *Capture {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Capture{binary: binary}
}

// Start spawns the capture process. It fails fast when the process dies
// within the startup grace period, surfacing stderr in the error.
func (c *Capture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	cmd := exec.CommandContext(ctx, c.binary,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start audio capture: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	select {
	case err := <-exited:
		detail := string(bytes.TrimSpace(stderr.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("audio capture exited before streaming: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("audio capture exited before streaming: %s", detail)
	case <-time.After(startupGrace):
	}

	return &session{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		exited:  exited,
	}, nil
}

type session struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	exited  <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *session) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *session) Close() error {
	return s.Stop()
}

// Stop interrupts the capture process, escalating to a kill if it does not
// exit within the grace period. Idempotent.
func (s *session) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.exited:
			if ok {
				s.stopErr = ignoreExitStatus(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.exited; ok {
				s.stopErr = ignoreExitStatus(err)
			}
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})

	return s.stopErr
}

// ignoreExitStatus drops non-zero exit codes; an interrupted capture process
// exiting non-zero is the expected shutdown path.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
