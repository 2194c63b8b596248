// Package deepgram implements the wire protocol of the streaming
// transcription service: listen URL construction, inbound message parsing,
// and the graceful close control message.
package deepgram

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"murmur/internal/domain"
)

// Settings configure the streaming endpoint.
type Settings struct {
	APIBaseURL     string
	Model          string
	Language       string
	SmartFormat    bool
	Encoding       string
	SampleRate     int
	Channels       int
	InterimResults bool
	Endpointing    time.Duration
}

// ErrServiceError is wrapped around error messages sent by the service.
var ErrServiceError = errors.New("transcription service error")

// AuthHeader builds the authentication header for the websocket handshake.
func AuthHeader(token string) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+token)
	return headers
}

// CloseStreamMessage is the typed control message that signals a graceful
// shutdown before closing the transport.
func CloseStreamMessage() []byte {
	return []byte(`{"type":"CloseStream"}`)
}

// ListenURL builds the websocket listen URL with audio encoding, model,
// interim-results, and endpointing query parameters.
func ListenURL(s Settings) (string, error) {
	base := strings.TrimSpace(s.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid API base URL: %w", err)
	}

	if s.Encoding == "" {
		s.Encoding = "linear16"
	}
	if s.SampleRate <= 0 {
		s.SampleRate = 16000
	}
	if s.Channels <= 0 {
		s.Channels = 1
	}
	if s.Model == "" {
		s.Model = "nova-2"
	}
	if s.Endpointing <= 0 {
		s.Endpointing = 300 * time.Millisecond
	}

	query := listenURL.Query()
	query.Set("model", s.Model)
	query.Set("encoding", s.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", s.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", s.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", s.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", s.SmartFormat))
	query.Set("endpointing", fmt.Sprintf("%d", s.Endpointing.Milliseconds()))
	if s.Language != "" {
		query.Set("language", s.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type response struct {
	Type         string  `json:"type"`
	Message      string  `json:"message"`
	ChannelIndex []int   `json:"channel_index"`
	Duration     float64 `json:"duration"`
	Start        float64 `json:"start"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

// ParseFragment decodes one inbound message. The second return value is
// false for well-formed messages that carry no transcript (metadata, empty
// alternatives). Malformed payloads and service error messages return an
// error; neither tears down the connection.
func ParseFragment(payload []byte) (domain.TranscriptFragment, bool, error) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return domain.TranscriptFragment{}, false, fmt.Errorf("unparseable message: %w", err)
	}

	if strings.EqualFold(resp.Type, "Error") {
		message := strings.TrimSpace(resp.Message)
		if message == "" {
			message = "unknown error"
		}
		return domain.TranscriptFragment{}, false, fmt.Errorf("%w: %s", ErrServiceError, message)
	}

	if len(resp.Channel.Alternatives) == 0 {
		return domain.TranscriptFragment{}, false, nil
	}
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return domain.TranscriptFragment{}, false, nil
	}

	return domain.TranscriptFragment{
		Text:       text,
		IsFinal:    resp.IsFinal || resp.SpeechFinal,
		Confidence: clampConfidence(alt.Confidence),
		Offset:     time.Duration(resp.Start * float64(time.Second)),
		ReceivedAt: time.Now(),
	}, true, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
