// Package transcribe turns recorded speech into text for the voice entry
// point. The firewall treats it as a black box: any failure is reported as
// ErrUnavailable and the caller must not score or log anything.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// MaxAudioBytes is the largest upload accepted for transcription.
const MaxAudioBytes = 25 << 20

var (
	// ErrUnavailable is returned whenever no transcript can be produced.
	ErrUnavailable = errors.New("transcription unavailable")
	// ErrEmptyAudio is returned for a zero-length upload.
	ErrEmptyAudio = errors.New("audio is empty")
	// ErrAudioTooLarge is returned for uploads over MaxAudioBytes.
	ErrAudioTooLarge = errors.New("audio exceeds maximum size")
)

// Request is one audio clip to transcribe.
type Request struct {
	Audio    []byte
	Filename string // used by the backend to infer the container format
	Language string // optional ISO-639-1 hint
	Prompt   string
}

// Transcript is the recognised text.
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Validate checks the request before any backend is contacted.
func (r Request) Validate() error {
	switch {
	case len(r.Audio) == 0:
		return ErrEmptyAudio
	case len(r.Audio) > MaxAudioBytes:
		return fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, len(r.Audio))
	}
	return nil
}

// Disabled is a Transcriber used when no backend is configured.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, Request) (Transcript, error) {
	return Transcript{}, fmt.Errorf("%w: no transcription backend configured", ErrUnavailable)
}

// Config configures the OpenAI-compatible Whisper backend.
type Config struct {
	APIKey  string
	BaseURL string // e.g. http://localhost:8000/v1 for a self-hosted server
	Model   string
}

// OpenAI transcribes through the OpenAI audio API.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a Whisper transcriber. An empty model selects whisper-1.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("transcribe: api key or base url required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: slog.Default().With("component", "transcribe"),
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	if err := req.Validate(); err != nil {
		return Transcript{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	name := req.Filename
	if name == "" {
		name = "audio.wav"
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: name,
		Reader:   bytes.NewReader(req.Audio),
		Prompt:   req.Prompt,
		Language: req.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "transcription failed", "bytes", len(req.Audio), "error", err)
		return Transcript{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Transcript{}, fmt.Errorf("%w: empty transcript", ErrUnavailable)
	}
	return Transcript{Text: text, Language: resp.Language, Duration: resp.Duration}, nil
}
