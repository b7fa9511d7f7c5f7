package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

// ErrTranscriptionUnavailable is returned when speech could not be turned
// into text. Nothing is scored or logged in that case.
var ErrTranscriptionUnavailable = errors.New("transcription unavailable")

// Transcriber is the speech-to-text dependency of ProcessVoice.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Transcript, error)
}

// VoiceRequest carries recorded speech as the interaction input. Output is
// optional; without it only the transcript is returned.
type VoiceRequest struct {
	Audio   transcribe.Request
	Output  string
	Context map[string]string
	UserID  string
}

// VoiceResult is the transcript plus, when an output was supplied, the
// audited validation result.
type VoiceResult struct {
	Transcript transcribe.Transcript `json:"transcript"`
	Result     *Result               `json:"validation,omitempty"`
}

// ProcessVoice transcribes the audio and validates Output against it.
func (o *Orchestrator) ProcessVoice(ctx context.Context, req VoiceRequest) (*VoiceResult, error) {
	if o.transcriber == nil {
		return nil, fmt.Errorf("%w: no transcriber configured", ErrTranscriptionUnavailable)
	}

	ctx, done := o.obs.TrackOperation(ctx, "avrt.pipeline.transcribe")
	tr, err := o.transcriber.Transcribe(ctx, req.Audio)
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = errors.New("empty transcript")
	}
	done(err)
	if err != nil {
		o.logger.WarnContext(ctx, "transcription failed", "bytes", len(req.Audio.Audio), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTranscriptionUnavailable, err)
	}

	out := &VoiceResult{Transcript: tr}
	if strings.TrimSpace(req.Output) == "" {
		return out, nil
	}

	voiceCtx := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		voiceCtx[k] = v
	}
	voiceCtx["source"] = "voice"

	res, err := o.Process(ctx, Request{
		Input:   tr.Text,
		Output:  req.Output,
		Context: voiceCtx,
		UserID:  req.UserID,
	})
	if err != nil {
		return nil, err
	}
	out.Result = res
	return out, nil
}
