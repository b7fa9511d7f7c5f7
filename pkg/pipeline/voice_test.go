package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) Transcribe(context.Context, transcribe.Request) (transcribe.Transcript, error) {
	if s.err != nil {
		return transcribe.Transcript{}, s.err
	}
	return transcribe.Transcript{Text: s.text, Language: "en"}, nil
}

func TestProcessVoiceValidatesAgainstTranscript(t *testing.T) {
	l := newLedger(t)
	o := newOrchestrator(t, l, WithTranscriber(stubTranscriber{text: "what's the weather"}))

	out, err := o.ProcessVoice(context.Background(), VoiceRequest{
		Audio:   transcribe.Request{Audio: []byte("RIFF")},
		Output:  sunny,
		Context: map[string]string{"language": "en-US"},
		UserID:  "caller",
	})
	require.NoError(t, err)
	assert.Equal(t, "what's the weather", out.Transcript.Text)
	require.NotNil(t, out.Result)
	assert.Equal(t, disposition.Safe, out.Result.Disposition.Status)

	entry, err := l.Get(context.Background(), out.Result.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "what's the weather", entry.Input)
	assert.Equal(t, "voice", entry.Context["source"])
	assert.Equal(t, "en-US", entry.Context["language"])
}

func TestProcessVoiceTranscriptOnly(t *testing.T) {
	app := &countingAppender{}
	o := newOrchestrator(t, app, WithTranscriber(stubTranscriber{text: "hello"}))

	out, err := o.ProcessVoice(context.Background(), VoiceRequest{Audio: transcribe.Request{Audio: []byte{1}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Transcript.Text)
	assert.Nil(t, out.Result)
	assert.Zero(t, app.calls.Load())
}

func TestProcessVoiceTranscriptionFailureLogsNothing(t *testing.T) {
	cases := map[string]Option{
		"backend error":    WithTranscriber(stubTranscriber{err: transcribe.ErrUnavailable}),
		"empty transcript": WithTranscriber(stubTranscriber{text: "  "}),
		"not configured":   func(*Orchestrator) {},
	}
	for name, opt := range cases {
		t.Run(name, func(t *testing.T) {
			app := &countingAppender{}
			o := newOrchestrator(t, app, opt)

			out, err := o.ProcessVoice(context.Background(), VoiceRequest{
				Audio:  transcribe.Request{Audio: []byte{1}},
				Output: sunny,
			})
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, ErrTranscriptionUnavailable))
			assert.Zero(t, app.calls.Load())
		})
	}
}
