package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the audio it was
// given instead of transcribing it. Silence is reported as unintelligible.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, ErrUnintelligible
	}
	if channels <= 0 {
		channels = 1
	}
	var ms int
	if sampleRate > 0 {
		ms = len(pcm) / 2 / channels * 1000 / sampleRate
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript length=%d duration=%dms]", len(pcm), ms),
		Confidence: 0,
	}, nil
}
