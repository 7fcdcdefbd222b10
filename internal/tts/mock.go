package tts

import (
	"context"
	"strings"
	"time"
)

const mockWordDuration = 250 * time.Millisecond

// mockSynth renders each word as a block of silence so downstream
// consumers see realistic chunk counts and sizes.
type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	words := strings.Fields(req.Text)
	chunks := make(chan SynthChunk, len(words)+1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}

		size := int(mockWordDuration.Seconds()*float64(m.sampleRate)) * m.channels * 2
		for i := range words {
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, size),
				Final:      i == len(words)-1,
			}
		}
		if len(words) == 0 {
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        []byte{},
				Final:      true,
			}
		}
	}()
	return chunks, errs
}
