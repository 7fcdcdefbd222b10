package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

// ErrUnintelligible is returned when audio was processed but no words came out.
var ErrUnintelligible = errors.New("stt: speech not understood")

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)

func (f RecognizerFunc) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	return f(ctx, pcm, sampleRate, channels)
}

// New builds the primary recognizer described by cfg.
func New(cfg config.STTConfig) (Recognizer, error) {
	return build(cfg.Mode, cfg.Command, cfg)
}

// NewFallback builds the fallback recognizer, or returns nil when none is configured.
func NewFallback(cfg config.STTConfig) (Recognizer, error) {
	if strings.TrimSpace(cfg.FallbackMode) == "" {
		return nil, nil
	}
	return build(cfg.FallbackMode, cfg.FallbackCommand, cfg)
}

func build(mode, command string, cfg config.STTConfig) (Recognizer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(command, cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", mode)
	}
}
