//go:build !portaudio

package voice

import (
	"log/slog"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

// NewMicrophone reports ErrMicrophoneUnavailable when built without the
// portaudio tag.
func NewMicrophone(config.VoiceConfig, *slog.Logger) (Source, error) {
	return nil, ErrMicrophoneUnavailable
}
