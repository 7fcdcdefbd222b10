//go:build portaudio

package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/safwanbuddy/buddy-core/internal/config"
)

// Microphone captures from the default input device. A pump goroutine owns
// the PortAudio stream and hands frames to the embedded FrameSource, so
// reads from the capture loop can honour their timeout.
type Microphone struct {
	*FrameSource
	stream    *portaudio.Stream
	buf       []int16
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func NewMicrophone(cfg config.VoiceConfig, log *slog.Logger) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	perChannel := cfg.SampleRate * cfg.FrameDurationMS / 1000
	buf := make([]int16, perChannel*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), perChannel, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", ErrMicrophoneUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", ErrMicrophoneUnavailable, err)
	}

	m := &Microphone{
		FrameSource: NewFrameSource(64),
		stream:      stream,
		buf:         buf,
		done:        make(chan struct{}),
		logger:      log.With(slog.String("component", "microphone")),
	}
	go m.pump()
	return m, nil
}

func (m *Microphone) pump() {
	defer close(m.done)
	for {
		if err := m.stream.Read(); err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			m.logger.Warn("microphone read failed", slogError(err))
			_ = m.FrameSource.Close()
			return
		}
		if !m.Push(m.buf) {
			m.logger.Debug("capture buffer full, dropping frame")
		}
	}
}

func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		_ = m.FrameSource.Close()
		err = errors.Join(m.stream.Stop())
		<-m.done
		err = errors.Join(err, m.stream.Close(), portaudio.Terminate())
	})
	return err
}
