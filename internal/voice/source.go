package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrSourceClosed is returned by Read once a source has been closed and drained.
	ErrSourceClosed = errors.New("voice: audio source closed")
	// ErrMicrophoneUnavailable is returned when no capture device can be opened.
	ErrMicrophoneUnavailable = errors.New("voice: microphone unavailable")
)

// Source delivers interleaved 16-bit PCM. Read blocks until samples are
// available, ctx ends or the source is closed.
type Source interface {
	Read(ctx context.Context, frame []int16) (int, error)
	Close() error
}

// FrameSource is a Source fed by pushed frames, used for remote satellites
// streaming PCM over the message bus and as the buffer behind the microphone.
type FrameSource struct {
	frames  chan []int16
	pending []int16
	closed  chan struct{}
	once    sync.Once
}

func NewFrameSource(buffer int) *FrameSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &FrameSource{
		frames: make(chan []int16, buffer),
		closed: make(chan struct{}),
	}
}

// Push queues a copy of samples. It returns false when the buffer is full or
// the source is closed; the frame is dropped in that case.
func (s *FrameSource) Push(samples []int16) bool {
	if len(samples) == 0 {
		return true
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	select {
	case s.frames <- cp:
		return true
	default:
		return false
	}
}

// PushPCM decodes little-endian 16-bit PCM and queues it.
func (s *FrameSource) PushPCM(pcm []byte) bool {
	return s.Push(DecodePCM(pcm))
}

func (s *FrameSource) Read(ctx context.Context, frame []int16) (int, error) {
	for len(s.pending) == 0 {
		select {
		case f := <-s.frames:
			s.pending = f
		case <-s.closed:
			select {
			case f := <-s.frames:
				s.pending = f
			default:
				return 0, ErrSourceClosed
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	n := copy(frame, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *FrameSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// DecodePCM converts little-endian 16-bit PCM bytes to samples. A trailing
// odd byte is ignored.
func DecodePCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM is the inverse of DecodePCM.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
