package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

// ErrInterrupted is reported for utterances cut short by Stop or Close.
var ErrInterrupted = errors.New("tts: speech interrupted")

const eventSource = "speaker"

// ChunkSink receives synthesized audio, typically for playback on a
// satellite or the desktop client.
type ChunkSink interface {
	PublishChunk(chunk protocol.AudioChunk)
}

type utterance struct {
	id   string
	text string
	done chan error
}

// Speaker serializes utterances through one Synthesizer on a worker
// goroutine and announces their progress on the event bus.
type Speaker struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	events *events.Bus
	logger *slog.Logger

	queue chan *utterance

	mu       sync.Mutex
	sink     ChunkSink
	current  context.CancelFunc
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	wg       sync.WaitGroup
	speaking atomic.Bool
}

func NewSpeaker(cfg config.TTSConfig, synth Synthesizer, bus *events.Bus, log *slog.Logger) *Speaker {
	size := cfg.QueueSize
	if size <= 0 {
		size = 16
	}
	return &Speaker{
		cfg:    cfg,
		synth:  synth,
		events: bus,
		logger: log.With(slog.String("component", "speaker")),
		queue:  make(chan *utterance, size),
	}
}

// SetSink routes synthesized chunks to sink. A nil sink discards audio.
func (s *Speaker) SetSink(sink ChunkSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Start launches the worker. Calling it again is a no-op.
func (s *Speaker) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.started = true
	s.wg.Add(1)
	go s.run(s.ctx)
}

// Speak queues text for synthesis. Non-blocking calls return false when the
// queue is full; blocking calls wait for the utterance and report whether it
// finished cleanly.
func (s *Speaker) Speak(text string, blocking bool) bool {
	cleaned := CleanText(text)
	if cleaned == "" {
		return false
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return false
	}

	u := &utterance{id: uuid.NewString(), text: cleaned}
	if !blocking {
		select {
		case s.queue <- u:
			return true
		default:
			s.logger.Warn("speech queue full, dropping utterance", slog.String("text", cleaned))
			return false
		}
	}

	u.done = make(chan error, 1)
	select {
	case s.queue <- u:
	case <-ctx.Done():
		return false
	}
	select {
	case err := <-u.done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

// Stop interrupts the current utterance and discards everything queued.
// The speaker keeps accepting new text afterwards.
func (s *Speaker) Stop() {
	// Drain first so the worker cannot pick up queued text once the
	// current utterance is cancelled.
	for drained := false; !drained; {
		select {
		case u := <-s.queue:
			u.finish(ErrInterrupted)
		default:
			drained = true
		}
	}
	s.mu.Lock()
	if s.current != nil {
		s.current()
	}
	s.mu.Unlock()
}

// Close stops the worker and waits for it to exit.
func (s *Speaker) Close() {
	s.Stop()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Speaking reports whether an utterance is being synthesized.
func (s *Speaker) Speaking() bool { return s.speaking.Load() }

func (s *Speaker) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.queue:
			u.finish(s.say(ctx, u))
		}
	}
}

func (s *Speaker) say(parent context.Context, u *utterance) error {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	s.mu.Lock()
	s.current = cancel
	sink := s.sink
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		cancel()
	}()

	s.speaking.Store(true)
	defer s.speaking.Store(false)
	s.emit(protocol.EventSpeechStarted, u, nil)

	err := s.synthesize(ctx, u, sink)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		err = ErrInterrupted
	}
	if err != nil {
		s.logger.Warn("speech failed", slog.String("session_id", u.id), slogError(err))
		s.emit(protocol.EventSpeechError, u, err)
		return err
	}
	s.emit(protocol.EventSpeechCompleted, u, nil)
	return nil
}

func (s *Speaker) synthesize(ctx context.Context, u *utterance, sink ChunkSink) error {
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: u.id, Text: u.text, Voice: s.cfg.Voice})
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if sink != nil {
				packet := protocol.AudioChunk{
					SessionID:  u.id,
					SampleRate: chunk.SampleRate,
					Channels:   chunk.Channels,
					Sequence:   sequence,
					PCM:        chunk.PCM,
					Final:      chunk.Final,
				}
				if sequence == 0 {
					packet.Text = u.text
				}
				sink.PublishChunk(packet)
			}
			sequence++
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Speaker) emit(name string, u *utterance, err error) {
	if s.events == nil {
		return
	}
	status := protocol.SpeechStatus{SessionID: u.id, Text: u.text, Timestamp: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}
	s.events.Emit(name, status, eventSource, false)
}

func (u *utterance) finish(err error) {
	if u.done != nil {
		u.done <- err
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
