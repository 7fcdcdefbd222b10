// Package bridge connects the in-process event bus and orchestrator to NATS
// so satellites and desktop clients can submit commands, stream audio in and
// follow the assistant's lifecycle events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/safwanbuddy/buddy-core/internal/bus"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/orchestrator"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

const (
	eventSource = "bridge"
	// EventStream keeps mirrored lifecycle events for late subscribers.
	EventStream = "BUDDY_EVENTS"
)

// Commander runs a text command to completion.
type Commander interface {
	ProcessCommand(ctx context.Context, text, source string) *orchestrator.Execution
}

// FrameSink accepts little-endian 16-bit PCM from remote microphones.
type FrameSink interface {
	PushPCM(pcm []byte) bool
}

type Options struct {
	// SampleRate and Channels are what the frame sink expects; frames in
	// another format are dropped.
	SampleRate int
	Channels   int
	// Exclude lists bus events that are not mirrored to NATS.
	Exclude []string
	// StreamMaxAge bounds the JetStream event stream. Zero disables it.
	StreamMaxAge time.Duration
}

type Service struct {
	opts      Options
	bus       *bus.Client
	events    *events.Bus
	commander Commander
	frames    FrameSink
	logger    *slog.Logger
	sessionID string
	exclude   map[string]bool

	mu     sync.Mutex
	subs   []*nats.Subscription
	ready  bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesIn      atomic.Int64
	framesDropped atomic.Int64
	published     atomic.Int64
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, eventBus *events.Bus, commander Commander, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		exclude[name] = true
	}
	return &Service{
		opts:      opts,
		bus:       busClient,
		events:    eventBus,
		commander: commander,
		logger:    logger.With(slog.String("component", "bridge")),
		sessionID: uuid.NewString(),
		exclude:   exclude,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetFrameSink routes inbound audio frames to sink. Without one, frames are
// counted and discarded.
func (s *Service) SetFrameSink(sink FrameSink) {
	s.mu.Lock()
	s.frames = sink
	s.mu.Unlock()
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	submit, err := conn.Subscribe(protocol.SubjectCommandSubmit, s.handleSubmit)
	if err != nil {
		return fmt.Errorf("subscribe command submit: %w", err)
	}
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		_ = submit.Drain()
		return fmt.Errorf("subscribe audio frames: %w", err)
	}

	if s.opts.StreamMaxAge > 0 {
		if err := s.bus.EnsureStream(EventStream, []string{protocol.SubjectEventPrefix + ".>"}, s.opts.StreamMaxAge); err != nil {
			s.logger.Warn("event stream unavailable", slogError(err))
		}
	}

	s.events.Subscribe(events.Wildcard, s, eventSource)

	s.mu.Lock()
	s.subs = []*nats.Subscription{submit, frames}
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("bridge started", slog.String("session_id", s.sessionID))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.events.UnsubscribeAll(eventSource)
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

// Stats reports bridge traffic counters.
func (s *Service) Stats() map[string]int64 {
	return map[string]int64{
		"frames_in":        s.framesIn.Load(),
		"frames_dropped":   s.framesDropped.Load(),
		"events_published": s.published.Load(),
	}
}

// Alive keeps the wildcard subscription until the bridge is closed.
func (s *Service) Alive() bool {
	return s.ctx.Err() == nil
}

// HandleEvent mirrors bus events onto NATS.
func (s *Service) HandleEvent(ev events.Event) {
	if s.exclude[ev.Name] {
		return
	}
	env := protocol.EventEnvelope{Name: ev.Name, Source: ev.Source, Timestamp: ev.Timestamp, Payload: ev.Payload}
	if err := s.bus.PublishJSON(protocol.EventSubject(ev.Name), env); err != nil {
		s.logger.Debug("failed to mirror event", slog.String("event", ev.Name), slogError(err))
		return
	}
	s.published.Add(1)

	if ev.Name == protocol.EventCommandRecognized {
		s.publishTranscript(ev.Payload)
	}
}

func (s *Service) publishTranscript(payload any) {
	var u protocol.Utterance
	switch p := payload.(type) {
	case protocol.Utterance:
		u = p
	case *protocol.Utterance:
		u = *p
	default:
		return
	}
	sessionID := u.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       u.Text,
		Timestamp:  u.Timestamp.UTC(),
		Confidence: u.Confidence,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.CommandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode command request", slogError(err))
		s.respond(msg, protocol.CommandReply{Status: "rejected", Error: "invalid request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.respond(msg, protocol.CommandReply{Status: "rejected", Error: "empty command"})
		return
	}
	source := req.Source
	if source == "" {
		source = protocol.SourceRemote
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		exec := s.commander.ProcessCommand(s.ctx, req.Text, source)
		if exec == nil {
			s.respond(msg, protocol.CommandReply{Status: "rejected", Error: "empty command"})
			return
		}
		s.respond(msg, exec.Reply())
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal command reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to send command reply", slogError(err))
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.framesIn.Add(1)

	s.mu.Lock()
	sink := s.frames
	s.mu.Unlock()
	if sink == nil {
		s.framesDropped.Add(1)
		return
	}
	if (s.opts.SampleRate > 0 && frame.SampleRate != s.opts.SampleRate) ||
		(s.opts.Channels > 0 && frame.Channels != s.opts.Channels) {
		s.framesDropped.Add(1)
		s.logger.Debug("dropping audio frame with unexpected format",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}
	if len(frame.PCM) > 0 && !sink.PushPCM(frame.PCM) {
		s.framesDropped.Add(1)
	}
}

// PublishChunk forwards synthesized speech to playback devices.
func (s *Service) PublishChunk(chunk protocol.AudioChunk) {
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, chunk); err != nil {
		s.logger.Warn("failed to publish speech chunk", slogError(err))
		return
	}
	if chunk.Final {
		done := protocol.SpeechStatus{SessionID: chunk.SessionID, Timestamp: time.Now().UTC()}
		if err := s.bus.PublishJSON(protocol.SubjectTTSDone, done); err != nil {
			s.logger.Warn("failed to publish speech completion", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
