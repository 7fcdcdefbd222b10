package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
	"github.com/safwanbuddy/buddy-core/internal/stt"
)

var (
	ErrNoSource  = errors.New("voice: no audio source")
	ErrListening = errors.New("voice: listener is running")
)

const eventSource = "voice"

// Stats counts what the capture loop has done since construction.
type Stats struct {
	PhrasesDetected    uint64        `json:"phrases_detected"`
	CommandsRecognized uint64        `json:"commands_recognized"`
	RecognitionErrors  uint64        `json:"recognition_errors"`
	Unintelligible     uint64        `json:"unintelligible"`
	CooldownDrops      uint64        `json:"cooldown_drops"`
	FallbackUses       uint64        `json:"fallback_uses"`
	TelemetryDropped   uint64        `json:"telemetry_dropped"`
	ListeningFor       time.Duration `json:"listening_for"`
}

type Status struct {
	Listening       bool    `json:"listening"`
	Paused          bool    `json:"paused"`
	Calibrated      bool    `json:"calibrated"`
	EnergyThreshold float64 `json:"energy_threshold"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
}

// Listener is the background capture loop: it reads frames from a Source,
// detects phrases, recognizes them and publishes command_recognized.
type Listener struct {
	cfg      config.VoiceConfig
	source   Source
	primary  stt.Recognizer
	fallback stt.Recognizer
	events   *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	threshold  atomic.Uint64 // float64 bits
	calibrated atomic.Bool
	paused     atomic.Bool
	volumes    *volumeRing

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	startedAt   time.Time
	lastCommand time.Time
	stats       Stats
}

// New builds a listener. fallback may be nil.
func New(cfg config.VoiceConfig, source Source, primary, fallback stt.Recognizer, bus *events.Bus, log *slog.Logger) *Listener {
	l := &Listener{
		cfg:      cfg,
		source:   source,
		primary:  primary,
		fallback: fallback,
		events:   bus,
		logger:   log.With(slog.String("component", "voice")),
		now:      time.Now,
		volumes: newVolumeRing(
			time.Duration(cfg.VolumeWindowSeconds)*time.Second,
			time.Duration(cfg.TelemetryIntervalMS)*time.Millisecond,
		),
	}
	l.setThreshold(cfg.EnergyThreshold)
	return l
}

// SetClock replaces the clock used for cooldown and utterance timestamps.
func (l *Listener) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// StartListening launches the capture goroutine. It is a no-op while one is
// already running.
func (l *Listener) StartListening() error {
	if l.source == nil {
		return ErrNoSource
	}
	if l.primary == nil {
		return fmt.Errorf("voice: no recognizer configured")
	}
	l.mu.Lock()
	if l.done != nil {
		select {
		case <-l.done:
		default:
			l.mu.Unlock()
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.startedAt = l.now()

	telemetry := make(chan []int16, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.telemetryLoop(ctx, telemetry)
	}()
	go func() {
		defer close(done)
		l.run(ctx, telemetry)
		cancel()
		wg.Wait()
		l.finish()
	}()
	l.mu.Unlock()

	l.logger.Info("listening started", slog.Int("sample_rate", l.cfg.SampleRate))
	l.emit(protocol.EventListeningStarted, l.Status())
	return nil
}

// StopListening signals the capture goroutine and waits up to the stop
// timeout. It reports whether the goroutine exited in time; a straggler is
// left to finish on its own.
func (l *Listener) StopListening() bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if done == nil {
		return true
	}
	cancel()

	timeout := time.Duration(l.cfg.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		l.logger.Warn("capture loop did not stop in time", slog.Duration("timeout", timeout))
		return false
	}
}

func (l *Listener) finish() {
	l.mu.Lock()
	l.stats.ListeningFor += l.now().Sub(l.startedAt)
	l.mu.Unlock()
	l.logger.Info("listening stopped")
	status := l.Status()
	status.Listening = false
	l.emit(protocol.EventListeningStopped, status)
}

// Listening reports whether the capture goroutine is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Close stops listening and releases the source.
func (l *Listener) Close() error {
	l.StopListening()
	if l.source == nil {
		return nil
	}
	return l.source.Close()
}

// Pause keeps the source drained but discards phrases until Resume.
func (l *Listener) Pause()  { l.paused.Store(true) }
func (l *Listener) Resume() { l.paused.Store(false) }
func (l *Listener) Paused() bool {
	return l.paused.Load()
}

func (l *Listener) EnergyThreshold() float64 {
	return math.Float64frombits(l.threshold.Load())
}

func (l *Listener) setThreshold(v float64) {
	l.threshold.Store(math.Float64bits(v))
}

func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	if l.done != nil {
		select {
		case <-l.done:
		default:
			s.ListeningFor += l.now().Sub(l.startedAt)
		}
	}
	return s
}

func (l *Listener) Status() Status {
	return Status{
		Listening:       l.Listening(),
		Paused:          l.Paused(),
		Calibrated:      l.calibrated.Load(),
		EnergyThreshold: l.EnergyThreshold(),
		SampleRate:      l.cfg.SampleRate,
		Channels:        l.cfg.Channels,
	}
}

// RecentVolumes returns up to n normalized volume samples, oldest first.
func (l *Listener) RecentVolumes(n int) []float64 {
	return l.volumes.recent(n)
}

// Calibrate measures ambient noise for d and sets the energy threshold to
// 1.5x its RMS, floored at the configured minimum. It cannot run while the
// listener is active.
func (l *Listener) Calibrate(ctx context.Context, d time.Duration) (float64, error) {
	if l.source == nil {
		return 0, ErrNoSource
	}
	if l.Listening() {
		return 0, ErrListening
	}
	return l.calibrate(ctx, d)
}

func (l *Listener) calibrate(ctx context.Context, d time.Duration) (float64, error) {
	if d <= 0 {
		return l.EnergyThreshold(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, d+l.readTimeout())
	defer cancel()

	frame := make([]int16, l.frameSamples())
	var (
		sum     float64
		frames  int
		elapsed time.Duration
	)
	for elapsed < d {
		n, err := l.source.Read(ctx, frame)
		if err != nil {
			if frames > 0 && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return 0, fmt.Errorf("calibrate: %w", err)
		}
		sum += frameRMS(frame[:n])
		frames++
		elapsed += l.frameDuration(n)
	}

	threshold := math.Max(sum/float64(frames)*thresholdRatio, l.cfg.MinEnergyThreshold)
	l.setThreshold(threshold)
	l.calibrated.Store(true)
	l.logger.Info("calibrated energy threshold",
		slog.Float64("threshold", threshold),
		slog.Duration("sampled", elapsed))
	return threshold, nil
}

func (l *Listener) run(ctx context.Context, telemetry chan<- []int16) {
	if !l.calibrated.Load() && l.cfg.CalibrationMS > 0 {
		if _, err := l.calibrate(ctx, time.Duration(l.cfg.CalibrationMS)*time.Millisecond); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("calibration failed, keeping configured threshold", slogError(err))
		}
	}

	detector := newPhraseDetector(
		time.Duration(l.cfg.PauseThresholdMS)*time.Millisecond,
		time.Duration(l.cfg.PhraseTimeLimitMS)*time.Millisecond,
		time.Duration(l.cfg.MinPhraseMS)*time.Millisecond,
	)
	frame := make([]int16, l.frameSamples())

	for ctx.Err() == nil {
		readCtx, cancel := context.WithTimeout(ctx, l.readTimeout())
		n, err := l.source.Read(readCtx, frame)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, ErrSourceClosed):
			l.logger.Warn("audio source closed, voice input disabled")
			return
		case err != nil:
			l.logger.Warn("audio read failed", slogError(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		samples := frame[:n]
		l.publishFrame(telemetry, samples)

		if l.paused.Load() {
			detector.reset()
			continue
		}

		rms := frameRMS(samples)
		dur := l.frameDuration(n)
		threshold := l.EnergyThreshold()
		phrase, length, ok := detector.push(samples, dur, rms, threshold)
		if !detector.inPhrase() && !ok && l.cfg.DynamicEnergy && rms <= threshold {
			l.setThreshold(adjustThreshold(threshold, rms, l.cfg.MinEnergyThreshold, dur))
		}
		if ok {
			l.handlePhrase(ctx, phrase, length)
		}
	}
}

func (l *Listener) handlePhrase(ctx context.Context, phrase []int16, length time.Duration) {
	l.mu.Lock()
	now := l.now()
	l.stats.PhrasesDetected++
	cooldown := time.Duration(l.cfg.CommandCooldownMS) * time.Millisecond
	if !l.lastCommand.IsZero() && now.Sub(l.lastCommand) < cooldown {
		l.stats.CooldownDrops++
		l.mu.Unlock()
		l.logger.Debug("phrase inside command cooldown, discarding", slog.Duration("since_last", now.Sub(l.lastCommand)))
		return
	}
	l.mu.Unlock()

	pcm := EncodePCM(phrase)
	res, err := l.recognize(ctx, pcm)
	if err != nil {
		return
	}

	l.mu.Lock()
	l.lastCommand = now
	l.stats.CommandsRecognized++
	l.mu.Unlock()

	utterance := protocol.Utterance{
		Text:       res.Text,
		Confidence: res.Confidence,
		Timestamp:  now.UTC(),
		Duration:   length,
		Source:     protocol.SourceMicrophone,
	}
	if l.cfg.KeepRawAudio {
		utterance.RawAudio = pcm
	}
	l.logger.Info("command recognized",
		slog.String("text", res.Text),
		slog.Float64("confidence", res.Confidence),
		slog.Duration("duration", length))
	l.emit(protocol.EventCommandRecognized, utterance)
}

func (l *Listener) recognize(ctx context.Context, pcm []byte) (stt.TranscriptResult, error) {
	res, err := l.primary.Transcribe(ctx, pcm, l.cfg.SampleRate, l.cfg.Channels)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, stt.ErrUnintelligible) {
		l.count(func(s *Stats) { s.Unintelligible++ })
		l.logger.Debug("speech not understood")
		return res, err
	}
	if ctx.Err() != nil {
		return res, err
	}
	l.logger.Warn("recognizer failed", slogError(err))
	if l.fallback == nil {
		l.count(func(s *Stats) { s.RecognitionErrors++ })
		return res, err
	}

	l.count(func(s *Stats) { s.FallbackUses++ })
	res, err = l.fallback.Transcribe(ctx, pcm, l.cfg.SampleRate, l.cfg.Channels)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, stt.ErrUnintelligible):
		l.count(func(s *Stats) { s.Unintelligible++ })
	default:
		l.count(func(s *Stats) { s.RecognitionErrors++ })
		l.logger.Warn("fallback recognizer failed", slogError(err))
	}
	return res, err
}

func (l *Listener) publishFrame(telemetry chan<- []int16, samples []int16) {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	select {
	case telemetry <- cp:
	default:
		l.count(func(s *Stats) { s.TelemetryDropped++ })
	}
}

func (l *Listener) telemetryLoop(ctx context.Context, frames <-chan []int16) {
	interval := time.Duration(l.cfg.TelemetryIntervalMS) * time.Millisecond
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			now := time.Now()
			if !last.IsZero() && now.Sub(last) < interval {
				continue
			}
			last = now
			analysis := Analyze(frame, l.cfg.SampleRate, l.cfg.Channels)
			analysis.Timestamp = now.UTC()
			analysis.Speaking = analysis.RMS > l.EnergyThreshold()
			l.volumes.push(analysis.Volume)
			l.emit(protocol.EventAudioData, analysis)
		}
	}
}

func (l *Listener) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Listener) emit(name string, payload any) {
	if l.events == nil {
		return
	}
	l.events.Emit(name, payload, eventSource, false)
}

func (l *Listener) frameSamples() int {
	n := l.cfg.SampleRate * l.cfg.FrameDurationMS / 1000 * max(l.cfg.Channels, 1)
	if n <= 0 {
		n = 320
	}
	return n
}

func (l *Listener) frameDuration(samples int) time.Duration {
	perSecond := l.cfg.SampleRate * max(l.cfg.Channels, 1)
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(perSecond)
}

func (l *Listener) readTimeout() time.Duration {
	if l.cfg.ReadTimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(l.cfg.ReadTimeoutMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
