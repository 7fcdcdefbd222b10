package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/handlers"
	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

const (
	eventSource = "orchestrator"
	scope       = "github.com/safwanbuddy/buddy-core/internal/orchestrator"
)

var (
	ErrNotRunning    = errors.New("orchestrator: not running")
	ErrNotUnderstood = errors.New("command not understood")
	ErrNoHandler     = errors.New("no handler registered")
)

// Classifier turns text into an intent.
type Classifier interface {
	Classify(text string) intent.Intent
}

// Speaker voices replies. Speak reports whether the text was accepted.
type Speaker interface {
	Speak(text string, blocking bool) bool
	Stop()
}

// Listener is the voice capture loop attached to the orchestrator.
type Listener interface {
	StartListening() error
	StopListening() bool
	Pause()
	Resume()
}

// HistoryRecorder persists commands and their outcomes.
type HistoryRecorder interface {
	RecordCommand(ctx context.Context, exec Execution) error
	RecordExecution(ctx context.Context, exec Execution) error
}

type Options struct {
	// AcceptConfidence is the minimum classifier confidence acted upon.
	AcceptConfidence float64
	HistoryLimit     int
	Greeting         string
	HandlerTimeout   time.Duration
	Now              func() time.Time
	Meter            metric.Meter
	Tracer           trace.Tracer
}

func OptionsFromConfig(cfg config.OrchestratorConfig) Options {
	return Options{
		AcceptConfidence: cfg.AcceptConfidence,
		HistoryLimit:     cfg.HistoryLimit,
		Greeting:         cfg.Greeting,
		HandlerTimeout:   time.Duration(cfg.HandlerTimeoutMS) * time.Millisecond,
	}
}

type Stats struct {
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
}

type Status struct {
	Running      bool     `json:"running"`
	Paused       bool     `json:"paused"`
	ActiveCount  int      `json:"active_count"`
	HistoryCount int      `json:"history_count"`
	Stats        Stats    `json:"stats"`
	Handlers     []string `json:"handlers"`
}

// Orchestrator routes classified commands to handlers and tracks every
// resulting Execution until it reaches a terminal state.
type Orchestrator struct {
	classifier Classifier
	registry   *handlers.Registry
	bus        *events.Bus
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	speaker  Speaker
	listener Listener
	recorder HistoryRecorder

	mu      sync.Mutex
	running bool
	paused  bool
	active  map[string]*Execution
	history []Execution
	stats   Stats
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(classifier Classifier, registry *handlers.Registry, bus *events.Bus, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 500
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(scope)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(scope)
	}
	if registry == nil {
		registry = handlers.NewRegistry()
	}
	o := &Orchestrator{
		classifier: classifier,
		registry:   registry,
		bus:        bus,
		opts:       opts,
		logger:     logger.With(slog.String("component", "orchestrator")),
		tracer:     opts.Tracer,
		active:     make(map[string]*Execution),
	}
	m, err := newMetrics(opts.Meter, o)
	if err != nil {
		o.logger.Warn("orchestrator metrics unavailable", slogError(err))
	}
	o.metrics = m
	return o
}

func (o *Orchestrator) SetSpeaker(s Speaker) {
	o.mu.Lock()
	o.speaker = s
	o.mu.Unlock()
}

func (o *Orchestrator) SetListener(l Listener) {
	o.mu.Lock()
	o.listener = l
	o.mu.Unlock()
}

func (o *Orchestrator) SetRecorder(r HistoryRecorder) {
	o.mu.Lock()
	o.recorder = r
	o.mu.Unlock()
}

// Start subscribes to recognized commands and control events, starts the
// attached listener and speaks the greeting. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.paused = false
	listener := o.listener
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.SubscribeFunc(protocol.EventCommandRecognized, o.onRecognized, eventSource)
		o.bus.SubscribeFunc(protocol.EventShutdownRequest, func(events.Event) {
			o.logger.Info("shutdown requested")
			go o.Stop()
		}, eventSource)
		o.bus.SubscribeFunc(protocol.EventPauseOrchestrator, func(events.Event) { _ = o.Pause() }, eventSource)
		o.bus.SubscribeFunc(protocol.EventResumeOrchestrator, func(events.Event) { _ = o.Resume() }, eventSource)
	}

	if listener != nil {
		if err := listener.StartListening(); err != nil {
			o.logger.Warn("voice input unavailable", slogError(err))
		}
	}
	o.emit(protocol.EventOrchestratorStarted, o.Status())
	o.logger.Info("orchestrator started", slog.Int("handlers", o.registry.Len()))
	if o.opts.Greeting != "" {
		o.speak(o.opts.Greeting)
	}
	return nil
}

// Stop cancels every active execution, releases the listener and speaker,
// and waits for in-flight voice commands to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	wasRunning := o.running
	o.running = false
	o.paused = false
	cancel := o.cancel
	cancelled := o.cancelAllLocked()
	listener, speaker := o.listener, o.speaker
	o.mu.Unlock()

	for _, exec := range cancelled {
		o.finished(context.Background(), exec)
	}
	if !wasRunning {
		return
	}
	cancel()
	if listener != nil && !listener.StopListening() {
		o.logger.Warn("voice listener did not stop in time")
	}
	if speaker != nil {
		speaker.Stop()
	}
	if o.bus != nil {
		o.bus.UnsubscribeAll(eventSource)
	}
	o.wg.Wait()
	o.emit(protocol.EventOrchestratorStopped, o.Status())
	o.logger.Info("orchestrator stopped", slog.Int("cancelled", len(cancelled)))
}

// Pause stops accepting voice input. Running executions are not affected.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	if o.paused {
		o.mu.Unlock()
		return nil
	}
	o.paused = true
	listener := o.listener
	o.mu.Unlock()

	if listener != nil {
		listener.Pause()
	}
	o.emit(protocol.EventOrchestratorPaused, nil)
	return nil
}

func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	if !o.paused {
		o.mu.Unlock()
		return nil
	}
	o.paused = false
	listener := o.listener
	o.mu.Unlock()

	if listener != nil {
		listener.Resume()
	}
	o.emit(protocol.EventOrchestratorResumed, nil)
	return nil
}

func (o *Orchestrator) onRecognized(ev events.Event) {
	var text, source string
	switch p := ev.Payload.(type) {
	case protocol.Utterance:
		text, source = p.Text, p.Source
	case *protocol.Utterance:
		text, source = p.Text, p.Source
	case string:
		text = p
	default:
		o.logger.Warn("ignoring command with unexpected payload", slog.String("type", fmt.Sprintf("%T", ev.Payload)))
		return
	}
	if source == "" {
		source = protocol.SourceMicrophone
	}

	o.mu.Lock()
	if !o.running || o.paused {
		o.mu.Unlock()
		o.logger.Debug("dropping voice command while paused", slog.String("text", text))
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.ProcessCommand(ctx, text, source)
	}()
}

// ProcessCommand classifies text and runs the matching handler. It returns
// nil only for blank input; every other call yields a recorded Execution.
func (o *Orchestrator) ProcessCommand(ctx context.Context, text, source string) *Execution {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if source == "" {
		source = protocol.SourceText
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.process_command",
		trace.WithAttributes(attribute.String("source", source)))
	defer span.End()

	in := o.classifier.Classify(text)
	span.SetAttributes(
		attribute.String("intent", string(in.Type)),
		attribute.Float64("confidence", in.Confidence),
	)

	var execCtx context.Context
	var cancel context.CancelFunc
	if o.opts.HandlerTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, o.opts.HandlerTimeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	exec := &Execution{
		ID:        ulid.Make().String(),
		Text:      text,
		Source:    source,
		Intent:    in,
		Status:    StatePending,
		StartTime: o.opts.Now(),
		cancel:    cancel,
	}
	span.SetAttributes(attribute.String("execution_id", exec.ID))

	o.mu.Lock()
	o.active[exec.ID] = exec
	o.stats.Processed++
	recorder := o.recorder
	created := exec.snapshot()
	o.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordCommand(ctx, created); err != nil {
			o.logger.Warn("failed to record command", slog.String("execution_id", exec.ID), slogError(err))
		}
	}

	o.mu.Lock()
	err := exec.transition(StateRunning, o.opts.Now())
	running := exec.snapshot()
	o.mu.Unlock()
	if err != nil {
		// Cancelled before dispatch.
		return &running
	}
	o.emit(protocol.EventExecutionStarted, running)
	o.logger.Info("executing command",
		slog.String("execution_id", exec.ID),
		slog.String("intent", string(in.Type)),
		slog.Float64("confidence", in.Confidence),
		slog.String("source", source),
	)

	var reply handlers.Reply
	handler, err := o.route(in)
	if err == nil {
		reply, err = o.invoke(execCtx, handler, in)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	final, ok := o.complete(exec, in, reply, err)
	if ok {
		o.finished(ctx, final)
	}
	return &final
}

func (o *Orchestrator) route(in intent.Intent) (handlers.Handler, error) {
	if in.Type == intent.Unknown {
		return nil, ErrNotUnderstood
	}
	if in.Confidence < o.opts.AcceptConfidence {
		return nil, fmt.Errorf("%w: confidence %.2f below %.2f", ErrNotUnderstood, in.Confidence, o.opts.AcceptConfidence)
	}
	h, ok := o.registry.Lookup(in.Type)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoHandler, in.Type)
	}
	return h, nil
}

func (o *Orchestrator) invoke(ctx context.Context, h handlers.Handler, in intent.Intent) (reply handlers.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			o.logger.Error("handler panicked", slog.String("intent", string(in.Type)), slog.Any("panic", r))
		}
	}()
	// The recorded Intent is shared with history snapshots; handlers get
	// their own copy.
	in.Parameters = maps.Clone(in.Parameters)
	in.Entities = slices.Clone(in.Entities)
	in.Suggestions = slices.Clone(in.Suggestions)
	return h.Handle(ctx, in)
}

// complete moves exec to its terminal state. ok is false when the execution
// was already cancelled while the handler ran.
func (o *Orchestrator) complete(exec *Execution, in intent.Intent, reply handlers.Reply, err error) (Execution, bool) {
	now := o.opts.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	if exec.Status.Terminal() {
		return exec.snapshot(), false
	}
	switch {
	case err == nil:
		_ = exec.transition(StateCompleted, now)
		exec.Result = reply.Result
		exec.Speech = reply.Speech
		o.stats.Succeeded++
	case errors.Is(err, context.Canceled):
		_ = exec.transition(StateCancelled, now)
		o.stats.Cancelled++
	default:
		_ = exec.transition(StateFailed, now)
		exec.Error = err.Error()
		exec.Speech = failureSpeech(in, err)
		o.stats.Failed++
	}
	return o.retireLocked(exec), true
}

// cancelAllLocked cancels active executions oldest first.
func (o *Orchestrator) cancelAllLocked() []Execution {
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, o.cancelLocked(o.active[id]))
	}
	return out
}

func (o *Orchestrator) cancelLocked(exec *Execution) Execution {
	_ = exec.transition(StateCancelled, o.opts.Now())
	if exec.cancel != nil {
		exec.cancel()
	}
	o.stats.Cancelled++
	return o.retireLocked(exec)
}

// retireLocked moves a terminal execution from the active map to history.
func (o *Orchestrator) retireLocked(exec *Execution) Execution {
	delete(o.active, exec.ID)
	snap := exec.snapshot()
	o.history = append(o.history, snap)
	if over := len(o.history) - o.opts.HistoryLimit; over > 0 {
		o.history = append([]Execution(nil), o.history[over:]...)
	}
	o.stats.TotalTime += snap.Duration()
	if done := o.stats.Succeeded + o.stats.Failed + o.stats.Cancelled; done > 0 {
		o.stats.AverageTime = o.stats.TotalTime / time.Duration(done)
	}
	return snap
}

// finished publishes the outcome of a terminal execution.
func (o *Orchestrator) finished(ctx context.Context, exec Execution) {
	switch exec.Status {
	case StateCompleted:
		o.emit(protocol.EventExecutionCompleted, exec)
		o.logger.Info("command completed",
			slog.String("execution_id", exec.ID),
			slog.Duration("duration", exec.Duration()))
	case StateFailed:
		o.emit(protocol.EventExecutionError, exec)
		o.logger.Warn("command failed",
			slog.String("execution_id", exec.ID),
			slog.String("intent", string(exec.Intent.Type)),
			slog.String("error", exec.Error))
	case StateCancelled:
		o.emit(protocol.EventExecutionCancelled, exec)
		o.logger.Info("command cancelled", slog.String("execution_id", exec.ID))
	}
	if exec.Speech != "" {
		o.speak(exec.Speech)
	}
	o.metrics.record(ctx, exec)

	o.mu.Lock()
	recorder := o.recorder
	o.mu.Unlock()
	if recorder != nil {
		if err := recorder.RecordExecution(context.WithoutCancel(ctx), exec); err != nil {
			o.logger.Warn("failed to record execution", slog.String("execution_id", exec.ID), slogError(err))
		}
	}
}

// Cancel cancels an active execution by id.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	exec, ok := o.active[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	snap := o.cancelLocked(exec)
	o.mu.Unlock()

	o.finished(context.Background(), snap)
	return true
}

// History returns up to limit of the most recent terminal executions, oldest
// first. A limit of zero or less returns everything retained.
func (o *Orchestrator) History(limit int) []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(o.history) {
		start = len(o.history) - limit
	}
	out := make([]Execution, len(o.history)-start)
	copy(out, o.history[start:])
	return out
}

func (o *Orchestrator) ClearHistory() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.history)
	o.history = nil
	return n
}

// Active returns snapshots of executions not yet terminal.
func (o *Orchestrator) Active() []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Execution, 0, len(o.active))
	for _, exec := range o.active {
		out = append(out, exec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) Status() Status {
	types := o.registry.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:      o.running,
		Paused:       o.paused,
		ActiveCount:  len(o.active),
		HistoryCount: len(o.history),
		Stats:        o.stats,
		Handlers:     names,
	}
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) emit(name string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(name, payload, eventSource, false)
}

func (o *Orchestrator) speak(text string) {
	o.mu.Lock()
	speaker := o.speaker
	o.mu.Unlock()
	if speaker == nil {
		return
	}
	if !speaker.Speak(text, false) {
		o.logger.Debug("speaker rejected text", slog.String("text", text))
	}
}

// failureSpeech is the spoken response for a failed command.
func failureSpeech(in intent.Intent, err error) string {
	switch {
	case errors.Is(err, ErrNotUnderstood):
		return clarification(in.Suggestions)
	case errors.Is(err, ErrNoHandler), errors.Is(err, handlers.ErrNotConfigured):
		return "I can't " + strings.ToLower(intent.Describe(in.Type)) + " on this system yet."
	case errors.Is(err, handlers.ErrMissingParameter):
		return "I need a little more detail to do that."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, so I stopped it."
	default:
		return "Sorry, something went wrong with that command."
	}
}

func clarification(suggestions []string) string {
	var examples []string
	for _, s := range suggestions {
		_, example, ok := strings.Cut(s, ": ")
		if !ok {
			example = s
		}
		examples = append(examples, example)
		if len(examples) == 2 {
			break
		}
	}
	if len(examples) == 0 {
		return "Sorry, I didn't understand that."
	}
	return "Sorry, I didn't understand that. You can say things like " + strings.Join(examples, " or ") + "."
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
