package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/handlers"
	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClassifier map[string]intent.Intent

func (f fixedClassifier) Classify(text string) intent.Intent {
	if in, ok := f[text]; ok {
		in.OriginalText = text
		return in
	}
	return intent.Intent{
		Type:         intent.Unknown,
		OriginalText: text,
		Parameters:   map[string]any{},
		Suggestions:  []string{"Tell the current time: 'what time is it'", "Take screenshots: 'take a screenshot'"},
	}
}

type fakeSpeaker struct {
	mu      sync.Mutex
	said    []string
	stopped int
}

func (s *fakeSpeaker) Speak(text string, _ bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, text)
	return true
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

type fakeListener struct {
	mu    sync.Mutex
	calls []string
}

func (l *fakeListener) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *fakeListener) StartListening() error { l.record("start"); return nil }
func (l *fakeListener) StopListening() bool   { l.record("stop"); return true }
func (l *fakeListener) Pause()                { l.record("pause") }
func (l *fakeListener) Resume()               { l.record("resume") }

func (l *fakeListener) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRecorder struct {
	mu         sync.Mutex
	commands   []Execution
	executions []Execution
}

func (r *fakeRecorder) RecordCommand(_ context.Context, exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, exec)
	return nil
}

func (r *fakeRecorder) RecordExecution(_ context.Context, exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, exec)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func watch(bus *events.Bus, names ...string) *eventLog {
	log := &eventLog{}
	for _, name := range names {
		bus.SubscribeFunc(name, func(ev events.Event) {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.events = append(log.events, ev)
		}, "test")
	}
	return log
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

var timeIntent = intent.Intent{Type: intent.Time, Confidence: 0.9, Parameters: map[string]any{}}

func reply(speech string) handlers.Handler {
	return handlers.HandlerFunc(func(context.Context, intent.Intent) (handlers.Reply, error) {
		return handlers.Reply{Result: map[string]any{"ok": true}, Speech: speech}, nil
	})
}

func newOrchestrator(t *testing.T, cls Classifier, reg *handlers.Registry, opts Options) (*Orchestrator, *events.Bus) {
	t.Helper()
	bus := events.New(events.DefaultOptions(), newLogger())
	if opts.AcceptConfidence == 0 {
		opts.AcceptConfidence = 0.3
	}
	o := New(cls, reg, bus, opts, newLogger())
	t.Cleanup(o.Stop)
	return o, bus
}

func TestProcessCommandCompletes(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, reply("It is noon")))
	o, bus := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	speaker := &fakeSpeaker{}
	o.SetSpeaker(speaker)
	log := watch(bus, protocol.EventExecutionStarted, protocol.EventExecutionCompleted, protocol.EventExecutionError)

	exec := o.ProcessCommand(context.Background(), "  what time is it ", protocol.SourceText)
	require.NotNil(t, exec)
	require.Equal(t, StateCompleted, exec.Status)
	require.Equal(t, "what time is it", exec.Text)
	require.Equal(t, 1.0, exec.Progress)
	require.NotNil(t, exec.EndTime)
	require.Equal(t, map[string]any{"ok": true}, exec.Result)
	require.Empty(t, exec.Error)

	require.Equal(t, []string{protocol.EventExecutionStarted, protocol.EventExecutionCompleted}, log.names())
	require.Equal(t, []string{"It is noon"}, speaker.spoken())

	stats := o.Stats()
	require.Equal(t, 1, stats.Processed)
	require.Equal(t, 1, stats.Succeeded)
	require.Len(t, o.History(0), 1)
	require.Empty(t, o.Active())
}

func TestBlankInputReturnsNil(t *testing.T) {
	o, _ := newOrchestrator(t, fixedClassifier{}, handlers.NewRegistry(), Options{})
	require.Nil(t, o.ProcessCommand(context.Background(), "   ", protocol.SourceText))
	require.Zero(t, o.Stats().Processed)
}

func TestUnknownIntentFailsWithClarification(t *testing.T) {
	o, bus := newOrchestrator(t, fixedClassifier{}, handlers.NewRegistry(), Options{})
	speaker := &fakeSpeaker{}
	o.SetSpeaker(speaker)
	log := watch(bus, protocol.EventExecutionError)

	exec := o.ProcessCommand(context.Background(), "flibbertigibbet", protocol.SourceText)
	require.NotNil(t, exec)
	require.Equal(t, StateFailed, exec.Status)
	require.Contains(t, exec.Error, ErrNotUnderstood.Error())
	require.Equal(t, []string{protocol.EventExecutionError}, log.names())
	require.Equal(t, []string{
		"Sorry, I didn't understand that. You can say things like 'what time is it' or 'take a screenshot'.",
	}, speaker.spoken())
	require.Len(t, o.History(0), 1)
}

func TestBelowAcceptanceFloorFails(t *testing.T) {
	called := false
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, handlers.HandlerFunc(func(context.Context, intent.Intent) (handlers.Reply, error) {
		called = true
		return handlers.Reply{}, nil
	})))
	weak := timeIntent
	weak.Confidence = 0.45
	o, _ := newOrchestrator(t, fixedClassifier{"time maybe": weak}, reg, Options{AcceptConfidence: 0.5})

	exec := o.ProcessCommand(context.Background(), "time maybe", protocol.SourceText)
	require.Equal(t, StateFailed, exec.Status)
	require.Contains(t, exec.Error, "below")
	require.False(t, called)
}

func TestHandlerFaultIsolation(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Screenshot, handlers.HandlerFunc(func(context.Context, intent.Intent) (handlers.Reply, error) {
		return handlers.Reply{}, errors.New("scrot: exit status 1")
	})))
	require.NoError(t, reg.Register(intent.Weather, handlers.HandlerFunc(func(context.Context, intent.Intent) (handlers.Reply, error) {
		panic("boom")
	})))
	require.NoError(t, reg.Register(intent.Time, reply("It is noon")))
	cls := fixedClassifier{
		"take a screenshot": {Type: intent.Screenshot, Confidence: 0.9},
		"weather":           {Type: intent.Weather, Confidence: 0.9},
		"what time is it":   timeIntent,
	}
	o, _ := newOrchestrator(t, cls, reg, Options{})

	failed := o.ProcessCommand(context.Background(), "take a screenshot", protocol.SourceText)
	require.Equal(t, StateFailed, failed.Status)
	require.Equal(t, "scrot: exit status 1", failed.Error)
	require.Equal(t, "Sorry, something went wrong with that command.", failed.Speech)

	panicked := o.ProcessCommand(context.Background(), "weather", protocol.SourceText)
	require.Equal(t, StateFailed, panicked.Status)
	require.Equal(t, "handler panic: boom", panicked.Error)

	ok := o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText)
	require.Equal(t, StateCompleted, ok.Status)

	stats := o.Stats()
	require.Equal(t, 3, stats.Processed)
	require.Equal(t, 2, stats.Failed)
	require.Equal(t, 1, stats.Succeeded)
}

func TestFailureSpeechByErrorKind(t *testing.T) {
	shot := intent.Intent{Type: intent.Screenshot}
	require.Equal(t, "I can't take screenshots on this system yet.",
		failureSpeech(shot, fmt.Errorf("%w: take screenshots", handlers.ErrNotConfigured)))
	require.Equal(t, "I can't take screenshots on this system yet.", failureSpeech(shot, ErrNoHandler))
	require.Equal(t, "I need a little more detail to do that.", failureSpeech(shot, handlers.ErrMissingParameter))
	require.Equal(t, "That took too long, so I stopped it.", failureSpeech(shot, context.DeadlineExceeded))
	require.Equal(t, "Sorry, I didn't understand that.", clarification(nil))
}

func TestUnregisteredIntentFails(t *testing.T) {
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, handlers.NewRegistry(), Options{})
	exec := o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText)
	require.Equal(t, StateFailed, exec.Status)
	require.Contains(t, exec.Error, "no handler registered for time")
}

func TestHandlerTimeout(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, handlers.HandlerFunc(func(ctx context.Context, _ intent.Intent) (handlers.Reply, error) {
		<-ctx.Done()
		return handlers.Reply{}, ctx.Err()
	})))
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{HandlerTimeout: 20 * time.Millisecond})

	exec := o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText)
	require.Equal(t, StateFailed, exec.Status)
	require.Equal(t, "That took too long, so I stopped it.", exec.Speech)
}

func blockingRegistry(t *testing.T) (*handlers.Registry, chan struct{}) {
	t.Helper()
	entered := make(chan struct{}, 1)
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, handlers.HandlerFunc(func(ctx context.Context, _ intent.Intent) (handlers.Reply, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return handlers.Reply{}, ctx.Err()
	})))
	return reg, entered
}

func TestStopCancelsInFlightExecutions(t *testing.T) {
	reg, entered := blockingRegistry(t)
	o, bus := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	require.NoError(t, o.Start(context.Background()))
	log := watch(bus, protocol.EventExecutionCancelled)

	done := make(chan *Execution, 1)
	go func() { done <- o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText) }()
	<-entered

	o.Stop()
	require.Empty(t, o.Active())
	history := o.History(0)
	require.Len(t, history, 1)
	require.Equal(t, StateCancelled, history[0].Status)
	require.Nil(t, history[0].Result)

	exec := <-done
	require.Equal(t, StateCancelled, exec.Status)
	require.Equal(t, 1, o.Stats().Cancelled)
	require.Equal(t, []string{protocol.EventExecutionCancelled}, log.names())
	require.False(t, o.Running())
}

func TestCancelByID(t *testing.T) {
	reg, entered := blockingRegistry(t)
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})

	done := make(chan *Execution, 1)
	go func() { done <- o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText) }()
	<-entered

	active := o.Active()
	require.Len(t, active, 1)
	require.Equal(t, StateRunning, active[0].Status)
	require.True(t, o.Cancel(active[0].ID))
	require.False(t, o.Cancel(active[0].ID))
	require.Equal(t, StateCancelled, (<-done).Status)
}

func TestConcurrentCommandsKeepStatsConsistent(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, reply("It is noon")))
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	require.NoError(t, o.Start(context.Background()))

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		text := "what time is it"
		if i%3 == 0 {
			text = fmt.Sprintf("gibberish %d", i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.ProcessCommand(context.Background(), text, protocol.SourceAPI)
		}()
	}
	wg.Wait()

	stats := o.Stats()
	require.Equal(t, n, stats.Processed)
	require.Equal(t, n, stats.Succeeded+stats.Failed)
	require.Equal(t, 14, stats.Failed)
	require.Len(t, o.History(0), n)
	require.Zero(t, o.Status().ActiveCount)
}

func TestStopDuringConcurrentCommands(t *testing.T) {
	entered := make(chan struct{}, 16)
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, handlers.HandlerFunc(func(ctx context.Context, _ intent.Intent) (handlers.Reply, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return handlers.Reply{}, ctx.Err()
	})))
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	require.NoError(t, o.Start(context.Background()))

	const blocked, failing = 8, 8
	var wg sync.WaitGroup
	for i := 0; i < blocked+failing; i++ {
		text := "what time is it"
		if i%2 == 1 {
			text = fmt.Sprintf("gibberish %d", i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.ProcessCommand(context.Background(), text, protocol.SourceAPI)
		}()
	}
	for i := 0; i < blocked; i++ {
		<-entered
	}

	o.Stop()
	wg.Wait()

	require.Empty(t, o.Active())
	history := o.History(0)
	require.Len(t, history, blocked+failing)
	for _, exec := range history {
		require.True(t, exec.Status.Terminal(), "execution %s left in %s", exec.ID, exec.Status)
	}
	stats := o.Stats()
	require.Equal(t, blocked+failing, stats.Processed)
	require.GreaterOrEqual(t, stats.Cancelled, blocked)
	require.Equal(t, blocked+failing, stats.Cancelled+stats.Failed)
	require.Zero(t, stats.Succeeded)
}

func TestHandlerCannotMutateRecordedIntent(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.OpenApplication, handlers.HandlerFunc(func(_ context.Context, in intent.Intent) (handlers.Reply, error) {
		in.Parameters["application"] = "rewritten"
		in.Parameters["extra"] = true
		in.Entities[0] = "rewritten"
		return handlers.Reply{Speech: "Opening firefox"}, nil
	})))
	open := intent.Intent{
		Type:       intent.OpenApplication,
		Confidence: 0.9,
		Parameters: map[string]any{"application": "firefox"},
		Entities:   []string{"firefox"},
	}
	o, _ := newOrchestrator(t, fixedClassifier{"open firefox": open}, reg, Options{})

	exec := o.ProcessCommand(context.Background(), "open firefox", protocol.SourceText)
	require.Equal(t, StateCompleted, exec.Status)
	require.Equal(t, map[string]any{"application": "firefox"}, exec.Intent.Parameters)
	require.Equal(t, []string{"firefox"}, exec.Intent.Entities)
	require.Equal(t, map[string]any{"application": "firefox"}, o.History(0)[0].Intent.Parameters)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateCompleted, false},
		{StatePending, StateFailed, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StatePending, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateCancelled, false},
		{StateCancelled, StateRunning, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, CanTransition(tc.from, tc.to))
			exec := &Execution{Status: tc.from}
			err := exec.transition(tc.to, time.Now())
			if tc.ok {
				require.NoError(t, err)
				require.Equal(t, tc.to, exec.Status)
				require.Equal(t, tc.to.Terminal(), exec.EndTime != nil)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
				require.Equal(t, tc.from, exec.Status)
			}
		})
	}
}

func TestHistoryIsBounded(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, reply("")))
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{HistoryLimit: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText).ID)
	}
	history := o.History(0)
	require.Len(t, history, 3)
	require.Equal(t, ids[2], history[0].ID)
	require.Equal(t, ids[4], history[2].ID)

	last := o.History(2)
	require.Len(t, last, 2)
	require.Equal(t, ids[3], last[0].ID)

	require.Equal(t, 5, o.Stats().Processed)
	require.Equal(t, 3, o.ClearHistory())
	require.Empty(t, o.History(0))
}

func TestPauseDropsVoiceInput(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, reply("It is noon")))
	o, bus := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	listener := &fakeListener{}
	o.SetListener(listener)
	require.NoError(t, o.Start(context.Background()))

	utterance := protocol.Utterance{Text: "what time is it", Confidence: 0.9, Source: protocol.SourceMicrophone}

	require.NoError(t, o.Pause())
	require.True(t, o.Status().Paused)
	bus.Emit(protocol.EventCommandRecognized, utterance, "voice", false)
	require.Zero(t, o.Stats().Processed)

	// Typed input still flows while paused.
	require.Equal(t, StateCompleted, o.ProcessCommand(context.Background(), "what time is it", protocol.SourceText).Status)

	require.NoError(t, o.Resume())
	bus.Emit(protocol.EventCommandRecognized, utterance, "voice", false)
	require.Eventually(t, func() bool { return o.Stats().Succeeded == 2 }, time.Second, 5*time.Millisecond)

	history := o.History(0)
	require.Equal(t, protocol.SourceMicrophone, history[1].Source)

	o.Stop()
	require.Equal(t, []string{"start", "pause", "resume", "stop"}, listener.history())
}

func TestPauseRequiresRunning(t *testing.T) {
	o, _ := newOrchestrator(t, fixedClassifier{}, handlers.NewRegistry(), Options{})
	require.ErrorIs(t, o.Pause(), ErrNotRunning)
	require.ErrorIs(t, o.Resume(), ErrNotRunning)
}

func TestControlEvents(t *testing.T) {
	o, bus := newOrchestrator(t, fixedClassifier{}, handlers.NewRegistry(), Options{})
	log := watch(bus, protocol.EventOrchestratorPaused, protocol.EventOrchestratorResumed, protocol.EventOrchestratorStopped)
	require.NoError(t, o.Start(context.Background()))

	bus.Emit(protocol.EventPauseOrchestrator, nil, "gui", false)
	require.True(t, o.Status().Paused)
	bus.Emit(protocol.EventResumeOrchestrator, nil, "gui", false)
	require.False(t, o.Status().Paused)

	bus.Emit(protocol.EventShutdownRequest, nil, "gui", false)
	require.Eventually(t, func() bool { return !o.Running() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(log.names()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{
		protocol.EventOrchestratorPaused,
		protocol.EventOrchestratorResumed,
		protocol.EventOrchestratorStopped,
	}, log.names())
}

func TestStartSpeaksGreetingAndStopReleasesSpeaker(t *testing.T) {
	o, _ := newOrchestrator(t, fixedClassifier{}, handlers.NewRegistry(), Options{Greeting: "Hello"})
	speaker := &fakeSpeaker{}
	o.SetSpeaker(speaker)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, []string{"Hello"}, speaker.spoken())
	require.True(t, o.Status().Running)

	o.Stop()
	require.Equal(t, 1, speaker.stopped)
	require.False(t, o.Status().Running)
}

func TestRecorderSeesCommandsAndOutcomes(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Time, reply("It is noon")))
	o, _ := newOrchestrator(t, fixedClassifier{"what time is it": timeIntent}, reg, Options{})
	rec := &fakeRecorder{}
	o.SetRecorder(rec)

	exec := o.ProcessCommand(context.Background(), "what time is it", protocol.SourceAPI)
	o.ProcessCommand(context.Background(), "gibberish", protocol.SourceAPI)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.commands, 2)
	require.Equal(t, StatePending, rec.commands[0].Status)
	require.Equal(t, exec.ID, rec.commands[0].ID)
	require.Len(t, rec.executions, 2)
	require.Equal(t, StateCompleted, rec.executions[0].Status)
	require.Equal(t, StateFailed, rec.executions[1].Status)
}

func TestStatusListsHandlers(t *testing.T) {
	reg := handlers.NewRegistry()
	require.NoError(t, reg.Register(intent.Date, reply("")))
	require.NoError(t, reg.Register(intent.Time, reply("")))
	o, _ := newOrchestrator(t, fixedClassifier{}, reg, Options{})
	require.Equal(t, []string{"time", "date"}, o.Status().Handlers)
}
