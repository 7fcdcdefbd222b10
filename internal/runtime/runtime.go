package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/safwanbuddy/buddy-core/internal/bridge"
	"github.com/safwanbuddy/buddy-core/internal/bus"
	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/eventstore"
	"github.com/safwanbuddy/buddy-core/internal/handlers"
	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/natsserver"
	"github.com/safwanbuddy/buddy-core/internal/orchestrator"
	"github.com/safwanbuddy/buddy-core/internal/presence"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
	"github.com/safwanbuddy/buddy-core/internal/stt"
	"github.com/safwanbuddy/buddy-core/internal/tts"
	"github.com/safwanbuddy/buddy-core/internal/voice"
)

const (
	eventSource      = "runtime"
	meterScope       = "github.com/safwanbuddy/buddy-core/internal/runtime"
	retentionEvery   = time.Hour
	eventStreamAge   = 24 * time.Hour
	remoteFrameQueue = 64
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	metrics       http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup
	started       time.Time
	upgrader      websocket.Upgrader
	stopping      chan struct{}

	events       *events.Bus
	classifier   *intent.Classifier
	registry     *handlers.Registry
	orchestrator *orchestrator.Orchestrator
	speaker      *tts.Speaker
	listener     *voice.Listener
	store        *eventstore.Store
	recorder     *eventstore.Recorder
	natsServer   *natsserver.EmbeddedServer
	busClient    *bus.Client
	bridge       *bridge.Service
	presence     *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		stopping: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	otel.SetTracerProvider(tel.traces)
	otel.SetMeterProvider(tel.meters)
	r.telemetry = tel
	r.metrics = tel.metricsHandler()

	if err := r.build(ctx, cancel); err != nil {
		_ = r.close()
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	close(r.stopping)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := r.close(); err != nil {
		errs = append(errs, err)
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown finished with errors", slogError(err))
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

// build wires every component. Optional capabilities that fail to come up
// are logged and left out; only the core pipeline is fatal.
func (r *Runtime) build(ctx context.Context, shutdown context.CancelFunc) error {
	r.started = time.Now()
	meter := otel.Meter(meterScope)

	r.events = events.New(events.Options{
		QueueSize:      r.cfg.Events.QueueSize,
		EnqueueTimeout: time.Duration(r.cfg.Events.EnqueueTimeoutMS) * time.Millisecond,
	}, r.logger)
	if err := r.events.RegisterMetrics(meter); err != nil {
		r.logger.Warn("event bus metrics unavailable", slogError(err))
	}
	if r.cfg.Events.Async {
		r.events.Start(ctx)
	}

	classifier, err := intent.FromConfig(r.cfg.Classifier)
	if err != nil {
		return err
	}
	r.classifier = classifier

	r.registry, err = handlers.Builtins(r.cfg.Handlers, handlers.Options{
		Started: r.started,
		Status:  r.orchestratorCounters,
		Help:    r.classifier.Catalogue,
	})
	if err != nil {
		return fmt.Errorf("build handlers: %w", err)
	}

	r.orchestrator = orchestrator.New(r.classifier, r.registry, r.events, orchestrator.OptionsFromConfig(r.cfg.Orchestrator), r.logger)

	if store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		r.logger.Warn("command history unavailable", slogError(err))
	} else {
		r.store = store
	}
	if r.store != nil && r.store.Enabled() {
		store := r.store
		r.recorder = eventstore.NewRecorder(store)
		r.orchestrator.SetRecorder(r.recorder)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			store.RunRetention(ctx, retentionEvery)
		}()
	}

	r.buildSpeech(ctx)
	r.buildTransport(ctx)
	r.buildVoice()

	if r.speaker != nil && r.bridge != nil {
		r.speaker.SetSink(r.bridge)
	}
	if r.busClient != nil {
		r.buildPresence(ctx)
	}

	r.events.SubscribeFunc(protocol.EventShutdownRequest, func(events.Event) {
		r.logger.Info("shutdown requested")
		shutdown()
	}, eventSource)

	return r.orchestrator.Start(ctx)
}

func (r *Runtime) buildSpeech(ctx context.Context) {
	if !r.cfg.TTS.Enabled {
		return
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		r.logger.Warn("speech output unavailable", slogError(err))
		return
	}
	r.speaker = tts.NewSpeaker(r.cfg.TTS, synth, r.events, r.logger)
	r.speaker.Start(ctx)
	r.orchestrator.SetSpeaker(r.speaker)
}

func (r *Runtime) buildTransport(ctx context.Context) {
	if !r.cfg.Bus.Enabled {
		return
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		r.logger.Warn("embedded NATS server unavailable", slogError(err))
		return
	}
	r.natsServer = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.logger.Warn("message bus unavailable", slogError(err))
		return
	}
	r.busClient = client

	svc := bridge.NewService(ctx, bridge.Options{
		SampleRate:   r.cfg.Voice.SampleRate,
		Channels:     r.cfg.Voice.Channels,
		Exclude:      []string{protocol.EventAudioData},
		StreamMaxAge: eventStreamAge,
	}, client, r.events, r.orchestrator, r.logger)
	if err := svc.Start(); err != nil {
		r.logger.Warn("bus bridge unavailable", slogError(err))
		svc.Close()
		return
	}
	r.bridge = svc
}

func (r *Runtime) buildVoice() {
	if !r.cfg.Voice.Enabled {
		return
	}
	var source voice.Source
	switch r.cfg.Voice.Source {
	case "microphone":
		mic, err := voice.NewMicrophone(r.cfg.Voice, r.logger)
		if err != nil {
			r.logger.Warn("voice input disabled", slogError(err))
			return
		}
		source = mic
	case "nats":
		if r.bridge == nil {
			r.logger.Warn("voice input disabled", slog.String("reason", "message bus unavailable"))
			return
		}
		frames := voice.NewFrameSource(remoteFrameQueue)
		r.bridge.SetFrameSink(frames)
		source = frames
	default:
		return
	}

	primary, err := stt.New(r.cfg.STT)
	if err != nil {
		_ = source.Close()
		r.logger.Warn("voice input disabled", slogError(err))
		return
	}
	var fallback stt.Recognizer
	if r.cfg.STT.FallbackMode != "" {
		if fallback, err = stt.NewFallback(r.cfg.STT); err != nil {
			r.logger.Warn("fallback recognizer unavailable", slogError(err))
			fallback = nil
		}
	}

	r.listener = voice.New(r.cfg.Voice, source, primary, fallback, r.events, r.logger)
	r.orchestrator.SetListener(r.listener)
}

func (r *Runtime) buildPresence(ctx context.Context) {
	ad := presence.Advertisement{Features: []string{"text"}}
	for _, t := range r.registry.Types() {
		ad.Intents = append(ad.Intents, string(t))
	}
	if r.listener != nil {
		ad.Features = append(ad.Features, "voice")
	}
	if r.speaker != nil {
		ad.Features = append(ad.Features, "tts")
	}
	reg, err := presence.NewRegistry(ctx, r.cfg.Node, ad, r.busClient, r.events, r.logger)
	if err != nil {
		r.logger.Warn("node presence unavailable", slogError(err))
		return
	}
	r.presence = reg
}

// close releases components in reverse dependency order.
func (r *Runtime) close() error {
	var errs []error
	if r.orchestrator != nil {
		r.orchestrator.Stop()
	}
	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audio source: %w", err))
		}
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
	if r.events != nil {
		r.events.UnsubscribeAll(eventSource)
		r.events.Stop()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) orchestratorCounters() map[string]any {
	if r.orchestrator == nil {
		return nil
	}
	st := r.orchestrator.Stats()
	return map[string]any{
		"commands_processed": st.Processed,
		"commands_succeeded": st.Succeeded,
		"commands_failed":    st.Failed,
		"active_commands":    len(r.orchestrator.Active()),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
