package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, mutate func(*config.Config)) (*Runtime, *httptest.Server, context.Context) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Events.Async = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "history.db")
	if mutate != nil {
		mutate(&cfg)
	}

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.build(ctx, cancel))
	rt.ready.Store(true)

	srv := httptest.NewServer(rt.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		require.NoError(t, rt.close())
		rt.wg.Wait()
	})
	return rt, srv, ctx
}

func postCommand(t *testing.T, srv *httptest.Server, body string) (*http.Response, protocol.CommandReply) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/command", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var reply protocol.CommandReply
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return resp, reply
}

func TestHealthAndReady(t *testing.T) {
	rt, srv, _ := newTestRuntime(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rt.ready.Store(false)
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCommandEndpoint(t *testing.T) {
	_, srv, _ := newTestRuntime(t, nil)

	resp, reply := postCommand(t, srv, `{"text":"what time is it"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", reply.Status)
	require.Equal(t, "time", reply.Intent)
	require.NotEmpty(t, reply.ExecutionID)
	require.Contains(t, reply.Speech, "time")

	resp, _ = postCommand(t, srv, `{"text":"   "}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postCommand(t, srv, `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/command")
	require.NoError(t, err)
	get.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestHistoryFromOrchestrator(t *testing.T) {
	rt, srv, _ := newTestRuntime(t, nil)
	require.Nil(t, rt.recorder)

	postCommand(t, srv, `{"text":"what time is it"}`)
	postCommand(t, srv, `{"text":"what time is it","source":"gui"}`)

	resp, err := http.Get(srv.URL + "/history?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	require.Equal(t, "gui", entries[0].Source)
	require.Equal(t, "completed", entries[0].Status)

	bad, err := http.Get(srv.URL + "/history?limit=abc")
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHistoryFromCommandLog(t *testing.T) {
	rt, srv, _ := newTestRuntime(t, func(cfg *config.Config) {
		cfg.EventStore.RetentionMode = "persistent"
	})
	require.NotNil(t, rt.recorder)

	postCommand(t, srv, `{"text":"what time is it"}`)
	postCommand(t, srv, `{"text":"asdkjasd"}`)

	var entries []HistoryEntry
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		entries = nil
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		return len(entries) == 2 && entries[1].FinishedAt != nil
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, "time", entries[0].Intent)
	require.Equal(t, "completed", entries[0].Status)
	require.Equal(t, protocol.SourceAPI, entries[0].Source)
	require.NotNil(t, entries[0].Result)
	require.Equal(t, "failed", entries[1].Status)
	require.NotEmpty(t, entries[1].Speech)
}

func TestStatusReport(t *testing.T) {
	_, srv, _ := newTestRuntime(t, nil)
	postCommand(t, srv, `{"text":"what time is it"}`)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Equal(t, "buddy-runtime", report.Runtime)
	require.True(t, report.Orchestrator.Running)
	require.Equal(t, 1, report.Orchestrator.Stats.Processed)
	require.Contains(t, report.Orchestrator.Handlers, "time")
	require.Nil(t, report.Voice)
	require.Empty(t, report.Nodes)
}

func TestEventStream(t *testing.T) {
	rt, srv, _ := newTestRuntime(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		for _, sub := range rt.events.Subscribers() {
			if sub.Source == "websocket" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	postCommand(t, srv, `{"text":"what time is it"}`)

	var names []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env protocol.EventEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		names = append(names, env.Name)
		if env.Name == protocol.EventExecutionCompleted {
			break
		}
	}
	require.Equal(t, []string{protocol.EventExecutionStarted, protocol.EventExecutionCompleted}, names)
}

func TestShutdownRequestCancelsRuntime(t *testing.T) {
	rt, _, ctx := newTestRuntime(t, nil)

	rt.events.Emit(protocol.EventShutdownRequest, nil, "test", true)
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request did not cancel the runtime context")
	}
	require.Eventually(t, func() bool { return !rt.orchestrator.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, LogLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, LogLevel("warning"))
	require.Equal(t, slog.LevelError, LogLevel("error"))
	require.Equal(t, slog.LevelInfo, LogLevel("verbose"))
}

func TestTraceExporterSelection(t *testing.T) {
	ctx := context.Background()

	exp, name, err := traceExporter(ctx, config.TelemetryConfig{})
	require.NoError(t, err)
	require.Equal(t, "none", name)
	require.Nil(t, exp)

	exp, name, err = traceExporter(ctx, config.TelemetryConfig{TraceExporter: "stdout"})
	require.NoError(t, err)
	require.Equal(t, "stdout", name)
	require.NotNil(t, exp)
	require.NoError(t, exp.Shutdown(ctx))

	exp, name, err = traceExporter(ctx, config.TelemetryConfig{OTLPEndpoint: "127.0.0.1:4317", OTLPInsecure: true})
	require.NoError(t, err)
	require.Equal(t, "otlp", name)
	require.NotNil(t, exp)
	require.NoError(t, exp.Shutdown(ctx))

	_, _, err = traceExporter(ctx, config.TelemetryConfig{TraceExporter: "zipkin"})
	require.Error(t, err)
}

func TestResourceAttributesDescribeNode(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "desk-1"
	cfg.Voice.Enabled = true
	cfg.Voice.Source = "nats"
	cfg.TTS.Enabled = false

	attrs := make(map[string]string)
	for _, kv := range resourceAttributes(cfg) {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "buddy-runtime", attrs["service.name"])
	require.Equal(t, "desk-1", attrs["service.instance.id"])
	require.Equal(t, "nats", attrs["buddy.voice.source"])
	require.Equal(t, "disabled", attrs["buddy.tts.mode"])
	require.Equal(t, "true", attrs["buddy.bus.enabled"])
}

func TestMetricsHandlerServesRuntimeMetrics(t *testing.T) {
	cfg := config.Default()
	tel, err := newTelemetry(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tel.Shutdown(context.Background())) })
	require.Equal(t, "none", tel.exporter)

	counter, err := tel.meters.Meter("test").Int64Counter("buddy_test_commands")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(tel.metricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "go_goroutines")
	require.Contains(t, string(body), "buddy_test_commands")
}
