package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safwanbuddy/buddy-core/internal/events"
	"github.com/safwanbuddy/buddy-core/internal/orchestrator"
	"github.com/safwanbuddy/buddy-core/internal/presence"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
	"github.com/safwanbuddy/buddy-core/internal/voice"
)

const (
	defaultHistoryLimit = 20
	maxCommandBody      = 64 << 10
	streamBuffer        = 256
	streamWriteTimeout  = 5 * time.Second
	streamPingInterval  = 30 * time.Second
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/history", r.handleHistory)
	mux.HandleFunc("/command", r.handleCommand)
	mux.HandleFunc("/ws", r.handleStream)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.orchestrator != nil && r.orchestrator.Running() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// StatusReport is the /status document.
type StatusReport struct {
	Runtime       string              `json:"runtime"`
	Environment   string              `json:"environment"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Orchestrator  orchestrator.Status `json:"orchestrator"`
	Events        events.Stats        `json:"events"`
	Voice         *VoiceReport        `json:"voice,omitempty"`
	Speaking      bool                `json:"speaking"`
	Bridge        map[string]int64    `json:"bridge,omitempty"`
	Nodes         []presence.Node     `json:"nodes,omitempty"`
}

type VoiceReport struct {
	voice.Status
	Stats   voice.Stats `json:"stats"`
	Volumes []float64   `json:"volumes"`
}

func (r *Runtime) status() StatusReport {
	report := StatusReport{
		Runtime:       r.cfg.RuntimeName,
		Environment:   r.cfg.Environment,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Orchestrator:  r.orchestrator.Status(),
		Events:        r.events.Stats(),
	}
	if r.listener != nil {
		report.Voice = &VoiceReport{
			Status:  r.listener.Status(),
			Stats:   r.listener.Stats(),
			Volumes: r.listener.RecentVolumes(50),
		}
	}
	if r.speaker != nil {
		report.Speaking = r.speaker.Speaking()
	}
	if r.bridge != nil {
		report.Bridge = r.bridge.Stats()
	}
	if r.presence != nil {
		report.Nodes = r.presence.Query(nil)
	}
	return report
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, r.status())
}

// HistoryEntry is one command in the /history response.
type HistoryEntry struct {
	ExecutionID string     `json:"execution_id"`
	Text        string     `json:"text"`
	Source      string     `json:"source"`
	Intent      string     `json:"intent"`
	Confidence  float64    `json:"confidence"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Speech      string     `json:"speech,omitempty"`
	Result      any        `json:"result,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// history prefers the persisted command log and falls back to the
// orchestrator's in-memory history.
func (r *Runtime) history(req *http.Request, limit int) ([]HistoryEntry, error) {
	if r.recorder != nil {
		commands, err := r.recorder.History(req.Context(), limit)
		if err != nil {
			return nil, err
		}
		out := make([]HistoryEntry, 0, len(commands))
		for _, c := range commands {
			entry := HistoryEntry{
				ExecutionID: c.ExecutionID,
				Text:        c.Text,
				Source:      c.Source,
				Intent:      c.Intent,
				Confidence:  c.Confidence,
				Status:      c.Status,
				Error:       c.Error,
				Speech:      c.Speech,
				StartedAt:   c.StartedAt,
				FinishedAt:  c.FinishedAt,
			}
			if len(c.Result) > 0 && json.Valid(c.Result) {
				entry.Result = json.RawMessage(c.Result)
			}
			out = append(out, entry)
		}
		return out, nil
	}

	executions := r.orchestrator.History(limit)
	out := make([]HistoryEntry, 0, len(executions))
	for _, e := range executions {
		out = append(out, HistoryEntry{
			ExecutionID: e.ID,
			Text:        e.Text,
			Source:      e.Source,
			Intent:      string(e.Intent.Type),
			Confidence:  e.Intent.Confidence,
			Status:      string(e.Status),
			Error:       e.Error,
			Speech:      e.Speech,
			Result:      e.Result,
			StartedAt:   e.StartTime,
			FinishedAt:  e.EndTime,
		})
	}
	return out, nil
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := r.history(req, limit)
	if err != nil {
		r.logger.Warn("history query failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Runtime) handleCommand(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body protocol.CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxCommandBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	source := body.Source
	if source == "" {
		source = protocol.SourceAPI
	}
	exec := r.orchestrator.ProcessCommand(req.Context(), body.Text, source)
	if exec == nil {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	writeJSON(w, http.StatusOK, exec.Reply())
}

// streamClient forwards bus events to one websocket connection. Events are
// dropped when the client falls behind.
type streamClient struct {
	out     chan protocol.EventEnvelope
	closed  atomic.Bool
	dropped atomic.Int64
}

func (c *streamClient) HandleEvent(ev events.Event) {
	if c.closed.Load() {
		return
	}
	env := protocol.EventEnvelope{Name: ev.Name, Source: ev.Source, Timestamp: ev.Timestamp, Payload: ev.Payload}
	select {
	case c.out <- env:
	default:
		c.dropped.Add(1)
	}
}

func (c *streamClient) Alive() bool { return !c.closed.Load() }

func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	client := &streamClient{out: make(chan protocol.EventEnvelope, streamBuffer)}
	id := r.events.Subscribe(events.Wildcard, client, "websocket")
	defer func() {
		client.closed.Store(true)
		r.events.Unsubscribe(id)
		if n := client.dropped.Load(); n > 0 {
			r.logger.Info("event stream closed", slog.Int64("dropped", n))
		}
	}()

	// The read side only watches for the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-req.Context().Done():
			return
		case <-r.stopping:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteTimeout))
			return
		case env := <-client.out:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
