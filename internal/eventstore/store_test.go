package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/safwanbuddy/buddy-core/internal/config"
	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/orchestrator"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.Enabled() {
		t.Fatalf("ephemeral store should not be enabled")
	}
	if err := es.UpsertCommand(context.Background(), Command{ExecutionID: "x", Text: "hi", Status: "pending"}); err != nil {
		t.Fatalf("upsert on ephemeral store: %v", err)
	}
	cmds, err := es.ListCommands(context.Background(), 10)
	if err != nil || len(cmds) != 0 {
		t.Fatalf("expected nothing stored, got %v (%v)", cmds, err)
	}
}

func TestUpsertAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	started := time.Date(2026, 3, 9, 15, 4, 0, 0, time.UTC)
	cmd := Command{ExecutionID: "01J0000000000000000000000A", Text: "what time is it", Source: "text", Intent: "time", Confidence: 0.9, Status: "pending", StartedAt: started}
	if err := es.UpsertCommand(ctx, cmd); err != nil {
		t.Fatalf("insert command: %v", err)
	}
	finished := started.Add(150 * time.Millisecond)
	cmd.Status = "completed"
	cmd.Speech = "The current time is 3:04 PM"
	cmd.Result = []byte(`{"time":"15:04"}`)
	cmd.FinishedAt = &finished
	if err := es.UpsertCommand(ctx, cmd); err != nil {
		t.Fatalf("update command: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{ExecutionID: cmd.ExecutionID, Type: "note", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	cmds, err := es.ListCommands(ctx, 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	got := cmds[0]
	if got.Status != "completed" || got.Speech != cmd.Speech || string(got.Result) != `{"time":"15:04"}` {
		t.Fatalf("unexpected command: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finish time: %v", got.FinishedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected start time: %v", got.StartedAt)
	}

	events, err := es.ListEvents(ctx, cmd.ExecutionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestListCommandsReturnsMostRecentOldestFirst(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	base := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		cmd := Command{ExecutionID: text, Text: text, Status: "completed", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := es.UpsertCommand(ctx, cmd); err != nil {
			t.Fatalf("insert %s: %v", text, err)
		}
	}
	cmds, err := es.ListCommands(ctx, 2)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Text != "two" || cmds[1].Text != "three" {
		t.Fatalf("unexpected order: %+v", cmds)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxCommands: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.UpsertCommand(ctx, Command{ExecutionID: "old", Text: "old", Status: "completed"}); err != nil {
		t.Fatalf("insert command: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{ExecutionID: "old", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"new-1", "new-2"} {
		if err := es.UpsertCommand(ctx, Command{ExecutionID: id, Text: id, Status: "completed"}); err != nil {
			t.Fatalf("insert command: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old command events pruned")
	}
	cmds, err := es.ListCommands(ctx, 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ExecutionID != "new-2" {
		t.Fatalf("expected only the newest command kept, got %+v", cmds)
	}
}

func TestRecorderWritesTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es)
	ctx := context.Background()

	start := time.Date(2026, 3, 9, 15, 4, 0, 0, time.UTC)
	exec := orchestrator.Execution{
		ID:        "01J0000000000000000000000B",
		Text:      "open firefox",
		Source:    "api",
		Intent:    intent.Intent{Type: intent.OpenApplication, Confidence: 1, Parameters: map[string]any{"application": "firefox"}},
		Status:    orchestrator.StatePending,
		StartTime: start,
	}
	if err := rec.RecordCommand(ctx, exec); err != nil {
		t.Fatalf("record command: %v", err)
	}

	end := start.Add(time.Second)
	exec.Status = orchestrator.StateCompleted
	exec.EndTime = &end
	exec.Result = map[string]any{"command": []string{"firefox"}}
	exec.Speech = "Opening firefox"
	if err := rec.RecordExecution(ctx, exec); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	history, err := rec.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != "completed" || history[0].Intent != "open_application" {
		t.Fatalf("unexpected history: %+v", history)
	}

	events, err := es.ListEvents(ctx, exec.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventCommandReceived || events[1].Type != EventExecutionFinished {
		t.Fatalf("unexpected timeline: %+v", events)
	}
	var received receivedPayload
	if err := json.Unmarshal(events[0].Payload, &received); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if received.Parameters["application"] != "firefox" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}
