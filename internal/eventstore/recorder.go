package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/safwanbuddy/buddy-core/internal/orchestrator"
)

// Recorder persists orchestrator executions into the command log.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

type receivedPayload struct {
	Text       string         `json:"text"`
	Source     string         `json:"source"`
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Entities   []string       `json:"entities,omitempty"`
}

func (r *Recorder) RecordCommand(ctx context.Context, exec orchestrator.Execution) error {
	cmd := commandFrom(exec)
	if err := r.store.UpsertCommand(ctx, cmd); err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	payload, err := json.Marshal(receivedPayload{
		Text:       exec.Text,
		Source:     exec.Source,
		Intent:     string(exec.Intent.Type),
		Confidence: exec.Intent.Confidence,
		Parameters: exec.Intent.Parameters,
		Entities:   exec.Intent.Entities,
	})
	if err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, Event{
		ExecutionID: exec.ID,
		Type:        EventCommandReceived,
		Payload:     payload,
		CreatedAt:   exec.StartTime,
	})
}

func (r *Recorder) RecordExecution(ctx context.Context, exec orchestrator.Execution) error {
	cmd := commandFrom(exec)
	if exec.Result != nil {
		result, err := json.Marshal(exec.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		cmd.Result = result
	}
	if err := r.store.UpsertCommand(ctx, cmd); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	evt := Event{ExecutionID: exec.ID, Type: EventExecutionFinished, Payload: payload}
	if exec.EndTime != nil {
		evt.CreatedAt = *exec.EndTime
	}
	return r.store.AppendEvent(ctx, evt)
}

// History returns the most recent persisted commands, oldest first.
func (r *Recorder) History(ctx context.Context, limit int) ([]Command, error) {
	return r.store.ListCommands(ctx, limit)
}

func commandFrom(exec orchestrator.Execution) Command {
	return Command{
		ExecutionID: exec.ID,
		Text:        exec.Text,
		Source:      exec.Source,
		Intent:      string(exec.Intent.Type),
		Confidence:  exec.Intent.Confidence,
		Status:      string(exec.Status),
		Error:       exec.Error,
		Speech:      exec.Speech,
		StartedAt:   exec.StartTime,
		FinishedAt:  exec.EndTime,
	}
}
