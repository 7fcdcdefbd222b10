package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/safwanbuddy/buddy-core/internal/intent"
	"github.com/safwanbuddy/buddy-core/internal/protocol"
)

// ErrInvalidTransition is returned when a state change is not in the table.
var ErrInvalidTransition = errors.New("orchestrator: invalid state transition")

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution records one processed command from classification to its
// terminal state.
type Execution struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Source    string        `json:"source"`
	Intent    intent.Intent `json:"intent"`
	Status    State         `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Speech    string        `json:"speech,omitempty"`
	Progress  float64       `json:"progress"`

	cancel context.CancelFunc
}

func (e *Execution) transition(to State, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	if to.Terminal() {
		end := now
		e.EndTime = &end
		if to == StateCompleted {
			e.Progress = 1
		}
	}
	return nil
}

// Duration is the time from start to the terminal state, or zero while the
// execution is still active.
func (e *Execution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

func (e *Execution) snapshot() Execution {
	out := *e
	out.cancel = nil
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	return out
}

// Reply summarizes the execution for API and bus callers.
func (e Execution) Reply() protocol.CommandReply {
	return protocol.CommandReply{
		ExecutionID: e.ID,
		Status:      string(e.Status),
		Intent:      string(e.Intent.Type),
		Confidence:  e.Intent.Confidence,
		Parameters:  e.Intent.Parameters,
		Result:      e.Result,
		Speech:      e.Speech,
		Error:       e.Error,
	}
}
