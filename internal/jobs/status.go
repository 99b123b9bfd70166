// Package jobs manages background agent executions: lifecycle state,
// per-session progress fan-out, and per-job control channels.
package jobs

import (
	"errors"
	"fmt"
)

// State discriminates the job status union.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ErrTerminalState rejects transitions out of a terminal state.
var ErrTerminalState = errors.New("job already in a terminal state")

// Status is a tagged union; State selects which fields are meaningful.
type Status struct {
	State State `json:"status"`

	// Running and Paused
	CurrentStep string  `json:"current_step,omitempty"`
	ProgressPct float64 `json:"progress_percent,omitempty"`
	StepsDone   int     `json:"steps_completed,omitempty"`
	TotalSteps  int     `json:"total_steps,omitempty"`

	// Completed
	Result      string   `json:"result,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	DurationSec float64  `json:"duration_seconds,omitempty"`

	// Failed
	Error      string `json:"error,omitempty"`
	FailedStep string `json:"failed_at_step,omitempty"`

	// Cancelled
	CancelledStep string `json:"cancelled_at_step,omitempty"`
}

func Pending() Status {
	return Status{State: StatePending}
}

func Running(step string, pct float64, done, total int) Status {
	return Status{State: StateRunning, CurrentStep: step, ProgressPct: pct, StepsDone: done, TotalSteps: total}
}

func Paused(step string, pct float64) Status {
	return Status{State: StatePaused, CurrentStep: step, ProgressPct: pct}
}

func Completed(result string, outputs []string, durationSec float64) Status {
	return Status{State: StateCompleted, Result: result, OutputFiles: outputs, DurationSec: durationSec}
}

func Failed(errMsg, failedStep string) Status {
	return Status{State: StateFailed, Error: errMsg, FailedStep: failedStep}
}

func Cancelled(step string) Status {
	return Status{State: StateCancelled, CancelledStep: step}
}

// Terminal reports whether the state is a sink.
func (s Status) Terminal() bool {
	switch s.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// validateTransition enforces the state machine: terminal states are
// sinks, completion requires having run, pause and resume bridge
// Running and Paused.
func validateTransition(from, to State) error {
	if (Status{State: from}).Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}

	allowed := map[State][]State{
		StatePending: {StateRunning},
		StateRunning: {StateRunning, StatePaused, StateCompleted, StateFailed, StateCancelled},
		StatePaused:  {StateRunning, StateCompleted, StateCancelled, StateFailed},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("jobs: illegal transition %s -> %s", from, to)
}
