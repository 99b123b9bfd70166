// Package agent runs the Reason/Act loop: the model is asked to act,
// tool calls are dispatched in order, and their observations feed the
// next iteration until the model submits a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/tools"
)

// ErrCancelled reports cooperative cancellation. Callers translate it
// to a Cancelled job status rather than a failure.
var ErrCancelled = errors.New("cancelled")

// Phase labels progress events for the UI. Non-semantic.
type Phase string

const (
	PhasePlanning   Phase = "Planning"
	PhaseThinking   Phase = "Thinking"
	PhaseExecuting  Phase = "Executing"
	PhaseObserving  Phase = "Observing"
	PhaseReflecting Phase = "Reflecting"
	PhaseCompleted  Phase = "Completed"
	PhaseFailed     Phase = "Failed"
	PhaseCancelled  Phase = "Cancelled"
)

// ProgressFunc receives phase transitions. step/total describe loop
// iterations; implementations must not block.
type ProgressFunc func(phase Phase, message string, step, total int)

// ToolExchangeFunc observes each dispatched tool call together with
// the observation fed back to the model. The final-answer call is not
// reported; its result becomes the run's answer instead.
type ToolExchangeFunc func(call llm.ToolCall, result llm.ToolResult)

// DefaultMaxIterations bounds background jobs; interactive sessions
// use a tighter cap (see ReAct).
const DefaultMaxIterations = 50

// Result is a completed loop run.
type Result struct {
	Answer     string
	Usage      llm.Usage
	Iterations int
}

// Loop drives one agent conversation. Fields are set once; Run may be
// called multiple times with independent transcripts.
type Loop struct {
	Client         llm.Client
	Registry       *tools.Registry
	Model          string
	Gen            llm.GenConfig
	ToolChoice     llm.ToolChoice // ChoiceAny for jobs, ChoiceAuto for chat
	MaxIterations  int
	Progress       ProgressFunc
	OnToolExchange ToolExchangeFunc
	Logger         *slog.Logger
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return DefaultMaxIterations
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loop) emit(phase Phase, message string, step, total int) {
	if l.Progress != nil {
		l.Progress(phase, message, step, total)
	}
}

// Run executes the loop for one user turn and returns the final
// answer. Cancellation of ctx aborts the in-flight provider call and
// returns ErrCancelled; tool side effects already taken are not rolled
// back.
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	transcript := []llm.Message{{Role: llm.RoleUser, Content: userPrompt}}
	catalog := l.Registry.Definitions()

	toolChoice := l.ToolChoice
	if toolChoice == "" {
		toolChoice = llm.ChoiceAny
	}

	var tracker llm.TokenTracker
	var finalText string
	max := l.maxIterations()

	for iter := 1; iter <= max; iter++ {
		l.emit(PhaseThinking, "Thinking...", iter, max)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		resp, err := l.Client.Generate(ctx, llm.Request{
			Model:      l.Model,
			System:     systemPrompt,
			Messages:   transcript,
			Tools:      catalog,
			Gen:        l.Gen,
			ToolChoice: toolChoice,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("agent: iteration %d: %w", iter, err)
		}
		tracker.Add(resp.Usage)

		var calls []llm.ToolCall
		var results []llm.ToolResult
		for _, part := range resp.Parts {
			switch {
			case part.Call != nil:
				call := *part.Call
				calls = append(calls, call)

				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
				}
				l.emit(PhaseExecuting, "Executing "+call.Name, iter, max)

				out := l.Registry.Invoke(ctx, call.Name, call.Args)
				if call.Name == tools.FinalAnswerTool && out != "" {
					l.emit(PhaseCompleted, "Completed", iter, max)
					return &Result{Answer: out, Usage: tracker.Usage(), Iterations: iter}, nil
				}
				res := llm.ToolResult{
					CallID:       call.ID,
					Name:         call.Name,
					Content:      out,
					IsError:      isToolFailure(out),
					Continuation: call.Continuation,
				}
				results = append(results, res)
				if l.OnToolExchange != nil {
					l.OnToolExchange(call, res)
				}

			case part.Text != "":
				// Last text wins.
				finalText = part.Text
			}
		}

		if len(calls) == 0 {
			l.emit(PhaseCompleted, "Completed", iter, max)
			return &Result{Answer: finalText, Usage: tracker.Usage(), Iterations: iter}, nil
		}

		l.emit(PhaseObserving, "Observing tool results", iter, max)
		transcript = append(transcript,
			llm.Message{Role: llm.RoleAssistant, Content: lastText(resp.Parts), ToolCalls: calls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
	}

	l.logger().Warn("iteration cap reached", "model", l.Model, "max", max)
	l.emit(PhaseCompleted, "Completed", max, max)
	return &Result{Answer: finalText, Usage: tracker.Usage(), Iterations: max}, nil
}

func lastText(parts []llm.Part) string {
	text := ""
	for _, p := range parts {
		if p.Text != "" {
			text = p.Text
		}
	}
	return text
}

// isToolFailure matches the tool contract: failures are strings
// starting with ❌ or Error.
func isToolFailure(result string) bool {
	return strings.HasPrefix(result, "❌") || strings.HasPrefix(result, "Error")
}
