package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/tools"
)

// InteractiveMaxIterations bounds the interactive variant. Shorter
// than the background cap: a user is watching.
const InteractiveMaxIterations = 15

// CommandKind discriminates user commands on the control channel.
type CommandKind int

const (
	// CommandCancel aborts the run.
	CommandCancel CommandKind = iota
	// CommandQuestion asks for a status snapshot; transcript state is
	// not altered.
	CommandQuestion
	// CommandNewInstruction inserts an extra user message before the
	// next iteration.
	CommandNewInstruction
)

// Command is one user interruption.
type Command struct {
	Kind CommandKind
	Text string
}

// Snapshot is the answer to a CommandQuestion.
type Snapshot struct {
	Phase Phase
	Step  int
	Total int
	Plan  string
}

// ReAct is the interactive loop variant: it plans before acting,
// counts a step per iteration, and services a control channel between
// iterations.
type ReAct struct {
	Loop
	Control    <-chan Command
	OnSnapshot func(Snapshot)
}

// Run executes the interactive loop. The planning turn runs first with
// tools disabled; its text is surfaced as the plan and prepended to
// the working transcript.
func (r *ReAct) Run(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	if r.MaxIterations <= 0 {
		r.MaxIterations = InteractiveMaxIterations
	}
	max := r.MaxIterations
	catalog := r.Registry.Definitions()

	var tracker llm.TokenTracker

	r.emit(PhasePlanning, "Planning...", 0, max)
	plan, usage, err := r.plan(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	tracker.Add(usage)

	transcript := []llm.Message{{Role: llm.RoleUser, Content: userPrompt}}
	if plan != "" {
		transcript = append(transcript,
			llm.Message{Role: llm.RoleAssistant, Content: plan},
			llm.Message{Role: llm.RoleUser, Content: "Proceed with the plan. Call tools to carry out each step."},
		)
	}

	var finalText string
	phase := PhasePlanning

	for step := 1; step <= max; step++ {
		if cancelled, extra := r.drainControl(phase, step, max, plan); cancelled {
			r.emit(PhaseCancelled, "Cancelled", step, max)
			return nil, ErrCancelled
		} else if extra != "" {
			transcript = append(transcript, llm.Message{Role: llm.RoleUser, Content: extra})
		}

		phase = PhaseThinking
		r.emit(PhaseThinking, "Thinking...", step, max)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		resp, err := r.Client.Generate(ctx, llm.Request{
			Model:      r.Model,
			System:     systemPrompt,
			Messages:   transcript,
			Tools:      catalog,
			Gen:        r.Gen,
			ToolChoice: llm.ChoiceAny,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("agent: step %d: %w", step, err)
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
				phase = PhaseExecuting
				r.emit(PhaseExecuting, "Executing "+call.Name, step, max)

				out := r.Registry.Invoke(ctx, call.Name, call.Args)
				if call.Name == tools.FinalAnswerTool && out != "" {
					r.emit(PhaseCompleted, "Completed", step, max)
					return &Result{Answer: out, Usage: tracker.Usage(), Iterations: step}, nil
				}
				res := llm.ToolResult{
					CallID:       call.ID,
					Name:         call.Name,
					Content:      out,
					IsError:      isToolFailure(out),
					Continuation: call.Continuation,
				}
				results = append(results, res)
				if r.OnToolExchange != nil {
					r.OnToolExchange(call, res)
				}

			case part.Text != "":
				finalText = part.Text
			}
		}

		if len(calls) == 0 {
			r.emit(PhaseCompleted, "Completed", step, max)
			return &Result{Answer: finalText, Usage: tracker.Usage(), Iterations: step}, nil
		}

		phase = PhaseReflecting
		r.emit(PhaseReflecting, "Reflecting on results", step, max)
		transcript = append(transcript,
			llm.Message{Role: llm.RoleAssistant, Content: lastText(resp.Parts), ToolCalls: calls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
	}

	r.logger().Warn("interactive iteration cap reached", "model", r.Model, "max", max)
	r.emit(PhaseCompleted, "Completed", max, max)
	return &Result{Answer: finalText, Usage: tracker.Usage(), Iterations: max}, nil
}

// plan asks the model for a step breakdown with tools withheld.
func (r *ReAct) plan(ctx context.Context, systemPrompt, userPrompt string) (string, llm.Usage, error) {
	prompt := fmt.Sprintf(
		"Before acting, lay out a short numbered plan for this request:\n\n%s", userPrompt)

	resp, err := r.Client.Generate(ctx, llm.Request{
		Model:      r.Model,
		System:     systemPrompt,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Gen:        r.Gen,
		ToolChoice: llm.ChoiceNone,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", llm.Usage{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return "", llm.Usage{}, fmt.Errorf("agent: planning: %w", err)
	}

	var b strings.Builder
	for _, p := range resp.Parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), resp.Usage, nil
}

// drainControl services pending commands without blocking. Returns
// whether a cancel arrived and any new instruction text gathered.
func (r *ReAct) drainControl(phase Phase, step, total int, plan string) (cancelled bool, instruction string) {
	if r.Control == nil {
		return false, ""
	}
	for {
		select {
		case cmd, ok := <-r.Control:
			if !ok {
				// Closed control channel means shutdown.
				return true, ""
			}
			switch cmd.Kind {
			case CommandCancel:
				return true, ""
			case CommandQuestion:
				if r.OnSnapshot != nil {
					r.OnSnapshot(Snapshot{Phase: phase, Step: step, Total: total, Plan: plan})
				}
			case CommandNewInstruction:
				if instruction != "" {
					instruction += "\n"
				}
				instruction += cmd.Text
			}
		default:
			return false, instruction
		}
	}
}
