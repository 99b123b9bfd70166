package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipsmith/clipsmith/internal/agent"
	"github.com/clipsmith/clipsmith/internal/convo"
	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/memory"
	"github.com/clipsmith/clipsmith/internal/telemetry"
	"github.com/clipsmith/clipsmith/internal/tools"
)

const historyLimit = 10

// Runner executes one job end to end: history assembly, agent loop,
// persistence, and terminal progress.
type Runner struct {
	Manager  *Manager
	Convo    convo.Store
	Memory   memory.Store   // nil disables semantic indexing
	Settings SettingsSource // nil falls back to default pricing
	Client   llm.Client
	Registry *tools.Registry
	Model    string
	Gen      llm.GenConfig
	Logger   *slog.Logger
}

// RunInput carries one user turn into a job execution.
type RunInput struct {
	Job          *Job
	SystemPrompt string
	// RawInput is the user's message as typed; it is what gets
	// persisted and indexed.
	RawInput string
	// AugmentedInput is the prompt the loop actually sees; callers may
	// have prepended retrieval context. Empty means RawInput.
	AugmentedInput string
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run drives the job to a terminal state and returns the final answer.
// Persistence failures are logged and never change the outcome;
// cancellation surfaces as agent.ErrCancelled with status Cancelled.
func (r *Runner) Run(ctx context.Context, in RunInput) (string, error) {
	job := in.Job
	log := telemetry.JobLogger(r.logger(), job.ID, job.SessionID)
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	control := make(chan Control, 16)
	r.Manager.RegisterControl(job.ID, control)
	defer r.Manager.UnregisterControl(job.ID)

	cmds := make(chan agent.Command, 16)

	var lastStep atomicStep
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		r.watchControl(ctx, job, control, cancel, cmds, &lastStep)
	}()

	r.setStatus(job, Running("Starting", 0, 0, 0), "Starting job")

	// The user's turn is durable before the loop starts.
	if err := r.Convo.Append(ctx, convo.NewUser(job.SessionID, in.RawInput)); err != nil {
		log.Error("failed to persist user message", "error", err)
	}

	historyText := r.historyBlock(ctx, job.SessionID, in.RawInput, log)

	recallText := ""
	if r.Memory != nil {
		recallText = memory.BuildContext(ctx, r.Memory, job.SessionID, in.RawInput)
		if recallText != "" {
			recallText += "\n"
		}
	}

	augmented := in.AugmentedInput
	if augmented == "" {
		augmented = in.RawInput
	}
	finalPrompt := recallText + historyText + augmented

	loop := &agent.ReAct{
		Loop: agent.Loop{
			Client:        r.Client,
			Registry:      r.Registry,
			Model:         r.Model,
			Gen:           r.Gen,
			ToolChoice:    llm.ChoiceAny,
			MaxIterations: agent.DefaultMaxIterations,
			Logger:        log,
			Progress: func(phase agent.Phase, message string, step, total int) {
				lastStep.store(message)
				pct := 0.0
				if total > 0 {
					pct = float64(step) / float64(total) * 100
				}
				status := Running(message, pct, step, total)
				if err := r.Manager.UpdateStatus(job.ID, status); err != nil {
					return // already terminal (e.g. paused then cancelled)
				}
				r.Manager.SendProgress(job.SessionID, NewProgress(job.ID, message, status))
			},
			OnToolExchange: func(call llm.ToolCall, res llm.ToolResult) {
				if err := r.Convo.Append(ctx, convo.NewFunctionCall(job.SessionID, call.Name, call.Args, call.Continuation)); err != nil {
					log.Error("failed to persist function call", "error", err)
				}
				if err := r.Convo.Append(ctx, convo.NewFunctionResult(job.SessionID, res.Name, res.Content, res.Continuation)); err != nil {
					log.Error("failed to persist function result", "error", err)
				}
			},
		},
		Control: cmds,
		OnSnapshot: func(s agent.Snapshot) {
			status := Running(lastStep.load(), 0, s.Step, s.Total)
			update := NewProgress(job.ID, "Status snapshot", status)
			update.Details = map[string]any{"phase": string(s.Phase), "plan": s.Plan}
			r.Manager.SendProgress(job.SessionID, update)
		},
	}

	result, err := loop.Run(ctx, in.SystemPrompt, finalPrompt)
	cancel()
	<-watcherDone

	switch {
	case errors.Is(err, agent.ErrCancelled):
		r.setStatus(job, Cancelled(lastStep.load()), "Job cancelled")
		return "", err
	case err != nil:
		log.Error("job failed", "error", err)
		r.setStatus(job, Failed(err.Error(), lastStep.load()), "Job failed")
		return "", err
	}

	r.recordUsage(ctx, job, finalPrompt, result, log)
	r.indexExchange(ctx, job.SessionID, in.RawInput, result.Answer, log)

	telemetry.LoopIterations.Observe(float64(result.Iterations))
	duration := time.Since(start).Seconds()
	telemetry.JobDuration.Observe(duration)
	r.setStatus(job, Completed(result.Answer, outputFilesFrom(result.Answer), duration), "Job completed")
	return result.Answer, nil
}

// watchControl services the job's control channel until ctx ends.
// Question and new-instruction commands are forwarded to the loop's
// command channel; a full channel drops the command rather than
// stalling the watcher.
func (r *Runner) watchControl(ctx context.Context, job *Job, control <-chan Control, cancel context.CancelFunc, cmds chan<- agent.Command, lastStep *atomicStep) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-control:
			if !ok {
				cancel()
				return
			}
			switch cmd.Kind {
			case ControlCancel:
				cancel()
				return
			case ControlPause:
				status := Paused(lastStep.load(), 0)
				if err := r.Manager.UpdateStatus(job.ID, status); err == nil {
					r.Manager.SendProgress(job.SessionID, NewProgress(job.ID, "Job paused", status))
				}
			case ControlResume:
				status := Running(lastStep.load(), 0, 0, 0)
				if err := r.Manager.UpdateStatus(job.ID, status); err == nil {
					r.Manager.SendProgress(job.SessionID, NewProgress(job.ID, "Job resumed", status))
				}
			case ControlQuestion:
				select {
				case cmds <- agent.Command{Kind: agent.CommandQuestion}:
				default:
				}
			case ControlNewInstruction:
				select {
				case cmds <- agent.Command{Kind: agent.CommandNewInstruction, Text: cmd.Text}:
				default:
				}
			}
		}
	}
}

// historyBlock renders recent turns into the [RECENT CHAT HISTORY]
// prompt prefix. The just-appended user message is skipped so the
// prompt does not repeat it.
func (r *Runner) historyBlock(ctx context.Context, session, rawInput string, log *slog.Logger) string {
	messages, err := r.Convo.History(ctx, session, historyLimit)
	if err != nil {
		log.Warn("failed to fetch history", "error", err)
		return ""
	}
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n[RECENT CHAT HISTORY]\n")
	wrote := false
	for i, m := range messages {
		if i == len(messages)-1 && m.Role == convo.RoleUser && m.Content == rawInput {
			continue
		}
		label := "User"
		if m.Role == convo.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
		wrote = true
	}
	if !wrote {
		return ""
	}
	b.WriteString("\n")
	return b.String()
}

// recordUsage persists the assistant turn with estimated token usage
// and cost. Advisory: every failure is logged and swallowed.
func (r *Runner) recordUsage(ctx context.Context, job *Job, prompt string, result *agent.Result, log *slog.Logger) {
	pricing := FetchPricing(ctx, r.Settings)

	promptTokens := result.Usage.InputTokens
	completionTokens := result.Usage.OutputTokens
	if promptTokens == 0 {
		promptTokens = EstimateTokens(prompt)
	}
	if completionTokens == 0 {
		completionTokens = EstimateTokens(result.Answer)
	}
	cost := CalculateCost(r.Model, promptTokens, completionTokens, pricing)

	log.Info("usage recorded",
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"cost_usd", cost)
	telemetry.EstimatedCostUSD.WithLabelValues(r.Model).Add(cost)

	msg := convo.NewAssistant(job.SessionID, result.Answer)
	msg.PromptTokens = promptTokens
	msg.CompletionTokens = completionTokens
	msg.TotalTokens = promptTokens + completionTokens
	msg.Model = r.Model
	msg.CostUSD = cost
	if err := r.Convo.Append(ctx, msg); err != nil {
		log.Error("failed to persist assistant message", "error", err)
	}
}

// indexExchange pushes the turn into the memory store asynchronously.
func (r *Runner) indexExchange(ctx context.Context, session, userText, assistantText string, log *slog.Logger) {
	if r.Memory == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		indexCtx, cancel := context.WithTimeout(bg, time.Minute)
		defer cancel()
		err := r.Memory.Index(indexCtx, memory.Turn{
			SessionID:     session,
			UserText:      userText,
			AssistantText: assistantText,
		})
		if err != nil {
			log.Warn("memory index failed", "error", err)
		}
	}()
}

func (r *Runner) setStatus(job *Job, status Status, message string) {
	if err := r.Manager.UpdateStatus(job.ID, status); err != nil {
		r.logger().Warn("status update rejected", "job_id", job.ID, "error", err)
		return
	}
	r.Manager.SendProgress(job.SessionID, NewProgress(job.ID, message, status))
}

// outputFilesFrom extracts file listings from a final answer. The
// final-answer formatter marks each produced file with a YouTube line
// carrying "path|name".
func outputFilesFrom(answer string) []string {
	var files []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "YouTube: `") {
			continue
		}
		body := strings.TrimSuffix(strings.TrimPrefix(line, "YouTube: `"), "`")
		if path, _, ok := strings.Cut(body, "|"); ok && path != "" {
			files = append(files, path)
		}
	}
	return files
}

// atomicStep tracks the most recent step label across goroutines.
type atomicStep struct {
	mu   sync.Mutex
	text string
}

func (a *atomicStep) store(s string) {
	a.mu.Lock()
	a.text = s
	a.mu.Unlock()
}

func (a *atomicStep) load() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text
}
