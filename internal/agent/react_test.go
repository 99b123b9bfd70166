package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/clipsmith/clipsmith/internal/llm"
)

func TestReActPlansBeforeActing(t *testing.T) {
	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("1. analyze\n2. answer")}},
		llm.MockResponse{Parts: []llm.Part{
			llm.CallPart("call_0", "analyze", map[string]any{"input_file": "a.mp4"}),
		}},
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("12.5 seconds")}},
	)

	r := &ReAct{Loop: Loop{Client: mock, Registry: testRegistry(t), Model: "test"}}
	res, err := r.Run(context.Background(), "", "how long is a.mp4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "12.5 seconds" {
		t.Errorf("answer = %q", res.Answer)
	}

	// First provider call is the planning turn with tools withheld.
	first := mock.Calls()[0]
	if first.ToolChoice != llm.ChoiceNone {
		t.Errorf("planning tool choice = %q, want none", first.ToolChoice)
	}
	if len(first.Tools) != 0 {
		t.Errorf("planning call should carry no catalog, got %d tools", len(first.Tools))
	}

	// The working transcript starts from the plan.
	second := mock.Calls()[1]
	if second.ToolChoice != llm.ChoiceAny {
		t.Errorf("acting tool choice = %q, want any", second.ToolChoice)
	}
	foundPlan := false
	for _, m := range second.Messages {
		if m.Role == llm.RoleAssistant && m.Content == "1. analyze\n2. answer" {
			foundPlan = true
		}
	}
	if !foundPlan {
		t.Error("plan text missing from working transcript")
	}
}

func TestReActCancelCommand(t *testing.T) {
	control := make(chan Command, 1)
	control <- Command{Kind: CommandCancel}

	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("plan")}},
		llm.MockResponse{Parts: []llm.Part{
			llm.CallPart("call_0", "analyze", map[string]any{"input_file": "a.mp4"}),
		}},
	)

	r := &ReAct{
		Loop:    Loop{Client: mock, Registry: testRegistry(t), Model: "test"},
		Control: control,
	}
	_, err := r.Run(context.Background(), "", "do work")
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	// Planning ran; the acting iteration never did.
	if mock.CallCount() != 1 {
		t.Errorf("provider calls = %d, want 1", mock.CallCount())
	}
}

func TestReActNewInstructionEntersTranscript(t *testing.T) {
	control := make(chan Command, 1)
	control <- Command{Kind: CommandNewInstruction, Text: "also add captions"}

	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("plan")}},
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("will do")}},
	)

	r := &ReAct{
		Loop:    Loop{Client: mock, Registry: testRegistry(t), Model: "test"},
		Control: control,
	}
	if _, err := r.Run(context.Background(), "", "trim it"); err != nil {
		t.Fatal(err)
	}

	acting := mock.Calls()[1]
	found := false
	for _, m := range acting.Messages {
		if m.Role == llm.RoleUser && m.Content == "also add captions" {
			found = true
		}
	}
	if !found {
		t.Error("new instruction missing from transcript")
	}
}

func TestReActQuestionEmitsSnapshotWithoutTranscriptChange(t *testing.T) {
	control := make(chan Command, 1)
	control <- Command{Kind: CommandQuestion}

	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("the plan")}},
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("answer")}},
	)

	var snaps []Snapshot
	r := &ReAct{
		Loop:       Loop{Client: mock, Registry: testRegistry(t), Model: "test"},
		Control:    control,
		OnSnapshot: func(s Snapshot) { snaps = append(snaps, s) },
	}
	if _, err := r.Run(context.Background(), "", "trim it"); err != nil {
		t.Fatal(err)
	}

	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].Plan != "the plan" || snaps[0].Step != 1 {
		t.Errorf("snapshot: %+v", snaps[0])
	}

	// A question adds nothing to the transcript: user turn, plan,
	// proceed nudge.
	acting := mock.Calls()[1]
	if len(acting.Messages) != 3 {
		t.Errorf("transcript length = %d, want 3", len(acting.Messages))
	}
}

func TestReActStepCountsPerIteration(t *testing.T) {
	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("plan")}},
		llm.MockResponse{Parts: []llm.Part{
			llm.CallPart("call_0", "analyze", map[string]any{"input_file": "a.mp4"}),
			llm.CallPart("call_1", "analyze", map[string]any{"input_file": "b.mp4"}),
		}},
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("both analyzed")}},
	)

	var steps []int
	r := &ReAct{
		Loop: Loop{
			Client:   mock,
			Registry: testRegistry(t),
			Model:    "test",
			Progress: func(p Phase, _ string, step, _ int) {
				if p == PhaseExecuting {
					steps = append(steps, step)
				}
			},
		},
	}
	if _, err := r.Run(context.Background(), "", "analyze both"); err != nil {
		t.Fatal(err)
	}

	// Two tool calls in one iteration share the step number.
	if len(steps) != 2 || steps[0] != 1 || steps[1] != 1 {
		t.Errorf("executing steps = %v, want [1 1]", steps)
	}
}

func TestReActDefaultsToTighterCap(t *testing.T) {
	mock := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("plan")}},
		llm.MockResponse{Parts: []llm.Part{
			llm.CallPart("call_0", "analyze", map[string]any{"input_file": "a.mp4"}),
		}},
	)

	r := &ReAct{Loop: Loop{Client: mock, Registry: testRegistry(t), Model: "test"}}
	res, err := r.Run(context.Background(), "", "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != InteractiveMaxIterations {
		t.Errorf("iterations = %d, want %d", res.Iterations, InteractiveMaxIterations)
	}
	// Planning call plus one per iteration.
	if mock.CallCount() != InteractiveMaxIterations+1 {
		t.Errorf("provider calls = %d, want %d", mock.CallCount(), InteractiveMaxIterations+1)
	}
}
