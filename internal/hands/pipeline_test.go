package hands

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type stubAgent struct {
	output   string
	metadata map[string]any
	err      error
}

func (a *stubAgent) Run(ctx context.Context, step StepContext) (StepResult, error) {
	if a.err != nil {
		return StepResult{}, a.err
	}
	return StepResult{Output: a.output, Metadata: a.metadata}, nil
}

func testManifest(pipeline PipelineMode, agentNames ...string) *Manifest {
	return &Manifest{ID: "test", Agents: agentNames, Pipeline: pipeline}
}

func TestRunPipeline_Sequential_FeedsOutputForward(t *testing.T) {
	agents := map[string]Agent{
		"a": &stubAgent{output: "from-a"},
		"b": &stubAgent{output: "from-b"},
	}
	m := testManifest(PipelineSequential, "a", "b")

	result, err := RunPipeline(context.Background(), m, agents, "h1", "e1", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if result.Output != "from-b" {
		t.Errorf("output = %q, want from-b (last agent's output)", result.Output)
	}
	if len(result.PerAgent) != 2 {
		t.Errorf("expected 2 per-agent results, got %d", len(result.PerAgent))
	}
}

func TestRunPipeline_Sequential_StopsOnFirstFailure(t *testing.T) {
	agents := map[string]Agent{
		"a": &stubAgent{err: fmt.Errorf("boom")},
		"b": &stubAgent{output: "never runs"},
	}
	m := testManifest(PipelineSequential, "a", "b")

	result, err := RunPipeline(context.Background(), m, agents, "h1", "e1", map[string]any{}, nil)
	if err == nil {
		t.Fatal("expected error from failing first agent")
	}
	if _, ran := result.PerAgent["b"]; ran {
		t.Error("agent b should not have run after agent a failed")
	}
}

func TestRunPipeline_Parallel_MergesOutputsSortedByName(t *testing.T) {
	agents := map[string]Agent{
		"zebra": &stubAgent{output: "z-out"},
		"alpha": &stubAgent{output: "a-out"},
	}
	m := testManifest(PipelineParallel, "zebra", "alpha")

	result, err := RunPipeline(context.Background(), m, agents, "h1", "e1", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if len(result.PerAgent) != 2 {
		t.Fatalf("expected 2 per-agent results, got %d", len(result.PerAgent))
	}
	alphaIdx := strings.Index(result.Output, "alpha")
	zebraIdx := strings.Index(result.Output, "zebra")
	if alphaIdx == -1 || zebraIdx == -1 || alphaIdx > zebraIdx {
		t.Errorf("expected stable sorted-by-name merge, got %q", result.Output)
	}
}

func TestRunPipeline_Conditional_FollowsRuleToNextAgent(t *testing.T) {
	agents := map[string]Agent{
		"a": &stubAgent{output: "a-out", metadata: map[string]any{"close_score": 80.0}},
		"b": &stubAgent{output: "b-out"},
	}
	m := testManifest(PipelineConditional, "a", "b")
	m.ConditionalRules = []ConditionalRule{
		{After: "a", Operator: ">=", Threshold: 50, Next: "b"},
	}

	result, err := RunPipeline(context.Background(), m, agents, "h1", "e1", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if _, ran := result.PerAgent["b"]; !ran {
		t.Error("expected agent b to run after a's high close score")
	}
	if result.Output != "b-out" {
		t.Errorf("output = %q, want b-out", result.Output)
	}
}

func TestRunPipeline_Conditional_StopsWhenNoRuleMatches(t *testing.T) {
	agents := map[string]Agent{
		"a": &stubAgent{output: "a-out", metadata: map[string]any{"close_score": 10.0}},
		"b": &stubAgent{output: "b-out"},
	}
	m := testManifest(PipelineConditional, "a", "b")
	m.ConditionalRules = []ConditionalRule{
		{After: "a", Operator: ">=", Threshold: 50, Next: "b"},
	}

	result, err := RunPipeline(context.Background(), m, agents, "h1", "e1", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if _, ran := result.PerAgent["b"]; ran {
		t.Error("agent b should not run when no conditional rule matched")
	}
	if result.Output != "a-out" {
		t.Errorf("output = %q, want a-out", result.Output)
	}
}
