package hands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hands-platform/hands-core/internal/hands/runtime"
)

// StepContext is what a pipeline step's agent receives (spec §4.5
// "invoke the configured agent(s) in sequence/parallel/conditional").
type StepContext struct {
	HandID      string
	ExecutionID string
	AgentName   string
	// Input carries the merged upstream context: for Sequential this is
	// the previous step's Output plus Metadata; for Parallel and the
	// first Conditional step it is the Hand's initial params.
	Input map[string]any
	// Gate authorizes tool calls the agent wants to make mid-run (spec
	// §4.5's auto-approve gate sits between the agent and tool
	// execution, not between the scheduler and the agent).
	Gate *ToolGate
}

// StepResult is what a pipeline step's agent returns.
type StepResult struct {
	Output string
	// Metadata carries CLOSE-framework scores and token/cost counters
	// (Glossary "CLOSE framework"), consumed by Conditional branching and
	// the notification bridge's detailed template.
	Metadata map[string]any
}

// Agent is the narrow interface through which the Scheduler drives one
// pipeline step. Actual LLM inference is out of scope (spec §1); this is
// the boundary interface an external agent runtime satisfies.
type Agent interface {
	Run(ctx context.Context, step StepContext) (StepResult, error)
}

// dockerAgentOutput is the JSON contract a Docker-invoked agent's stdout
// must follow: {"output": "...", "metadata": {...}}.
type dockerAgentOutput struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata"`
}

// DockerAgent adapts a runtime.Invoker into an Agent, running the agent
// as a single short-lived container per invocation (spec §4.5, wired to
// internal/hands/runtime's Docker adapter).
type DockerAgent struct {
	Invoker   runtime.Invoker
	Image     string
	EnvExtra  map[string]string
	Timeout   int64 // seconds; 0 means no per-invocation timeout
}

func (a *DockerAgent) Run(ctx context.Context, step StepContext) (StepResult, error) {
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return StepResult{}, fmt.Errorf("hands: marshal step input: %w", err)
	}

	env := map[string]string{
		"HANDS_STEP_INPUT": string(inputJSON),
	}
	for k, v := range a.EnvExtra {
		env[k] = v
	}

	spec := runtime.AgentSpec{
		ID:        step.HandID + ":" + step.ExecutionID + ":" + step.AgentName,
		AgentName: step.AgentName,
		Image:     a.Image,
		Env:       env,
	}
	if a.Timeout > 0 {
		spec.Timeout = time.Duration(a.Timeout) * time.Second
	}

	result, err := a.Invoker.Run(ctx, spec)
	if err != nil {
		return StepResult{}, fmt.Errorf("hands: invoke agent %s: %w", step.AgentName, err)
	}
	if result.ExitCode != 0 {
		return StepResult{}, fmt.Errorf("hands: agent %s exited %d: %s", step.AgentName, result.ExitCode, result.Stderr)
	}

	var out dockerAgentOutput
	if err := json.Unmarshal([]byte(result.Stdout), &out); err != nil {
		// Not every agent emits structured JSON; fall back to raw stdout.
		return StepResult{Output: result.Stdout}, nil
	}
	return StepResult{Output: out.Output, Metadata: out.Metadata}, nil
}
