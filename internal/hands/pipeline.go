package hands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PipelineResult is the outcome of running a Hand's configured agents
// through its pipeline mode (spec §4.5).
type PipelineResult struct {
	// Output is the pipeline's final textual output: the last agent's
	// output for Sequential/Conditional, the concatenation of all agents'
	// outputs (sorted by name) for Parallel.
	Output string
	// PerAgent holds each agent's StepResult, keyed by agent name.
	PerAgent map[string]StepResult
}

// RunPipeline executes manifest's agents according to manifest.Pipeline
// (spec §4.5 "Pipeline execution"). agents resolves a manifest agent name
// to its Agent implementation; gate authorizes any tool call an agent
// makes mid-run.
func RunPipeline(ctx context.Context, manifest *Manifest, agents map[string]Agent, handID, executionID string, initialInput map[string]any, gate *ToolGate) (*PipelineResult, error) {
	switch manifest.Pipeline {
	case PipelineParallel:
		return runParallel(ctx, manifest, agents, handID, executionID, initialInput, gate)
	case PipelineConditional:
		return runConditional(ctx, manifest, agents, handID, executionID, initialInput, gate)
	default:
		return runSequential(ctx, manifest, agents, handID, executionID, initialInput, gate)
	}
}

func resolveAgent(agents map[string]Agent, name string) (Agent, error) {
	a, ok := agents[name]
	if !ok {
		return nil, fmt.Errorf("hands: no agent registered for name %q", name)
	}
	return a, nil
}

// runSequential calls each agent in order, feeding its output into the
// next agent's context. Stops on first failure (spec §4.5: "Hands
// default to stop").
func runSequential(ctx context.Context, manifest *Manifest, agents map[string]Agent, handID, executionID string, initialInput map[string]any, gate *ToolGate) (*PipelineResult, error) {
	result := &PipelineResult{PerAgent: map[string]StepResult{}}
	input := initialInput

	var lastOutput string
	for _, name := range manifest.Agents {
		agent, err := resolveAgent(agents, name)
		if err != nil {
			return result, err
		}
		step := StepContext{HandID: handID, ExecutionID: executionID, AgentName: name, Input: input, Gate: gate}
		stepResult, err := agent.Run(ctx, step)
		if err != nil {
			return result, fmt.Errorf("hands: agent %q failed: %w", name, err)
		}
		result.PerAgent[name] = stepResult
		lastOutput = stepResult.Output

		next := mergeContext(input, stepResult)
		input = next
	}
	result.Output = lastOutput
	return result, nil
}

// runParallel launches every agent concurrently with the same initial
// context, awaits all of them, and merges their outputs by concatenation
// keyed by agent name, sorted for stable ordering (spec §4.5, §8 S9).
func runParallel(ctx context.Context, manifest *Manifest, agents map[string]Agent, handID, executionID string, initialInput map[string]any, gate *ToolGate) (*PipelineResult, error) {
	result := &PipelineResult{PerAgent: map[string]StepResult{}}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var errs []error

	for _, name := range manifest.Agents {
		name := name
		agent, err := resolveAgent(agents, name)
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			step := StepContext{HandID: handID, ExecutionID: executionID, AgentName: name, Input: initialInput, Gate: gate}
			stepResult, err := agent.Run(ctx, step)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("hands: agent %q failed: %w", name, err))
				return
			}
			result.PerAgent[name] = stepResult
		}()
	}
	wg.Wait()

	names := make([]string, 0, len(result.PerAgent))
	for name := range result.PerAgent {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s", name, result.PerAgent[name].Output)
	}
	result.Output = b.String()

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

// runConditional runs agents starting from the first in manifest.Agents,
// choosing the next agent after each step by matching its CLOSE score
// against manifest.ConditionalRules (spec §4.5, Glossary "CLOSE
// framework"). It stops when no rule matches or a rule names "stop".
func runConditional(ctx context.Context, manifest *Manifest, agents map[string]Agent, handID, executionID string, initialInput map[string]any, gate *ToolGate) (*PipelineResult, error) {
	result := &PipelineResult{PerAgent: map[string]StepResult{}}
	if len(manifest.Agents) == 0 {
		return result, fmt.Errorf("hands: conditional pipeline has no agents")
	}

	current := manifest.Agents[0]
	input := initialInput
	visited := map[string]bool{}

	for current != "" && current != "stop" {
		if visited[current] {
			break // avoid infinite loops from cyclic rule sets
		}
		visited[current] = true

		agent, err := resolveAgent(agents, current)
		if err != nil {
			return result, err
		}
		step := StepContext{HandID: handID, ExecutionID: executionID, AgentName: current, Input: input, Gate: gate}
		stepResult, err := agent.Run(ctx, step)
		if err != nil {
			return result, fmt.Errorf("hands: agent %q failed: %w", current, err)
		}
		result.PerAgent[current] = stepResult
		result.Output = stepResult.Output
		input = mergeContext(input, stepResult)

		current = nextConditionalAgent(manifest.ConditionalRules, current, stepResult)
	}
	return result, nil
}

func nextConditionalAgent(rules []ConditionalRule, after string, step StepResult) string {
	score, ok := closeScore(step.Metadata)
	for _, r := range rules {
		if r.After != after {
			continue
		}
		if !ok {
			continue
		}
		if compareCondition(score, r.Operator, r.Threshold) {
			if r.Next == "" {
				return "stop"
			}
			return r.Next
		}
	}
	return ""
}

func closeScore(meta map[string]any) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	v, ok := meta["close_score"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareCondition(score float64, operator string, threshold float64) bool {
	switch operator {
	case ">=":
		return score >= threshold
	case ">":
		return score > threshold
	case "<=":
		return score <= threshold
	case "<":
		return score < threshold
	case "==":
		return score == threshold
	default:
		return false
	}
}

// mergeContext folds a step's output and metadata into the next step's
// input context.
func mergeContext(prev map[string]any, step StepResult) map[string]any {
	next := map[string]any{}
	for k, v := range prev {
		next[k] = v
	}
	next["input"] = step.Output
	if step.Metadata != nil {
		next["previous_metadata"] = step.Metadata
	}
	return next
}
