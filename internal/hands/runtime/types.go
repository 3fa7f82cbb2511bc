// Package runtime sandboxes a Hand's agent invocations as short-lived
// Docker containers (spec §4.5: "invoke one or more agents"), adapted
// from internal/ruriko/runtime/types.go + runtime/docker/adapter.go's
// long-running-ACP-agent model down to a single run-to-completion
// container per pipeline step.
package runtime

import (
	"context"
	"time"
)

// AgentSpec describes the container a single pipeline step runs in.
type AgentSpec struct {
	// ID uniquely identifies this invocation (hand_id:execution_id:agent).
	ID string
	// AgentName is the logical agent name from the Hand manifest.
	AgentName string
	// Image is the Docker image carrying the agent's runtime.
	Image string
	// Env holds environment variables injected into the container,
	// including the marshalled step input under HANDS_STEP_INPUT.
	Env map[string]string
	// Labels are extra Docker labels to attach.
	Labels map[string]string
	// NetworkName is the Docker network to attach (defaults to
	// DefaultNetwork when empty).
	NetworkName string
	// Timeout bounds how long the container may run before it is killed.
	Timeout time.Duration
}

// Result is the outcome of running an AgentSpec to completion.
type Result struct {
	ExitCode int
	// Stdout is the container's captured standard output, expected to be
	// the agent's JSON step result (see runtime.DecodeStepOutput).
	Stdout string
	Stderr string
}

// DefaultNetwork is the Docker network hands-core creates agent
// containers on.
const DefaultNetwork = "hands-core"

// ContainerNameFor returns the Docker container name for an invocation id.
func ContainerNameFor(id string) string {
	return "hands-agent-" + id
}

// Invoker runs a single agent invocation to completion. The Docker
// adapter in docker.go is the production implementation; tests and the
// httpapi's dry-run mode can substitute a fake.
type Invoker interface {
	Run(ctx context.Context, spec AgentSpec) (Result, error)
}
