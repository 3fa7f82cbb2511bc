package hands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hands-platform/hands-core/internal/hitl"
	"github.com/hands-platform/hands-core/internal/risk"
)

// ErrApprovalDenied is returned when a tool call is rejected or cancelled
// by a human decider (spec §7 ApprovalDenied).
var ErrApprovalDenied = errors.New("hands: tool call denied")

// ErrToolCeilingExceeded is returned when a tool call's risk exceeds the
// manifest's optional autonomy.max_tool_risk ceiling (SPEC_FULL.md §C.1),
// a hard deny enforced ahead of the §4.5 auto-approve gate.
var ErrToolCeilingExceeded = errors.New("hands: tool risk exceeds autonomy ceiling")

// ErrToolAbandoned is returned when a wait-for-decision times out on an
// unattended Hand with iterations remaining: the tool call is abandoned
// rather than treated as a rejection, and the agent may retry (spec
// §4.5: "Expired waits are treated as rejection unless the Hand is
// unattended with max_iterations > 0 remaining").
var ErrToolAbandoned = errors.New("hands: tool call abandoned, iterations remain")

// ToolGate implements the per-call auto-approve gate (spec §4.5) that
// sits between an agent's request to run a tool and its execution.
type ToolGate struct {
	Risk *risk.Evaluator
	HitL *hitl.Engine
	// PollInterval is how often WaitForDecisionWithTimeout polls (spec
	// §4.5: "1s poll").
	PollInterval time.Duration
}

func (g *ToolGate) pollInterval() time.Duration {
	if g.PollInterval > 0 {
		return g.PollInterval
	}
	return time.Second
}

// Authorize decides whether the named tool call may proceed for the given
// Hand execution, per manifest's autonomy configuration. iterationsLeft
// is only consulted when a wait times out on an unattended Hand.
func (g *ToolGate) Authorize(ctx context.Context, manifest *Manifest, handID, executionID, tool string, args any, iterationsLeft int) error {
	eval, err := g.Risk.Evaluate(tool, args)
	if err != nil {
		return fmt.Errorf("hands: evaluate tool risk: %w", err)
	}

	if manifest.Autonomy.MaxToolRisk != nil && eval.RiskLevel > *manifest.Autonomy.MaxToolRisk {
		return fmt.Errorf("%w: tool %q risk %s exceeds ceiling %s", ErrToolCeilingExceeded, tool, eval.RiskLevel, *manifest.Autonomy.MaxToolRisk)
	}

	needsApproval := true
	aa := manifest.Autonomy.AutoApprove
	if aa.Enabled {
		allowed := len(aa.AllowedTools) == 0 || containsString(aa.AllowedTools, tool)
		withinThreshold := eval.RiskLevel <= aa.RiskThreshold
		needsApproval = !allowed || !withinThreshold
	}

	if !needsApproval {
		return nil
	}

	reasonStr := fmt.Sprintf("risk=%s reasons=%v", eval.RiskLevel, eval.Reasons)
	req, err := g.HitL.Create(ctx, hitl.CreateRequest{
		Type:      hitl.TypeToolExecution,
		Requester: "hands-scheduler",
		Title:     fmt.Sprintf("Tool call: %s", tool),
		Description: &reasonStr,
		Channel:   manifest.Notification.ChannelType,
		ChannelID: manifest.Notification.ChannelID,
		Metadata: hitl.WithFields(nil, hitl.ToolExecutionFields{
			Tool: tool, Args: args, RiskLevel: eval.RiskLevel,
			HandID: handID, ExecutionID: executionID,
		}),
	})
	if err != nil {
		return fmt.Errorf("hands: create tool execution approval: %w", err)
	}

	var timeout time.Duration
	if aa.Enabled && aa.TimeoutMS > 0 {
		timeout = time.Duration(aa.TimeoutMS) * time.Millisecond
	}

	status, err := g.HitL.WaitForDecisionWithTimeout(ctx, req.ID, g.pollInterval(), timeout)
	if err != nil {
		if manifest.Autonomy.Unattended && manifest.Autonomy.MaxIterations > 0 && iterationsLeft > 0 {
			return ErrToolAbandoned
		}
		return fmt.Errorf("%w: %s", ErrApprovalDenied, err)
	}

	switch status {
	case "approved":
		return nil
	default:
		return fmt.Errorf("%w: approval %s", ErrApprovalDenied, status)
	}
}
