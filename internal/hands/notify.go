package hands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hands-platform/hands-core/internal/handstore"
)

// PlainSender is the narrow surface the notification bridge needs from a
// channel renderer: a one-shot text message with no approval-card
// affordances. Every internal/hitl/render type satisfies this structurally
// via its SendPlain method, so there is no import from render back into
// hands (spec §4.5 "Notification bridge" stays decoupled from §4.4's card
// renderers the same way the two components are independent in the
// original).
type PlainSender interface {
	SendPlain(ctx context.Context, channelID, message string) error
}

const (
	briefOutputLimit    = 500
	detailedOutputLimit = 3000
)

// NotificationBridge renders and delivers a Hand execution's terminal
// message (spec §4.5 "Notification bridge", §6 "Notification message
// templates"), grounded on the original's
// services/zero-workflow/src/hands/notification_bridge.rs (SPEC_FULL.md
// §C.3) for the detailed CLOSE-score table.
type NotificationBridge struct {
	Senders map[string]PlainSender // keyed by channel_type
}

// Notify implements Notifier. Delivery failures are returned to the caller
// (the Scheduler logs and discards them per spec §7, never failing the
// execution because of a notification error).
func (b *NotificationBridge) Notify(ctx context.Context, m *Manifest, exec *handstore.HandExecution) error {
	sender, ok := b.Senders[m.Notification.ChannelType]
	if !ok {
		return fmt.Errorf("hands: no sender registered for channel type %q", m.Notification.ChannelType)
	}

	var message string
	switch m.Notification.Template {
	case TemplateDetailed:
		message = renderDetailed(m, exec)
	default:
		message = renderBrief(m, exec)
	}

	if err := sender.SendPlain(ctx, m.Notification.ChannelID, message); err != nil {
		return fmt.Errorf("hands: send notification for hand %q: %w", m.ID, err)
	}
	return nil
}

func statusIcon(status handstore.ExecutionStatus) string {
	switch status {
	case handstore.ExecutionSuccess:
		return "✅"
	case handstore.ExecutionFailed:
		return "❌"
	case handstore.ExecutionCancelled:
		return "⛔"
	default:
		return "⏳"
	}
}

func executionDuration(exec *handstore.HandExecution) time.Duration {
	if exec.EndedAt == nil {
		return 0
	}
	return exec.EndedAt.Sub(exec.StartedAt)
}

func timestampFooter(exec *handstore.HandExecution) string {
	ts := exec.StartedAt
	if exec.EndedAt != nil {
		ts = *exec.EndedAt
	}
	return ts.UTC().Format(time.RFC3339)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// renderBrief implements spec §6's brief template: status icon + "Hand
// <status>" + name/id + agent line + duration + truncated output (≤500
// chars) + error (if present) + timestamp footer.
func renderBrief(m *Manifest, exec *handstore.HandExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Hand %s: %s (%s)\n", statusIcon(exec.Status), exec.Status, m.Name, m.ID)
	fmt.Fprintf(&b, "Agents: %s\n", strings.Join(m.Agents, ", "))
	fmt.Fprintf(&b, "Duration: %s\n", executionDuration(exec).Round(time.Millisecond))
	if exec.Output != nil && *exec.Output != "" {
		fmt.Fprintf(&b, "Output: %s\n", truncate(*exec.Output, briefOutputLimit))
	}
	if exec.Error != nil && *exec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", *exec.Error)
	}
	fmt.Fprintf(&b, "At: %s", timestampFooter(exec))
	return b.String()
}

// closeAxes are the five CLOSE-framework axes (Glossary "CLOSE framework"),
// read from execution metadata under "close_scores" when present.
var closeAxes = []string{"convergence", "leverage", "optionality", "surplus", "evolution"}

func renderCloseTable(metadata map[string]any) string {
	raw, ok := metadata["close_scores"]
	if !ok {
		return ""
	}
	scores, ok := raw.(map[string]any)
	if !ok {
		return ""
	}

	var b strings.Builder
	b.WriteString("CLOSE evaluation:\n")
	for _, axis := range closeAxes {
		v, ok := scores[axis]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %s: %v\n", strings.ToUpper(axis[:1])+axis[1:], v)
	}
	return b.String()
}

// renderDetailed implements spec §6's detailed template: sectioned report
// with basic info, CLOSE evaluation scores (if present in metadata),
// execution result (truncated to ≤3000 chars), error, and timestamp
// footer. The CLOSE table is the supplemented feature from SPEC_FULL.md
// §C.3.
func renderDetailed(m *Manifest, exec *handstore.HandExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Hand %s: %s (%s)\n\n", statusIcon(exec.Status), exec.Status, m.Name, m.ID)

	b.WriteString("Basic info:\n")
	fmt.Fprintf(&b, "  Execution: %s\n", exec.ID)
	fmt.Fprintf(&b, "  Agents: %s\n", strings.Join(m.Agents, ", "))
	fmt.Fprintf(&b, "  Pipeline: %s\n", m.Pipeline)
	fmt.Fprintf(&b, "  Started: %s\n", exec.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  Duration: %s\n\n", executionDuration(exec).Round(time.Millisecond))

	if table := renderCloseTable(exec.Metadata); table != "" {
		b.WriteString(table)
		b.WriteString("\n")
	}

	if exec.Output != nil && *exec.Output != "" {
		b.WriteString("Execution result:\n")
		b.WriteString(truncate(*exec.Output, detailedOutputLimit))
		b.WriteString("\n\n")
	}

	if exec.Error != nil && *exec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", *exec.Error)
	}

	fmt.Fprintf(&b, "At: %s", timestampFooter(exec))
	return b.String()
}
