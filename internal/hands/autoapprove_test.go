package hands

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
	"github.com/hands-platform/hands-core/internal/risk"
)

// autoDecideRenderer is a test-only Renderer that always succeeds sending a
// card; the test drives the rest of the lifecycle through the engine or
// lets the wait time out.
type autoDecideRenderer struct{ channel string }

func (r *autoDecideRenderer) ChannelType() string { return r.channel }
func (r *autoDecideRenderer) SendApprovalCard(ctx context.Context, req *handstore.ApprovalRequest, channelID string) (string, error) {
	return "msg-1", nil
}
func (r *autoDecideRenderer) UpdateCard(ctx context.Context, req *handstore.ApprovalRequest, messageID string) error {
	return nil
}
func (r *autoDecideRenderer) ParseCallback(raw []byte) (hitl.CallbackData, error) {
	return hitl.CallbackData{}, nil
}

func newTestGate(t *testing.T) (*ToolGate, *hitl.Engine) {
	t.Helper()
	store, err := handstore.New(filepath.Join(t.TempDir(), "hands.db"))
	if err != nil {
		t.Fatalf("handstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := hitl.New(store, hitl.Config{})
	engine.RegisterRenderer(&autoDecideRenderer{channel: "test"})

	return &ToolGate{Risk: risk.New(nil), HitL: engine, PollInterval: 5 * time.Millisecond}, engine
}

func gateTestManifest() *Manifest {
	return &Manifest{
		ID:           "gated-hand",
		Notification: Notification{ChannelType: "test", ChannelID: "chan-1"},
		Autonomy: Autonomy{
			AutoApprove: AutoApprove{
				Enabled:       true,
				AllowedTools:  []string{"Read"},
				RiskThreshold: risk.Low,
			},
		},
	}
}

func TestToolGate_Authorize_AllowedSafeToolNeedsNoApproval(t *testing.T) {
	gate, _ := newTestGate(t)
	m := gateTestManifest()

	err := gate.Authorize(context.Background(), m, "h1", "e1", "Read", map[string]string{"path": "/x"}, 0)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
}

// TestToolGate_Authorize_ToolNotAllowListedRequiresHitL is spec §8 scenario
// S7: Bash is not allow-listed, so an approval is required even though its
// evaluated risk (a plain "ls") is itself within threshold. A short
// auto_approve timeout lets the unresolved HitL wait surface as a denial
// quickly instead of blocking the test on the default TTL.
func TestToolGate_Authorize_ToolNotAllowListedRequiresHitL(t *testing.T) {
	gate, _ := newTestGate(t)
	m := gateTestManifest()
	m.Autonomy.AutoApprove.TimeoutMS = 40

	start := time.Now()
	err := gate.Authorize(context.Background(), m, "h1", "e1", "Bash", map[string]string{"command": "ls"}, 0)
	if err == nil {
		t.Fatal("expected HitL to be required for a tool outside allowed_tools")
	}
	if !errors.Is(err, ErrApprovalDenied) {
		t.Errorf("error = %v, want ErrApprovalDenied (timeout treated as denial)", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Authorize took %v, want bounded by the 40ms auto_approve timeout", elapsed)
	}
}

func TestToolGate_Authorize_ToolCeilingExceededIsHardDeny(t *testing.T) {
	gate, _ := newTestGate(t)
	m := gateTestManifest()
	ceiling := risk.Low
	m.Autonomy.MaxToolRisk = &ceiling

	err := gate.Authorize(context.Background(), m, "h1", "e1", "Bash", map[string]string{"command": "rm -rf /"}, 0)
	if !errors.Is(err, ErrToolCeilingExceeded) {
		t.Errorf("error = %v, want ErrToolCeilingExceeded", err)
	}
}

// TestToolGate_Authorize_UnattendedAbandonsInsteadOfDenying covers spec
// §4.5's "Expired waits are treated as rejection unless the Hand is
// unattended with max_iterations > 0 remaining, in which case the tool
// call is abandoned and the agent may retry."
func TestToolGate_Authorize_UnattendedAbandonsInsteadOfDenying(t *testing.T) {
	gate, _ := newTestGate(t)
	m := gateTestManifest()
	m.Autonomy.AutoApprove.TimeoutMS = 40
	m.Autonomy.Unattended = true
	m.Autonomy.MaxIterations = 3

	err := gate.Authorize(context.Background(), m, "h1", "e1", "Bash", map[string]string{"command": "ls"}, 1)
	if !errors.Is(err, ErrToolAbandoned) {
		t.Errorf("error = %v, want ErrToolAbandoned", err)
	}
}
