package risk_test

import (
	"testing"

	"github.com/hands-platform/hands-core/internal/risk"
)

func defaultEvaluator() *risk.Evaluator {
	return risk.New(nil)
}

func mustEvaluate(t *testing.T, e *risk.Evaluator, tool string, args any) risk.Evaluation {
	t.Helper()
	eval, err := e.Evaluate(tool, args)
	if err != nil {
		t.Fatalf("Evaluate(%s) error: %v", tool, err)
	}
	return eval
}

func TestEvaluate_BashRmRfIsCritical(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "rm -rf /tmp/x"})
	if eval.RiskLevel != risk.Critical {
		t.Errorf("risk level = %s, want critical", eval.RiskLevel)
	}
}

func TestEvaluate_BashSudoIsCritical(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "sudo apt install foo"})
	if eval.RiskLevel != risk.Critical {
		t.Errorf("risk level = %s, want critical", eval.RiskLevel)
	}
}

func TestEvaluate_BashForcePushIsCritical(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "git push --force origin main"})
	if eval.RiskLevel != risk.Critical {
		t.Errorf("risk level = %s, want critical", eval.RiskLevel)
	}
}

func TestEvaluate_BashGitStatusIsAtMostMedium(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "git status"})
	if eval.RiskLevel > risk.Medium {
		t.Errorf("risk level = %s, want <= medium", eval.RiskLevel)
	}
}

func TestEvaluate_BashLsIsAtMostMedium(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "ls -la"})
	if eval.RiskLevel > risk.Medium {
		t.Errorf("risk level = %s, want <= medium", eval.RiskLevel)
	}
}

func TestEvaluate_UnknownToolDefaultsHigh(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "SomeNewTool", map[string]string{"x": "y"})
	if eval.RiskLevel != risk.High {
		t.Errorf("risk level = %s, want high", eval.RiskLevel)
	}
}

func TestEvaluate_ReadOnlyToolIsSafe(t *testing.T) {
	e := defaultEvaluator()
	if !e.IsSafeTool("Read") {
		t.Error("expected Read to be classified safe")
	}
	eval := mustEvaluate(t, e, "Read", map[string]string{"path": "/tmp/foo"})
	if eval.RiskLevel != risk.Safe {
		t.Errorf("risk level = %s, want safe", eval.RiskLevel)
	}
}

func TestEvaluate_EditEnvFileIsCritical(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Edit", map[string]string{"path": "/app/.env"})
	if eval.RiskLevel != risk.Critical {
		t.Errorf("risk level = %s, want critical (Medium base + 2 adjustment)", eval.RiskLevel)
	}
}

func TestEvaluate_EditCredentialsFileIsCritical(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Edit", map[string]string{"path": "/vault/credentials.json"})
	if eval.RiskLevel != risk.Critical {
		t.Errorf("risk level = %s, want critical", eval.RiskLevel)
	}
}

func TestEvaluate_WriteDocsDropsOneLevel(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Write", map[string]string{"path": "/docs/readme.md"})
	if eval.RiskLevel != risk.Medium {
		t.Errorf("risk level = %s, want medium (High base - 1 adjustment)", eval.RiskLevel)
	}
}

// TestEvaluate_RiskMonotonicity is invariant 3 (spec §8): adding a
// non-negative-adjustment pattern never lowers the resulting risk level.
func TestEvaluate_RiskMonotonicity(t *testing.T) {
	base := risk.New(nil)
	before := mustEvaluate(t, base, "Bash", map[string]string{"command": "echo hello world"})

	extra := risk.New(map[string][]risk.Pattern{
		"Bash": {{Pattern: `echo`, IsRegex: false, Adjustment: 1, Reason: "test additive pattern"}},
	})
	after := mustEvaluate(t, extra, "Bash", map[string]string{"command": "echo hello world"})

	if after.RiskLevel < before.RiskLevel {
		t.Errorf("after=%s before=%s: non-negative adjustment lowered risk level", after.RiskLevel, before.RiskLevel)
	}
}

func TestEvaluate_ReasonsIncludeBaseAndAdjustments(t *testing.T) {
	eval := mustEvaluate(t, defaultEvaluator(), "Bash", map[string]string{"command": "rm -rf /tmp/x"})
	if len(eval.Reasons) < 2 {
		t.Fatalf("expected base reason plus at least one adjustment reason, got %v", eval.Reasons)
	}
	if len(eval.Adjustments) != 1 {
		t.Errorf("expected exactly one adjustment recorded, got %v", eval.Adjustments)
	}
}

func TestToolsAtOrBelow_SortedAndFiltered(t *testing.T) {
	e := defaultEvaluator()
	tools := e.ToolsAtOrBelow(risk.Low)
	if len(tools) == 0 {
		t.Fatal("expected at least one tool at or below Low")
	}
	for i := 1; i < len(tools); i++ {
		if tools[i-1] >= tools[i] {
			t.Errorf("tools not sorted: %v", tools)
		}
	}
	for _, tool := range tools {
		eval := mustEvaluate(t, e, tool, map[string]string{})
		if eval.RiskLevel > risk.Low {
			t.Errorf("tool %s base classification above Low threshold", tool)
		}
	}
}
