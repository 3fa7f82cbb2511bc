package hands

import (
	"os"
	"path/filepath"
	"testing"
)

const validManifest = `---
id: daily-digest
name: Daily Digest
version: "1"
schedule: "0 0 9 * * *"
agent: summarizer
pipeline: sequential
autonomy:
  level: bold
  unattended: false
  max_iterations: 3
  auto_approve:
    enabled: true
    allowed_tools: ["Read"]
    risk_threshold: low
    timeout_ms: 30000
notification:
  channel_type: telegram
  channel_id: "123"
  template: brief
  send_when: always
---
# Daily Digest

Summarizes yesterday's activity.
`

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestParseManifest_HappyPath(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "daily-digest.hand.md", validManifest)

	m, err := ParseManifest(path)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.ID != "daily-digest" {
		t.Errorf("id = %q, want daily-digest", m.ID)
	}
	if len(m.Agents) != 1 || m.Agents[0] != "summarizer" {
		t.Errorf("agents = %v, want [summarizer]", m.Agents)
	}
	if !m.Enabled {
		t.Error("expected enabled=true by default")
	}
	if m.Description != "Daily Digest" {
		t.Errorf("description = %q, want %q", m.Description, "Daily Digest")
	}
	if m.Autonomy.AutoApprove.RiskThreshold != 1 {
		t.Errorf("risk threshold = %v, want Low(1)", m.Autonomy.AutoApprove.RiskThreshold)
	}
}

func TestParseManifest_MissingOpeningDelimiterIsHardError(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "bad.hand.md", "id: foo\nschedule: \"* * * * * *\"\n")
	if _, err := ParseManifest(path); err == nil {
		t.Fatal("expected error for missing opening '---'")
	}
}

func TestParseManifest_UnclosedFrontmatterIsHardError(t *testing.T) {
	dir := t.TempDir()
	content := "---\nid: foo\nschedule: \"* * * * * *\"\nagent: a\n"
	path := writeManifest(t, dir, "bad.hand.md", content)
	if _, err := ParseManifest(path); err == nil {
		t.Fatal("expected error for unclosed frontmatter")
	}
}

func TestParseManifest_DescriptionStripsHeadingMarkers(t *testing.T) {
	dir := t.TempDir()
	content := "---\nid: foo\nschedule: \"0 0 * * * *\"\nagent: a\n---\n\n## Some Title\n\nBody text.\n"
	path := writeManifest(t, dir, "foo.hand.md", content)
	m, err := ParseManifest(path)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Description != "Some Title" {
		t.Errorf("description = %q, want %q", m.Description, "Some Title")
	}
}

func TestParseManifest_MissingIDFailsValidation(t *testing.T) {
	dir := t.TempDir()
	content := "---\nschedule: \"0 0 * * * *\"\nagent: a\n---\nbody\n"
	path := writeManifest(t, dir, "noid.hand.md", content)
	if _, err := ParseManifest(path); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestParseManifest_ConditionalRuleMustReferenceKnownAgent(t *testing.T) {
	dir := t.TempDir()
	content := `---
id: cond
schedule: "0 0 * * * *"
agents: ["a", "b"]
pipeline: conditional
conditional_rules:
  - after: "c"
    operator: ">"
    threshold: 50
    next: "b"
---
body
`
	path := writeManifest(t, dir, "cond.hand.md", content)
	if _, err := ParseManifest(path); err == nil {
		t.Fatal("expected error: conditional rule references unknown agent 'c'")
	}
}

func TestDiscoverManifests_SortsByIDAndSkipsBadOnes(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "b.hand.md", "---\nid: b-hand\nschedule: \"0 0 * * * *\"\nagent: a\n---\nB\n")
	writeManifest(t, dir, "a.hand.md", "---\nid: a-hand\nschedule: \"0 0 * * * *\"\nagent: a\n---\nA\n")
	writeManifest(t, dir, "broken.hand.md", "not a manifest at all")
	writeManifest(t, dir, "ignored.txt", "not even a manifest file")

	manifests, err := DiscoverManifests(dir)
	if err == nil {
		t.Fatal("expected error listing the broken manifest")
	}
	if len(manifests) != 2 {
		t.Fatalf("expected 2 parsed manifests despite one failure, got %d", len(manifests))
	}
	if manifests[0].ID != "a-hand" || manifests[1].ID != "b-hand" {
		t.Errorf("manifests not sorted by id: %v, %v", manifests[0].ID, manifests[1].ID)
	}
}

func TestParseManifest_DefaultsPipelineToSequential(t *testing.T) {
	dir := t.TempDir()
	content := "---\nid: foo\nschedule: \"0 0 * * * *\"\nagent: a\n---\nbody\n"
	path := writeManifest(t, dir, "foo.hand.md", content)
	m, err := ParseManifest(path)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Pipeline != PipelineSequential {
		t.Errorf("pipeline = %q, want sequential", m.Pipeline)
	}
}
