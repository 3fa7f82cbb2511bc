// Package hands implements the Hands Scheduler (spec §4.5): manifest
// discovery, cron scheduling, pipeline execution (sequential/parallel/
// conditional), state persistence, retry/backoff, the market-hours
// preparation/execution split, and the notification bridge. The Docker
// agent runtime lives in the sibling internal/hands/runtime package; the
// market-hours config shape lives in internal/hands/market.
package hands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hands-platform/hands-core/internal/hands/market"
	"github.com/hands-platform/hands-core/internal/risk"
)

// PipelineMode selects how a Hand's agents are composed (spec §3, Glossary
// "Pipeline mode").
type PipelineMode string

const (
	PipelineSequential  PipelineMode = "sequential"
	PipelineParallel    PipelineMode = "parallel"
	PipelineConditional PipelineMode = "conditional"
)

// AutonomyLevel is the coarse-grained dial from Lunatic (most permissive)
// to Timid (least), mapped to numeric CLOSE approval/caution thresholds
// (spec §3, Glossary "Autonomy level").
type AutonomyLevel string

const (
	AutonomyLunatic AutonomyLevel = "lunatic"
	AutonomyInsane  AutonomyLevel = "insane"
	AutonomyCrazy   AutonomyLevel = "crazy"
	AutonomyWild    AutonomyLevel = "wild"
	AutonomyBold    AutonomyLevel = "bold"
	AutonomyTimid   AutonomyLevel = "timid"
)

// CloseThresholds returns the (approve-at, caution-at) CLOSE score bounds
// associated with an autonomy level. Higher approve-at means the level
// tolerates lower scores before requiring escalation; this is storage and
// display only (Glossary: "not computed by this core").
func (l AutonomyLevel) CloseThresholds() (approveAt, cautionAt int) {
	switch l {
	case AutonomyLunatic:
		return 10, 5
	case AutonomyInsane:
		return 25, 15
	case AutonomyCrazy:
		return 40, 25
	case AutonomyWild:
		return 55, 40
	case AutonomyBold:
		return 70, 55
	case AutonomyTimid:
		return 90, 80
	default:
		return 70, 55
	}
}

// AutoApprove configures the per-Hand auto-approve gate (spec §3, §4.5).
type AutoApprove struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedTools  []string `yaml:"allowed_tools"`
	RiskThreshold risk.Level `yaml:"-"`
	// RiskThresholdName is the YAML-facing string form of RiskThreshold
	// ("safe".."critical"); yaml.v3 has no enum support so parsing happens
	// in UnmarshalYAML below.
	RiskThresholdName string `yaml:"risk_threshold"`
	TimeoutMS         int64  `yaml:"timeout_ms"`
}

// Autonomy is the Hand Manifest's autonomy block (spec §3).
type Autonomy struct {
	Level         AutonomyLevel `yaml:"level"`
	Unattended    bool          `yaml:"unattended"`
	MaxIterations int           `yaml:"max_iterations"`
	AutoApprove   AutoApprove   `yaml:"auto_approve"`
	// MaxToolRisk is an additive ceiling (SPEC_FULL.md §C.1) enforced
	// before the per-call auto-approve gate: a tool call above this level
	// is denied outright, belt-and-suspenders on top of §4.5's gate.
	MaxToolRisk    *risk.Level `yaml:"-"`
	MaxToolRiskName string     `yaml:"max_tool_risk"`
}

// Decision is the Hand Manifest's decision block (spec §3).
type Decision struct {
	UseClose     bool `yaml:"use_close"`
	WebSearch    bool `yaml:"web_search"`
	Evolution    bool `yaml:"evolution"`
	AutoContinue bool `yaml:"auto_continue"`
}

// Resources are the Hand Manifest's resource guards (spec §3, §4.5).
type Resources struct {
	MaxTokens      int64   `yaml:"max_tokens"`
	MaxCostUSD     float64 `yaml:"max_cost_usd"`
	MaxDurationSec int64   `yaml:"max_duration_sec"`
}

// SendWhen gates when a notification is sent (spec §3).
type SendWhen string

const (
	SendAlways    SendWhen = "always"
	SendOnSuccess SendWhen = "on_success"
	SendOnFailure SendWhen = "on_failure"
)

// NotificationTemplate selects brief vs detailed message rendering (spec
// §3, §6).
type NotificationTemplate string

const (
	TemplateBrief    NotificationTemplate = "brief"
	TemplateDetailed NotificationTemplate = "detailed"
)

// Notification is the Hand Manifest's notification block (spec §3, §6).
type Notification struct {
	ChannelType string               `yaml:"channel_type"`
	ChannelID   string               `yaml:"channel_id"`
	Template    NotificationTemplate `yaml:"template"`
	SendWhen    SendWhen             `yaml:"send_when"`
}

// ConditionalRule drives Conditional pipeline branching (SPEC_FULL.md's
// concretization of spec §4.5's "rule set attached to the manifest").
// After the agent named After runs, if its CLOSE score compares to
// Threshold via Operator, the pipeline continues with Next (empty or
// "stop" ends the pipeline).
type ConditionalRule struct {
	After     string  `yaml:"after"`
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
	Next      string  `yaml:"next"`
}

// frontmatter is the raw YAML shape decoded from a manifest file's
// frontmatter block, before MemoryPathTemplate/Description/Body are
// filled in from the surrounding envelope.
type frontmatter struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Version  string   `yaml:"version"`
	Schedule string   `yaml:"schedule"`
	Agent    string   `yaml:"agent"`
	Agents   []string `yaml:"agents"`
	Pipeline PipelineMode `yaml:"pipeline"`
	Enabled  *bool    `yaml:"enabled"`

	MemoryPath string         `yaml:"memory_path"`
	Params     map[string]any `yaml:"params"`

	Autonomy Autonomy `yaml:"autonomy"`
	Decision Decision `yaml:"decision"`

	Resources Resources `yaml:"resources"`

	Notification Notification `yaml:"notification"`

	ConditionalRules []ConditionalRule `yaml:"conditional_rules"`

	MarketHours *market.Config `yaml:"market_hours"`
}

// Manifest is a parsed Hand Manifest (spec §3).
type Manifest struct {
	ID                 string
	Name               string
	Version            string
	Schedule           string
	Agents             []string
	Pipeline           PipelineMode
	Enabled            bool
	MemoryPathTemplate string
	Params             map[string]any
	Autonomy           Autonomy
	Decision           Decision
	Resources          Resources
	Notification       Notification
	ConditionalRules   []ConditionalRule
	MarketHours        *market.Config

	// Description is extracted from the first non-empty line of the
	// markdown body, with leading "#" markers stripped (spec §6).
	Description string
	// Body is the full markdown body following the frontmatter block.
	Body string

	SourcePath string
}

// ParseManifest reads and validates a single Hand manifest file in the
// "---\n<yaml>\n---\n<markdown>" envelope (spec §6). A missing opening
// delimiter or an unclosed frontmatter block is a hard error.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hands: read manifest %s: %w", path, err)
	}
	return parseManifestBytes(path, data)
}

func parseManifestBytes(path string, data []byte) (*Manifest, error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") && text != "---" {
		return nil, fmt.Errorf("hands: manifest %s: missing opening '---' frontmatter delimiter", path)
	}
	rest := strings.TrimPrefix(text, "---\n")

	closeIdx := strings.Index(rest, "\n---\n")
	var yamlBlock, body string
	if closeIdx == -1 {
		// Allow a frontmatter block that runs to EOF with no body.
		if strings.HasSuffix(rest, "\n---") {
			yamlBlock = strings.TrimSuffix(rest, "\n---")
			body = ""
		} else {
			return nil, fmt.Errorf("hands: manifest %s: unclosed frontmatter block", path)
		}
	} else {
		yamlBlock = rest[:closeIdx]
		body = rest[closeIdx+len("\n---\n"):]
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return nil, fmt.Errorf("hands: manifest %s: parse frontmatter: %w", path, err)
	}

	if err := validateSchemaBlocks(fm.Params, fm.Resources); err != nil {
		return nil, fmt.Errorf("hands: manifest %s: %w", path, err)
	}

	autonomy := fm.Autonomy
	level, err := parseRiskLevelName(autonomy.AutoApprove.RiskThresholdName)
	if err != nil {
		return nil, fmt.Errorf("hands: manifest %s: autonomy.auto_approve.risk_threshold: %w", path, err)
	}
	autonomy.AutoApprove.RiskThreshold = level
	if autonomy.MaxToolRiskName != "" {
		maxLevel, err := parseRiskLevelName(autonomy.MaxToolRiskName)
		if err != nil {
			return nil, fmt.Errorf("hands: manifest %s: autonomy.max_tool_risk: %w", path, err)
		}
		autonomy.MaxToolRisk = &maxLevel
	}

	agents := fm.Agents
	if fm.Agent != "" {
		agents = append([]string{fm.Agent}, agents...)
	}

	m := &Manifest{
		ID:                 fm.ID,
		Name:               fm.Name,
		Version:            fm.Version,
		Schedule:           fm.Schedule,
		Agents:             agents,
		Pipeline:           fm.Pipeline,
		Enabled:            fm.Enabled == nil || *fm.Enabled,
		MemoryPathTemplate: fm.MemoryPath,
		Params:             fm.Params,
		Autonomy:           autonomy,
		Decision:           fm.Decision,
		Resources:          fm.Resources,
		Notification:       fm.Notification,
		ConditionalRules:   fm.ConditionalRules,
		MarketHours:        fm.MarketHours,
		Description:        extractDescription(body),
		Body:               body,
		SourcePath:         path,
	}
	if m.Pipeline == "" {
		m.Pipeline = PipelineSequential
	}

	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("hands: manifest %s: %w", path, err)
	}
	return m, nil
}

func parseRiskLevelName(name string) (risk.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "safe":
		return risk.Safe, nil
	case "low":
		return risk.Low, nil
	case "medium":
		return risk.Medium, nil
	case "high":
		return risk.High, nil
	case "critical":
		return risk.Critical, nil
	default:
		return risk.Safe, fmt.Errorf("unknown risk level %q", name)
	}
}

// extractDescription returns the first non-empty line of body, with
// leading markdown heading markers stripped (spec §6).
func extractDescription(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		trimmed = strings.TrimLeft(trimmed, "#")
		return strings.TrimSpace(trimmed)
	}
	return ""
}

// Validate checks cross-field invariants spec §3 implies: id is required,
// the schedule must be a well-formed 6/7-field cron expression, and at
// least one agent must be configured for whatever pipeline mode is set.
func Validate(m *Manifest) error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(m.Agents) == 0 {
		return fmt.Errorf("at least one agent (agent or agents[]) is required")
	}
	if _, err := ParseSchedule(m.Schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	switch m.Pipeline {
	case PipelineSequential, PipelineParallel, PipelineConditional:
	default:
		return fmt.Errorf("unknown pipeline mode %q", m.Pipeline)
	}
	if m.Pipeline == PipelineConditional {
		for _, r := range m.ConditionalRules {
			if !containsString(m.Agents, r.After) {
				return fmt.Errorf("conditional_rules: %q is not in agents[]", r.After)
			}
		}
	}
	return nil
}

func containsString(vals []string, v string) bool {
	for _, s := range vals {
		if s == v {
			return true
		}
	}
	return false
}

// DiscoverManifests scans dir for *.hand.md files, parses each, and
// returns them sorted by ID. Parse failures for individual files are
// collected and returned alongside any manifests that did parse, so one
// malformed Hand does not block discovery of the rest.
func DiscoverManifests(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("hands: read hands directory %s: %w", dir, err)
	}

	var manifests []*Manifest
	var errs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		m, err := ParseManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })

	if len(errs) > 0 {
		return manifests, fmt.Errorf("hands: %d manifest(s) failed to parse:\n%s", len(errs), strings.Join(errs, "\n"))
	}
	return manifests, nil
}
