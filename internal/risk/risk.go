// Package risk implements the deterministic risk classifier (spec §4.3):
// every tool invocation is graded into an ordinal RiskLevel from a base
// per-tool classification plus signed adjustments matched against the
// call's canonicalised arguments.
//
// Evaluation is first-classify-then-adjust rather than the first-match-wins
// rule table the Gitai policy engine uses, since the spec's risk model is
// additive, not a three-way allow/require-approval/deny decision.
package risk

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Level is the total order Safe < Low < Medium < High < Critical (spec §3).
type Level int

const (
	Safe Level = iota
	Low
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Safe:
		return "safe"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

func clampLevel(n int) Level {
	if n < int(Safe) {
		return Safe
	}
	if n > int(Critical) {
		return Critical
	}
	return Level(n)
}

// Pattern is a single risk adjustment rule (spec §4.3 RiskPattern).
type Pattern struct {
	Pattern    string
	IsRegex    bool
	Adjustment int
	Reason     string

	compiled *regexp.Regexp
}

// Evaluation is the result of Evaluate (spec §4.3 RiskEvaluation).
type Evaluation struct {
	Tool        string
	RiskLevel   Level
	Reasons     []string
	Adjustments []string
}

// Evaluator classifies (tool, args) pairs. The classification table and
// pattern catalogue are immutable after construction (spec §5).
type Evaluator struct {
	baseLevels map[string]baseClass
	patterns   map[string][]Pattern
}

type baseClass struct {
	level  Level
	reason string
}

// New builds an Evaluator with the default classification table (spec §4.3)
// plus any caller-supplied per-tool adjustment patterns merged in after the
// built-in ones (built-ins always run first so later additive patterns
// cannot weaken the mandated minimum — spec §9 open question 3).
func New(extra map[string][]Pattern) *Evaluator {
	e := &Evaluator{
		baseLevels: defaultBaseLevels(),
		patterns:   defaultPatterns(),
	}
	for tool, pats := range extra {
		for i := range pats {
			if pats[i].IsRegex {
				pats[i].compiled = regexp.MustCompile(pats[i].Pattern)
			}
		}
		e.patterns[tool] = append(e.patterns[tool], pats...)
	}
	return e
}

func defaultBaseLevels() map[string]baseClass {
	return map[string]baseClass{
		"Read":         {Safe, "read-only tool"},
		"Glob":         {Safe, "read-only tool"},
		"LS":           {Safe, "read-only tool"},
		"Grep":         {Low, "search tool"},
		"WebSearch":    {Low, "search tool"},
		"WebFetch":     {Low, "network fetch tool"},
		"Task":         {Low, "sub-task delegation"},
		"Edit":         {Medium, "file mutation"},
		"NotebookEdit": {Medium, "file mutation"},
		"Write":        {High, "file mutation, can overwrite arbitrary paths"},
		"Bash":         {High, "arbitrary shell execution"},
	}
}

// classify returns the base classification for tool, defaulting to High
// for anything not in the table (spec §4.3: "Unknown tool defaults to High").
func (e *Evaluator) classify(tool string) baseClass {
	if c, ok := e.baseLevels[tool]; ok {
		return c
	}
	return baseClass{High, "unclassified tool defaults to high risk"}
}

func defaultPatterns() map[string][]Pattern {
	bash := []Pattern{
		{Pattern: `rm\s+-rf`, IsRegex: true, Adjustment: 2, Reason: "recursive force delete"},
		{Pattern: `sudo`, IsRegex: true, Adjustment: 2, Reason: "privilege escalation"},
		{Pattern: `git\s+push\s+--force`, IsRegex: true, Adjustment: 2, Reason: "force push"},
		{Pattern: `git status`, IsRegex: false, Adjustment: -2, Reason: "read-only git inspection"},
		{Pattern: `git log`, IsRegex: false, Adjustment: -2, Reason: "read-only git inspection"},
		{Pattern: `^ls\b`, IsRegex: true, Adjustment: -2, Reason: "directory listing"},
		{Pattern: `^pwd$`, IsRegex: true, Adjustment: -2, Reason: "working directory query"},
	}
	edit := []Pattern{
		{Pattern: `\.env\b`, IsRegex: true, Adjustment: 2, Reason: "editing an env file"},
		{Pattern: `credentials`, IsRegex: true, Adjustment: 2, Reason: "editing a credentials file"},
	}
	write := []Pattern{
		{Pattern: `\.(md|txt|rst)"`, IsRegex: true, Adjustment: -1, Reason: "documentation-extension write"},
	}

	compileAll(bash)
	compileAll(edit)
	compileAll(write)

	return map[string][]Pattern{
		"Bash":  bash,
		"Edit":  edit,
		"Write": write,
	}
}

func compileAll(pats []Pattern) {
	for i := range pats {
		if pats[i].IsRegex {
			pats[i].compiled = regexp.MustCompile(pats[i].Pattern)
		}
	}
}

// Evaluate classifies tool given its JSON-encodable args (spec §4.3).
func (e *Evaluator) Evaluate(tool string, args any) (Evaluation, error) {
	canonical, err := canonicalize(args)
	if err != nil {
		return Evaluation{}, err
	}

	base := e.classify(tool)
	eval := Evaluation{
		Tool:      tool,
		RiskLevel: base.level,
		Reasons:   []string{base.reason},
	}

	total := int(base.level)
	for _, p := range e.patterns[tool] {
		matched := false
		if p.IsRegex {
			matched = p.compiled.MatchString(canonical)
		} else {
			matched = containsSubstring(canonical, p.Pattern)
		}
		if matched {
			total += p.Adjustment
			eval.Adjustments = append(eval.Adjustments, p.Reason)
			eval.Reasons = append(eval.Reasons, p.Reason)
		}
	}

	eval.RiskLevel = clampLevel(total)
	return eval, nil
}

func canonicalize(args any) (string, error) {
	switch v := args.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) > 0 && strings.Contains(haystack, needle)
}

// IsSafeTool reports whether tool's base classification is Safe.
func (e *Evaluator) IsSafeTool(tool string) bool {
	return e.classify(tool).level == Safe
}

// ToolsAtOrBelow returns every known tool whose base classification is at
// or below max, sorted by name (used by the Hands Scheduler's optional
// autonomy.max_tool_risk ceiling — see DESIGN.md §C.1).
func (e *Evaluator) ToolsAtOrBelow(max Level) []string {
	var out []string
	for tool, c := range e.baseLevels {
		if c.level <= max {
			out = append(out, tool)
		}
	}
	sort.Strings(out)
	return out
}
