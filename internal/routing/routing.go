// Package routing implements the Routing Policy (spec §4.2): scanning
// outbound content for sensitive patterns and deciding whether a request
// must be redirected to a private model provider instead of the default
// cloud one.
package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// SensitivityLevel is the total order None < Low < Medium < High < Critical
// used to grade how sensitive a piece of content is (spec §3 Routing
// Decision).
type SensitivityLevel int

const (
	SensitivityNone SensitivityLevel = iota
	SensitivityLow
	SensitivityMedium
	SensitivityHigh
	SensitivityCritical
)

func (l SensitivityLevel) String() string {
	switch l {
	case SensitivityNone:
		return "none"
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	case SensitivityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSensitivityLevel accepts the common aliases used in configuration
// files ("med" for Medium, "crit" for Critical).
func ParseSensitivityLevel(s string) (SensitivityLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return SensitivityNone, nil
	case "low":
		return SensitivityLow, nil
	case "medium", "med":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	case "critical", "crit":
		return SensitivityCritical, nil
	default:
		return SensitivityNone, fmt.Errorf("routing: unknown sensitivity level %q", s)
	}
}

// Decision is the outcome of Policy.Analyze (spec §3 Routing Decision).
type Decision struct {
	UsePrivate        bool
	Provider          string
	Reason            string
	Sensitivity       SensitivityLevel
	TriggeredPatterns []string
}

func useDefault(provider string) Decision {
	return Decision{Provider: provider, Reason: "No sensitive data detected", Sensitivity: SensitivityNone}
}

// PatternRule is a single sensitive-content detector (spec §4.2).
type PatternRule struct {
	Name        string
	Level       SensitivityLevel
	Description string

	pattern *regexp.Regexp
}

// NewPatternRule compiles pattern and returns a PatternRule, or an error
// if the regex is invalid.
func NewPatternRule(name, pattern string, level SensitivityLevel, description string) (PatternRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PatternRule{}, fmt.Errorf("routing: compile pattern %s: %w", name, err)
	}
	return PatternRule{Name: name, Level: level, Description: description, pattern: re}, nil
}

// Config configures a Policy (spec §4.2).
type Config struct {
	Enabled              bool
	DefaultProvider      string
	PrivateProvider      string
	SensitivityThreshold SensitivityLevel
	ForcePrivatePatterns []string
	BypassUsers          []string
}

// DefaultConfig mirrors the reference policy's defaults: route to
// "anthropic" by default, to "ollama" for anything at or above High
// sensitivity, and always force private for credit cards, private keys,
// and any AWS-prefixed pattern.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		DefaultProvider:      "anthropic",
		PrivateProvider:      "ollama",
		SensitivityThreshold: SensitivityHigh,
		ForcePrivatePatterns: []string{"credit_card", "private_key", "aws_*"},
	}
}

// Policy scans content against a catalogue of sensitive patterns and
// decides the provider to route to.
type Policy struct {
	config   Config
	patterns []PatternRule
}

// New builds a Policy with the built-in pattern catalogue (spec §4.2).
func New(config Config) *Policy {
	return &Policy{config: config, patterns: defaultPatterns()}
}

// AddPattern appends a custom rule to the catalogue, run alongside the
// built-ins.
func (p *Policy) AddPattern(rule PatternRule) {
	p.patterns = append(p.patterns, rule)
}

func defaultPatterns() []PatternRule {
	must := func(name, pattern string, level SensitivityLevel, desc string) PatternRule {
		rule, err := NewPatternRule(name, pattern, level, desc)
		if err != nil {
			panic(err)
		}
		return rule
	}

	return []PatternRule{
		// Critical.
		must("private_key", `-----BEGIN[A-Z ]*PRIVATE KEY-----`, SensitivityCritical, "Private cryptographic key"),
		must("aws_secret_key", `(?i)aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})`, SensitivityCritical, "AWS secret access key"),
		must("database_url_password", `(?i)(postgres|mysql|mongodb)://[^:]+:([^@]+)@`, SensitivityCritical, "Database connection with password"),
		// High.
		must("credit_card", `\b(?:\d{4}[- ]?){3}\d{4}\b`, SensitivityHigh, "Credit card number"),
		must("ssn", `\b\d{3}-\d{2}-\d{4}\b`, SensitivityHigh, "Social Security Number"),
		must("anthropic_key", `sk-ant-[a-zA-Z0-9-]{95,}`, SensitivityHigh, "Anthropic API key"),
		must("openai_key", `sk-[a-zA-Z0-9]{48}`, SensitivityHigh, "OpenAI API key"),
		must("aws_access_key", `AKIA[0-9A-Z]{16}`, SensitivityHigh, "AWS access key ID"),
		must("jwt_token", `eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]+`, SensitivityHigh, "JWT token"),
		// Medium.
		must("email_pii", `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, SensitivityMedium, "Email address (PII)"),
		must("phone_number", `\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`, SensitivityMedium, "Phone number"),
		must("ip_address", `\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`, SensitivityMedium, "IP address"),
		// Low.
		must("internal_url", `https?://(?:localhost|127\.0\.0\.1|10\.|172\.1[6-9]\.|172\.2[0-9]\.|172\.3[0-1]\.|192\.168\.)`, SensitivityLow, "Internal/private URL"),
		must("file_path_secrets", `(?i)(/etc/passwd|/etc/shadow|\.env|credentials\.json|secrets\.yaml)`, SensitivityLow, "Sensitive file path reference"),
	}
}

// Analyze scans content and returns the routing decision (spec §4.2
// analyze). userID, if non-empty and present in BypassUsers, skips all
// pattern scanning.
func (p *Policy) Analyze(content string, userID string) Decision {
	if !p.config.Enabled {
		return useDefault(p.config.DefaultProvider)
	}
	if userID != "" {
		for _, u := range p.config.BypassUsers {
			if u == userID {
				return useDefault(p.config.DefaultProvider)
			}
		}
	}

	maxLevel := SensitivityNone
	var triggered []string
	for _, rule := range p.patterns {
		if rule.pattern.MatchString(content) {
			triggered = append(triggered, rule.Name)
			if rule.Level > maxLevel {
				maxLevel = rule.Level
			}
		}
	}

	forcePrivate := false
	for _, name := range triggered {
		if matchesForcePrivate(name, p.config.ForcePrivatePatterns) {
			forcePrivate = true
			break
		}
	}

	if forcePrivate || maxLevel >= p.config.SensitivityThreshold {
		var reason string
		if forcePrivate {
			reason = fmt.Sprintf("Forced private routing for patterns: %v", triggered)
		} else {
			reason = fmt.Sprintf("Sensitivity level %s exceeds threshold %s", maxLevel, p.config.SensitivityThreshold)
		}
		return Decision{
			UsePrivate:        true,
			Provider:          p.config.PrivateProvider,
			Reason:            reason,
			Sensitivity:       maxLevel,
			TriggeredPatterns: triggered,
		}
	}

	decision := useDefault(p.config.DefaultProvider)
	decision.Sensitivity = maxLevel
	decision.TriggeredPatterns = triggered
	return decision
}

// matchesForcePrivate reports whether name is present in (or matched by a
// "prefix*" wildcard in) patterns.
func matchesForcePrivate(name string, patterns []string) bool {
	for _, fp := range patterns {
		if strings.HasSuffix(fp, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(fp, "*")) {
				return true
			}
			continue
		}
		if name == fp {
			return true
		}
	}
	return false
}

// HasSensitiveData reports whether any pattern in the catalogue matches
// content.
func (p *Policy) HasSensitiveData(content string) bool {
	for _, rule := range p.patterns {
		if rule.pattern.MatchString(content) {
			return true
		}
	}
	return false
}

// GetSensitivity returns the highest sensitivity level among patterns
// that match content, or SensitivityNone if nothing matches.
func (p *Policy) GetSensitivity(content string) SensitivityLevel {
	max := SensitivityNone
	for _, rule := range p.patterns {
		if rule.Level > max && rule.pattern.MatchString(content) {
			max = rule.Level
		}
	}
	return max
}

// DetectPatterns returns every pattern rule that matches content.
func (p *Policy) DetectPatterns(content string) []PatternRule {
	var out []PatternRule
	for _, rule := range p.patterns {
		if rule.pattern.MatchString(content) {
			out = append(out, rule)
		}
	}
	return out
}
