// Package route is the versioned decision-table engine: first-match by
// priority with hard risk overrides ahead of every product/intent rule, and a
// fail-closed fallback when nothing matches.
package route

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"intake/internal/canonical"
	"intake/internal/determinism"
)

// Condition is the when-clause of a rule. Empty members do not constrain.
type Condition struct {
	RiskFlagsAny       []string `yaml:"risk_flags_any,omitempty" json:"risk_flags_any,omitempty"`
	RiskFlagsNotAny    []string `yaml:"risk_flags_not_any,omitempty" json:"risk_flags_not_any,omitempty"`
	PrimaryIntentIn    []string `yaml:"primary_intent_in,omitempty" json:"primary_intent_in,omitempty"`
	PrimaryIntentNotIn []string `yaml:"primary_intent_not_in,omitempty" json:"primary_intent_not_in,omitempty"`
	IdentityStatusIn   []string `yaml:"identity_status_in,omitempty" json:"identity_status_in,omitempty"`
	ProductLineIn      []string `yaml:"product_line_in,omitempty" json:"product_line_in,omitempty"`
	UrgencyIn          []string `yaml:"urgency_in,omitempty" json:"urgency_in,omitempty"`
	Any                []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	All                []Condition `yaml:"all,omitempty" json:"all,omitempty"`
}

// Outcome is the then-clause.
type Outcome struct {
	QueueID          string   `yaml:"queue_id" json:"queue_id"`
	SLAID            string   `yaml:"sla_id" json:"sla_id"`
	Priority         int      `yaml:"priority" json:"priority"`
	Actions          []string `yaml:"actions" json:"actions"`
	FailClosed       bool     `yaml:"fail_closed,omitempty" json:"fail_closed,omitempty"`
	FailClosedReason string   `yaml:"fail_closed_reason,omitempty" json:"fail_closed_reason,omitempty"`
}

// Rule is one table entry.
type Rule struct {
	RuleID   string    `yaml:"rule_id" json:"rule_id"`
	Priority int       `yaml:"priority" json:"priority"`
	When     Condition `yaml:"when" json:"when"`
	Then     Outcome   `yaml:"then" json:"then"`
}

// Ruleset is the loaded, digest-pinned decision table.
type Ruleset struct {
	Path     string
	SHA256   string
	Version  string  `yaml:"ruleset_version"`
	Rules    []Rule  `yaml:"rules"`
	Fallback Outcome `yaml:"fallback"`
}

// Load reads and validates a ruleset file. Every label in the table must be
// canonical; a table that references an unknown queue or action fails the
// load, not the message.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", path, err)
	}
	rs.Path = path
	return rs, nil
}

// Parse decodes and validates ruleset bytes.
func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	if rs.Version == "" {
		return nil, fmt.Errorf("ruleset missing ruleset_version")
	}
	if rs.Fallback.QueueID == "" {
		return nil, fmt.Errorf("ruleset missing fallback")
	}
	for _, rule := range rs.Rules {
		if rule.RuleID == "" {
			return nil, fmt.Errorf("rule missing rule_id")
		}
		if err := checkOutcome(rule.Then); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.RuleID, err)
		}
	}
	if err := checkOutcome(rs.Fallback); err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	rs.SHA256 = determinism.SHA256(data)

	// Highest priority first; order among equals is file order.
	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})
	return &rs, nil
}

func checkOutcome(o Outcome) error {
	if !canonical.Queue(o.QueueID).IsValid() {
		return fmt.Errorf("unknown queue %q", o.QueueID)
	}
	if !canonical.SLA(o.SLAID).IsValid() {
		return fmt.Errorf("unknown sla %q", o.SLAID)
	}
	for _, a := range o.Actions {
		if !canonical.Action(a).IsValid() {
			return fmt.Errorf("unknown action %q", a)
		}
	}
	return nil
}

// Matches evaluates the condition against a routing context.
func (c Condition) Matches(ctx Context) bool {
	if len(c.RiskFlagsAny) > 0 && !anyFlag(ctx.RiskFlags, c.RiskFlagsAny) {
		return false
	}
	if len(c.RiskFlagsNotAny) > 0 && anyFlag(ctx.RiskFlags, c.RiskFlagsNotAny) {
		return false
	}
	if len(c.PrimaryIntentIn) > 0 && !containsStr(c.PrimaryIntentIn, string(ctx.PrimaryIntent)) {
		return false
	}
	if len(c.PrimaryIntentNotIn) > 0 && containsStr(c.PrimaryIntentNotIn, string(ctx.PrimaryIntent)) {
		return false
	}
	if len(c.IdentityStatusIn) > 0 && !containsStr(c.IdentityStatusIn, string(ctx.IdentityStatus)) {
		return false
	}
	if len(c.ProductLineIn) > 0 && !containsStr(c.ProductLineIn, string(ctx.ProductLine)) {
		return false
	}
	if len(c.UrgencyIn) > 0 && !containsStr(c.UrgencyIn, string(ctx.Urgency)) {
		return false
	}
	if len(c.Any) > 0 {
		hit := false
		for _, branch := range c.Any {
			if branch.Matches(ctx) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, branch := range c.All {
		if !branch.Matches(ctx) {
			return false
		}
	}
	return true
}

func anyFlag(flags map[canonical.RiskFlag]bool, wanted []string) bool {
	for _, w := range wanted {
		if flags[canonical.RiskFlag(w)] {
			return true
		}
	}
	return false
}

func containsStr(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
