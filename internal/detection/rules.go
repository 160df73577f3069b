// Package detection evaluates security events against a configurable set of
// detection rules (signature, anomaly, behavioral, ml) and produces scored
// rule matches.
package detection

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medsentry/policyguard/internal/event"
)

// Common errors.
var (
	ErrRuleNotFound = errors.New("detection rule not found")
)

// RuleKind categorizes a rule by its matching technique.
type RuleKind string

const (
	KindSignature  RuleKind = "signature"
	KindAnomaly    RuleKind = "anomaly"
	KindBehavioral RuleKind = "behavioral"
	KindML         RuleKind = "ml"
)

// Sensitivity tunes how aggressively a rule scores.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Criteria narrows which events a rule considers at all. Empty fields match
// everything.
type Criteria struct {
	Actions         []event.ActionType `yaml:"actions" json:"actions,omitempty"`
	Classifications []string           `yaml:"classifications" json:"classifications,omitempty"`
	TargetContains  string             `yaml:"target_contains" json:"target_contains,omitempty"`
	DetailsContains string             `yaml:"details_contains" json:"details_contains,omitempty"`
}

// Matches reports whether an event satisfies the criteria.
func (c Criteria) Matches(evt *event.SecurityEvent) bool {
	if len(c.Actions) > 0 {
		found := false
		for _, a := range c.Actions {
			if a == evt.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.Classifications) > 0 {
		found := false
		for _, cls := range c.Classifications {
			if strings.Contains(strings.ToLower(evt.Classification), strings.ToLower(cls)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.TargetContains != "" && !strings.Contains(evt.Target, c.TargetContains) {
		return false
	}
	if c.DetailsContains != "" && !strings.Contains(strings.ToLower(evt.Details), strings.ToLower(c.DetailsContains)) {
		return false
	}
	return true
}

// DetectionRule is a single detection rule. Counters are mutated only by
// evaluation outcomes and downstream false-positive review.
type DetectionRule struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	Kind           RuleKind       `yaml:"kind" json:"kind"`
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	Sensitivity    Sensitivity    `yaml:"sensitivity" json:"sensitivity"`
	Severity       event.Severity `yaml:"severity" json:"severity"`
	Criteria       Criteria       `yaml:"criteria" json:"criteria"`
	Detections     int64          `yaml:"-" json:"detections"`
	FalsePositives int64          `yaml:"-" json:"false_positives"`
}

// Accuracy returns the detection accuracy percentage, 100 when no
// detections have been recorded yet.
func (r *DetectionRule) Accuracy() int {
	if r.Detections == 0 {
		return 100
	}
	return int(float64(r.Detections-r.FalsePositives) / float64(r.Detections) * 100)
}

// RuleMatch is the outcome of a rule matching an event.
type RuleMatch struct {
	RuleID     string         `json:"rule_id"`
	RuleName   string         `json:"rule_name"`
	Kind       RuleKind       `json:"kind"`
	Confidence int            `json:"confidence"` // 0-100
	Severity   event.Severity `json:"severity"`
}

// Scorer produces a confidence score (0-100) for an event that already
// satisfied a rule's criteria. A zero score means no match. Scorers are
// pluggable per rule kind.
type Scorer func(rule *DetectionRule, evt *event.SecurityEvent) int

// RuleSet owns the detection rules and their evaluation.
type RuleSet struct {
	mu      sync.RWMutex
	rules   map[string]*DetectionRule
	order   []string
	scorers map[RuleKind]Scorer
	logger  *zap.Logger
}

// NewRuleSet creates a rule set with the default per-kind scorers and the
// built-in rules.
func NewRuleSet(logger *zap.Logger) *RuleSet {
	rs := &RuleSet{
		rules:   make(map[string]*DetectionRule),
		scorers: defaultScorers(),
		logger:  logger,
	}
	rs.loadDefaultRules()
	return rs
}

// SetScorer replaces the scoring function for a rule kind.
func (rs *RuleSet) SetScorer(kind RuleKind, scorer Scorer) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.scorers[kind] = scorer
}

// Evaluate scores an event against every enabled rule. A rule's detections
// counter increments on every match.
func (rs *RuleSet) Evaluate(evt *event.SecurityEvent) []RuleMatch {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var matches []RuleMatch
	for _, id := range rs.order {
		rule := rs.rules[id]
		if !rule.Enabled {
			continue
		}
		if !rule.Criteria.Matches(evt) {
			continue
		}
		scorer := rs.scorers[rule.Kind]
		if scorer == nil {
			continue
		}
		confidence := scorer(rule, evt)
		if confidence <= 0 {
			continue
		}
		if confidence > 100 {
			confidence = 100
		}
		rule.Detections++
		matches = append(matches, RuleMatch{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Kind:       rule.Kind,
			Confidence: confidence,
			Severity:   rule.Severity,
		})
	}
	return matches
}

// Toggle flips a rule's enabled state. The change takes effect on the next
// Evaluate call; past matches are untouched.
func (rs *RuleSet) Toggle(ruleID string) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rule, ok := rs.rules[ruleID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	rule.Enabled = !rule.Enabled
	rs.logger.Info("detection rule toggled",
		zap.String("rule_id", ruleID),
		zap.Bool("enabled", rule.Enabled),
	)
	return rule.Enabled, nil
}

// MarkFalsePositive increments a rule's false-positive counter. Called when
// a reviewer marks a violation originating from this rule as false_positive.
func (rs *RuleSet) MarkFalsePositive(ruleID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rule, ok := rs.rules[ruleID]; ok {
		rule.FalsePositives++
	}
}

// Get returns a copy of a rule.
func (rs *RuleSet) Get(ruleID string) (DetectionRule, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rule, ok := rs.rules[ruleID]
	if !ok {
		return DetectionRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return *rule, nil
}

// List returns copies of all rules in load order.
func (rs *RuleSet) List() []DetectionRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]DetectionRule, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, *rs.rules[id])
	}
	return out
}

// ActiveCount returns the number of enabled rules.
func (rs *RuleSet) ActiveCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n := 0
	for _, r := range rs.rules {
		if r.Enabled {
			n++
		}
	}
	return n
}

// LoadRules merges rules parsed from YAML into the set, replacing rules
// with the same ID.
func (rs *RuleSet) LoadRules(yamlData []byte) error {
	var parsed struct {
		Rules []DetectionRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(yamlData, &parsed); err != nil {
		return fmt.Errorf("parsing rules YAML: %w", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range parsed.Rules {
		rule := parsed.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("rule %q has no id", rule.Name)
		}
		if _, exists := rs.rules[rule.ID]; !exists {
			rs.order = append(rs.order, rule.ID)
		}
		rs.rules[rule.ID] = &rule
	}
	rs.logger.Info("detection rules loaded", zap.Int("count", len(parsed.Rules)))
	return nil
}

func (rs *RuleSet) add(rule *DetectionRule) {
	rs.rules[rule.ID] = rule
	rs.order = append(rs.order, rule.ID)
}

// defaultScorers returns the built-in per-kind scoring functions.
// Signature rules return a fixed high confidence on exact criteria match;
// anomaly, behavioral and ml rules scale with sensitivity and the event's
// severity hint.
func defaultScorers() map[RuleKind]Scorer {
	sensitivityBase := func(s Sensitivity) int {
		switch s {
		case SensitivityHigh:
			return 75
		case SensitivityMedium:
			return 60
		default:
			return 45
		}
	}
	hintBoost := func(evt *event.SecurityEvent) int {
		switch evt.SeverityHint {
		case event.SeverityCritical:
			return 20
		case event.SeverityHigh:
			return 12
		case event.SeverityMedium:
			return 6
		default:
			return 0
		}
	}

	return map[RuleKind]Scorer{
		KindSignature: func(rule *DetectionRule, evt *event.SecurityEvent) int {
			return 95
		},
		KindAnomaly: func(rule *DetectionRule, evt *event.SecurityEvent) int {
			return sensitivityBase(rule.Sensitivity) + hintBoost(evt)
		},
		KindBehavioral: func(rule *DetectionRule, evt *event.SecurityEvent) int {
			return sensitivityBase(rule.Sensitivity) + hintBoost(evt)/2
		},
		KindML: func(rule *DetectionRule, evt *event.SecurityEvent) int {
			return sensitivityBase(rule.Sensitivity) + 5 + hintBoost(evt)
		},
	}
}

func (rs *RuleSet) loadDefaultRules() {
	rs.add(&DetectionRule{
		ID:          "rule-001",
		Name:        "Brute Force Detection",
		Kind:        KindSignature,
		Enabled:     true,
		Sensitivity: SensitivityHigh,
		Severity:    event.SeverityHigh,
		Criteria: Criteria{
			Actions:         []event.ActionType{event.ActionLogin},
			DetailsContains: "failed login",
		},
	})
	rs.add(&DetectionRule{
		ID:          "rule-002",
		Name:        "Anomalous Data Access",
		Kind:        KindAnomaly,
		Enabled:     true,
		Sensitivity: SensitivityMedium,
		Severity:    event.SeverityMedium,
		Criteria: Criteria{
			Actions: []event.ActionType{event.ActionDownload, event.ActionCopy},
		},
	})
	rs.add(&DetectionRule{
		ID:          "rule-003",
		Name:        "ML Threat Classifier",
		Kind:        KindML,
		Enabled:     true,
		Sensitivity: SensitivityHigh,
		Severity:    event.SeverityCritical,
		Criteria: Criteria{
			Actions: []event.ActionType{event.ActionNetworkProbe},
		},
	})
	rs.add(&DetectionRule{
		ID:          "rule-004",
		Name:        "Behavioral Analysis",
		Kind:        KindBehavioral,
		Enabled:     false,
		Sensitivity: SensitivityLow,
		Severity:    event.SeverityMedium,
		Criteria:    Criteria{},
	})
	rs.logger.Info("default detection rules loaded", zap.Int("count", len(rs.rules)))
}
