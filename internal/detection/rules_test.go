package detection

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/event"
)

func loginEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:             "evt-000001",
		Timestamp:      time.Now(),
		SourceIdentity: "192.168.1.45",
		Target:         "auth-portal",
		Action:         event.ActionLogin,
		Details:        "failed login attempt 5 of 5",
	}
}

// TestEvaluate_SignatureMatch verifies a signature rule fires with fixed
// high confidence and increments its detections counter.
func TestEvaluate_SignatureMatch(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())

	matches := rs.Evaluate(loginEvent())
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	m := matches[0]
	if m.RuleID != "rule-001" {
		t.Errorf("rule id = %s, want rule-001", m.RuleID)
	}
	if m.Confidence != 95 {
		t.Errorf("confidence = %d, want 95", m.Confidence)
	}
	if m.Severity != event.SeverityHigh {
		t.Errorf("severity = %s, want high", m.Severity)
	}

	rule, _ := rs.Get("rule-001")
	if rule.Detections != 1 {
		t.Errorf("detections = %d, want 1", rule.Detections)
	}
}

// TestToggle_DisabledRuleProducesNoMatches verifies toggling takes effect on
// the next Evaluate call.
func TestToggle_DisabledRuleProducesNoMatches(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())

	if matches := rs.Evaluate(loginEvent()); len(matches) != 1 {
		t.Fatalf("matches before toggle = %d, want 1", len(matches))
	}

	enabled, err := rs.Toggle("rule-001")
	if err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}
	if enabled {
		t.Fatal("Toggle should have disabled the rule")
	}

	if matches := rs.Evaluate(loginEvent()); len(matches) != 0 {
		t.Errorf("matches after disable = %d, want 0", len(matches))
	}

	// Earlier detections stay recorded.
	rule, _ := rs.Get("rule-001")
	if rule.Detections != 1 {
		t.Errorf("detections = %d, want 1", rule.Detections)
	}
}

// TestToggle_UnknownRule verifies the not-found error.
func TestToggle_UnknownRule(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())
	if _, err := rs.Toggle("rule-999"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Toggle error = %v, want ErrRuleNotFound", err)
	}
}

// TestMarkFalsePositive_AccuracyDrops verifies accuracy accounting.
func TestMarkFalsePositive_AccuracyDrops(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())

	for i := 0; i < 4; i++ {
		rs.Evaluate(loginEvent())
	}
	rs.MarkFalsePositive("rule-001")

	rule, _ := rs.Get("rule-001")
	if rule.FalsePositives != 1 {
		t.Fatalf("false positives = %d, want 1", rule.FalsePositives)
	}
	if got := rule.Accuracy(); got != 75 {
		t.Errorf("accuracy = %d, want 75", got)
	}
}

// TestSetScorer_Pluggable verifies the scoring function per rule kind is
// replaceable and a zero score suppresses the match.
func TestSetScorer_Pluggable(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())
	rs.SetScorer(KindSignature, func(rule *DetectionRule, evt *event.SecurityEvent) int {
		return 0
	})

	if matches := rs.Evaluate(loginEvent()); len(matches) != 0 {
		t.Errorf("matches with zero scorer = %d, want 0", len(matches))
	}
}

// TestLoadRules_MergesByID verifies YAML rules replace same-id entries and
// append new ones.
func TestLoadRules_MergesByID(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())
	before := len(rs.List())

	yamlData := []byte(`
rules:
  - id: rule-001
    name: Brute Force Detection v2
    kind: signature
    enabled: false
    sensitivity: high
    severity: critical
    criteria:
      actions: [login]
  - id: rule-200
    name: Upload Watch
    kind: anomaly
    enabled: true
    sensitivity: medium
    severity: medium
    criteria:
      actions: [upload]
`)
	if err := rs.LoadRules(yamlData); err != nil {
		t.Fatalf("LoadRules returned error: %v", err)
	}

	if got := len(rs.List()); got != before+1 {
		t.Errorf("rule count = %d, want %d", got, before+1)
	}
	rule, err := rs.Get("rule-001")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rule.Enabled || rule.Severity != event.SeverityCritical {
		t.Errorf("rule-001 not replaced: enabled=%v severity=%s", rule.Enabled, rule.Severity)
	}
}

// TestAnomalyScorer_ScalesWithHint verifies anomaly confidence reflects the
// severity hint.
func TestAnomalyScorer_ScalesWithHint(t *testing.T) {
	rs := NewRuleSet(zap.NewNop())

	evt := &event.SecurityEvent{
		ID:             "evt-000002",
		Timestamp:      time.Now(),
		SourceIdentity: "user-intern-7",
		Target:         "records-share",
		Action:         event.ActionDownload,
	}

	base := rs.Evaluate(evt)
	if len(base) != 1 {
		t.Fatalf("matches = %d, want 1", len(base))
	}

	evt.SeverityHint = event.SeverityCritical
	boosted := rs.Evaluate(evt)
	if boosted[0].Confidence <= base[0].Confidence {
		t.Errorf("boosted confidence %d should exceed base %d",
			boosted[0].Confidence, base[0].Confidence)
	}
}
