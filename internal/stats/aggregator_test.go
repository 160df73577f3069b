package stats

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/detection"
	"github.com/medsentry/policyguard/internal/dlp"
	"github.com/medsentry/policyguard/internal/enroll"
	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/keys"
	"github.com/medsentry/policyguard/internal/violation"
)

func newAggregator(t *testing.T) (*Aggregator, *violation.Tracker, *detection.RuleSet) {
	t.Helper()
	logger := zap.NewNop()
	rules := detection.NewRuleSet(logger)
	policies := dlp.NewMatcher(logger)
	registry := dlp.NewRegistry(logger)
	tracker := violation.NewTracker(15*time.Minute, logger)
	km := keys.NewManager(keys.DefaultConfig(), nil, logger)
	mfa := enroll.NewMFAManager(enroll.DefaultConfig(), logger)
	sso := enroll.NewSSOManager(nil, logger)
	return NewAggregator(rules, policies, registry, tracker, km, mfa, sso), tracker, rules
}

// TestSnapshot_ReflectsSubsystems verifies the snapshot mirrors live counts
// without mutating them.
func TestSnapshot_ReflectsSubsystems(t *testing.T) {
	agg, tracker, rules := newAggregator(t)

	base := agg.Snapshot()
	if base.OpenViolations != 0 || base.TotalViolations != 0 {
		t.Fatalf("fresh snapshot has violations: %+v", base)
	}
	if base.ActiveRules != 3 {
		t.Errorf("active rules = %d, want 3 (one seeded rule is disabled)", base.ActiveRules)
	}
	if base.ActivePolicies != 3 {
		t.Errorf("active policies = %d, want 3", base.ActivePolicies)
	}
	if base.ProtectionRate <= 0 || base.ProtectionRate > 100 {
		t.Errorf("protection rate = %.2f out of range", base.ProtectionRate)
	}
	if base.SSOActive != 2 {
		t.Errorf("sso active = %d, want 2", base.SSOActive)
	}

	v, _ := tracker.Record(violation.Candidate{
		Origin:         violation.Origin{Kind: violation.OriginRule, ID: "rule-001"},
		EventID:        "evt-000001",
		SourceIdentity: "192.168.1.45",
		Target:         "auth-portal",
		Severity:       event.SeverityHigh,
	})

	snap := agg.Snapshot()
	if snap.OpenViolations != 1 || snap.TotalViolations != 1 {
		t.Errorf("violations = %d open / %d total, want 1/1",
			snap.OpenViolations, snap.TotalViolations)
	}

	tracker.Transition(v.ID, violation.StatusResolved)
	snap = agg.Snapshot()
	if snap.OpenViolations != 0 || snap.TotalViolations != 1 {
		t.Errorf("violations after resolve = %d open / %d total, want 0/1",
			snap.OpenViolations, snap.TotalViolations)
	}

	rules.Toggle("rule-001")
	if got := agg.Snapshot().ActiveRules; got != 2 {
		t.Errorf("active rules after toggle = %d, want 2", got)
	}

	if len(snap.RuleAccuracies) != 4 {
		t.Errorf("rule accuracies = %d, want one entry per rule", len(snap.RuleAccuracies))
	}
}
