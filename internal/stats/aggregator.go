// Package stats builds point-in-time posture snapshots from the live
// subsystems. Aggregation is pull-only; it never mutates the sources.
package stats

import (
	"time"

	"github.com/medsentry/policyguard/internal/detection"
	"github.com/medsentry/policyguard/internal/dlp"
	"github.com/medsentry/policyguard/internal/enroll"
	"github.com/medsentry/policyguard/internal/keys"
	"github.com/medsentry/policyguard/internal/violation"
)

// RuleAccuracy is a rule's detection quality summary.
type RuleAccuracy struct {
	RuleID     string `json:"rule_id"`
	RuleName   string `json:"rule_name"`
	Detections int64  `json:"detections"`
	Accuracy   int    `json:"accuracy"`
}

// Snapshot is the security posture at one instant.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	OpenViolations  int `json:"open_violations"`
	TotalViolations int `json:"total_violations"`

	ActiveRules    int            `json:"active_rules"`
	RuleAccuracies []RuleAccuracy `json:"rule_accuracies"`

	ActivePolicies int     `json:"active_policies"`
	ProtectionRate float64 `json:"protection_rate"`

	KeysDueSoon int `json:"keys_due_soon"`
	KeysExpired int `json:"keys_expired"`

	MFAEnrolled     int       `json:"mfa_enrolled"`
	BackupCodesLeft int       `json:"backup_codes_left"`
	SSOActive       int       `json:"sso_active"`
	SSOOldestSync   time.Time `json:"sso_oldest_sync"`
}

// Aggregator pulls from the live subsystems.
type Aggregator struct {
	rules      *detection.RuleSet
	policies   *dlp.Matcher
	registry   *dlp.Registry
	violations *violation.Tracker
	keys       *keys.Manager
	mfa        *enroll.MFAManager
	sso        *enroll.SSOManager
	now        func() time.Time
}

// NewAggregator wires an aggregator to its sources.
func NewAggregator(
	rules *detection.RuleSet,
	policies *dlp.Matcher,
	registry *dlp.Registry,
	violations *violation.Tracker,
	km *keys.Manager,
	mfa *enroll.MFAManager,
	sso *enroll.SSOManager,
) *Aggregator {
	return &Aggregator{
		rules:      rules,
		policies:   policies,
		registry:   registry,
		violations: violations,
		keys:       km,
		mfa:        mfa,
		sso:        sso,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot assembles the current posture. Reading key expiry counts does
// not itself advance key lifecycles.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt:     a.now(),
		OpenViolations:  a.violations.OpenCount(),
		TotalViolations: a.violations.Total(),
		ActiveRules:     a.rules.ActiveCount(),
		ActivePolicies:  a.policies.ActiveCount(),
		ProtectionRate:  a.registry.OverallProtectionRate(),
		MFAEnrolled:     a.mfa.EnrolledCount(),
		BackupCodesLeft: a.mfa.BackupCodesRemaining(),
		SSOActive:       a.sso.ActiveCount(),
		SSOOldestSync:   a.sso.OldestSync(),
	}

	for _, r := range a.rules.List() {
		snap.RuleAccuracies = append(snap.RuleAccuracies, RuleAccuracy{
			RuleID:     r.ID,
			RuleName:   r.Name,
			Detections: r.Detections,
			Accuracy:   r.Accuracy(),
		})
	}

	snap.KeysDueSoon, snap.KeysExpired = a.keys.DueCounts()
	return snap
}
