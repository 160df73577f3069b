package dlp

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/response"
)

func phiEmailEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		ID:             "evt-000010",
		Timestamp:      time.Now(),
		SourceIdentity: "user-admin-3",
		Target:         "mail-gateway",
		Action:         event.ActionEmail,
		Classification: "Patient SSN",
		Attributes: map[string]string{
			event.AttrRecipient: "external",
		},
	}
}

// TestEvaluate_PHIContentMatch verifies the PHI content policy fires on SSN
// classified payloads with its configured severity and actions.
func TestEvaluate_PHIContentMatch(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	matches := m.Evaluate(phiEmailEvent())

	var phi *PolicyMatch
	for i := range matches {
		if matches[i].PolicyID == "policy-001" {
			phi = &matches[i]
		}
	}
	if phi == nil {
		t.Fatalf("policy-001 did not match, got %v", matches)
	}
	if phi.Severity != event.SeverityCritical {
		t.Errorf("severity = %s, want critical", phi.Severity)
	}
	want := []response.Action{response.ActionBlock, response.ActionAlert, response.ActionEncrypt}
	if len(phi.Actions) != len(want) {
		t.Fatalf("actions = %v, want %v", phi.Actions, want)
	}
	for i, a := range want {
		if phi.Actions[i] != a {
			t.Errorf("action[%d] = %s, want %s", i, phi.Actions[i], a)
		}
	}
}

// TestEvaluate_MultiplePoliciesIndependent verifies one event can match
// several policies, each carrying its own severity.
func TestEvaluate_MultiplePoliciesIndependent(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	matches := m.Evaluate(phiEmailEvent())
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (content + context)", len(matches))
	}
	if matches[0].PolicyID == matches[1].PolicyID {
		t.Error("expected distinct policies to match")
	}
}

// TestEvaluate_DisabledPolicySkipped verifies disabled policies never match.
func TestEvaluate_DisabledPolicySkipped(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	evt := &event.SecurityEvent{
		ID:             "evt-000011",
		Timestamp:      time.Now(),
		SourceIdentity: "user-tech-9",
		Target:         "workstation-12",
		Action:         event.ActionCopy,
		Attributes: map[string]string{
			event.AttrDeviceClass: "usb",
		},
	}
	if matches := m.Evaluate(evt); len(matches) != 0 {
		t.Fatalf("disabled usb policy matched: %v", matches)
	}

	if _, err := m.Toggle("policy-004"); err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}
	matches := m.Evaluate(evt)
	if len(matches) != 1 || matches[0].PolicyID != "policy-004" {
		t.Fatalf("matches after enable = %v, want policy-004", matches)
	}
}

// TestEvaluate_InternalRecipientNotExternal verifies the context policy
// ignores mail kept inside the organization domain.
func TestEvaluate_InternalRecipientNotExternal(t *testing.T) {
	m := NewMatcher(zap.NewNop())

	evt := phiEmailEvent()
	evt.Classification = ""
	evt.Attributes[event.AttrRecipient] = "dr.lee@hospital.com"

	for _, match := range m.Evaluate(evt) {
		if match.PolicyID == "policy-003" {
			t.Error("context policy matched an internal recipient")
		}
	}
}

// TestToggle_UnknownPolicy verifies the not-found error.
func TestToggle_UnknownPolicy(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	if _, err := m.Toggle("policy-999"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Toggle error = %v, want ErrPolicyNotFound", err)
	}
}

// TestLoadPolicies_RejectsUnknownAction verifies YAML validation.
func TestLoadPolicies_RejectsUnknownAction(t *testing.T) {
	m := NewMatcher(zap.NewNop())
	yamlData := []byte(`
policies:
  - id: policy-300
    name: Broken
    scope: content
    enabled: true
    severity: low
    actions: [obliterate]
`)
	if err := m.LoadPolicies(yamlData); err == nil {
		t.Error("LoadPolicies accepted an unknown action")
	}
}

// TestRegistry_ProtectionRate verifies per-class and overall rates.
func TestRegistry_ProtectionRate(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	phi, ok := r.Get("Patient Health Information")
	if !ok {
		t.Fatal("PHI classification missing")
	}
	if rate := phi.ProtectionRate(); rate <= 99 || rate > 100 {
		t.Errorf("phi protection rate = %.2f, want (99,100]", rate)
	}

	overall := r.OverallProtectionRate()
	if overall <= 0 || overall > 100 {
		t.Errorf("overall protection rate = %.2f out of range", overall)
	}

	r.RecordProtected("Patient Health Information", 10_000_000)
	phi, _ = r.Get("Patient Health Information")
	if phi.Protected != phi.Records {
		t.Errorf("protected = %d, capped at records %d", phi.Protected, phi.Records)
	}
}
