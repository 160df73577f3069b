package violation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/response"
)

func bruteForceCandidate() Candidate {
	return Candidate{
		Origin:         Origin{Kind: OriginRule, ID: "rule-001", Name: "Brute Force Detection"},
		EventID:        "evt-000020",
		SourceIdentity: "192.168.1.45",
		Target:         "auth-portal",
		Severity:       event.SeverityHigh,
		Confidence:     95,
		Details:        "failed login burst",
		Actions:        []response.Action{response.ActionBlock, response.ActionAlert},
	}
}

// TestRecord_ConcurrentDedup verifies at most one open violation exists per
// (origin, source, target) tuple under concurrent duplicate matches.
func TestRecord_ConcurrentDedup(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(bruteForceCandidate())
		}()
	}
	wg.Wait()

	if got := tr.Total(); got != 1 {
		t.Fatalf("total violations = %d, want 1", got)
	}
	v := tr.List("")[0]
	if v.Occurrences != workers {
		t.Errorf("occurrences = %d, want %d", v.Occurrences, workers)
	}
	if v.Status != StatusOpen {
		t.Errorf("status = %s, want open", v.Status)
	}
}

// TestRecord_DedupEscalatesSeverity verifies a higher-severity occurrence
// raises the open violation, a lower one never lowers it.
func TestRecord_DedupEscalatesSeverity(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	tr.Record(bruteForceCandidate())

	critical := bruteForceCandidate()
	critical.Severity = event.SeverityCritical
	v, created := tr.Record(critical)
	if created {
		t.Fatal("duplicate should not create a new violation")
	}
	if v.Severity != event.SeverityCritical {
		t.Errorf("severity = %s, want critical", v.Severity)
	}

	low := bruteForceCandidate()
	low.Severity = event.SeverityLow
	v, _ = tr.Record(low)
	if v.Severity != event.SeverityCritical {
		t.Errorf("severity downgraded to %s", v.Severity)
	}
}

// TestRecord_NewViolationAfterResolution verifies a fresh occurrence after a
// terminal transition opens a new record.
func TestRecord_NewViolationAfterResolution(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	first, _ := tr.Record(bruteForceCandidate())
	if _, err := tr.Transition(first.ID, StatusResolved); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	second, created := tr.Record(bruteForceCandidate())
	if !created {
		t.Fatal("expected a new violation after resolution")
	}
	if second.ID == first.ID {
		t.Error("new violation reused the resolved id")
	}
	if got := tr.Total(); got != 2 {
		t.Errorf("total = %d, want 2 (terminal records are retained)", got)
	}
}

// TestTransition_ReopenRestoresDedup verifies a case reopened into
// investigating resumes absorbing occurrences instead of letting a second
// open case appear for the same tuple.
func TestTransition_ReopenRestoresDedup(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	first, _ := tr.Record(bruteForceCandidate())
	if _, err := tr.Transition(first.ID, StatusResolved); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if _, err := tr.Transition(first.ID, StatusInvestigating); err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}

	v, created := tr.Record(bruteForceCandidate())
	if created {
		t.Fatal("occurrence after reopen created a second open case")
	}
	if v.ID != first.ID || v.Occurrences != 2 {
		t.Errorf("deduplicated into %s with %d occurrences, want %s with 2",
			v.ID, v.Occurrences, first.ID)
	}
	if got := tr.OpenCount(); got != 1 {
		t.Errorf("open count = %d, want 1", got)
	}
}

// TestTransition_ReopenWithNewerOpenCase verifies that when a fresh case
// already claimed the tuple, reopening the old one keeps the newer case as
// the dedup anchor.
func TestTransition_ReopenWithNewerOpenCase(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	first, _ := tr.Record(bruteForceCandidate())
	tr.Transition(first.ID, StatusResolved)

	second, created := tr.Record(bruteForceCandidate())
	if !created {
		t.Fatal("expected a new case after resolution")
	}
	if _, err := tr.Transition(first.ID, StatusInvestigating); err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}

	v, created := tr.Record(bruteForceCandidate())
	if created {
		t.Fatal("occurrence created a third case")
	}
	if v.ID != second.ID {
		t.Errorf("deduplicated into %s, want the newer anchor %s", v.ID, second.ID)
	}
	if got := tr.Total(); got != 2 {
		t.Errorf("total = %d, want 2", got)
	}
}

// TestTransition_AllowedEdges walks the lifecycle table.
func TestTransition_AllowedEdges(t *testing.T) {
	tests := []struct {
		name  string
		path  []Status
		from  Status
		to    Status
		valid bool
	}{
		{"open to investigating", nil, StatusOpen, StatusInvestigating, true},
		{"open to resolved", nil, StatusOpen, StatusResolved, true},
		{"open to false positive", nil, StatusOpen, StatusFalsePositive, true},
		{"investigating to resolved", []Status{StatusInvestigating}, StatusInvestigating, StatusResolved, true},
		{"resolved reopen to investigating", []Status{StatusResolved}, StatusResolved, StatusInvestigating, true},
		{"resolved to open", []Status{StatusResolved}, StatusResolved, StatusOpen, false},
		{"resolved to false positive", []Status{StatusResolved}, StatusResolved, StatusFalsePositive, false},
		{"open to open", nil, StatusOpen, StatusOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(15*time.Minute, zap.NewNop())
			v, _ := tr.Record(bruteForceCandidate())
			for _, step := range tt.path {
				if _, err := tr.Transition(v.ID, step); err != nil {
					t.Fatalf("setup transition to %s failed: %v", step, err)
				}
			}

			_, err := tr.Transition(v.ID, tt.to)
			if tt.valid && err != nil {
				t.Errorf("transition %s -> %s failed: %v", tt.from, tt.to, err)
			}
			if !tt.valid {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("transition %s -> %s error = %v, want ErrInvalidTransition", tt.from, tt.to, err)
				}
				got, _ := tr.Get(v.ID)
				if got.Status != tt.from {
					t.Errorf("state changed to %s on invalid transition", got.Status)
				}
			}
		})
	}
}

// TestTransition_FalsePositiveFiresHook verifies the review hook reaches the
// rule layer exactly once.
func TestTransition_FalsePositiveFiresHook(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	var fired []Origin
	tr.OnFalsePositive = func(origin Origin) { fired = append(fired, origin) }

	v, _ := tr.Record(bruteForceCandidate())
	if _, err := tr.Transition(v.ID, StatusFalsePositive); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	if len(fired) != 1 || fired[0].ID != "rule-001" {
		t.Errorf("hook fired = %v, want one call for rule-001", fired)
	}
}

// TestRecordActionFailure verifies failed enforcement lands on the record.
func TestRecordActionFailure(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	v, _ := tr.Record(bruteForceCandidate())

	tr.RecordActionFailure(v.ID, response.ActionBlock, "firewall unreachable")

	got, _ := tr.Get(v.ID)
	if len(got.ActionFailures) != 1 {
		t.Fatalf("action failures = %v, want 1 entry", got.ActionFailures)
	}
}

// TestList_StatusFilter verifies filtering and newest-first ordering.
func TestList_StatusFilter(t *testing.T) {
	tr := NewTracker(15*time.Minute, zap.NewNop())
	first, _ := tr.Record(bruteForceCandidate())

	other := bruteForceCandidate()
	other.SourceIdentity = "10.0.0.9"
	tr.Record(other)

	tr.Transition(first.ID, StatusResolved)

	if got := len(tr.List(StatusOpen)); got != 1 {
		t.Errorf("open list = %d, want 1", got)
	}
	if got := len(tr.List(StatusResolved)); got != 1 {
		t.Errorf("resolved list = %d, want 1", got)
	}
	if got := tr.OpenCount(); got != 1 {
		t.Errorf("open count = %d, want 1", got)
	}
}
