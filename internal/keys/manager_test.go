package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// gateSource blocks Generate until released, to hold a rotation open.
type gateSource struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSource) Generate(ctx context.Context, bits int) ([]byte, error) {
	close(g.entered)
	<-g.release
	return make([]byte, bits/8), nil
}

// TestTargets_CarryComplianceTags verifies every seeded target names the
// regulations its encryption serves.
func TestTargets_CarryComplianceTags(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	for _, target := range m.Targets() {
		if len(target.Compliance) == 0 {
			t.Errorf("target %s has no compliance tags", target.Name)
		}
	}
}

// TestRotate_UpdatesLifecycle verifies a rotation bumps version, refreshes
// expiry and lands back on active.
func TestRotate_UpdatesLifecycle(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	before, _ := m.Key("key-001")
	key, err := m.Rotate(context.Background(), "key-001")
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}

	if key.Status != StatusActive {
		t.Errorf("status = %s, want active", key.Status)
	}
	if key.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", key.Version, before.Version+1)
	}
	if !key.LastRotated.After(before.LastRotated) {
		t.Error("last rotated did not advance")
	}
	if want := key.LastRotated.Add(90 * 24 * time.Hour); !key.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want %v", key.ExpiresAt, want)
	}
}

// TestRotate_ConcurrentRejected verifies a second rotation on the same key
// fails with ErrRotationInProgress while the first is in flight, and the
// first completes normally.
func TestRotate_ConcurrentRejected(t *testing.T) {
	gate := &gateSource{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(DefaultConfig(), gate, zap.NewNop())

	type outcome struct {
		key *EncryptionKey
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		key, err := m.Rotate(context.Background(), "key-001")
		done <- outcome{key, err}
	}()

	<-gate.entered
	if _, err := m.Rotate(context.Background(), "key-001"); !errors.Is(err, ErrRotationInProgress) {
		t.Errorf("concurrent Rotate error = %v, want ErrRotationInProgress", err)
	}

	close(gate.release)
	first := <-done
	if first.err != nil {
		t.Fatalf("first Rotate failed: %v", first.err)
	}
	if first.key.Status != StatusActive {
		t.Errorf("status after rotation = %s, want active", first.key.Status)
	}

	// The lock is released; a later rotation succeeds.
	if _, err := m.Key("key-001"); err != nil {
		t.Errorf("Key after rotation returned error: %v", err)
	}
}

// TestCheckDue_ExpiresOverdueKeys verifies a key past its expiry with no
// rotation performed flips to expired.
func TestCheckDue_ExpiresOverdueKeys(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	now := time.Now().UTC()
	m.now = func() time.Time { return now.Add(200 * 24 * time.Hour) }

	report := m.CheckDue()
	if len(report.Expired) == 0 {
		t.Fatal("no keys expired despite being far past rotation")
	}
	key, err := m.Key("key-001")
	if err != nil {
		t.Fatalf("Key returned error: %v", err)
	}
	if key.Status != StatusExpired {
		t.Errorf("status = %s, want expired", key.Status)
	}
}

// TestCheckDue_WarningWindow verifies keys close to expiry are reported as
// due soon but stay active.
func TestCheckDue_WarningWindow(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	key, _ := m.Key("key-001")
	m.now = func() time.Time { return key.ExpiresAt.Add(-3 * 24 * time.Hour) }

	report := m.CheckDue()
	if len(report.DueSoon) != 4 {
		t.Errorf("due soon = %d, want 4 (all seeded keys share an expiry)", len(report.DueSoon))
	}
	if len(report.Expired) != 0 {
		t.Errorf("expired = %d, want 0", len(report.Expired))
	}
	got, _ := m.Key("key-001")
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active inside warning window", got.Status)
	}
}

// TestRevoke_ReferentialCheck verifies a key referenced by an enabled target
// cannot be revoked until the target is re-pointed.
func TestRevoke_ReferentialCheck(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	if err := m.Revoke("key-002"); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("Revoke error = %v, want ErrKeyInUse", err)
	}

	if err := m.ReassignTarget("database", "key-001"); err != nil {
		t.Fatalf("ReassignTarget returned error: %v", err)
	}
	if err := m.Revoke("key-002"); err != nil {
		t.Fatalf("Revoke after reassignment failed: %v", err)
	}

	// Revoked keys are never returned by lookups.
	if _, err := m.Key("key-002"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Key on revoked = %v, want ErrKeyNotFound", err)
	}
	if _, err := m.Rotate(context.Background(), "key-002"); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("Rotate on revoked = %v, want ErrKeyUnavailable", err)
	}
}

// TestTargetKey_NeverRevoked verifies a target pointing at a revoked key
// surfaces an error instead of the key.
func TestTargetKey_NeverRevoked(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	// Free key-003 from its target, then revoke it and point the target back.
	if err := m.SetEncryption("files", false); err != nil {
		t.Fatalf("SetEncryption returned error: %v", err)
	}
	if err := m.Revoke("key-003"); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}

	if _, err := m.TargetKey("files"); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("TargetKey = %v, want ErrKeyUnavailable", err)
	}
	// Re-enabling encryption against the revoked key is refused.
	if err := m.SetEncryption("files", true); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("SetEncryption = %v, want ErrKeyUnavailable", err)
	}

	if err := m.ReassignTarget("files", "key-001"); err != nil {
		t.Fatalf("ReassignTarget returned error: %v", err)
	}
	if err := m.SetEncryption("files", true); err != nil {
		t.Errorf("SetEncryption after reassignment failed: %v", err)
	}
}

// TestReassignTarget_RejectsUnusableKey verifies expired and revoked keys
// cannot be assigned.
func TestReassignTarget_RejectsUnusableKey(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, zap.NewNop())

	m.now = func() time.Time { return time.Now().UTC().Add(200 * 24 * time.Hour) }
	m.CheckDue()

	if err := m.ReassignTarget("backups", "key-002"); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("ReassignTarget to expired key = %v, want ErrKeyUnavailable", err)
	}
}
