// Package keys manages the encryption key lifecycle: rotation, expiry
// tracking, revocation and the encryption targets keys protect.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrKeyNotFound        = errors.New("encryption key not found")
	ErrTargetNotFound     = errors.New("encryption target not found")
	ErrRotationInProgress = errors.New("key rotation already in progress")
	ErrKeyUnavailable     = errors.New("key is not available for use")
	ErrKeyInUse           = errors.New("key is still referenced by encryption targets")
)

// KeyKind is the role a key plays.
type KeyKind string

const (
	KindMaster    KeyKind = "master"
	KindData      KeyKind = "data"
	KindField     KeyKind = "field"
	KindTransport KeyKind = "transport"
)

// KeyStatus is a key's lifecycle state.
type KeyStatus string

const (
	StatusActive   KeyStatus = "active"
	StatusRotating KeyStatus = "rotating"
	StatusExpired  KeyStatus = "expired"
	StatusRevoked  KeyStatus = "revoked"
)

// EncryptionLevel grades how strongly a target is protected.
type EncryptionLevel string

const (
	LevelNone       EncryptionLevel = "none"
	LevelBasic      EncryptionLevel = "basic"
	LevelAdvanced   EncryptionLevel = "advanced"
	LevelEnterprise EncryptionLevel = "enterprise"
)

// EncryptionKey is a managed key. Key material itself never leaves the
// material source; the manager holds only the fingerprint.
type EncryptionKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        KeyKind   `json:"kind"`
	Algorithm   string    `json:"algorithm"`
	Status      KeyStatus `json:"status"`
	Version     int       `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	LastRotated time.Time `json:"last_rotated"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// EncryptionTarget is a data surface protected by a key.
type EncryptionTarget struct {
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Level      EncryptionLevel `json:"level"`
	KeyID      string          `json:"key_id"`
	Coverage   float64         `json:"coverage"` // percent of data encrypted
	Compliance []string        `json:"compliance,omitempty"`
}

// MaterialSource produces key material. Production deployments back this
// with an HSM or KMS; the default draws from crypto/rand.
type MaterialSource interface {
	Generate(ctx context.Context, bits int) ([]byte, error)
}

// RandSource is the default MaterialSource.
type RandSource struct{}

func (RandSource) Generate(ctx context.Context, bits int) ([]byte, error) {
	buf := make([]byte, bits/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return buf, nil
}

// Config holds key lifecycle settings.
type Config struct {
	RotationInterval time.Duration `yaml:"rotation_interval"`
	WarningWindow    time.Duration `yaml:"warning_window"`
	KeyBits          int           `yaml:"key_bits"`
}

// DefaultConfig returns the standard 90-day rotation policy.
func DefaultConfig() Config {
	return Config{
		RotationInterval: 90 * 24 * time.Hour,
		WarningWindow:    7 * 24 * time.Hour,
		KeyBits:          256,
	}
}

// Manager owns the keys and targets.
type Manager struct {
	mu       sync.Mutex
	config   Config
	keys     map[string]*EncryptionKey
	keyOrder []string
	targets  map[string]*EncryptionTarget
	rotating map[string]bool
	source   MaterialSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a manager seeded with the built-in keys and targets.
// A nil source falls back to crypto/rand.
func NewManager(cfg Config, source MaterialSource, logger *zap.Logger) *Manager {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 90 * 24 * time.Hour
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = 7 * 24 * time.Hour
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = 256
	}
	if source == nil {
		source = RandSource{}
	}
	m := &Manager{
		config:   cfg,
		keys:     make(map[string]*EncryptionKey),
		targets:  make(map[string]*EncryptionTarget),
		rotating: make(map[string]bool),
		source:   source,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.loadDefaults()
	return m
}

// Rotate generates fresh material for a key and advances its version and
// expiry. Only one rotation per key may run at a time; concurrent attempts
// get ErrRotationInProgress. Revoked keys cannot rotate.
func (m *Manager) Rotate(ctx context.Context, keyID string) (*EncryptionKey, error) {
	m.mu.Lock()
	key, ok := m.keys[keyID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.Status == StatusRevoked {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is revoked", ErrKeyUnavailable, keyID)
	}
	if m.rotating[keyID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRotationInProgress, keyID)
	}
	m.rotating[keyID] = true
	prevStatus := key.Status
	key.Status = StatusRotating
	m.mu.Unlock()

	// Material generation may reach an external HSM; keep it off the lock.
	material, err := m.source.Generate(ctx, m.config.KeyBits)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rotating, keyID)
	if err != nil {
		key.Status = prevStatus
		return nil, fmt.Errorf("rotating key %s: %w", keyID, err)
	}

	sum := sha256.Sum256(material)
	now := m.now()
	key.Version++
	key.Fingerprint = hex.EncodeToString(sum[:8])
	key.LastRotated = now
	key.ExpiresAt = now.Add(m.config.RotationInterval)
	key.Status = StatusActive

	m.logger.Info("key rotated",
		zap.String("key_id", keyID),
		zap.Int("version", key.Version),
		zap.Time("expires_at", key.ExpiresAt),
	)
	snapshot := *key
	return &snapshot, nil
}

// DueReport lists keys approaching or past expiry.
type DueReport struct {
	DueSoon []EncryptionKey `json:"due_soon"`
	Expired []EncryptionKey `json:"expired"`
}

// CheckDue flips active keys past their expiry to expired and reports keys
// inside the warning window. Keys mid-rotation are left alone.
func (m *Manager) CheckDue() DueReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var report DueReport
	for _, id := range m.keyOrder {
		key := m.keys[id]
		switch key.Status {
		case StatusActive:
			if !now.Before(key.ExpiresAt) {
				key.Status = StatusExpired
				m.logger.Warn("key expired",
					zap.String("key_id", key.ID),
					zap.Time("expired_at", key.ExpiresAt),
				)
				report.Expired = append(report.Expired, *key)
			} else if now.Add(m.config.WarningWindow).After(key.ExpiresAt) {
				report.DueSoon = append(report.DueSoon, *key)
			}
		case StatusExpired:
			report.Expired = append(report.Expired, *key)
		}
	}
	return report
}

// DueCounts reports how many keys sit inside the warning window and how
// many are already expired, without advancing any lifecycle state.
func (m *Manager) DueCounts() (dueSoon, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range m.keys {
		switch key.Status {
		case StatusExpired:
			expired++
		case StatusActive:
			if !now.Before(key.ExpiresAt) {
				expired++
			} else if now.Add(m.config.WarningWindow).After(key.ExpiresAt) {
				dueSoon++
			}
		}
	}
	return dueSoon, expired
}

// Revoke permanently retires a key. A key still referenced by an enabled
// target cannot be revoked; callers must ReassignTarget first.
func (m *Manager) Revoke(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if m.rotating[keyID] {
		return fmt.Errorf("%w: %s", ErrRotationInProgress, keyID)
	}
	for _, t := range m.targets {
		if t.Enabled && t.KeyID == keyID {
			return fmt.Errorf("%w: target %s", ErrKeyInUse, t.Name)
		}
	}

	key.Status = StatusRevoked
	m.logger.Warn("key revoked", zap.String("key_id", keyID))
	return nil
}

// Key returns a usable key by ID. Revoked keys are never returned.
func (m *Manager) Key(keyID string) (*EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok || key.Status == StatusRevoked {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	snapshot := *key
	return &snapshot, nil
}

// List returns copies of all keys, revoked included, for operator review.
func (m *Manager) List() []EncryptionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EncryptionKey, 0, len(m.keyOrder))
	for _, id := range m.keyOrder {
		out = append(out, *m.keys[id])
	}
	return out
}

// TargetKey resolves the key protecting a target. Revoked keys are never
// returned; a target left pointing at one surfaces ErrKeyUnavailable until
// it is reassigned.
func (m *Manager) TargetKey(targetName string) (*EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.targets[targetName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	key, ok := m.keys[target.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, target.KeyID)
	}
	if key.Status == StatusRevoked {
		return nil, fmt.Errorf("%w: target %s key %s is revoked", ErrKeyUnavailable, targetName, key.ID)
	}
	snapshot := *key
	return &snapshot, nil
}

// Targets returns copies of all encryption targets.
func (m *Manager) Targets() []EncryptionTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := []string{"database", "files", "communications", "backups"}
	out := make([]EncryptionTarget, 0, len(m.targets))
	for _, name := range names {
		if t, ok := m.targets[name]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// ReassignTarget points a target at a different key. The new key must be
// usable (not revoked, not expired).
func (m *Manager) ReassignTarget(targetName, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.targets[targetName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	key, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if key.Status == StatusRevoked || key.Status == StatusExpired {
		return fmt.Errorf("%w: %s is %s", ErrKeyUnavailable, keyID, key.Status)
	}

	target.KeyID = keyID
	m.logger.Info("encryption target reassigned",
		zap.String("target", targetName),
		zap.String("key_id", keyID),
	)
	return nil
}

// SetEncryption enables or disables encryption for a target. Enabling
// requires the target's key to be usable.
func (m *Manager) SetEncryption(targetName string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.targets[targetName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	if enabled {
		key, ok := m.keys[target.KeyID]
		if !ok || key.Status == StatusRevoked || key.Status == StatusExpired {
			return fmt.Errorf("%w: target %s key %s", ErrKeyUnavailable, targetName, target.KeyID)
		}
	}
	target.Enabled = enabled
	m.logger.Info("encryption target updated",
		zap.String("target", targetName),
		zap.Bool("enabled", enabled),
	)
	return nil
}

func (m *Manager) addKey(key *EncryptionKey) {
	m.keys[key.ID] = key
	m.keyOrder = append(m.keyOrder, key.ID)
}

func (m *Manager) loadDefaults() {
	now := m.now()
	rotated := now.Add(-30 * 24 * time.Hour)
	expires := rotated.Add(m.config.RotationInterval)

	m.addKey(&EncryptionKey{
		ID: "key-001", Name: "Master Encryption Key", Kind: KindMaster,
		Algorithm: "AES-256-GCM", Status: StatusActive, Version: 3,
		Fingerprint: "a1b2c3d4e5f60718",
		CreatedAt:   now.Add(-365 * 24 * time.Hour), LastRotated: rotated, ExpiresAt: expires,
	})
	m.addKey(&EncryptionKey{
		ID: "key-002", Name: "Database Encryption Key", Kind: KindData,
		Algorithm: "AES-256-GCM", Status: StatusActive, Version: 2,
		Fingerprint: "0918273645abcdef",
		CreatedAt:   now.Add(-180 * 24 * time.Hour), LastRotated: rotated, ExpiresAt: expires,
	})
	m.addKey(&EncryptionKey{
		ID: "key-003", Name: "Field Level Key", Kind: KindField,
		Algorithm: "AES-256-GCM", Status: StatusActive, Version: 1,
		Fingerprint: "fedcba9876543210",
		CreatedAt:   now.Add(-90 * 24 * time.Hour), LastRotated: rotated, ExpiresAt: expires,
	})
	m.addKey(&EncryptionKey{
		ID: "key-004", Name: "Transport Key", Kind: KindTransport,
		Algorithm: "ECDSA-P256", Status: StatusActive, Version: 5,
		Fingerprint: "1122334455667788",
		CreatedAt:   now.Add(-60 * 24 * time.Hour), LastRotated: rotated, ExpiresAt: expires,
	})

	m.targets["database"] = &EncryptionTarget{
		Name: "database", Enabled: true, Level: LevelEnterprise, KeyID: "key-002", Coverage: 100,
		Compliance: []string{"HIPAA", "HITECH"},
	}
	m.targets["files"] = &EncryptionTarget{
		Name: "files", Enabled: true, Level: LevelAdvanced, KeyID: "key-003", Coverage: 98.5,
		Compliance: []string{"HIPAA"},
	}
	m.targets["communications"] = &EncryptionTarget{
		Name: "communications", Enabled: true, Level: LevelEnterprise, KeyID: "key-004", Coverage: 100,
		Compliance: []string{"HIPAA", "HITECH"},
	}
	m.targets["backups"] = &EncryptionTarget{
		Name: "backups", Enabled: true, Level: LevelBasic, KeyID: "key-001", Coverage: 95.2,
		Compliance: []string{"HIPAA", "SOX"},
	}

	m.logger.Info("encryption keys loaded",
		zap.Int("keys", len(m.keys)),
		zap.Int("targets", len(m.targets)),
	)
}
