// Package enroll manages authentication enrollment: multi-factor methods
// with verification state machines, and single sign-on provider sync.
package enroll

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrMethodNotFound     = errors.New("mfa method not found")
	ErrMethodDisabled     = errors.New("mfa method is disabled")
	ErrInvalidState       = errors.New("invalid enrollment state for operation")
	ErrCodeMismatch       = errors.New("verification code does not match")
	ErrVerificationFailed = errors.New("verification failed: attempt limit reached")
	ErrCodesAlreadyIssued = errors.New("backup codes already issued")
	ErrCodeAlreadyUsed    = errors.New("backup code already used")
	ErrBackupCodeUnknown  = errors.New("backup code not recognized")
)

// MethodType is a supported MFA factor.
type MethodType string

const (
	MethodAuthenticator MethodType = "authenticator"
	MethodSMS           MethodType = "sms"
	MethodEmail         MethodType = "email"
	MethodHardware      MethodType = "hardware"
)

// EnrollState is a method's position in the enrollment flow.
type EnrollState string

const (
	StateNotEnrolled EnrollState = "not_enrolled"
	StateConfiguring EnrollState = "configuring"
	StateVerifying   EnrollState = "verifying"
	StateEnrolled    EnrollState = "enrolled"
)

// Method is an MFA method and its enrollment progress.
type Method struct {
	Type          MethodType    `json:"type"`
	Name          string        `json:"name"`
	SecurityLevel SecurityLevel `json:"security_level"`
	Enabled       bool          `json:"enabled"`
	Enrolled      bool          `json:"enrolled"`
	State         EnrollState   `json:"state"`
	Attempts      int           `json:"attempts"`
	EnrolledAt    time.Time     `json:"enrolled_at,omitempty"`

	secret  string // TOTP secret or out-of-band challenge
	pending string // expected code for non-TOTP factors
}

// Config holds MFA settings.
type Config struct {
	Issuer          string `yaml:"issuer"`
	MaxAttempts     int    `yaml:"max_attempts"`
	BackupCodeCount int    `yaml:"backup_code_count"`
}

// DefaultConfig returns the standard enrollment policy.
func DefaultConfig() Config {
	return Config{
		Issuer:          "MedSentry",
		MaxAttempts:     3,
		BackupCodeCount: 10,
	}
}

// MFAManager runs the per-method enrollment state machines and the backup
// code pool for one account scope.
type MFAManager struct {
	mu      sync.Mutex
	config  Config
	methods map[MethodType]*Method
	backup  map[string]bool // sha256 hex -> used
	issued  bool
	logger  *zap.Logger
	now     func() time.Time
}

// NewMFAManager creates a manager with the built-in method catalog.
func NewMFAManager(cfg Config, logger *zap.Logger) *MFAManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "MedSentry"
	}
	m := &MFAManager{
		config: cfg,
		methods: map[MethodType]*Method{
			MethodAuthenticator: {Type: MethodAuthenticator, Name: "Authenticator App", SecurityLevel: SecurityEnhanced, Enabled: true, State: StateNotEnrolled},
			MethodSMS:           {Type: MethodSMS, Name: "SMS Verification", SecurityLevel: SecurityStandard, Enabled: true, State: StateNotEnrolled},
			MethodEmail:         {Type: MethodEmail, Name: "Email Verification", SecurityLevel: SecurityStandard, Enabled: true, State: StateNotEnrolled},
			MethodHardware:      {Type: MethodHardware, Name: "Hardware Token", SecurityLevel: SecurityMaximum, Enabled: false, State: StateNotEnrolled},
		},
		backup: make(map[string]bool),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	return m
}

// BeginEnrollment moves a method from not_enrolled to configuring and
// returns the provisioning material. For authenticator methods this is the
// otpauth URL carrying the TOTP secret; for out-of-band methods it is the
// destination hint.
func (m *MFAManager) BeginEnrollment(method MethodType, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.methods[method]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if !mt.Enabled {
		return "", fmt.Errorf("%w: %s", ErrMethodDisabled, method)
	}
	if mt.State != StateNotEnrolled {
		return "", fmt.Errorf("%w: %s is %s", ErrInvalidState, method, mt.State)
	}

	mt.State = StateConfiguring
	mt.Attempts = 0

	if method == MethodAuthenticator {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      m.config.Issuer,
			AccountName: account,
		})
		if err != nil {
			mt.State = StateNotEnrolled
			return "", fmt.Errorf("generating totp secret: %w", err)
		}
		mt.secret = key.Secret()
		m.logger.Info("mfa enrollment started",
			zap.String("method", string(method)),
			zap.String("account", account),
		)
		return key.URL(), nil
	}

	// Out-of-band factors get a random one-time code the delivery channel
	// would carry.
	code, err := randomDigits(6)
	if err != nil {
		mt.State = StateNotEnrolled
		return "", err
	}
	mt.pending = code
	m.logger.Info("mfa enrollment started",
		zap.String("method", string(method)),
		zap.String("account", account),
	)
	return code, nil
}

// Confirm moves a configuring method into verifying, indicating the user
// finished setup and is ready to prove possession.
func (m *MFAManager) Confirm(method MethodType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.methods[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if mt.State != StateConfiguring {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, method, mt.State)
	}
	mt.State = StateVerifying
	mt.Attempts = 0
	return nil
}

// Verify checks a code for a method in verifying state. Success completes
// enrollment. A mismatch returns ErrCodeMismatch until the attempt limit
// is reached; exhausting attempts resets the method to configuring and
// returns ErrVerificationFailed.
func (m *MFAManager) Verify(method MethodType, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.methods[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if mt.State != StateVerifying {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, method, mt.State)
	}

	valid := false
	if method == MethodAuthenticator {
		valid = totp.Validate(code, mt.secret)
	} else {
		valid = mt.pending != "" && code == mt.pending
	}

	if valid {
		mt.State = StateEnrolled
		mt.Enrolled = true
		mt.EnrolledAt = m.now()
		mt.Attempts = 0
		mt.pending = ""
		m.logger.Info("mfa method enrolled", zap.String("method", string(method)))
		return nil
	}

	mt.Attempts++
	if mt.Attempts >= m.config.MaxAttempts {
		mt.State = StateConfiguring
		mt.Attempts = 0
		m.logger.Warn("mfa verification attempts exhausted",
			zap.String("method", string(method)),
			zap.Int("max_attempts", m.config.MaxAttempts),
		)
		return ErrVerificationFailed
	}
	return fmt.Errorf("%w (%d of %d attempts)", ErrCodeMismatch, mt.Attempts, m.config.MaxAttempts)
}

// Cancel backs a verifying method out to configuring without losing the
// provisioned secret.
func (m *MFAManager) Cancel(method MethodType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.methods[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	if mt.State != StateVerifying {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, method, mt.State)
	}
	mt.State = StateConfiguring
	mt.Attempts = 0
	return nil
}

// SetEnabled flips a method's availability. Disabling a method aborts any
// in-flight enrollment and revokes an existing one.
func (m *MFAManager) SetEnabled(method MethodType, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.methods[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	mt.Enabled = enabled
	if !enabled {
		mt.Enrolled = false
		mt.State = StateNotEnrolled
		mt.Attempts = 0
		mt.secret = ""
		mt.pending = ""
	}
	m.logger.Info("mfa method availability changed",
		zap.String("method", string(method)),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// Methods returns copies of all methods.
func (m *MFAManager) Methods() []Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := []MethodType{MethodAuthenticator, MethodSMS, MethodEmail, MethodHardware}
	out := make([]Method, 0, len(order))
	for _, t := range order {
		out = append(out, *m.methods[t])
	}
	return out
}

// EnrolledCount returns how many methods are fully enrolled.
func (m *MFAManager) EnrolledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range m.methods {
		if mt.Enrolled {
			n++
		}
	}
	return n
}

// GenerateBackupCodes issues the one-time recovery code set. Codes are
// returned in clear exactly once and stored hashed; a second issue attempt
// fails rather than silently invalidating codes in the field.
func (m *MFAManager) GenerateBackupCodes() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.issued {
		return nil, ErrCodesAlreadyIssued
	}

	codes := make([]string, 0, m.config.BackupCodeCount)
	for i := 0; i < m.config.BackupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		m.backup[hashCode(code)] = false
	}
	m.issued = true
	m.logger.Info("backup codes issued", zap.Int("count", len(codes)))
	return codes, nil
}

// RedeemBackupCode consumes a recovery code. Each code works exactly once.
func (m *MFAManager) RedeemBackupCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := hashCode(code)
	used, ok := m.backup[h]
	if !ok {
		return ErrBackupCodeUnknown
	}
	if used {
		return ErrCodeAlreadyUsed
	}
	m.backup[h] = true
	m.logger.Info("backup code redeemed")
	return nil
}

// BackupCodesRemaining returns the count of unused codes.
func (m *MFAManager) BackupCodesRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, used := range m.backup {
		if !used {
			n++
		}
	}
	return n
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// randomBackupCode returns a 10-character base32 code.
func randomBackupCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating backup code: %w", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return enc[:10], nil
}

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating verification code: %w", err)
	}
	digits := make([]byte, n)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	return string(digits), nil
}
