package enroll

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

func newMFA(t *testing.T) *MFAManager {
	t.Helper()
	return NewMFAManager(DefaultConfig(), zap.NewNop())
}

// secretFromProvisioningURL extracts the TOTP secret from an otpauth URL.
func secretFromProvisioningURL(t *testing.T, provisioning string) string {
	t.Helper()
	u, err := url.Parse(provisioning)
	if err != nil {
		t.Fatalf("parsing provisioning url: %v", err)
	}
	secret := u.Query().Get("secret")
	if secret == "" {
		t.Fatalf("no secret in provisioning url %q", provisioning)
	}
	return secret
}

// TestAuthenticatorEnrollment_FullFlow walks configure, confirm and a valid
// TOTP verification into enrolled.
func TestAuthenticatorEnrollment_FullFlow(t *testing.T) {
	m := newMFA(t)

	provisioning, err := m.BeginEnrollment(MethodAuthenticator, "dr.chen@hospital.com")
	if err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	if !strings.HasPrefix(provisioning, "otpauth://") {
		t.Fatalf("provisioning = %q, want otpauth url", provisioning)
	}
	if err := m.Confirm(MethodAuthenticator); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	secret := secretFromProvisioningURL(t, provisioning)
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generating totp code: %v", err)
	}
	if err := m.Verify(MethodAuthenticator, code); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	methods := m.Methods()
	if methods[0].State != StateEnrolled || !methods[0].Enrolled {
		t.Errorf("authenticator state = %s enrolled=%v, want enrolled",
			methods[0].State, methods[0].Enrolled)
	}
	if m.EnrolledCount() != 1 {
		t.Errorf("enrolled count = %d, want 1", m.EnrolledCount())
	}
}

// TestVerify_AttemptLimitResetsToConfiguring verifies three wrong codes
// return the method to configuring, not enrolled.
func TestVerify_AttemptLimitResetsToConfiguring(t *testing.T) {
	m := newMFA(t)

	if _, err := m.BeginEnrollment(MethodAuthenticator, "dr.chen@hospital.com"); err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	if err := m.Confirm(MethodAuthenticator); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Verify(MethodAuthenticator, "000000"); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("attempt %d error = %v, want ErrCodeMismatch", i+1, err)
		}
	}
	if err := m.Verify(MethodAuthenticator, "000000"); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("final attempt error = %v, want ErrVerificationFailed", err)
	}

	methods := m.Methods()
	if methods[0].State != StateConfiguring {
		t.Errorf("state = %s, want configuring after lockout", methods[0].State)
	}
	if methods[0].Enrolled {
		t.Error("method must not be enrolled after lockout")
	}
}

// TestCancel_AbandonsVerification verifies a cancelled verify leaves the
// method in configuring without rollback of the provisioned secret.
func TestCancel_AbandonsVerification(t *testing.T) {
	m := newMFA(t)

	provisioning, _ := m.BeginEnrollment(MethodAuthenticator, "dr.chen@hospital.com")
	m.Confirm(MethodAuthenticator)

	if err := m.Cancel(MethodAuthenticator); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if got := m.Methods()[0].State; got != StateConfiguring {
		t.Fatalf("state = %s, want configuring", got)
	}

	// The secret survives; re-confirming and verifying still works.
	if err := m.Confirm(MethodAuthenticator); err != nil {
		t.Fatalf("re-Confirm returned error: %v", err)
	}
	secret := secretFromProvisioningURL(t, provisioning)
	code, _ := totp.GenerateCode(secret, time.Now())
	if err := m.Verify(MethodAuthenticator, code); err != nil {
		t.Errorf("Verify after cancel failed: %v", err)
	}
}

// TestMethods_SecurityLevels verifies the catalog grades each factor.
func TestMethods_SecurityLevels(t *testing.T) {
	m := newMFA(t)

	want := map[MethodType]SecurityLevel{
		MethodAuthenticator: SecurityEnhanced,
		MethodSMS:           SecurityStandard,
		MethodEmail:         SecurityStandard,
		MethodHardware:      SecurityMaximum,
	}
	for _, mt := range m.Methods() {
		if mt.SecurityLevel != want[mt.Type] {
			t.Errorf("%s security level = %s, want %s", mt.Type, mt.SecurityLevel, want[mt.Type])
		}
	}
}

// TestBeginEnrollment_StateGuards verifies disabled methods and repeat
// enrollment attempts are refused.
func TestBeginEnrollment_StateGuards(t *testing.T) {
	m := newMFA(t)

	if _, err := m.BeginEnrollment(MethodHardware, "x"); !errors.Is(err, ErrMethodDisabled) {
		t.Errorf("disabled method error = %v, want ErrMethodDisabled", err)
	}
	if _, err := m.BeginEnrollment("carrier-pigeon", "x"); !errors.Is(err, ErrMethodNotFound) {
		t.Errorf("unknown method error = %v, want ErrMethodNotFound", err)
	}

	if _, err := m.BeginEnrollment(MethodSMS, "x"); err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	if _, err := m.BeginEnrollment(MethodSMS, "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double enrollment error = %v, want ErrInvalidState", err)
	}
}

// TestSetEnabled_DisableAborts verifies disabling a method revokes its
// enrollment state entirely.
func TestSetEnabled_DisableAborts(t *testing.T) {
	m := newMFA(t)

	code, err := m.BeginEnrollment(MethodSMS, "dr.chen@hospital.com")
	if err != nil {
		t.Fatalf("BeginEnrollment returned error: %v", err)
	}
	m.Confirm(MethodSMS)
	if err := m.Verify(MethodSMS, code); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	if err := m.SetEnabled(MethodSMS, false); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}
	for _, mt := range m.Methods() {
		if mt.Type != MethodSMS {
			continue
		}
		if mt.Enrolled || mt.State != StateNotEnrolled {
			t.Errorf("sms after disable: enrolled=%v state=%s, want reset", mt.Enrolled, mt.State)
		}
	}
}

// TestBackupCodes_SingleUse verifies each code works once and a second
// redemption fails permanently.
func TestBackupCodes_SingleUse(t *testing.T) {
	m := newMFA(t)

	codes, err := m.GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes returned error: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("codes = %d, want 10", len(codes))
	}
	for _, c := range codes {
		if len(c) != 10 {
			t.Errorf("code %q length = %d, want 10", c, len(c))
		}
	}

	if err := m.RedeemBackupCode(codes[0]); err != nil {
		t.Fatalf("first redemption failed: %v", err)
	}
	if err := m.RedeemBackupCode(codes[0]); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Errorf("second redemption error = %v, want ErrCodeAlreadyUsed", err)
	}
	if err := m.RedeemBackupCode("NOTACODE12"); !errors.Is(err, ErrBackupCodeUnknown) {
		t.Errorf("unknown code error = %v, want ErrBackupCodeUnknown", err)
	}
	if got := m.BackupCodesRemaining(); got != 9 {
		t.Errorf("remaining = %d, want 9", got)
	}
}

// TestBackupCodes_IssuedOnce verifies regeneration is refused rather than
// silently invalidating codes already in the field.
func TestBackupCodes_IssuedOnce(t *testing.T) {
	m := newMFA(t)

	if _, err := m.GenerateBackupCodes(); err != nil {
		t.Fatalf("GenerateBackupCodes returned error: %v", err)
	}
	if _, err := m.GenerateBackupCodes(); !errors.Is(err, ErrCodesAlreadyIssued) {
		t.Errorf("second issue error = %v, want ErrCodesAlreadyIssued", err)
	}
}
