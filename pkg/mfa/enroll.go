package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
)

// BackupCodeCount is how many recovery codes an enrollment issues.
const BackupCodeCount = 10

// Unambiguous lower-case alphabet: no 0/o, 1/l/i.
const backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

var (
	ErrAlreadyEnabled = errors.New("mfa already enabled; disable before re-enrolling")
	ErrInvalidCode    = errors.New("invalid mfa code")
)

// Enrollment is returned once. The plaintext secret and codes are not
// recoverable afterwards.
type Enrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// Enroll generates a TOTP secret and backup codes for userID. The new
// configuration is disabled for every purpose until Enable proves possession.
func (g *Gate) Enroll(ctx context.Context, userID, email string) (*Enrollment, error) {
	existing, err := g.secrets.GetConfig(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotEnrolled) {
		return nil, err
	}
	if existing != nil && (existing.EnabledForLogin || existing.EnabledForSigning) {
		return nil, ErrAlreadyEnabled
	}

	email = contracts.NormalizeEmail(email)
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.policy.Issuer,
		AccountName: email,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	if err := g.secrets.SaveConfig(ctx, &Config{UserID: userID, Email: email, Secret: key.Secret()}); err != nil {
		return nil, err
	}
	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := g.secrets.ReplaceBackupCodes(ctx, userID, codes); err != nil {
		return nil, err
	}

	_ = g.audit.Record(ctx, audit.EventSecurity, audit.ActionMFAEnrolled, "user/"+userID, nil)
	return &Enrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// Enable turns on purpose after the user proves possession with a current
// TOTP code. The code is consumed like any other.
func (g *Gate) Enable(ctx context.Context, userID, code string, purpose Purpose) error {
	if purpose != PurposeLogin && purpose != PurposeSigning {
		return fmt.Errorf("unknown mfa purpose %q", purpose)
	}
	if err := g.proveTOTP(ctx, userID, code); err != nil {
		return err
	}
	if err := g.secrets.SetEnabled(ctx, userID, purpose, true); err != nil {
		return err
	}
	_ = g.audit.Record(ctx, audit.EventSecurity, audit.ActionMFAEnabled, "user/"+userID, map[string]any{
		"purpose": string(purpose),
	})
	return nil
}

// RegenerateBackupCodes replaces every backup code after a TOTP proof.
func (g *Gate) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if err := g.proveTOTP(ctx, userID, code); err != nil {
		return nil, err
	}
	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := g.secrets.ReplaceBackupCodes(ctx, userID, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

func (g *Gate) proveTOTP(ctx context.Context, userID, code string) error {
	allowed, err := g.limiter.Allow(ctx, "mfa:"+userID+":enroll", g.policy.Attempts)
	if err != nil {
		return fmt.Errorf("mfa rate limit: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrInvalidCode, ReasonRateLimited)
	}
	cfg, err := g.secrets.GetConfig(ctx, userID)
	if err != nil {
		return err
	}
	if !isTOTPCode(code) {
		return fmt.Errorf("%w: %s", ErrInvalidCode, ReasonMalformed)
	}
	reason, err := g.checkTOTP(ctx, cfg, code)
	if err != nil {
		return err
	}
	if reason != ReasonVerified {
		return fmt.Errorf("%w: %s", ErrInvalidCode, reason)
	}
	return nil
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	size := big.NewInt(int64(len(backupAlphabet)))
	for i := range codes {
		buf := make([]byte, 11)
		for j := range buf {
			if j == 5 {
				buf[j] = '-'
				continue
			}
			idx, err := rand.Int(rand.Reader, size)
			if err != nil {
				return nil, fmt.Errorf("generate backup code: %w", err)
			}
			buf[j] = backupAlphabet[idx.Int64()]
		}
		codes[i] = string(buf)
	}
	return codes, nil
}
