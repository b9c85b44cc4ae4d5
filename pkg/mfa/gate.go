// Package mfa is the second-factor gate in front of signature submission.
// It verifies a TOTP code (RFC 6238) or consumes a single-use backup code and
// returns a Decision; it never touches signer records. The coordinator stamps
// the verification onto the signer in the same write as the signature.
package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/observability"
	"github.com/signtusk/multisigner/pkg/ratelimit"
)

// Decision reasons.
const (
	ReasonVerified      = "verified"
	ReasonNotConfigured = "mfa not configured"
	ReasonNotEnabled    = "mfa not enabled for signing"
	ReasonNotASigner    = "user is not a signer of this request"
	ReasonMalformed     = "malformed code"
	ReasonInvalidCode   = "invalid code"
	ReasonReplayed      = "code already used"
	ReasonRateLimited   = "too many attempts"
	ReasonUnavailable   = "mfa verification unavailable"
)

const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix
)

// Decision is the gate's verdict. Success is false unless a code was
// positively verified.
type Decision struct {
	Success     bool                `json:"success"`
	Method      contracts.MFAMethod `json:"method,omitempty"`
	SignerEmail string              `json:"signer_email,omitempty"`
	Reason      string              `json:"reason"`
}

// Purpose selects what an enabled configuration may be used for.
type Purpose string

const (
	PurposeLogin   Purpose = "login"
	PurposeSigning Purpose = "signing"
)

// Policy tunes verification.
type Policy struct {
	Skew     uint             `yaml:"totp_skew_steps"`
	Attempts ratelimit.Policy `yaml:"attempts"`
	Issuer   string           `yaml:"issuer"`
}

// DefaultPolicy accepts codes two steps either side of now and allows five
// attempts per user and request per minute.
func DefaultPolicy() Policy {
	return Policy{
		Skew:     2,
		Attempts: ratelimit.Policy{PerMinute: 5, Burst: 5},
		Issuer:   "multisigner",
	}
}

// Secrets is the persistence the gate needs.
type Secrets interface {
	GetConfig(ctx context.Context, userID string) (*Config, error)
	SaveConfig(ctx context.Context, cfg *Config) error
	SetEnabled(ctx context.Context, userID string, purpose Purpose, enabled bool) error
	AdvanceStep(ctx context.Context, userID string, step int64) (bool, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []string) error
	ConsumeBackupCode(ctx context.Context, userID, code string) (bool, error)
}

// SignerLister resolves the parties of a request.
type SignerLister interface {
	ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error)
}

// Gate verifies second factors.
type Gate struct {
	secrets Secrets
	signers SignerLister
	limiter ratelimit.Limiter
	policy  Policy
	audit   audit.Logger
	obs     *observability.Provider
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

func WithLimiter(l ratelimit.Limiter) Option { return func(g *Gate) { g.limiter = l } }
func WithAudit(a audit.Logger) Option { return func(g *Gate) { g.audit = a } }
func WithObservability(p *observability.Provider) Option { return func(g *Gate) { g.obs = p } }
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func NewGate(secrets Secrets, signers SignerLister, policy Policy, opts ...Option) *Gate {
	g := &Gate{
		secrets: secrets,
		signers: signers,
		limiter: ratelimit.Unlimited{},
		policy:  policy,
		audit:   audit.Nop{},
		obs:     observability.Disabled(),
		logger:  slog.Default().With("component", "mfa"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// VerifyForSigning checks code for userID acting on requestID. It fails
// closed: a missing configuration, a user who is not a party, a storage
// error or an exhausted attempt budget all yield Success=false. A non-nil
// error accompanies failures caused by infrastructure, not by the user.
func (g *Gate) VerifyForSigning(ctx context.Context, userID, requestID, code string) (Decision, error) {
	allowed, err := g.limiter.Allow(ctx, "mfa:"+userID+":"+requestID, g.policy.Attempts)
	if err != nil {
		return g.reject(ctx, userID, requestID, "", ReasonUnavailable), fmt.Errorf("mfa rate limit: %w", err)
	}
	if !allowed {
		return g.reject(ctx, userID, requestID, "", ReasonRateLimited), nil
	}

	cfg, err := g.secrets.GetConfig(ctx, userID)
	if errors.Is(err, ErrNotEnrolled) {
		return g.reject(ctx, userID, requestID, "", ReasonNotConfigured), nil
	}
	if err != nil {
		return g.reject(ctx, userID, requestID, "", ReasonUnavailable), err
	}
	if !cfg.EnabledForSigning {
		return g.reject(ctx, userID, requestID, "", ReasonNotEnabled), nil
	}

	signers, err := g.signers.ListSigners(ctx, requestID)
	if err != nil {
		return g.reject(ctx, userID, requestID, "", ReasonUnavailable), err
	}
	email := contracts.NormalizeEmail(cfg.Email)
	if _, ok := contracts.FindSigner(signers, email); !ok {
		return g.reject(ctx, userID, requestID, "", ReasonNotASigner), nil
	}

	code = strings.TrimSpace(code)
	switch {
	case isBackupCode(code):
		ok, err := g.secrets.ConsumeBackupCode(ctx, userID, code)
		if err != nil {
			return g.reject(ctx, userID, requestID, contracts.MFAMethodBackupCode, ReasonUnavailable), err
		}
		if !ok {
			return g.reject(ctx, userID, requestID, contracts.MFAMethodBackupCode, ReasonInvalidCode), nil
		}
		return g.accept(ctx, userID, requestID, email, contracts.MFAMethodBackupCode), nil

	case isTOTPCode(code):
		reason, err := g.checkTOTP(ctx, cfg, code)
		if err != nil {
			return g.reject(ctx, userID, requestID, contracts.MFAMethodTOTP, ReasonUnavailable), err
		}
		if reason != ReasonVerified {
			return g.reject(ctx, userID, requestID, contracts.MFAMethodTOTP, reason), nil
		}
		return g.accept(ctx, userID, requestID, email, contracts.MFAMethodTOTP), nil

	default:
		return g.reject(ctx, userID, requestID, "", ReasonMalformed), nil
	}
}

// checkTOTP finds the time step code belongs to within the skew window and
// claims it. Every candidate step is computed so timing does not reveal
// which offset matched.
func (g *Gate) checkTOTP(ctx context.Context, cfg *Config, code string) (string, error) {
	now := g.now().Unix() / totpPeriod
	skew := int64(g.policy.Skew)
	var matched int64 = -1
	for offset := -skew; offset <= skew; offset++ {
		step := now + offset
		want, err := stepCode(cfg.Secret, step)
		if err != nil {
			return "", err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			matched = step
		}
	}
	if matched < 0 {
		return ReasonInvalidCode, nil
	}
	if matched <= cfg.LastUsedStep {
		return ReasonReplayed, nil
	}
	ok, err := g.secrets.AdvanceStep(ctx, cfg.UserID, matched)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonReplayed, nil
	}
	return ReasonVerified, nil
}

func stepCode(secret string, step int64) (string, error) {
	return totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func isTOTPCode(code string) bool {
	if len(code) != totpDigits.Length() {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isBackupCode(code string) bool {
	return len(code) == 11 && code[5] == '-'
}

func (g *Gate) accept(ctx context.Context, userID, requestID, email string, method contracts.MFAMethod) Decision {
	action := audit.ActionMFAVerifiedTOTP
	if method == contracts.MFAMethodBackupCode {
		action = audit.ActionMFAVerifiedBackupCode
		g.logger.InfoContext(ctx, "mfa verified via backup code", "user_id", userID, "request_id", requestID)
	}
	_ = g.audit.Record(ctx, audit.EventSecurity, action, requestID, map[string]any{
		"user_id": userID,
		"method":  string(method),
	})
	g.obs.RecordMFA(ctx, string(method), true)
	return Decision{Success: true, Method: method, SignerEmail: email, Reason: ReasonVerified}
}

func (g *Gate) reject(ctx context.Context, userID, requestID string, method contracts.MFAMethod, reason string) Decision {
	g.logger.WarnContext(ctx, "mfa rejected", "user_id", userID, "request_id", requestID, "reason", reason)
	_ = g.audit.Record(ctx, audit.EventSecurity, audit.ActionMFARejected, requestID, map[string]any{
		"user_id": userID,
		"method":  string(method),
		"reason":  reason,
	})
	g.obs.RecordMFA(ctx, string(method), false)
	return Decision{Method: method, Reason: reason}
}
