package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/finalize"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/ratelimit"
)

// Policy is the operator policy file. Sections left out keep their defaults.
type Policy struct {
	Signing           SigningPolicy        `yaml:"signing"`
	MFA               mfa.Policy           `yaml:"mfa"`
	FinalizationRetry finalize.RetryConfig `yaml:"finalization_retry"`
	VerifyRateLimit   ratelimit.Policy     `yaml:"verify_rate_limit"`
	Notifications     notify.Config        `yaml:"notifications"`
}

// SigningPolicy holds workflow defaults. Documents maps a document reference
// to its default signing mode.
type SigningPolicy struct {
	DefaultMode     contracts.SigningMode            `yaml:"default_mode"`
	DefaultExpiry   time.Duration                    `yaml:"default_expiry"`
	FinalizeTimeout time.Duration                    `yaml:"finalize_timeout"`
	Documents       map[string]contracts.SigningMode `yaml:"documents,omitempty"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		Signing: SigningPolicy{
			DefaultMode:     contracts.ModeSequential,
			DefaultExpiry:   30 * 24 * time.Hour,
			FinalizeTimeout: 2 * time.Minute,
		},
		MFA:               mfa.DefaultPolicy(),
		FinalizationRetry: finalize.DefaultRetryConfig(),
		VerifyRateLimit:   ratelimit.Policy{PerMinute: 60, Burst: 20},
		Notifications:     notify.DefaultConfig(),
	}
}

// LoadPolicy reads the YAML policy at path over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML policy bytes over the defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Validate() error {
	var errs []error
	if _, err := contracts.ParseSigningMode(string(p.Signing.DefaultMode)); err != nil {
		errs = append(errs, fmt.Errorf("signing.default_mode %q: %w", p.Signing.DefaultMode, err))
	}
	for doc, mode := range p.Signing.Documents {
		if _, err := contracts.ParseSigningMode(string(mode)); err != nil {
			errs = append(errs, fmt.Errorf("signing.documents[%s] %q: %w", doc, mode, err))
		}
	}
	if p.Signing.DefaultExpiry <= 0 {
		errs = append(errs, errors.New("signing.default_expiry must be positive"))
	}
	if p.Signing.FinalizeTimeout <= 0 {
		errs = append(errs, errors.New("signing.finalize_timeout must be positive"))
	}
	if p.MFA.Skew > 10 {
		errs = append(errs, fmt.Errorf("mfa.totp_skew_steps %d is too wide", p.MFA.Skew))
	}
	if p.MFA.Attempts.PerMinute <= 0 {
		errs = append(errs, errors.New("mfa.attempts.per_minute must be positive"))
	}
	if p.FinalizationRetry.MaxAttempts < 0 {
		errs = append(errs, errors.New("finalization_retry.max_attempts must not be negative"))
	}
	if p.FinalizationRetry.MaxAttempts > 0 && p.FinalizationRetry.Base <= 0 {
		errs = append(errs, errors.New("finalization_retry.base_delay must be positive"))
	}
	if p.Notifications.Workers <= 0 || p.Notifications.QueueSize <= 0 {
		errs = append(errs, errors.New("notifications.workers and queue_size must be positive"))
	}
	return errors.Join(errs...)
}
