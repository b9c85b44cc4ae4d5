package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys. Signer emails are deliberately absent: spans leave the
// trust boundary and emails are personal data.
var (
	AttrOperation    = attribute.Key("multisigner.operation")
	AttrRequestID    = attribute.Key("multisigner.request.id")
	AttrSigningMode  = attribute.Key("multisigner.signing_mode")
	AttrOutcome      = attribute.Key("multisigner.outcome")
	AttrMFAMethod    = attribute.Key("multisigner.mfa.method")
	AttrGenerator    = attribute.Key("multisigner.generator")
	AttrVerifyReason = attribute.Key("multisigner.verify.reason")
)

// RecordMFA counts one gate decision.
func (p *Provider) RecordMFA(ctx context.Context, method string, success bool) {
	if p == nil {
		return
	}
	outcome := "rejected"
	if success {
		outcome = "verified"
	}
	p.add(ctx, p.mfaOutcomes, 1, AttrMFAMethod.String(method), AttrOutcome.String(outcome))
}

// RecordFinalization counts one finalization attempt.
func (p *Provider) RecordFinalization(ctx context.Context, generator string, err error) {
	if p == nil {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	p.add(ctx, p.finalizations, 1, AttrGenerator.String(generator), AttrOutcome.String(outcome))
}

// RecordCompletionConflict counts a lost version-guarded update.
func (p *Provider) RecordCompletionConflict(ctx context.Context) {
	if p == nil {
		return
	}
	p.add(ctx, p.completionRetries, 1)
}

// RecordVerification counts one public verification.
func (p *Provider) RecordVerification(ctx context.Context, reason string) {
	if p == nil {
		return
	}
	p.add(ctx, p.verifications, 1, AttrVerifyReason.String(reason))
}
