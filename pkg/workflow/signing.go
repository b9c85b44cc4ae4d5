package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/observability"
)

// Outcome classifies a signature submission that did not error.
type Outcome string

const (
	OutcomeSigned               Outcome = "signed"
	OutcomeAlreadySigned        Outcome = "already_signed"
	OutcomeAuthenticationFailed Outcome = "authentication_failed"
	OutcomePolicyViolation      Outcome = "policy_violation"
)

// SubmitInput is one signature submission. SignerEmail, when set, must be
// the email the authenticated user is enrolled with.
type SubmitInput struct {
	RequestID   string
	SignerEmail string
	UserID      string
	Code        string
	Payload     []byte
}

// SubmitResult reports what happened. Authentication failures and order
// violations are results, not errors.
type SubmitResult struct {
	Outcome    Outcome       `json:"outcome"`
	Decision   *mfa.Decision `json:"mfa,omitempty"`
	Permission *Permission   `json:"permission,omitempty"`
	Progress   *Progress     `json:"progress,omitempty"`
}

// SubmitSignature is the signing entry point: expiry check, order
// pre-check, MFA gate, order guard, conditional signature write, then
// aggregate progress.
func (c *Coordinator) SubmitSignature(ctx context.Context, in SubmitInput) (_ SubmitResult, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "workflow.submit_signature", observability.AttrRequestID.String(in.RequestID))
	defer func() { done(err) }()

	req, err := c.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return SubmitResult{}, err
	}
	if err = c.checkOpen(req); err != nil {
		return SubmitResult{}, err
	}

	// A signer who is out of turn is turned away before the gate, so a
	// blocked attempt does not spend a TOTP step or a backup code.
	if in.SignerEmail != "" {
		early, err := c.guard.CanSign(ctx, in.RequestID, in.SignerEmail)
		if err != nil && !early.NotAParty {
			return SubmitResult{}, err
		}
		if err == nil && !early.Allowed {
			c.auditOrderBlocked(ctx, in.RequestID, contracts.NormalizeEmail(in.SignerEmail), early)
			return SubmitResult{Outcome: OutcomePolicyViolation, Permission: &early}, nil
		}
	}

	decision, err := c.mfa.VerifyForSigning(ctx, in.UserID, in.RequestID, in.Code)
	if err != nil {
		return SubmitResult{Outcome: OutcomeAuthenticationFailed, Decision: &decision}, fmt.Errorf("mfa gate: %w", err)
	}
	if !decision.Success {
		return SubmitResult{Outcome: OutcomeAuthenticationFailed, Decision: &decision}, nil
	}
	email := decision.SignerEmail
	if in.SignerEmail != "" && contracts.NormalizeEmail(in.SignerEmail) != email {
		decision.Success = false
		decision.Reason = mfa.ReasonNotASigner
		return SubmitResult{Outcome: OutcomeAuthenticationFailed, Decision: &decision}, nil
	}

	perm, err := c.guard.CanSign(ctx, in.RequestID, email)
	if err != nil {
		if perm.NotAParty {
			return SubmitResult{Outcome: OutcomePolicyViolation, Decision: &decision, Permission: &perm}, nil
		}
		return SubmitResult{}, err
	}
	if !perm.Allowed {
		c.auditOrderBlocked(ctx, in.RequestID, email, perm)
		return SubmitResult{Outcome: OutcomePolicyViolation, Decision: &decision, Permission: &perm}, nil
	}

	now := c.now().UTC()
	ok, err := c.store.RecordSignature(ctx, contracts.SignatureRecord{
		RequestID:     in.RequestID,
		Email:         email,
		Payload:       in.Payload,
		MFAMethod:     decision.Method,
		MFAVerifiedAt: now,
		SignedAt:      now,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if !ok {
		return c.explainRejectedSignature(ctx, in.RequestID, email, &decision)
	}
	_ = c.audit.Record(ctx, audit.EventMutation, audit.ActionSignerSigned, in.RequestID, map[string]any{
		"signer":     email,
		"mfa_method": string(decision.Method),
	})

	p, signers, err := c.advance(ctx, in.RequestID)
	if err != nil {
		return SubmitResult{}, err
	}
	if req.Policy.Mode == contracts.ModeSequential && !p.AllCompleted {
		c.notifyNextLevel(ctx, req, signers, email)
	}
	return SubmitResult{Outcome: OutcomeSigned, Decision: &decision, Permission: &perm, Progress: &p}, nil
}

// explainRejectedSignature re-reads state after a conditional write that
// matched nothing: the signer already signed or the request closed meanwhile.
func (c *Coordinator) explainRejectedSignature(ctx context.Context, requestID, email string, d *mfa.Decision) (SubmitResult, error) {
	signers, err := c.store.ListSigners(ctx, requestID)
	if err != nil {
		return SubmitResult{}, err
	}
	if s, ok := contracts.FindSigner(signers, email); ok && s.Status == contracts.SignerSigned {
		// The earlier submission may have recorded the signature and then
		// failed to advance the request; a retry finishes that step.
		p, _, err := c.advance(ctx, requestID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Outcome: OutcomeAlreadySigned, Decision: d, Progress: &p}, nil
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := c.checkOpen(req); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{}, fmt.Errorf("%w: signature for %s was not recorded", contracts.ErrInvalidTransition, requestID)
}

func (c *Coordinator) auditOrderBlocked(ctx context.Context, requestID, email string, perm Permission) {
	_ = c.audit.Record(ctx, audit.EventSecurity, audit.ActionOrderBlocked, requestID, map[string]any{
		"signer":   email,
		"blocking": len(perm.BlockingSigners),
	})
}

// notifyNextLevel tells the next group of sequential signers it is their
// turn, once the signer who just signed has unblocked them.
func (c *Coordinator) notifyNextLevel(ctx context.Context, req *contracts.SigningRequest, signers []contracts.Signer, signedBy string) {
	self, ok := contracts.FindSigner(signers, signedBy)
	if !ok {
		return
	}
	level := currentLevel(signers)
	if len(level) == 0 || level[0].SigningOrder <= self.SigningOrder {
		return
	}
	c.notifyAll(ctx, level, notify.EventSignatureRequested, req)
}

// RecordView marks a signer as having viewed the document. Views are
// monotonic: a view after signing changes nothing.
func (c *Coordinator) RecordView(ctx context.Context, requestID, email string) (Progress, error) {
	email = contracts.NormalizeEmail(email)
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return Progress{}, err
	}
	if err := c.checkOpen(req); err != nil {
		return Progress{}, err
	}
	signers, err := c.store.ListSigners(ctx, requestID)
	if err != nil {
		return Progress{}, err
	}
	if _, ok := contracts.FindSigner(signers, email); !ok {
		return Progress{}, contracts.ErrSignerNotFound
	}

	changed, err := c.store.MarkViewed(ctx, requestID, email, c.now().UTC())
	if err != nil {
		return Progress{}, err
	}
	if changed {
		_ = c.audit.Record(ctx, audit.EventAccess, audit.ActionSignerViewed, requestID, map[string]any{"signer": email})
	}
	p, _, err := c.advance(ctx, requestID)
	return p, err
}

// Decline moves the signer to declined and the request into the absorbing
// declined state.
func (c *Coordinator) Decline(ctx context.Context, requestID, email, reason string) error {
	email = contracts.NormalizeEmail(email)
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := c.checkOpen(req); err != nil {
		return err
	}
	signers, err := c.store.ListSigners(ctx, requestID)
	if err != nil {
		return err
	}
	self, ok := contracts.FindSigner(signers, email)
	if !ok {
		return contracts.ErrSignerNotFound
	}
	if !self.Status.CanTransitionTo(contracts.SignerDeclined) {
		return fmt.Errorf("%w: signer already %s", contracts.ErrInvalidTransition, self.Status)
	}

	ok, err = c.store.Decline(ctx, requestID, email, reason, c.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		fresh, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := c.checkOpen(fresh); err != nil {
			return err
		}
		return fmt.Errorf("%w: decline of %s was not recorded", contracts.ErrInvalidTransition, requestID)
	}

	_ = c.audit.Record(ctx, audit.EventMutation, audit.ActionSignerDeclined, requestID, map[string]any{
		"signer": email,
		"reason": reason,
	})
	c.notifyAll(ctx, signers, notify.EventRequestDeclined, req)
	if req.OwnerID != "" {
		c.notifier.Notify(ctx, req.OwnerID, notify.EventRequestDeclined, req.ID, map[string]string{
			"title":       req.Title,
			"declined_by": email,
		})
	}
	return nil
}

// RequestView is a request with its signers as seen at a point in time.
type RequestView struct {
	Request         *contracts.SigningRequest `json:"request"`
	EffectiveStatus contracts.RequestStatus   `json:"effective_status"`
	Signers         []contracts.Signer        `json:"signers"`
	Completion      Completion                `json:"completion"`
}

// Status returns the request with its lazily evaluated effective status.
func (c *Coordinator) Status(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	signers, err := c.store.ListSigners(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestView{
		Request:         req,
		EffectiveStatus: req.EffectiveStatus(c.now()),
		Signers:         signers,
		Completion:      Evaluate(signers),
	}, nil
}

// CanSign answers the order question for email without side effects other
// than pinning a legacy request's mode.
func (c *Coordinator) CanSign(ctx context.Context, requestID, email string) (Permission, error) {
	p, err := c.guard.CanSign(ctx, requestID, email)
	if errors.Is(err, contracts.ErrSignerNotFound) {
		return p, nil
	}
	return p, err
}
