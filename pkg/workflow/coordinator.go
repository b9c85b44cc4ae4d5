// Package workflow coordinates a signing request from initiation to
// completion: it enforces the signing order, admits signatures that passed
// the MFA gate, derives the aggregate status and hands the request to
// finalization exactly once. All coordination goes through conditional
// writes in the store; nothing here holds a lock.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/observability"
)

// ErrInvalidInput wraps every validation failure of Initiate.
var ErrInvalidInput = errors.New("invalid signing request")

// Store is the persistence the coordinator relies on.
type Store interface {
	GuardStore
	CreateRequest(ctx context.Context, req *contracts.SigningRequest, signers []contracts.Signer) error
	ListByStatus(ctx context.Context, statuses []contracts.RequestStatus, limit int) ([]*contracts.SigningRequest, error)
	ListStranded(ctx context.Context, limit int) ([]*contracts.SigningRequest, error)
	UpdateProgress(ctx context.Context, u contracts.ProgressUpdate) (bool, error)
	TransitionStatus(ctx context.Context, id string, to contracts.RequestStatus, at time.Time) (bool, error)
	MarkFinalizationFailed(ctx context.Context, id, message string, at time.Time) (bool, error)
	MarkViewed(ctx context.Context, requestID, email string, at time.Time) (bool, error)
	RecordSignature(ctx context.Context, rec contracts.SignatureRecord) (bool, error)
	Decline(ctx context.Context, requestID, email, reason string, at time.Time) (bool, error)
}

// MFAVerifier is the second-factor gate.
type MFAVerifier interface {
	VerifyForSigning(ctx context.Context, userID, requestID, code string) (mfa.Decision, error)
}

// Finalizer produces and records the final artifact.
type Finalizer interface {
	Finalize(ctx context.Context, requestID string) (*contracts.FinalizationRecord, error)
}

// Notifier delivers notifications without blocking or failing the caller.
type Notifier interface {
	Notify(ctx context.Context, recipient string, event notify.Event, requestID string, data map[string]string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, notify.Event, string, map[string]string) {}

// Config holds the workflow defaults that come from the policy file.
type Config struct {
	DefaultMode       contracts.SigningMode
	DefaultExpiry     time.Duration
	FinalizeTimeout   time.Duration
	MaxUpdateAttempts int
}

func DefaultConfig() Config {
	return Config{
		DefaultMode:       contracts.ModeSequential,
		DefaultExpiry:     30 * 24 * time.Hour,
		FinalizeTimeout:   2 * time.Minute,
		MaxUpdateAttempts: 5,
	}
}

// Coordinator runs the signing state machine.
type Coordinator struct {
	store     Store
	guard     *OrderGuard
	docs      DocumentSettings
	mfa       MFAVerifier
	finalizer Finalizer
	notifier  Notifier
	audit     audit.Logger
	obs       *observability.Provider
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }
func WithAudit(a audit.Logger) Option { return func(c *Coordinator) { c.audit = a } }
func WithObservability(p *observability.Provider) Option { return func(c *Coordinator) { c.obs = p } }
func WithDocumentSettings(d DocumentSettings) Option { return func(c *Coordinator) { c.docs = d } }
func WithConfig(cfg Config) Option { return func(c *Coordinator) { c.config = cfg } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(store Store, gate MFAVerifier, finalizer Finalizer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		docs:      StaticDocumentSettings{},
		mfa:       gate,
		finalizer: finalizer,
		notifier:  nopNotifier{},
		audit:     audit.Nop{},
		obs:       observability.Disabled(),
		config:    DefaultConfig(),
		logger:    slog.Default().With("component", "workflow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.MaxUpdateAttempts <= 0 {
		c.config.MaxUpdateAttempts = DefaultConfig().MaxUpdateAttempts
	}
	if c.config.FinalizeTimeout <= 0 {
		c.config.FinalizeTimeout = DefaultConfig().FinalizeTimeout
	}
	c.guard = NewOrderGuard(store, c.docs, c.config.DefaultMode)
	return c
}

// Guard exposes the order guard for read-only "can I sign" queries.
func (c *Coordinator) Guard() *OrderGuard { return c.guard }

// SignerInput describes one party at initiation. Order 0 means "by position".
type SignerInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Order int    `json:"order,omitempty"`
}

// InitiateInput creates a request. An empty Mode defers to the document and
// then the configured default; a zero ExpiresAt uses the default expiry.
type InitiateInput struct {
	Title       string                `json:"title"`
	DocumentRef string                `json:"document_ref"`
	OwnerID     string                `json:"-"`
	Mode        contracts.SigningMode `json:"signing_mode,omitempty"`
	ExpiresAt   time.Time             `json:"expires_at,omitempty"`
	Signers     []SignerInput         `json:"signers"`
}

// Initiate validates the input, resolves the signing policy once and
// persists the request with its signers in one transaction.
func (c *Coordinator) Initiate(ctx context.Context, in InitiateInput) (_ *contracts.SigningRequest, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "workflow.initiate")
	defer func() { done(err) }()

	now := c.now().UTC()
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(in.Signers) == 0 {
		return nil, fmt.Errorf("%w: at least one signer is required", ErrInvalidInput)
	}

	docMode := contracts.SigningMode("")
	if in.Mode == "" {
		if docMode, err = c.docs.DefaultSigningMode(ctx, in.DocumentRef); err != nil {
			return nil, fmt.Errorf("document settings %s: %w", in.DocumentRef, err)
		}
	}
	policy, err := ResolvePolicy(in.Mode, docMode, c.config.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	signers, err := buildSigners(in.Signers, policy.Mode)
	if err != nil {
		return nil, err
	}

	expires := in.ExpiresAt.UTC()
	if in.ExpiresAt.IsZero() {
		expires = now.Add(c.config.DefaultExpiry)
	}
	if !expires.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	req := &contracts.SigningRequest{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		DocumentRef: in.DocumentRef,
		OwnerID:     in.OwnerID,
		Status:      contracts.RequestPending,
		Policy:      policy,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expires,
	}
	for i := range signers {
		signers[i].RequestID = req.ID
	}
	if err = c.store.CreateRequest(ctx, req, signers); err != nil {
		return nil, err
	}

	_ = c.audit.Record(ctx, audit.EventMutation, audit.ActionRequestCreated, req.ID, map[string]any{
		"signing_mode": string(policy.Mode),
		"signers":      len(signers),
	})
	c.logger.InfoContext(ctx, "signing request created", "request_id", req.ID, "mode", policy.Mode, "signers", len(signers))

	first := signers
	if policy.Mode == contracts.ModeSequential {
		first = currentLevel(signers)
	}
	c.notifyAll(ctx, first, notify.EventSignatureRequested, req)
	return req, nil
}

func buildSigners(in []SignerInput, mode contracts.SigningMode) ([]contracts.Signer, error) {
	explicit := 0
	for _, s := range in {
		if s.Order < 0 {
			return nil, fmt.Errorf("%w: signing order must not be negative", ErrInvalidInput)
		}
		if s.Order > 0 {
			explicit++
		}
	}
	if mode == contracts.ModeSequential && explicit > 0 && explicit < len(in) {
		return nil, fmt.Errorf("%w: either every signer or none has a signing order", ErrInvalidInput)
	}

	seen := make(map[string]bool, len(in))
	out := make([]contracts.Signer, len(in))
	for i, s := range in {
		email := contracts.NormalizeEmail(s.Email)
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: signer %d has no valid email", ErrInvalidInput, i+1)
		}
		if seen[email] {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidInput, contracts.ErrDuplicateSigner, email)
		}
		seen[email] = true
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		out[i] = contracts.Signer{
			Email:        email,
			Name:         strings.TrimSpace(s.Name),
			SigningOrder: order,
			Status:       contracts.SignerPending,
		}
	}
	return out, nil
}

// Progress is the outcome of re-deriving a request's aggregate state.
type Progress struct {
	Success            bool                    `json:"success"`
	Status             contracts.RequestStatus `json:"status"`
	AllCompleted       bool                    `json:"all_completed"`
	FinalArtifactRef   string                  `json:"final_artifact_ref,omitempty"`
	NextSignerEmail    *string                 `json:"next_signer_email,omitempty"`
	FinalizationFailed bool                    `json:"finalization_failed,omitempty"`
}

// OnSignerCompleted re-derives status and counts after a signer acted and
// persists them with a version-guarded update. The single call whose update
// moves the request into completed runs finalization; every other caller
// observes the result and does nothing.
func (c *Coordinator) OnSignerCompleted(ctx context.Context, requestID, signerEmail string) (_ Progress, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "workflow.on_signer_completed", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	p, _, err := c.advance(ctx, requestID)
	if err != nil {
		return Progress{}, err
	}
	c.logger.DebugContext(ctx, "signer progress", "request_id", requestID, "signer", signerEmail, "status", p.Status)
	return p, nil
}

func (c *Coordinator) advance(ctx context.Context, requestID string) (Progress, []contracts.Signer, error) {
	for attempt := 0; attempt < c.config.MaxUpdateAttempts; attempt++ {
		req, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return Progress{}, nil, err
		}
		signers, err := c.store.ListSigners(ctx, requestID)
		if err != nil {
			return Progress{}, nil, err
		}
		comp := Evaluate(signers)
		p := Progress{
			Success:            true,
			Status:             req.Status,
			AllCompleted:       comp.AllCompleted,
			FinalArtifactRef:   req.ArtifactRef,
			NextSignerEmail:    comp.NextSignerEmail,
			FinalizationFailed: req.Status == contracts.RequestFinalizationFailed,
		}

		// Completed, failed, declined and expired requests are settled;
		// a caller arriving here lost the race or acted too late.
		if !req.Status.AcceptsSignerActions() {
			return p, signers, nil
		}

		next := DeriveStatus(req.Status, comp)
		if next == req.Status && comp.SignedCount == req.SignedCount && comp.ViewedCount == req.ViewedCount {
			return p, signers, nil
		}
		if !req.Status.CanTransitionTo(next) {
			return Progress{}, nil, fmt.Errorf("%w: %s to %s", contracts.ErrInvalidTransition, req.Status, next)
		}

		won, err := c.store.UpdateProgress(ctx, contracts.ProgressUpdate{
			RequestID:       requestID,
			ExpectedVersion: req.Version,
			Status:          next,
			SignedCount:     comp.SignedCount,
			ViewedCount:     comp.ViewedCount,
			At:              c.now().UTC(),
		})
		if err != nil {
			return Progress{}, nil, err
		}
		if !won {
			c.obs.RecordCompletionConflict(ctx)
			c.logger.DebugContext(ctx, "version conflict, retrying", "request_id", requestID, "attempt", attempt+1)
			continue
		}

		p.Status = next
		if next == contracts.RequestCompleted {
			p = c.complete(ctx, req, signers, p)
		}
		return p, signers, nil
	}
	return Progress{}, nil, fmt.Errorf("%w: %s after %d attempts", contracts.ErrConcurrentUpdate, requestID, c.config.MaxUpdateAttempts)
}

// complete runs only in the caller that won the transition into completed.
// Finalization outlives the caller's context so a disconnecting client
// cannot leave a completed request without an artifact attempt.
func (c *Coordinator) complete(ctx context.Context, req *contracts.SigningRequest, signers []contracts.Signer, p Progress) Progress {
	_ = c.audit.Record(ctx, audit.EventMutation, audit.ActionRequestCompleted, req.ID, map[string]any{
		"signers": len(signers),
	})

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FinalizeTimeout)
	defer cancel()
	rec, err := c.finalizer.Finalize(fctx, req.ID)
	if err != nil {
		c.recordFinalizationFailure(fctx, req, err)
		p.Status = contracts.RequestFinalizationFailed
		p.FinalizationFailed = true
		return p
	}

	p.FinalArtifactRef = rec.ArtifactRef
	_ = c.audit.Record(ctx, audit.EventMutation, audit.ActionFinalized, req.ID, map[string]any{
		"artifact_ref": rec.ArtifactRef,
		"fingerprint":  rec.Fingerprint,
	})
	c.notifyAll(ctx, signers, notify.EventRequestCompleted, req)
	return p
}

// recordFinalizationFailure persists the failure. It is not retried here;
// the retry runner picks the request up later.
func (c *Coordinator) recordFinalizationFailure(ctx context.Context, req *contracts.SigningRequest, cause error) {
	msg := cause.Error()
	var fe *contracts.FinalizationError
	if errors.As(cause, &fe) {
		msg = fe.Message()
	}
	c.logger.ErrorContext(ctx, "finalization failed", "request_id", req.ID, "error", cause)

	if _, err := c.store.MarkFinalizationFailed(ctx, req.ID, msg, c.now().UTC()); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist finalization failure", "request_id", req.ID, "error", err)
	}
	_ = c.audit.Record(ctx, audit.EventSystem, audit.ActionFinalizationFailed, req.ID, map[string]any{
		"error": msg,
	})
	if req.OwnerID != "" {
		c.notifier.Notify(ctx, req.OwnerID, notify.EventFinalizationFailed, req.ID, map[string]string{
			"title":   req.Title,
			"message": contracts.OperatorContactMessage,
		})
	}
}

func (c *Coordinator) notifyAll(ctx context.Context, signers []contracts.Signer, event notify.Event, req *contracts.SigningRequest) {
	for _, s := range signers {
		c.notifier.Notify(ctx, s.Email, event, req.ID, map[string]string{"title": req.Title, "name": s.Name})
	}
}

// checkOpen rejects actions on requests that no longer accept them,
// evaluating expiry lazily.
func (c *Coordinator) checkOpen(req *contracts.SigningRequest) error {
	switch eff := req.EffectiveStatus(c.now()); {
	case eff == contracts.RequestExpired:
		return fmt.Errorf("%w: %s", contracts.ErrRequestExpired, req.ID)
	case !eff.AcceptsSignerActions():
		return fmt.Errorf("%w: %s is %s", contracts.ErrRequestClosed, req.ID, eff)
	}
	return nil
}
