package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/retry"
)

// RetryConfig is the finalization_retry section of the policy file.
// MaxAttempts counts every failed attempt, including the coordinator's
// first one; zero disables retries.
type RetryConfig struct {
	retry.Policy `yaml:",inline"`
	// A completed request without an artifact is only picked up once it has
	// been idle this long, so an in-flight finalization is left alone.
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Policy: retry.Policy{
			PolicyID:    "finalization",
			MaxAttempts: 5,
			Base:        time.Minute,
			Max:         time.Hour,
			MaxJitter:   30 * time.Second,
		},
		StaleAfter: 10 * time.Minute,
		BatchSize:  100,
	}
}

// RetryStore is what the runner needs from persistence.
type RetryStore interface {
	ListAwaitingFinalization(ctx context.Context, limit int) ([]*contracts.SigningRequest, error)
	ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error)
	MarkFinalizationFailed(ctx context.Context, id, message string, at time.Time) (bool, error)
}

// Finalizer is satisfied by *Service.
type Finalizer interface {
	Finalize(ctx context.Context, requestID string) (*contracts.FinalizationRecord, error)
}

// Notifier matches the workflow notifier.
type Notifier interface {
	Notify(ctx context.Context, recipient string, event notify.Event, requestID string, data map[string]string)
}

// Recoverer completes fully signed requests whose status was never
// advanced. It is satisfied by *workflow.Coordinator.
type Recoverer interface {
	RecoverStranded(ctx context.Context, limit int) (int, error)
}

// Report summarizes one RunOnce pass.
type Report struct {
	Recovered  int      `json:"recovered"`
	Considered int      `json:"considered"`
	Attempted  int      `json:"attempted"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Exhausted  []string `json:"exhausted,omitempty"`
}

// RetryRunner retries failed finalizations out of band. It is driven by the
// retry-finalization command, never by the signing path.
type RetryRunner struct {
	store     RetryStore
	finalizer Finalizer
	config    RetryConfig
	notifier  Notifier
	recoverer Recoverer
	audit     audit.Logger
	logger    *slog.Logger
	now       func() time.Time
}

type RunnerOption func(*RetryRunner)

func WithRunnerNotifier(n Notifier) RunnerOption { return func(r *RetryRunner) { r.notifier = n } }

func WithRunnerAudit(a audit.Logger) RunnerOption { return func(r *RetryRunner) { r.audit = a } }

func WithRunnerRecoverer(rc Recoverer) RunnerOption { return func(r *RetryRunner) { r.recoverer = rc } }

func WithRunnerClock(now func() time.Time) RunnerOption { return func(r *RetryRunner) { r.now = now } }

func NewRetryRunner(store RetryStore, finalizer Finalizer, cfg RetryConfig, opts ...RunnerOption) *RetryRunner {
	if cfg.PolicyID == "" {
		cfg.PolicyID = "finalization"
	}
	r := &RetryRunner{
		store:     store,
		finalizer: finalizer,
		config:    cfg,
		audit:     audit.Nop{},
		logger:    slog.Default().With("component", "finalize-retry"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce makes a single pass over requests awaiting finalization. Fully
// signed requests stuck in an open status are completed first; completion
// runs the first finalization attempt for them.
func (r *RetryRunner) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if r.recoverer != nil {
		n, err := r.recoverer.RecoverStranded(ctx, r.config.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("recover stranded requests: %w", err)
		}
		rep.Recovered = n
	}
	if r.config.MaxAttempts <= 0 {
		r.logger.InfoContext(ctx, "finalization retries disabled")
		return rep, nil
	}

	pending, err := r.store.ListAwaitingFinalization(ctx, r.config.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list awaiting finalization: %w", err)
	}

	now := r.now().UTC()
	for _, req := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Considered++
		if !r.due(req, now) {
			if req.FinalizationAttempts >= r.config.MaxAttempts {
				rep.Exhausted = append(rep.Exhausted, req.ID)
			}
			continue
		}

		rep.Attempted++
		rec, err := r.finalizer.Finalize(ctx, req.ID)
		if err != nil {
			rep.Failed++
			r.recordFailure(ctx, req, err, now)
			continue
		}
		rep.Succeeded++
		_ = r.audit.Record(ctx, audit.EventSystem, audit.ActionFinalized, req.ID, map[string]any{
			"artifact_ref": rec.ArtifactRef,
			"fingerprint":  rec.Fingerprint,
			"attempt":      req.FinalizationAttempts + 1,
		})
		r.notifyCompleted(ctx, req)
	}
	return rep, nil
}

func (r *RetryRunner) due(req *contracts.SigningRequest, now time.Time) bool {
	if req.Status == contracts.RequestCompleted && now.Sub(req.UpdatedAt) < r.config.StaleAfter {
		return false
	}
	var last time.Time
	if req.LastFinalizationAttemptAt != nil {
		last = *req.LastFinalizationAttemptAt
	}
	at, ok := retry.NextAttempt(req.ID, r.config.Policy, req.FinalizationAttempts, last)
	return ok && !now.Before(at)
}

func (r *RetryRunner) recordFailure(ctx context.Context, req *contracts.SigningRequest, cause error, now time.Time) {
	msg := cause.Error()
	var fe *contracts.FinalizationError
	if errors.As(cause, &fe) {
		msg = fe.Message()
	}
	r.logger.WarnContext(ctx, "finalization retry failed",
		"request_id", req.ID, "attempt", req.FinalizationAttempts+1, "error", cause)
	if _, err := r.store.MarkFinalizationFailed(ctx, req.ID, msg, now); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist finalization failure", "request_id", req.ID, "error", err)
	}
	_ = r.audit.Record(ctx, audit.EventSystem, audit.ActionFinalizationFailed, req.ID, map[string]any{
		"error":   msg,
		"attempt": req.FinalizationAttempts + 1,
	})
}

func (r *RetryRunner) notifyCompleted(ctx context.Context, req *contracts.SigningRequest) {
	if r.notifier == nil {
		return
	}
	signers, err := r.store.ListSigners(ctx, req.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "cannot notify signers", "request_id", req.ID, "error", err)
		return
	}
	for _, s := range signers {
		r.notifier.Notify(ctx, s.Email, notify.EventRequestCompleted, req.ID, map[string]string{
			"title": req.Title,
			"name":  s.Name,
		})
	}
}
