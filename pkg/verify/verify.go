// Package verify lets a third party check a finalized signing request from
// its ID alone: the artifact is fetched and re-fingerprinted against the
// finalization record, and the signing timeline is rebuilt from stored state.
//
// A mismatch is reported, never repaired.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signtusk/multisigner/pkg/artifacts"
	"github.com/signtusk/multisigner/pkg/audit"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/observability"
)

// Reason is the verdict class.
type Reason string

const (
	ReasonVerified            Reason = "verified"
	ReasonNotCompleted        Reason = "not_completed"
	ReasonFinalizationPending Reason = "finalization_pending"
	ReasonIntegrityMismatch   Reason = "integrity_mismatch"
	ReasonArtifactUnavailable Reason = "artifact_unavailable"
)

// Check is a single verification step, reported in order.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// PublicSigner is the only signer data verification exposes.
type PublicSigner struct {
	Name       string                 `json:"name"`
	Email      string                 `json:"email"`
	Order      int                    `json:"order"`
	Status     contracts.SignerStatus `json:"status"`
	ViewedAt   *time.Time             `json:"viewed_at,omitempty"`
	SignedAt   *time.Time             `json:"signed_at,omitempty"`
	DeclinedAt *time.Time             `json:"declined_at,omitempty"`
}

type Result struct {
	RequestID                string                  `json:"request_id"`
	Valid                    bool                    `json:"valid"`
	Reason                   Reason                  `json:"reason"`
	Status                   contracts.RequestStatus `json:"status"`
	Title                    string                  `json:"title"`
	DocumentRef              string                  `json:"document_ref"`
	ArtifactFingerprintMatch bool                    `json:"artifact_fingerprint_match"`
	RecordedFingerprint      string                  `json:"recorded_fingerprint,omitempty"`
	ComputedFingerprint      string                  `json:"computed_fingerprint,omitempty"`
	FinalizedAt              *time.Time              `json:"finalized_at,omitempty"`
	TrailDigest              string                  `json:"trail_digest"`
	AuditTrail               []AuditEvent            `json:"audit_trail"`
	Signers                  []PublicSigner          `json:"signers"`
	Checks                   []Check                 `json:"checks"`
	VerifiedAt               time.Time               `json:"verified_at"`
}

// Store is the read side verification needs.
type Store interface {
	GetRequest(ctx context.Context, id string) (*contracts.SigningRequest, error)
	ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error)
	GetFinalization(ctx context.Context, requestID string) (*contracts.FinalizationRecord, error)
}

// Fetcher reads artifacts back by URL.
type Fetcher interface {
	Fetch(ctx context.Context, artifactURL string) ([]byte, error)
}

type Service struct {
	store     Store
	artifacts Fetcher
	audit     audit.Logger
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithAudit(a audit.Logger) Option { return func(s *Service) { s.audit = a } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		artifacts: fetcher,
		audit:     audit.Nop{},
		logger:    slog.Default().With("component", "verify"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks request id. An unknown request yields ErrRequestNotFound;
// every other outcome, including an integrity mismatch, is a Result.
func (s *Service) Verify(ctx context.Context, id string) (_ *Result, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "verify", observability.AttrRequestID.String(id))
	defer func() { done(err) }()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	signers, err := s.store.ListSigners(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetFinalization(ctx, id)
	if err != nil && !errors.Is(err, contracts.ErrNotFinalized) {
		return nil, err
	}

	now := s.now().UTC()
	res := &Result{
		RequestID:   req.ID,
		Status:      req.EffectiveStatus(now),
		Title:       req.Title,
		DocumentRef: req.DocumentRef,
		Signers:     publicSigners(signers),
		VerifiedAt:  now,
	}

	trail := BuildTimeline(req, signers, rec)
	if res.TrailDigest, err = TrailDigest(trail); err != nil {
		return nil, fmt.Errorf("digest trail %s: %w", id, err)
	}

	res.Reason = s.evaluate(ctx, res, rec)
	res.Valid = res.Reason == ReasonVerified

	res.AuditTrail = append(trail, AuditEvent{
		Kind:      KindVerificationPerformed,
		Timestamp: now,
		Actor:     actorPublic,
		Details:   map[string]any{"reason": string(res.Reason)},
	})

	s.obs.RecordVerification(ctx, string(res.Reason))
	_ = s.audit.Record(ctx, audit.EventAccess, audit.ActionVerified, id, map[string]any{
		"reason": string(res.Reason),
		"valid":  res.Valid,
	})
	if res.Reason == ReasonIntegrityMismatch {
		s.logger.WarnContext(ctx, "artifact integrity mismatch",
			"request_id", id, "recorded", res.RecordedFingerprint, "computed", res.ComputedFingerprint)
	}
	return res, nil
}

func (s *Service) evaluate(ctx context.Context, res *Result, rec *contracts.FinalizationRecord) Reason {
	signedAll := res.Status == contracts.RequestCompleted || res.Status == contracts.RequestFinalizationFailed
	res.Checks = append(res.Checks, Check{Name: "all_signed", Pass: signedAll, Detail: string(res.Status)})
	if !signedAll {
		return ReasonNotCompleted
	}

	res.Checks = append(res.Checks, Check{Name: "finalization_record", Pass: rec != nil})
	if rec == nil {
		return ReasonFinalizationPending
	}
	res.RecordedFingerprint = rec.Fingerprint
	finalizedAt := rec.FinalizedAt.UTC()
	res.FinalizedAt = &finalizedAt

	data, err := s.artifacts.Fetch(ctx, rec.ArtifactRef)
	if err != nil {
		s.logger.WarnContext(ctx, "artifact fetch failed", "request_id", res.RequestID, "error", err)
		detail := "fetch failed"
		if errors.Is(err, artifacts.ErrNotFound) {
			detail = "artifact missing"
		}
		res.Checks = append(res.Checks, Check{Name: "artifact_available", Pass: false, Detail: detail})
		return ReasonArtifactUnavailable
	}
	res.Checks = append(res.Checks, Check{Name: "artifact_available", Pass: true})

	res.ComputedFingerprint = artifacts.Fingerprint(data)
	res.ArtifactFingerprintMatch = res.ComputedFingerprint == rec.Fingerprint
	res.Checks = append(res.Checks, Check{Name: "fingerprint", Pass: res.ArtifactFingerprintMatch})
	if !res.ArtifactFingerprintMatch {
		return ReasonIntegrityMismatch
	}
	return ReasonVerified
}

func publicSigners(signers []contracts.Signer) []PublicSigner {
	out := make([]PublicSigner, 0, len(signers))
	for _, s := range signers {
		out = append(out, PublicSigner{
			Name:       s.Name,
			Email:      s.Email,
			Order:      s.SigningOrder,
			Status:     s.Status,
			ViewedAt:   s.ViewedAt,
			SignedAt:   s.SignedAt,
			DeclinedAt: s.DeclinedAt,
		})
	}
	return out
}
