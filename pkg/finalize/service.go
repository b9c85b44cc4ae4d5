// Package finalize turns a fully signed request into its final artifact and
// records the result exactly once.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signtusk/multisigner/pkg/artifacts"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/observability"
)

const (
	StagePrecondition = "precondition"
	StageGenerate     = "generate"
	StageFetch        = "fetch"
	StageRecord       = "record"
)

// Reader is the read side of the request store.
type Reader interface {
	GetRequest(ctx context.Context, id string) (*contracts.SigningRequest, error)
	ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error)
}

// Store is what the service needs from persistence.
type Store interface {
	Reader
	GetFinalization(ctx context.Context, requestID string) (*contracts.FinalizationRecord, error)
	SaveFinalization(ctx context.Context, rec contracts.FinalizationRecord) (*contracts.FinalizationRecord, error)
}

// Generator produces the final artifact for a request and returns its URL.
type Generator interface {
	Name() string
	GenerateFinal(ctx context.Context, requestID string) (string, error)
}

// Service implements the coordinator's Finalizer.
type Service struct {
	store     Store
	generator Generator
	artifacts artifacts.Store
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, generator Generator, artifactStore artifacts.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		generator: generator,
		artifacts: artifactStore,
		logger:    slog.Default().With("component", "finalize"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Finalize generates, fingerprints and records the final artifact. A request
// that already has a record gets that record back and nothing is regenerated.
func (s *Service) Finalize(ctx context.Context, requestID string) (_ *contracts.FinalizationRecord, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "finalize", observability.AttrRequestID.String(requestID))
	defer func() { done(err) }()

	existing, err := s.store.GetFinalization(ctx, requestID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, contracts.ErrNotFinalized):
		return nil, s.fail(ctx, requestID, StagePrecondition, err)
	}

	if err := s.checkAllSigned(ctx, requestID); err != nil {
		return nil, s.fail(ctx, requestID, StagePrecondition, err)
	}

	url, err := s.generator.GenerateFinal(ctx, requestID)
	if err != nil {
		return nil, s.fail(ctx, requestID, StageGenerate, err)
	}

	data, err := s.artifacts.Fetch(ctx, url)
	if err != nil {
		return nil, s.fail(ctx, requestID, StageFetch, err)
	}

	rec, err := s.store.SaveFinalization(ctx, contracts.FinalizationRecord{
		RequestID:   requestID,
		ArtifactRef: url,
		Fingerprint: artifacts.Fingerprint(data),
		Generator:   s.generator.Name(),
		FinalizedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, s.fail(ctx, requestID, StageRecord, err)
	}

	s.obs.RecordFinalization(ctx, s.generator.Name(), nil)
	s.logger.InfoContext(ctx, "request finalized",
		"request_id", requestID, "artifact_ref", rec.ArtifactRef, "fingerprint", rec.Fingerprint)
	return rec, nil
}

func (s *Service) checkAllSigned(ctx context.Context, requestID string) error {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return err
	}
	signers, err := s.store.ListSigners(ctx, requestID)
	if err != nil {
		return err
	}
	if len(signers) == 0 {
		return fmt.Errorf("%w: request has no signers", contracts.ErrNotAllSigned)
	}
	for _, sg := range signers {
		if sg.Status != contracts.SignerSigned {
			return fmt.Errorf("%w: %s is %s", contracts.ErrNotAllSigned, sg.Email, sg.Status)
		}
	}
	return nil
}

func (s *Service) fail(ctx context.Context, requestID, stage string, err error) error {
	s.obs.RecordFinalization(ctx, s.generator.Name(), err)
	return &contracts.FinalizationError{RequestID: requestID, Stage: stage, Err: err}
}
