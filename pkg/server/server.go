// Package server exposes the signing workflow over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /verify/{requestID}                 public, per-IP rate limited
//	POST /api/v1/requests
//	GET  /api/v1/requests/{requestID}
//	GET  /api/v1/requests/{requestID}/can-sign
//	POST /api/v1/requests/{requestID}/view
//	POST /api/v1/requests/{requestID}/sign
//	POST /api/v1/requests/{requestID}/decline
//	POST /api/v1/mfa/enroll
//	POST /api/v1/mfa/enable
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/auth"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/ratelimit"
	"github.com/signtusk/multisigner/pkg/verify"
	"github.com/signtusk/multisigner/pkg/workflow"
)

// Workflow is satisfied by *workflow.Coordinator.
type Workflow interface {
	Initiate(ctx context.Context, in workflow.InitiateInput) (*contracts.SigningRequest, error)
	Status(ctx context.Context, requestID string) (*workflow.RequestView, error)
	CanSign(ctx context.Context, requestID, email string) (workflow.Permission, error)
	RecordView(ctx context.Context, requestID, email string) (workflow.Progress, error)
	SubmitSignature(ctx context.Context, in workflow.SubmitInput) (workflow.SubmitResult, error)
	Decline(ctx context.Context, requestID, email, reason string) error
}

// Enroller is satisfied by *mfa.Gate.
type Enroller interface {
	Enroll(ctx context.Context, userID, email string) (*mfa.Enrollment, error)
	Enable(ctx context.Context, userID, code string, purpose mfa.Purpose) error
}

// Verifier is satisfied by *verify.Service.
type Verifier interface {
	Verify(ctx context.Context, requestID string) (*verify.Result, error)
}

// Deps are the collaborators of the HTTP surface. Limiter and Idempotency
// may be nil; Health, when set, backs /health.
type Deps struct {
	Workflow     Workflow
	MFA          Enroller
	Verifier     Verifier
	Validator    *auth.JWTValidator
	Limiter      ratelimit.Limiter
	VerifyPolicy ratelimit.Policy
	Idempotency  api.IdempotencyStorer
	CORSOrigins  []string
	Health       func(ctx context.Context) error
	Logger       *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "http")
	}
	return &Server{deps: deps, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	if len(s.deps.CORSOrigins) > 0 {
		r.Use(auth.CORSMiddleware(s.deps.CORSOrigins))
	}
	r.Use(auth.NewMiddleware(s.deps.Validator))

	r.Get("/health", s.handleHealth)
	r.With(auth.RateLimitMiddleware(s.deps.Limiter, s.deps.VerifyPolicy)).
		Get("/verify/{requestID}", s.handleVerify)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api.IdempotencyMiddleware(s.deps.Idempotency, func(r *http.Request) string {
			return auth.ActorID(r.Context())
		}))

		r.Post("/requests", s.handleCreate)
		r.Route("/requests/{requestID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/can-sign", s.handleCanSign)
			r.Post("/view", s.handleView)
			r.Post("/sign", s.handleSign)
			r.Post("/decline", s.handleDecline)
		})

		r.Post("/mfa/enroll", s.handleEnroll)
		r.Post("/mfa/enable", s.handleEnable)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such route")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			auth.Logger(r.Context(), s.logger).WarnContext(r.Context(), "health check failed", "error", err)
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
