package server

import (
	"errors"
	"net/http"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/auth"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/workflow"
)

// writeError maps domain errors onto problem responses. Internal details
// never reach the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *contracts.FinalizationError
	switch {
	case errors.Is(err, contracts.ErrRequestNotFound):
		api.WriteProblem(w, r, api.NewProblem(http.StatusNotFound, "request-not-found", "Not Found", "Signing request not found."))
	case errors.Is(err, contracts.ErrSignerNotFound):
		api.WriteProblem(w, r, api.NewProblem(http.StatusNotFound, "signer-not-found", "Not Found", "You are not a signer of this request."))
	case errors.Is(err, contracts.ErrRequestExpired):
		api.WriteProblem(w, r, api.NewProblem(http.StatusGone, "request-expired", "Gone", "This signing request has expired."))
	case errors.Is(err, contracts.ErrRequestClosed),
		errors.Is(err, contracts.ErrInvalidTransition),
		errors.Is(err, contracts.ErrConcurrentUpdate):
		api.WriteProblem(w, r, api.NewProblem(http.StatusConflict, "request-state", "Conflict", err.Error()))
	case errors.Is(err, workflow.ErrInvalidInput),
		errors.Is(err, contracts.ErrDuplicateSigner),
		errors.Is(err, contracts.ErrPolicyUnresolved):
		api.WriteProblem(w, r, api.NewProblem(http.StatusBadRequest, "invalid-request", "Bad Request", err.Error()))
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		api.WriteProblem(w, r, api.NewProblem(http.StatusConflict, "mfa-enabled", "Conflict", "MFA is already enabled."))
	case errors.Is(err, mfa.ErrNotEnrolled):
		api.WriteProblem(w, r, api.NewProblem(http.StatusConflict, "mfa-not-enrolled", "Conflict", "Enroll in MFA first."))
	case errors.As(err, &fe):
		auth.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "finalization failed", "error", err)
		api.WriteProblem(w, r, api.NewProblem(http.StatusInternalServerError, "finalization-failed",
			"Finalization Failed", contracts.OperatorContactMessage))
	default:
		api.WriteInternal(w, err)
	}
}
