package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/auth"
	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/workflow"
)

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Verifier.Verify(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var in workflow.InitiateInput
	if err := api.DecodeJSON(r, createRequestSchema, &in); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	in.OwnerID = p.GetEmail()

	req, err := s.deps.Workflow.Initiate(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/requests/"+req.ID)
	api.WriteJSON(w, http.StatusCreated, req)
}

// handleGet shows a request to its owner and its signers only. Anyone else
// gets a 404 so request IDs cannot be probed.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Workflow.Status(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Request.OwnerID != p.GetEmail() {
		if _, isSigner := contracts.FindSigner(view.Signers, p.GetEmail()); !isSigner {
			s.writeError(w, r, contracts.ErrRequestNotFound)
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCanSign(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	perm, err := s.deps.Workflow.CanSign(r.Context(), chi.URLParam(r, "requestID"), p.GetEmail())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, perm)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	progress, err := s.deps.Workflow.RecordView(r.Context(), chi.URLParam(r, "requestID"), p.GetEmail())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, progress)
}

type signBody struct {
	Code      string `json:"code"`
	Signature []byte `json:"signature"`
}

// signResponse adds the owner-facing notice when finalization failed.
type signResponse struct {
	workflow.SubmitResult
	Notice string `json:"notice,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body signBody
	if err := api.DecodeJSON(r, signSchema, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	res, err := s.deps.Workflow.SubmitSignature(r.Context(), workflow.SubmitInput{
		RequestID:   chi.URLParam(r, "requestID"),
		SignerEmail: p.GetEmail(),
		UserID:      p.GetID(),
		Code:        body.Code,
		Payload:     body.Signature,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch res.Outcome {
	case workflow.OutcomeAuthenticationFailed:
		problem := api.NewProblem(http.StatusUnauthorized, "mfa-failed", "Authentication Failed",
			"The verification code was not accepted.")
		if res.Decision != nil {
			problem.Extensions = map[string]any{"mfa_reason": res.Decision.Reason}
		}
		api.WriteProblem(w, r, problem)
	case workflow.OutcomePolicyViolation:
		problem := api.NewProblem(http.StatusConflict, "signing-order", "Signing Order Violation",
			"Earlier signers must sign first.")
		if res.Permission != nil {
			problem.Detail = describePermission(*res.Permission)
			problem.Extensions = map[string]any{
				"reason":           res.Permission.Reason,
				"blocking_signers": res.Permission.BlockingSigners,
			}
			if res.Permission.CurrentOrder != nil {
				problem.Extensions["current_order"] = *res.Permission.CurrentOrder
			}
		}
		api.WriteProblem(w, r, problem)
	default:
		out := signResponse{SubmitResult: res}
		if res.Progress != nil && res.Progress.FinalizationFailed {
			out.Notice = contracts.OperatorContactMessage
		}
		api.WriteJSON(w, http.StatusOK, out)
	}
}

func describePermission(p workflow.Permission) string {
	if p.NotAParty {
		return "You are not a signer of this request."
	}
	if len(p.BlockingSigners) > 0 {
		return "Waiting on earlier signers."
	}
	return "Signing is not allowed at this point."
}

type declineBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body declineBody
	if err := api.DecodeJSON(r, declineSchema, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.deps.Workflow.Decline(r.Context(), chi.URLParam(r, "requestID"), p.GetEmail(), body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	enrollment, err := s.deps.MFA.Enroll(r.Context(), p.GetID(), p.GetEmail())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	api.WriteJSON(w, http.StatusCreated, enrollment)
}

type enableBody struct {
	Code    string      `json:"code"`
	Purpose mfa.Purpose `json:"purpose"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body enableBody
	if err := api.DecodeJSON(r, mfaEnableSchema, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if body.Purpose == "" {
		body.Purpose = mfa.PurposeSigning
	}
	err := s.deps.MFA.Enable(r.Context(), p.GetID(), body.Code, body.Purpose)
	if errors.Is(err, mfa.ErrInvalidCode) {
		api.WriteProblem(w, r, api.NewProblem(http.StatusUnauthorized, "mfa-failed", "Authentication Failed",
			"The verification code was not accepted."))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
