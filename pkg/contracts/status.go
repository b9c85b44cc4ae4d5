package contracts

import (
	"fmt"
	"slices"
)

// RequestStatus is the aggregate lifecycle state of a SigningRequest.
type RequestStatus string

const (
	RequestPending            RequestStatus = "pending"
	RequestInProgress         RequestStatus = "in_progress"
	RequestCompleted          RequestStatus = "completed"
	RequestDeclined           RequestStatus = "declined"
	RequestExpired            RequestStatus = "expired"
	RequestFinalizationFailed RequestStatus = "finalization_failed"
)

// RequestTransitions is the complete set of legal aggregate transitions.
// A status missing from the map as a key is terminal.
var RequestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:            {RequestInProgress, RequestCompleted, RequestDeclined, RequestExpired},
	RequestInProgress:         {RequestCompleted, RequestDeclined, RequestExpired},
	RequestCompleted:          {RequestFinalizationFailed},
	RequestFinalizationFailed: {RequestCompleted},
}

// ParseRequestStatus maps a stored string onto the closed enumeration.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestPending, RequestInProgress, RequestCompleted, RequestDeclined, RequestExpired, RequestFinalizationFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// CanTransitionTo reports whether moving from s to next is legal.
// Staying in the same status is always legal.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if s == next {
		return true
	}
	return slices.Contains(RequestTransitions[s], next)
}

// IsTerminal reports whether no signer action can change the request anymore.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestCompleted, RequestDeclined, RequestExpired, RequestFinalizationFailed:
		return true
	}
	return false
}

// AcceptsSignerActions reports whether views, signatures and declines may still be recorded.
func (s RequestStatus) AcceptsSignerActions() bool {
	return s == RequestPending || s == RequestInProgress
}

// SignerStatus is the individual state of one signer.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
)

// SignerTransitions is monotonic: signed and declined are terminal.
var SignerTransitions = map[SignerStatus][]SignerStatus{
	SignerPending: {SignerViewed, SignerSigned, SignerDeclined},
	SignerViewed:  {SignerSigned, SignerDeclined},
}

// ParseSignerStatus maps a stored string onto the closed enumeration.
func ParseSignerStatus(s string) (SignerStatus, error) {
	switch st := SignerStatus(s); st {
	case SignerPending, SignerViewed, SignerSigned, SignerDeclined:
		return st, nil
	}
	return "", fmt.Errorf("unknown signer status %q", s)
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s SignerStatus) CanTransitionTo(next SignerStatus) bool {
	if s == next {
		return true
	}
	return slices.Contains(SignerTransitions[s], next)
}

// Predecessors returns every status from which next is reachable in one step.
// Stores use it to build the status guard of a conditional update.
func (next SignerStatus) Predecessors() []SignerStatus {
	var out []SignerStatus
	for _, from := range []SignerStatus{SignerPending, SignerViewed, SignerSigned, SignerDeclined} {
		if from != next && slices.Contains(SignerTransitions[from], next) {
			out = append(out, from)
		}
	}
	return out
}

// Predecessors returns every request status from which next is reachable in one step.
func (next RequestStatus) Predecessors() []RequestStatus {
	var out []RequestStatus
	for _, from := range []RequestStatus{RequestPending, RequestInProgress, RequestCompleted, RequestDeclined, RequestExpired, RequestFinalizationFailed} {
		if from != next && slices.Contains(RequestTransitions[from], next) {
			out = append(out, from)
		}
	}
	return out
}

// SigningMode governs whether signers act in a fixed sequence.
type SigningMode string

const (
	ModeSequential SigningMode = "sequential"
	ModeParallel   SigningMode = "parallel"
)

// ParseSigningMode accepts the two modes; the empty string is reported as unset.
func ParseSigningMode(s string) (SigningMode, error) {
	switch m := SigningMode(s); m {
	case ModeSequential, ModeParallel:
		return m, nil
	case "":
		return "", ErrPolicyUnresolved
	}
	return "", fmt.Errorf("unknown signing mode %q", s)
}

// MFAMethod records how the signer passed the MFA gate.
type MFAMethod string

const (
	MFAMethodTOTP       MFAMethod = "totp"
	MFAMethodBackupCode MFAMethod = "backup_code"
)
