package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrRequestNotFound   = errors.New("signing request not found")
	ErrSignerNotFound    = errors.New("signer not in request")
	ErrRequestExpired    = errors.New("signing request expired")
	ErrRequestClosed     = errors.New("signing request no longer accepts signer actions")
	ErrNotAllSigned      = errors.New("not every signer has signed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConcurrentUpdate  = errors.New("signing request modified concurrently")
	ErrPolicyUnresolved  = errors.New("signing mode not resolved")
	ErrDuplicateSigner   = errors.New("duplicate signer email")
	ErrNotFinalized      = errors.New("no finalization record")
)

// FinalizationError is returned when the final artifact could not be produced
// or recorded. The coordinator persists Message as the request's finalization
// error; callers facing end users show a generic operator-contact text instead.
type FinalizationError struct {
	RequestID string
	Stage     string // "precondition", "generate", "fetch", "record"
	Err       error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize %s: %s: %v", e.RequestID, e.Stage, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }

// Message is the operator-facing summary stored on the request.
func (e *FinalizationError) Message() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// OperatorContactMessage is what document owners see for a failed finalization.
const OperatorContactMessage = "The signed document could not be generated. Please contact support; no signer action is required."
