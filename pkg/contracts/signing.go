package contracts

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// SigningPolicy is resolved once when a request is initiated and stored with it.
// Enforcement never re-derives it from document-level settings.
type SigningPolicy struct {
	Mode SigningMode `json:"signing_mode"`
}

// SigningRequest is one document-signing transaction.
type SigningRequest struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	DocumentRef string        `json:"document_ref"`
	OwnerID     string        `json:"owner_id"`
	Status      RequestStatus `json:"status"`
	Policy      SigningPolicy `json:"policy"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`

	SignedCount int   `json:"signed_count"`
	ViewedCount int   `json:"viewed_count"`
	Version     int64 `json:"version"`

	ArtifactRef       string     `json:"artifact_ref,omitempty"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
	FinalizationError string     `json:"finalization_error,omitempty"`

	FinalizationAttempts      int        `json:"finalization_attempts"`
	LastFinalizationAttemptAt *time.Time `json:"last_finalization_attempt_at,omitempty"`
}

// EffectiveStatus evaluates expiry lazily: an overdue request that signers
// could still act on reads as expired whatever the stored status says.
func (r *SigningRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status.AcceptsSignerActions() && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return RequestExpired
	}
	return r.Status
}

// Signer is one named party attached to exactly one SigningRequest.
type Signer struct {
	RequestID    string       `json:"request_id"`
	Email        string       `json:"email"`
	Name         string       `json:"name"`
	SigningOrder int          `json:"signing_order"`
	Status       SignerStatus `json:"status"`

	ViewedAt      *time.Time `json:"viewed_at,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`

	MFAVerified   bool       `json:"mfa_verified"`
	MFAVerifiedAt *time.Time `json:"mfa_verified_at,omitempty"`
	MFAMethod     MFAMethod  `json:"mfa_method,omitempty"`

	SignaturePayload []byte `json:"-"`
}

// FinalizationRecord is created at most once per request.
type FinalizationRecord struct {
	RequestID   string    `json:"request_id"`
	ArtifactRef string    `json:"artifact_ref"`
	Fingerprint string    `json:"fingerprint"`
	Generator   string    `json:"generator"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// SignatureRecord carries everything stamped onto a signer in the same write.
type SignatureRecord struct {
	RequestID     string
	Email         string
	Payload       []byte
	MFAMethod     MFAMethod
	MFAVerifiedAt time.Time
	SignedAt      time.Time
}

// ProgressUpdate is the version-guarded write of recomputed aggregate state.
type ProgressUpdate struct {
	RequestID       string
	ExpectedVersion int64
	Status          RequestStatus
	SignedCount     int
	ViewedCount     int
	At              time.Time
}

// NormalizeEmail produces the identity key used for signers and MFA users.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(email)))
}

// FindSigner returns the signer with the given (already normalized) email.
func FindSigner(signers []Signer, email string) (*Signer, bool) {
	for i := range signers {
		if signers[i].Email == email {
			return &signers[i], true
		}
	}
	return nil, false
}
