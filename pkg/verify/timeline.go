package verify

import (
	"sort"
	"time"

	"github.com/signtusk/multisigner/pkg/canonicalize"
	"github.com/signtusk/multisigner/pkg/contracts"
)

// EventKind categorizes timeline entries.
type EventKind string

const (
	KindRequestCreated        EventKind = "request_created"
	KindSignerViewed          EventKind = "signer_viewed"
	KindSignerSigned          EventKind = "signer_signed"
	KindSignerDeclined        EventKind = "signer_declined"
	KindArtifactFinalized     EventKind = "artifact_finalized"
	KindVerificationPerformed EventKind = "verification_performed"
)

// kindRank breaks timestamp ties so that causes sort before effects.
var kindRank = map[EventKind]int{
	KindRequestCreated:        0,
	KindSignerViewed:          1,
	KindSignerSigned:          2,
	KindSignerDeclined:        3,
	KindArtifactFinalized:     4,
	KindVerificationPerformed: 5,
}

// The timeline is public, so the owner appears only by role; signers are
// the only parties named.
const (
	actorOwner  = "owner"
	actorSystem = "system"
	actorPublic = "public"
)

// AuditEvent is one entry of the reconstructed timeline. Events are derived
// from persisted request, signer and finalization state; nothing is stored.
type AuditEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// BuildTimeline reconstructs the persisted part of the timeline in a
// deterministic order. rec may be nil.
func BuildTimeline(req *contracts.SigningRequest, signers []contracts.Signer, rec *contracts.FinalizationRecord) []AuditEvent {
	events := make([]AuditEvent, 0, 2+2*len(signers))
	events = append(events, AuditEvent{
		Kind:      KindRequestCreated,
		Timestamp: req.CreatedAt.UTC(),
		Actor:     actorOwner,
		Details: map[string]any{
			"title":        req.Title,
			"signing_mode": string(req.Policy.Mode),
			"signers":      len(signers),
		},
	})

	for _, s := range signers {
		if s.ViewedAt != nil {
			events = append(events, AuditEvent{
				Kind:      KindSignerViewed,
				Timestamp: s.ViewedAt.UTC(),
				Actor:     s.Email,
				Details:   map[string]any{"name": s.Name, "order": s.SigningOrder},
			})
		}
		if s.SignedAt != nil {
			details := map[string]any{"name": s.Name, "order": s.SigningOrder, "mfa_verified": s.MFAVerified}
			if s.MFAMethod != "" {
				details["mfa_method"] = string(s.MFAMethod)
			}
			events = append(events, AuditEvent{
				Kind:      KindSignerSigned,
				Timestamp: s.SignedAt.UTC(),
				Actor:     s.Email,
				Details:   details,
			})
		}
		if s.DeclinedAt != nil {
			events = append(events, AuditEvent{
				Kind:      KindSignerDeclined,
				Timestamp: s.DeclinedAt.UTC(),
				Actor:     s.Email,
				Details:   map[string]any{"name": s.Name, "order": s.SigningOrder},
			})
		}
	}

	if rec != nil {
		events = append(events, AuditEvent{
			Kind:      KindArtifactFinalized,
			Timestamp: rec.FinalizedAt.UTC(),
			Actor:     actorSystem,
			Details:   map[string]any{"fingerprint": rec.Fingerprint, "generator": rec.Generator},
		})
	}

	sortTimeline(events)
	return events
}

func sortTimeline(events []AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		return a.Actor < b.Actor
	})
}

// TrailDigest is the SHA-256 of the canonical JSON form of events.
func TrailDigest(events []AuditEvent) (string, error) {
	h, err := canonicalize.CanonicalHash(events)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}
