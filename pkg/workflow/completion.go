package workflow

import (
	"sort"

	"github.com/signtusk/multisigner/pkg/contracts"
)

// Completion is the aggregate view of a signer list.
type Completion struct {
	AllCompleted    bool    `json:"all_completed"`
	SignedCount     int     `json:"signed_count"`
	TotalCount      int     `json:"total_count"`
	ViewedCount     int     `json:"viewed_count"`
	NextSignerEmail *string `json:"next_signer_email,omitempty"`
}

// Evaluate derives completion from signer states. It is pure: the same list
// always yields the same result regardless of order. An empty list is never
// complete.
func Evaluate(signers []contracts.Signer) Completion {
	c := Completion{TotalCount: len(signers)}
	for _, s := range signers {
		if s.Status == contracts.SignerSigned {
			c.SignedCount++
		}
		if s.ViewedAt != nil {
			c.ViewedCount++
		}
	}
	c.AllCompleted = c.TotalCount > 0 && c.SignedCount == c.TotalCount
	if !c.AllCompleted {
		if open := openSigners(signers); len(open) > 0 {
			email := open[0].Email
			c.NextSignerEmail = &email
		}
	}
	return c
}

// DeriveStatus maps a completion onto the aggregate status. A request with
// no signatures keeps its current status.
func DeriveStatus(current contracts.RequestStatus, c Completion) contracts.RequestStatus {
	switch {
	case c.AllCompleted:
		return contracts.RequestCompleted
	case c.SignedCount > 0:
		return contracts.RequestInProgress
	default:
		return current
	}
}

// openSigners returns the signers who can still act (neither signed nor
// declined) sorted by signing order, then email.
func openSigners(signers []contracts.Signer) []contracts.Signer {
	open := make([]contracts.Signer, 0, len(signers))
	for _, s := range signers {
		if s.Status != contracts.SignerSigned && s.Status != contracts.SignerDeclined {
			open = append(open, s)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].SigningOrder != open[j].SigningOrder {
			return open[i].SigningOrder < open[j].SigningOrder
		}
		return open[i].Email < open[j].Email
	})
	return open
}

// currentLevel returns the open signers sharing the lowest open order: the
// parties a sequential request is waiting on.
func currentLevel(signers []contracts.Signer) []contracts.Signer {
	open := openSigners(signers)
	if len(open) == 0 {
		return nil
	}
	n := 1
	for n < len(open) && open[n].SigningOrder == open[0].SigningOrder {
		n++
	}
	return open[:n]
}
