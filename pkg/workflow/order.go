package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/signtusk/multisigner/pkg/contracts"
)

// Permission is the order guard's answer for one signer.
type Permission struct {
	Allowed         bool                  `json:"allowed"`
	Reason          string                `json:"reason"`
	NotAParty       bool                  `json:"not_a_party,omitempty"`
	SigningMode     contracts.SigningMode `json:"signing_mode,omitempty"`
	CurrentOrder    *int                  `json:"current_order,omitempty"`
	BlockingSigners []BlockingSigner      `json:"blocking_signers,omitempty"`
}

// BlockingSigner is a signer with a lower order who has not signed yet.
type BlockingSigner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Order int    `json:"order"`
}

const (
	ReasonNotAParty      = "signer not in request"
	ReasonParallel       = "parallel signing"
	ReasonSignersTurn    = "signer's turn"
	ReasonWaitingOnPrior = "waiting for earlier signers"
)

// DocumentSettings supplies document-level defaults. It is consulted only
// when a request is created without a mode, or once to pin a legacy request.
type DocumentSettings interface {
	DefaultSigningMode(ctx context.Context, documentRef string) (contracts.SigningMode, error)
}

// StaticDocumentSettings serves per-document modes from memory.
type StaticDocumentSettings struct {
	Default    contracts.SigningMode
	ByDocument map[string]contracts.SigningMode
}

func (s StaticDocumentSettings) DefaultSigningMode(_ context.Context, documentRef string) (contracts.SigningMode, error) {
	if m, ok := s.ByDocument[documentRef]; ok {
		return m, nil
	}
	return s.Default, nil
}

// ResolvePolicy picks the signing mode once: an explicit request wins, then
// the document default, then the configured default.
func ResolvePolicy(requested, documentDefault, configDefault contracts.SigningMode) (contracts.SigningPolicy, error) {
	for _, m := range []contracts.SigningMode{requested, documentDefault, configDefault} {
		if m == "" {
			continue
		}
		mode, err := contracts.ParseSigningMode(string(m))
		if err != nil {
			return contracts.SigningPolicy{}, err
		}
		return contracts.SigningPolicy{Mode: mode}, nil
	}
	return contracts.SigningPolicy{}, contracts.ErrPolicyUnresolved
}

// GuardStore is what the order guard reads.
type GuardStore interface {
	GetRequest(ctx context.Context, id string) (*contracts.SigningRequest, error)
	ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error)
	PinSigningMode(ctx context.Context, id string, mode contracts.SigningMode) (bool, error)
}

// OrderGuard enforces the signing order stored with the request.
type OrderGuard struct {
	store    GuardStore
	docs     DocumentSettings
	fallback contracts.SigningMode
	logger   *slog.Logger
}

func NewOrderGuard(store GuardStore, docs DocumentSettings, fallback contracts.SigningMode) *OrderGuard {
	if docs == nil {
		docs = StaticDocumentSettings{}
	}
	return &OrderGuard{
		store:    store,
		docs:     docs,
		fallback: fallback,
		logger:   slog.Default().With("component", "order_guard"),
	}
}

// CanSign reports whether email may sign requestID now. An unknown signer
// yields NotAParty together with contracts.ErrSignerNotFound.
func (g *OrderGuard) CanSign(ctx context.Context, requestID, email string) (Permission, error) {
	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return Permission{}, err
	}
	mode, err := g.modeOf(ctx, req)
	if err != nil {
		return Permission{}, err
	}
	signers, err := g.store.ListSigners(ctx, requestID)
	if err != nil {
		return Permission{}, err
	}
	p := evaluateOrder(mode, signers, contracts.NormalizeEmail(email))
	if p.NotAParty {
		return p, contracts.ErrSignerNotFound
	}
	return p, nil
}

// modeOf returns the stored mode. A legacy request without one gets the
// document default pinned onto it, after which the document setting no
// longer matters.
func (g *OrderGuard) modeOf(ctx context.Context, req *contracts.SigningRequest) (contracts.SigningMode, error) {
	if req.Policy.Mode != "" {
		return req.Policy.Mode, nil
	}
	docMode, err := g.docs.DefaultSigningMode(ctx, req.DocumentRef)
	if err != nil {
		return "", fmt.Errorf("document settings %s: %w", req.DocumentRef, err)
	}
	policy, err := ResolvePolicy("", docMode, g.fallback)
	if err != nil {
		return "", err
	}
	pinned, err := g.store.PinSigningMode(ctx, req.ID, policy.Mode)
	if err != nil {
		return "", err
	}
	if pinned {
		g.logger.InfoContext(ctx, "pinned signing mode on legacy request", "request_id", req.ID, "mode", policy.Mode)
		return policy.Mode, nil
	}
	// Someone else pinned it first; theirs is authoritative.
	fresh, err := g.store.GetRequest(ctx, req.ID)
	if err != nil {
		return "", err
	}
	if fresh.Policy.Mode == "" {
		return "", errors.New("signing mode pin lost")
	}
	return fresh.Policy.Mode, nil
}

// evaluateOrder is the pure decision behind CanSign.
func evaluateOrder(mode contracts.SigningMode, signers []contracts.Signer, email string) Permission {
	self, ok := contracts.FindSigner(signers, email)
	if !ok {
		return Permission{Reason: ReasonNotAParty, NotAParty: true, SigningMode: mode}
	}
	if mode == contracts.ModeParallel {
		return Permission{Allowed: true, Reason: ReasonParallel, SigningMode: mode}
	}

	p := Permission{SigningMode: mode}
	if level := currentLevel(signers); len(level) > 0 {
		order := level[0].SigningOrder
		p.CurrentOrder = &order
	}
	for _, s := range signers {
		if s.SigningOrder < self.SigningOrder && s.Status != contracts.SignerSigned {
			p.BlockingSigners = append(p.BlockingSigners, BlockingSigner{Name: s.Name, Email: s.Email, Order: s.SigningOrder})
		}
	}
	if len(p.BlockingSigners) > 0 {
		p.Reason = ReasonWaitingOnPrior
		return p
	}
	p.Allowed = true
	p.Reason = ReasonSignersTurn
	return p
}
