package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signtusk/multisigner/pkg/contracts"
)

func TestEvaluateOrder_Sequential(t *testing.T) {
	s := signersWith(contracts.SignerPending, contracts.SignerPending, contracts.SignerPending)

	a := evaluateOrder(contracts.ModeSequential, s, "s1@example.com")
	assert.True(t, a.Allowed)
	require.NotNil(t, a.CurrentOrder)
	assert.Equal(t, 1, *a.CurrentOrder)

	c := evaluateOrder(contracts.ModeSequential, s, "s3@example.com")
	assert.False(t, c.Allowed)
	assert.Equal(t, ReasonWaitingOnPrior, c.Reason)
	require.Len(t, c.BlockingSigners, 2)
	assert.Equal(t, BlockingSigner{Name: "Signer 1", Email: "s1@example.com", Order: 1}, c.BlockingSigners[0])

	s[0].Status = contracts.SignerSigned
	assert.True(t, evaluateOrder(contracts.ModeSequential, s, "s2@example.com").Allowed)
	c = evaluateOrder(contracts.ModeSequential, s, "s3@example.com")
	assert.False(t, c.Allowed)
	require.Len(t, c.BlockingSigners, 1)
	assert.Equal(t, "s2@example.com", c.BlockingSigners[0].Email)

	// Viewing is not signing.
	s[1].Status = contracts.SignerViewed
	assert.False(t, evaluateOrder(contracts.ModeSequential, s, "s3@example.com").Allowed)
}

func TestEvaluateOrder_SameOrderSignersAreConcurrent(t *testing.T) {
	s := signersWith(contracts.SignerPending, contracts.SignerPending, contracts.SignerPending)
	s[1].SigningOrder = 1
	assert.True(t, evaluateOrder(contracts.ModeSequential, s, "s2@example.com").Allowed)
	assert.False(t, evaluateOrder(contracts.ModeSequential, s, "s3@example.com").Allowed)
}

func TestEvaluateOrder_ParallelNeverBlocks(t *testing.T) {
	s := signersWith(contracts.SignerPending, contracts.SignerPending, contracts.SignerPending)
	for _, sg := range s {
		p := evaluateOrder(contracts.ModeParallel, s, sg.Email)
		assert.True(t, p.Allowed, sg.Email)
		assert.Empty(t, p.BlockingSigners)
	}
}

func TestEvaluateOrder_UnknownSigner(t *testing.T) {
	p := evaluateOrder(contracts.ModeParallel, signersWith(contracts.SignerPending), "nobody@example.com")
	assert.False(t, p.Allowed)
	assert.True(t, p.NotAParty)
	assert.Equal(t, ReasonNotAParty, p.Reason)
}

func TestResolvePolicy(t *testing.T) {
	p, err := ResolvePolicy(contracts.ModeParallel, contracts.ModeSequential, contracts.ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeParallel, p.Mode)

	p, err = ResolvePolicy("", contracts.ModeParallel, contracts.ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeParallel, p.Mode)

	p, err = ResolvePolicy("", "", contracts.ModeSequential)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeSequential, p.Mode)

	_, err = ResolvePolicy("", "", "")
	assert.ErrorIs(t, err, contracts.ErrPolicyUnresolved)

	_, err = ResolvePolicy("round-robin", "", "")
	assert.Error(t, err)
}

func TestOrderGuard_UnknownSignerError(t *testing.T) {
	h := newHarness(t)
	id := h.createDirect(t, contracts.ModeSequential, "a@example.com")

	p, err := h.coord.Guard().CanSign(context.Background(), id, "stranger@example.com")
	assert.ErrorIs(t, err, contracts.ErrSignerNotFound)
	assert.True(t, p.NotAParty)
}

func TestOrderGuard_PinsLegacyModeOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createDirect(t, "", "a@example.com", "b@example.com")

	docs := &StaticDocumentSettings{ByDocument: map[string]contracts.SigningMode{"doc-1": contracts.ModeParallel}}
	guard := NewOrderGuard(h.store, docs, contracts.ModeSequential)

	p, err := guard.CanSign(ctx, id, "b@example.com")
	require.NoError(t, err)
	assert.True(t, p.Allowed)
	assert.Equal(t, contracts.ModeParallel, p.SigningMode)

	// A later change of the document setting does not reach the request.
	docs.ByDocument["doc-1"] = contracts.ModeSequential
	p, err = guard.CanSign(ctx, id, "b@example.com")
	require.NoError(t, err)
	assert.True(t, p.Allowed)
	assert.Equal(t, contracts.ModeParallel, p.SigningMode)

	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeParallel, req.Policy.Mode)
}
