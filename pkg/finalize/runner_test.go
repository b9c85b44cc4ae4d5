package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/retry"
	"github.com/signtusk/multisigner/pkg/workflow"
)

type notices struct {
	mu  sync.Mutex
	got []string
}

func (n *notices) Notify(_ context.Context, to string, event notify.Event, _ string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, string(event)+":"+to)
}

func testRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		Policy:     retry.Policy{MaxAttempts: maxAttempts, Base: time.Minute, Max: time.Hour},
		StaleAfter: 10 * time.Minute,
	}
}

func TestRetryRunner_BackoffAndMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, []string{"a@example.com"}, 1)

	// the coordinator's first attempt failed at t0
	ok, err := f.store.MarkFinalizationFailed(ctx, id, "generate: boom", t0)
	require.NoError(t, err)
	require.True(t, ok)

	gen := &countingGenerator{Generator: f.cert, err: errors.New("still down")}
	now := t0
	runner := NewRetryRunner(f.store, NewService(f.store, gen, f.artifacts), testRetryConfig(3),
		WithRunnerClock(func() time.Time { return now }))

	// attempt index 1 waits base*2
	now = t0.Add(time.Minute)
	rep, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Considered)
	assert.Zero(t, rep.Attempted)

	now = t0.Add(2 * time.Minute)
	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted)
	assert.Equal(t, 1, rep.Failed)

	req, err := f.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestFinalizationFailed, req.Status)
	assert.Equal(t, 2, req.FinalizationAttempts)
	assert.Equal(t, "generate: still down", req.FinalizationError)

	// attempt index 2 waits base*4 after the previous attempt
	now = now.Add(4 * time.Minute)
	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted)

	now = now.Add(24 * time.Hour)
	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, []string{id}, rep.Exhausted)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestRetryRunner_RecoversFailedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, []string{"a@example.com", "b@example.com"}, 2)
	_, err := f.store.MarkFinalizationFailed(ctx, id, "generate: boom", t0)
	require.NoError(t, err)

	n := &notices{}
	runner := NewRetryRunner(f.store, NewService(f.store, f.cert, f.artifacts), testRetryConfig(5),
		WithRunnerClock(func() time.Time { return t0.Add(time.Hour) }),
		WithRunnerNotifier(n))

	rep, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)

	req, err := f.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestCompleted, req.Status)
	assert.NotEmpty(t, req.ArtifactRef)
	assert.ElementsMatch(t, []string{
		"request_completed:a@example.com", "request_completed:b@example.com",
	}, n.got)

	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Considered, "finalized requests are not listed again")
}

func TestRetryRunner_LeavesInFlightCompletionAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, []string{"a@example.com"}, 1) // completed at t0+1h, no artifact

	gen := &countingGenerator{Generator: f.cert}
	now := t0.Add(time.Hour + time.Minute)
	runner := NewRetryRunner(f.store, NewService(f.store, gen, f.artifacts), testRetryConfig(3),
		WithRunnerClock(func() time.Time { return now }))

	rep, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)

	now = t0.Add(2 * time.Hour)
	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)

	_, err = f.store.GetFinalization(ctx, id)
	require.NoError(t, err)
}

func TestRetryRunner_DisabledWithZeroAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, []string{"a@example.com"}, 1)
	_, err := f.store.MarkFinalizationFailed(ctx, id, "generate: boom", t0)
	require.NoError(t, err)

	gen := &countingGenerator{Generator: f.cert}
	runner := NewRetryRunner(f.store, NewService(f.store, gen, f.artifacts), testRetryConfig(0),
		WithRunnerClock(func() time.Time { return t0.Add(48 * time.Hour) }))

	rep, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Considered)
	assert.Zero(t, gen.calls.Load())
}

func TestRetryRunner_CompletesFullySignedOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, []string{"a@example.com", "b@example.com"}, 1)

	// the last signature was written but the request was never advanced
	ok, err := f.store.RecordSignature(ctx, contracts.SignatureRecord{
		RequestID: id, Email: "b@example.com", Payload: []byte("sig-b"),
		MFAMethod: contracts.MFAMethodTOTP, MFAVerifiedAt: t0.Add(5 * time.Minute), SignedAt: t0.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)

	svc := NewService(f.store, f.cert, f.artifacts)
	now := t0.Add(time.Hour)
	clock := func() time.Time { return now }
	coord := workflow.NewCoordinator(f.store, nil, svc, workflow.WithClock(clock))
	runner := NewRetryRunner(f.store, svc, testRetryConfig(3),
		WithRunnerClock(clock), WithRunnerRecoverer(coord))

	rep, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Recovered)
	assert.Zero(t, rep.Attempted)

	req, err := f.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestCompleted, req.Status)
	assert.Equal(t, 2, req.SignedCount)
	assert.NotEmpty(t, req.ArtifactRef)

	rep, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Recovered)
}

type failingRecoverer struct{}

func (failingRecoverer) RecoverStranded(context.Context, int) (int, error) {
	return 0, errors.New("db down")
}

func TestRetryRunner_RecoveryErrorAbortsPass(t *testing.T) {
	f := newFixture(t)
	runner := NewRetryRunner(f.store, NewService(f.store, f.cert, f.artifacts), testRetryConfig(3),
		WithRunnerRecoverer(failingRecoverer{}))
	_, err := runner.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
}
