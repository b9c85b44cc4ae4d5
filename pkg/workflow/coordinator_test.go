package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signtusk/multisigner/pkg/contracts"
	"github.com/signtusk/multisigner/pkg/mfa"
	"github.com/signtusk/multisigner/pkg/notify"
	"github.com/signtusk/multisigner/pkg/store"
)

const goodCode = "123456"

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeGate accepts goodCode for any user it knows.
type fakeGate struct {
	users map[string]string // userID -> email
	calls atomic.Int32
}

func (g *fakeGate) VerifyForSigning(_ context.Context, userID, _ string, code string) (mfa.Decision, error) {
	g.calls.Add(1)
	email, ok := g.users[userID]
	if !ok {
		return mfa.Decision{Reason: mfa.ReasonNotConfigured}, nil
	}
	if code != goodCode {
		return mfa.Decision{Method: contracts.MFAMethodTOTP, Reason: mfa.ReasonInvalidCode}, nil
	}
	return mfa.Decision{Success: true, Method: contracts.MFAMethodTOTP, SignerEmail: email, Reason: mfa.ReasonVerified}, nil
}

type countingFinalizer struct {
	store *store.SQLStore
	calls atomic.Int32
	err   error
}

func (f *countingFinalizer) Finalize(ctx context.Context, id string) (*contracts.FinalizationRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.store.SaveFinalization(ctx, contracts.FinalizationRecord{
		RequestID:   id,
		ArtifactRef: "file:///artifacts/" + id,
		Fingerprint: "sha256:00",
		Generator:   "test",
		FinalizedAt: t0,
	})
}

type sentNotice struct {
	to    string
	event notify.Event
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *recordingNotifier) Notify(_ context.Context, to string, event notify.Event, _ string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{to, event})
}

func (n *recordingNotifier) to(event notify.Event) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.event == event {
			out = append(out, s.to)
		}
	}
	return out
}

type harness struct {
	store     *store.SQLStore
	gate      *fakeGate
	finalizer *countingFinalizer
	notes     *recordingNotifier
	coord     *Coordinator
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	h := &harness{
		store: s,
		gate: &fakeGate{users: map[string]string{
			"u-a": "a@example.com", "u-b": "b@example.com", "u-c": "c@example.com", "u-x": "x@example.com",
		}},
		finalizer: &countingFinalizer{store: s},
		notes:     &recordingNotifier{},
		now:       t0,
	}
	h.coord = NewCoordinator(s, h.gate, h.finalizer,
		WithNotifier(h.notes),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func (h *harness) initiate(t *testing.T, mode contracts.SigningMode, emails ...string) string {
	t.Helper()
	in := InitiateInput{Title: "Supply agreement", DocumentRef: "doc-1", OwnerID: "owner-1", Mode: mode}
	for _, e := range emails {
		in.Signers = append(in.Signers, SignerInput{Email: e, Name: e})
	}
	req, err := h.coord.Initiate(context.Background(), in)
	require.NoError(t, err)
	return req.ID
}

// createDirect bypasses Initiate so tests can store legacy rows.
func (h *harness) createDirect(t *testing.T, mode contracts.SigningMode, emails ...string) string {
	t.Helper()
	id := uuid.NewString()
	req := &contracts.SigningRequest{
		ID: id, Title: "Legacy", DocumentRef: "doc-1", OwnerID: "owner-1",
		Status: contracts.RequestPending, Policy: contracts.SigningPolicy{Mode: mode},
		CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(24 * time.Hour),
	}
	signers := make([]contracts.Signer, len(emails))
	for i, e := range emails {
		signers[i] = contracts.Signer{Email: e, Name: e, SigningOrder: i + 1}
	}
	require.NoError(t, h.store.CreateRequest(context.Background(), req, signers))
	return id
}

func (h *harness) submit(t *testing.T, id, userID string) SubmitResult {
	t.Helper()
	res, err := h.coord.SubmitSignature(context.Background(), SubmitInput{
		RequestID: id, UserID: userID, Code: goodCode, Payload: []byte("sig-" + userID),
	})
	require.NoError(t, err)
	return res
}

func TestInitiate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Initiate(ctx, InitiateInput{Title: " ", Signers: []SignerInput{{Email: "a@example.com"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.coord.Initiate(ctx, InitiateInput{Title: "NDA"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.coord.Initiate(ctx, InitiateInput{Title: "NDA", Signers: []SignerInput{
		{Email: "A@Example.com"}, {Email: " a@example.com "},
	}})
	assert.ErrorIs(t, err, contracts.ErrDuplicateSigner)

	_, err = h.coord.Initiate(ctx, InitiateInput{Title: "NDA", Mode: contracts.ModeSequential, Signers: []SignerInput{
		{Email: "a@example.com", Order: 1}, {Email: "b@example.com"},
	}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.coord.Initiate(ctx, InitiateInput{Title: "NDA", ExpiresAt: t0.Add(-time.Hour), Signers: []SignerInput{{Email: "a@example.com"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInitiate_PersistsPolicyAndNotifiesFirstSigner(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, "", "a@example.com", "B@example.com")

	view, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeSequential, view.Request.Policy.Mode)
	assert.Equal(t, contracts.RequestPending, view.EffectiveStatus)
	assert.True(t, view.Request.ExpiresAt.Equal(t0.Add(DefaultConfig().DefaultExpiry)))
	require.Len(t, view.Signers, 2)
	assert.Equal(t, "b@example.com", view.Signers[1].Email)
	assert.Equal(t, []string{"a@example.com"}, h.notes.to(notify.EventSignatureRequested))

	h2 := newHarness(t)
	h2.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, h2.notes.to(notify.EventSignatureRequested))
}

func TestSubmitSignature_SequentialOrder(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeSequential, "a@example.com", "b@example.com", "c@example.com")

	res := h.submit(t, id, "u-c")
	assert.Equal(t, OutcomePolicyViolation, res.Outcome)
	require.NotNil(t, res.Permission)
	require.Len(t, res.Permission.BlockingSigners, 2)
	assert.Equal(t, "a@example.com", res.Permission.BlockingSigners[0].Email)

	res = h.submit(t, id, "u-a")
	assert.Equal(t, OutcomeSigned, res.Outcome)
	require.NotNil(t, res.Progress)
	assert.Equal(t, contracts.RequestInProgress, res.Progress.Status)
	require.NotNil(t, res.Progress.NextSignerEmail)
	assert.Equal(t, "b@example.com", *res.Progress.NextSignerEmail)
	assert.Contains(t, h.notes.to(notify.EventSignatureRequested), "b@example.com")

	assert.Equal(t, OutcomePolicyViolation, h.submit(t, id, "u-c").Outcome)
	assert.Equal(t, OutcomeSigned, h.submit(t, id, "u-b").Outcome)

	res = h.submit(t, id, "u-c")
	assert.Equal(t, OutcomeSigned, res.Outcome)
	assert.True(t, res.Progress.AllCompleted)
	assert.Equal(t, contracts.RequestCompleted, res.Progress.Status)
	assert.Equal(t, "file:///artifacts/"+id, res.Progress.FinalArtifactRef)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com"}, h.notes.to(notify.EventRequestCompleted))

	signers, err := h.store.ListSigners(context.Background(), id)
	require.NoError(t, err)
	for _, s := range signers {
		assert.True(t, s.MFAVerified)
		assert.Equal(t, contracts.MFAMethodTOTP, s.MFAMethod)
		assert.NotNil(t, s.SignedAt)
	}
}

func TestSubmitSignature_ParallelAnyOrder(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com", "c@example.com")
	for _, u := range []string{"u-c", "u-a", "u-b"} {
		assert.Equal(t, OutcomeSigned, h.submit(t, id, u).Outcome, u)
	}
	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestCompleted, req.Status)
	assert.Equal(t, 3, req.SignedCount)
}

func TestSubmitSignature_MFAFailureLeavesSignerUntouched(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")

	res, err := h.coord.SubmitSignature(context.Background(), SubmitInput{RequestID: id, UserID: "u-a", Code: "000000"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticationFailed, res.Outcome)
	assert.Equal(t, mfa.ReasonInvalidCode, res.Decision.Reason)

	signers, err := h.store.ListSigners(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.SignerPending, signers[0].Status)
	assert.False(t, signers[0].MFAVerified)
}

func TestSubmitSignature_SignerEmailMustMatchUser(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")
	res, err := h.coord.SubmitSignature(context.Background(), SubmitInput{
		RequestID: id, UserID: "u-a", SignerEmail: "b@example.com", Code: goodCode,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticationFailed, res.Outcome)
}

func TestSubmitSignature_LazilyExpired(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")
	h.now = t0.Add(DefaultConfig().DefaultExpiry + time.Second)

	_, err := h.coord.SubmitSignature(context.Background(), SubmitInput{RequestID: id, UserID: "u-a", Code: goodCode})
	assert.ErrorIs(t, err, contracts.ErrRequestExpired)
	assert.Zero(t, h.gate.calls.Load(), "expired requests are rejected before the MFA gate")

	view, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestExpired, view.EffectiveStatus)
	assert.Equal(t, contracts.RequestPending, view.Request.Status)
}

func TestSubmitSignature_AlreadySigned(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")
	assert.Equal(t, OutcomeSigned, h.submit(t, id, "u-a").Outcome)
	assert.Equal(t, OutcomeAlreadySigned, h.submit(t, id, "u-a").Outcome)

	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, req.SignedCount)
}

func TestSubmitSignature_NotAParty(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")
	res := h.submit(t, id, "u-x")
	// The fake gate does not reconcile membership, so the guard catches it.
	assert.Equal(t, OutcomePolicyViolation, res.Outcome)
	assert.True(t, res.Permission.NotAParty)
}

func TestOnSignerCompleted_FinalizesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	emails := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	id := h.initiate(t, contracts.ModeParallel, emails...)
	for _, e := range emails {
		ok, err := h.store.RecordSignature(ctx, contracts.SignatureRecord{
			RequestID: id, Email: e, MFAMethod: contracts.MFAMethodTOTP, MFAVerifiedAt: t0, SignedAt: t0,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	var wg sync.WaitGroup
	results := make([]Progress, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.coord.OnSignerCompleted(ctx, id, emails[i%len(emails)])
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.finalizer.calls.Load())
	for _, p := range results {
		assert.True(t, p.AllCompleted)
	}
	rec, err := h.store.GetFinalization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "file:///artifacts/"+id, rec.ArtifactRef)
}

func TestOnSignerCompleted_FinalizationFailureIsPersistedNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.finalizer.err = &contracts.FinalizationError{RequestID: "x", Stage: "generate", Err: errors.New("renderer down")}
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")

	res := h.submit(t, id, "u-a")
	assert.Equal(t, OutcomeSigned, res.Outcome)
	assert.True(t, res.Progress.FinalizationFailed)
	assert.Equal(t, contracts.RequestFinalizationFailed, res.Progress.Status)

	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestFinalizationFailed, req.Status)
	assert.Equal(t, "generate: renderer down", req.FinalizationError)
	assert.Equal(t, 1, req.FinalizationAttempts)
	assert.Equal(t, []string{"owner-1"}, h.notes.to(notify.EventFinalizationFailed))

	p, err := h.coord.OnSignerCompleted(ctx, id, "a@example.com")
	require.NoError(t, err)
	assert.True(t, p.FinalizationFailed)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())
}

func TestRecordView_Monotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")

	_, err := h.coord.RecordView(ctx, id, "A@example.com")
	require.NoError(t, err)
	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, req.ViewedCount)
	assert.Equal(t, contracts.RequestPending, req.Status)

	h.submit(t, id, "u-b")
	_, err = h.coord.RecordView(ctx, id, "b@example.com")
	require.NoError(t, err)
	signers, err := h.store.ListSigners(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.SignerSigned, signers[1].Status)
	assert.Nil(t, signers[1].ViewedAt)

	_, err = h.coord.RecordView(ctx, id, "nobody@example.com")
	assert.ErrorIs(t, err, contracts.ErrSignerNotFound)
}

func TestDecline_ClosesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")

	require.NoError(t, h.coord.Decline(ctx, id, "b@example.com", "terms changed"))
	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestDeclined, req.Status)
	assert.Contains(t, h.notes.to(notify.EventRequestDeclined), "owner-1")

	_, err = h.coord.SubmitSignature(ctx, SubmitInput{RequestID: id, UserID: "u-a", Code: goodCode})
	assert.ErrorIs(t, err, contracts.ErrRequestClosed)
	assert.ErrorIs(t, h.coord.Decline(ctx, id, "a@example.com", ""), contracts.ErrRequestClosed)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	overdue := h.initiate(t, contracts.ModeParallel, "a@example.com")
	h.now = t0.Add(DefaultConfig().DefaultExpiry - time.Hour)
	fresh := h.initiate(t, contracts.ModeParallel, "b@example.com")

	n, err := h.coord.SweepExpired(ctx, t0.Add(DefaultConfig().DefaultExpiry+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := h.store.GetRequest(ctx, overdue)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestExpired, req.Status)
	req, err = h.store.GetRequest(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestPending, req.Status)
	assert.ElementsMatch(t, []string{"a@example.com", "owner-1"}, h.notes.to(notify.EventRequestExpired))

	n, err = h.coord.SweepExpired(ctx, t0.Add(DefaultConfig().DefaultExpiry+time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCanSign_UnknownSignerIsAnAnswer(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeSequential, "a@example.com")
	p, err := h.coord.CanSign(context.Background(), id, "x@example.com")
	require.NoError(t, err)
	assert.True(t, p.NotAParty)

	_, err = h.coord.CanSign(context.Background(), "missing", "a@example.com")
	assert.ErrorIs(t, err, contracts.ErrRequestNotFound)
}

// flakyProgressStore fails the next n progress writes after the signer
// write has already been committed.
type flakyProgressStore struct {
	*store.SQLStore
	failures atomic.Int32
}

func (f *flakyProgressStore) UpdateProgress(ctx context.Context, u contracts.ProgressUpdate) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("transient db error")
	}
	return f.SQLStore.UpdateProgress(ctx, u)
}

// useFlakyStore rebuilds the coordinator on a store whose next progress
// write fails.
func (h *harness) useFlakyStore() {
	flaky := &flakyProgressStore{SQLStore: h.store}
	flaky.failures.Store(1)
	h.coord = NewCoordinator(flaky, h.gate, h.finalizer,
		WithNotifier(h.notes),
		WithClock(func() time.Time { return h.now }),
	)
}

func (h *harness) strandSingleSigner(t *testing.T) string {
	t.Helper()
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")
	h.useFlakyStore()
	_, err := h.coord.SubmitSignature(context.Background(), SubmitInput{RequestID: id, UserID: "u-a", Code: goodCode})
	require.ErrorContains(t, err, "transient db error")

	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, contracts.RequestPending, req.Status)
	return id
}

func TestSubmitSignature_RetryAdvancesAfterLostProgressWrite(t *testing.T) {
	h := newHarness(t)
	id := h.strandSingleSigner(t)

	res := h.submit(t, id, "u-a")
	assert.Equal(t, OutcomeAlreadySigned, res.Outcome)
	require.NotNil(t, res.Progress)
	assert.True(t, res.Progress.AllCompleted)
	assert.Equal(t, contracts.RequestCompleted, res.Progress.Status)
	assert.Equal(t, "file:///artifacts/"+id, res.Progress.FinalArtifactRef)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())

	res = h.submit(t, id, "u-a")
	assert.Equal(t, OutcomeAlreadySigned, res.Outcome)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())
}

func TestRecoverStranded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.strandSingleSigner(t)
	open := h.initiate(t, contracts.ModeParallel, "a@example.com", "b@example.com")

	n, err := h.coord.RecoverStranded(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestCompleted, req.Status)
	assert.Equal(t, 1, req.SignedCount)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())

	req, err = h.store.GetRequest(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestPending, req.Status)

	n, err = h.coord.RecoverStranded(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepExpired_CompletesFullySignedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.strandSingleSigner(t)

	late := t0.Add(DefaultConfig().DefaultExpiry + time.Minute)
	h.now = late
	n, err := h.coord.SweepExpired(ctx, late)
	require.NoError(t, err)
	assert.Zero(t, n)

	req, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestCompleted, req.Status)
	assert.Equal(t, int32(1), h.finalizer.calls.Load())
	assert.Empty(t, h.notes.to(notify.EventRequestExpired))
}

func TestSubmitSignature_OutOfTurnStopsBeforeMFAGate(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeSequential, "a@example.com", "b@example.com")

	res, err := h.coord.SubmitSignature(context.Background(), SubmitInput{
		RequestID: id, UserID: "u-b", SignerEmail: "b@example.com", Code: goodCode,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePolicyViolation, res.Outcome)
	assert.Nil(t, res.Decision)
	require.NotNil(t, res.Permission)
	require.Len(t, res.Permission.BlockingSigners, 1)
	assert.Zero(t, h.gate.calls.Load(), "a blocked signer must not spend a code")

	res, err = h.coord.SubmitSignature(context.Background(), SubmitInput{
		RequestID: id, UserID: "u-a", SignerEmail: "a@example.com", Code: goodCode,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSigned, res.Outcome)
	assert.Equal(t, int32(1), h.gate.calls.Load())
}

// clockAdvancingGate moves the clock forward while it verifies, like a slow
// second-factor round trip.
type clockAdvancingGate struct {
	*fakeGate
	advance func()
}

func (g clockAdvancingGate) VerifyForSigning(ctx context.Context, userID, requestID, code string) (mfa.Decision, error) {
	g.advance()
	return g.fakeGate.VerifyForSigning(ctx, userID, requestID, code)
}

func TestSubmitSignature_DeadlinePassesDuringMFA(t *testing.T) {
	h := newHarness(t)
	id := h.initiate(t, contracts.ModeParallel, "a@example.com")
	h.now = t0.Add(DefaultConfig().DefaultExpiry - time.Second)

	gate := clockAdvancingGate{fakeGate: h.gate, advance: func() { h.now = h.now.Add(time.Minute) }}
	coord := NewCoordinator(h.store, gate, h.finalizer, WithClock(func() time.Time { return h.now }))

	_, err := coord.SubmitSignature(context.Background(), SubmitInput{RequestID: id, UserID: "u-a", Code: goodCode})
	assert.ErrorIs(t, err, contracts.ErrRequestExpired)

	signers, err := h.store.ListSigners(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.SignerPending, signers[0].Status)
}
