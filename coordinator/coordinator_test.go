package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/store"
	"github.com/flashbots/secagg/testutil"
	"github.com/stretchr/testify/require"
)

type testCoordinator struct {
	*Coordinator
	stop func() error
}

func startTestCoordinator(t *testing.T, cfg protocol.Config, st store.Store, events Events) *testCoordinator {
	t.Helper()

	_, signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c, err := New(&Config{
		Protocol: cfg,
		Store:    st,
		Signer:   signer,
		Events:   events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	stop := sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not stop")
			return nil
		}
	})
	t.Cleanup(func() { _ = stop() })

	require.Eventually(t, func() bool { return c.Status().RoundID > 0 }, 5*time.Second, time.Millisecond)
	return &testCoordinator{Coordinator: c, stop: stop}
}

var testModels = []aggregator.Model{
	{1, 2, 3, 4},
	{-1.5, 0, 10, 99.25},
	{0.125, -100, 50, 3.000001},
}

func submitSums(t *testing.T, c *testCoordinator, sums []*testutil.Participant) {
	t.Helper()
	roundID := c.Status().RoundID
	for _, p := range sums {
		require.NoError(t, c.Submit(context.Background(), protocol.TagSum, roundID, p.SumMessage(t, roundID)))
	}
}

func submitShares(t *testing.T, c *testCoordinator, sums []*testutil.Participant) {
	t.Helper()
	params := c.CurrentRoundParameters()
	require.Equal(t, protocol.PhaseSum2, params.Phase)
	for _, p := range sums {
		col, ok := c.SeedDictFor(p.PK.String())
		require.True(t, ok)
		require.NoError(t, c.Submit(context.Background(), protocol.TagSum2, params.RoundID, p.Sum2Message(t, params, col)))
	}
}

func TestFullRound(t *testing.T) {
	cfg := testutil.NewTestConfig()
	st := store.NewMemoryStore()
	c := startTestCoordinator(t, cfg, st, nil)
	ctx := context.Background()

	params := c.CurrentRoundParameters()
	require.Equal(t, uint64(1), params.RoundID)
	require.Equal(t, protocol.PhaseSum, params.Phase)
	require.True(t, params.CoordinatorPK.Equal(c.PublicKey()))

	signed, err := protocol.DecodeRoundParameters(c.SignedRoundParameters())
	require.NoError(t, err)
	require.NoError(t, signed.Verify())
	require.Equal(t, params.Seed, signed.Seed)
	require.Nil(t, c.SumDict())

	sums := testutil.ParticipantsWithRole(t, params, protocol.RoleSum, 2)
	submitSums(t, c, sums)

	require.Equal(t, protocol.PhaseUpdate, c.Status().Phase)
	sumDict := c.SumDict()
	require.Len(t, sumDict, 2)
	for _, p := range sums {
		require.Equal(t, p.EphemeralPK, sumDict[p.PK.String()])
	}
	_, ok := c.SeedDictFor(sums[0].PK.String())
	require.False(t, ok)

	params = c.CurrentRoundParameters()
	require.Equal(t, protocol.PhaseUpdate, params.Phase)
	updaters := testutil.ParticipantsWithRole(t, params, protocol.RoleUpdate, len(testModels))
	for i, p := range updaters {
		raw := p.UpdateMessage(t, params, testModels[i], sumDict)
		require.NoError(t, c.Submit(ctx, protocol.TagUpdate, 1, raw))
	}
	require.Equal(t, protocol.PhaseSum2, c.Status().Phase)

	col, ok := c.SeedDictFor(sums[0].PK.String())
	require.True(t, ok)
	require.Len(t, col, len(testModels))
	for _, p := range updaters {
		require.Equal(t, p.EphemeralPK, col[p.PK.String()].UpdaterEphemeralPK)
	}

	submitShares(t, c, sums)

	status := c.Status()
	require.Equal(t, uint64(2), status.RoundID)
	require.Equal(t, protocol.PhaseSum, status.Phase)
	require.False(t, status.Degraded)

	model, ref := c.GlobalModel()
	require.Equal(t, store.ModelReference(1), ref)
	require.Equal(t, testutil.ExpectedAverage(t, cfg.Mask, testModels...), model)
	require.InDelta(t, 1.0/3*(1-1.5+0.125), model[0], 1e-6)

	stored, err := st.LoadModel(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, model, stored)

	finished, err := st.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseIdle, finished.Phase)
	require.Equal(t, ref, finished.ResultReference)
	require.Nil(t, finished.SeedDict)
	require.Nil(t, finished.MaskedModel)

	next, err := st.Load(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, ref, next.ModelReference)
	require.Equal(t, c.InstanceID(), next.Owner)
	require.NotEqual(t, finished.Seed, next.Seed)
}

func TestRejectedMessagesLeaveRoundUnchanged(t *testing.T) {
	c := startTestCoordinator(t, testutil.NewTestConfig(), store.NewMemoryStore(), nil)
	ctx := context.Background()

	params := c.CurrentRoundParameters()
	sum := testutil.ParticipantWithRole(t, params, protocol.RoleSum)
	upd := testutil.ParticipantWithRole(t, params, protocol.RoleUpdate)

	share, err := protocol.EncodeMessage(1, &protocol.Sum2Payload{MaskShare: make([]uint64, 4)}, sum.SK)
	require.NoError(t, err)
	forged := sum.SumMessage(t, 1)
	forged[protocol.HeaderSize] ^= 1

	before := c.Status()

	testCases := []struct {
		name       string
		tag        protocol.Tag
		roundID    uint64
		raw        []byte
		err        error
		isProtocol bool
	}{
		{"stale round", protocol.TagSum, 0, sum.SumMessage(t, 0), ErrStaleRound, true},
		{"future round", protocol.TagSum, 2, sum.SumMessage(t, 2), ErrFutureRound, true},
		{"wrong phase", protocol.TagSum2, 1, share, ErrWrongPhase, true},
		{"not selected", protocol.TagSum, 1, upd.SumMessage(t, 1), ErrNotEligible, true},
		{"label mismatch", protocol.TagUpdate, 1, sum.SumMessage(t, 1), protocol.ErrMalformed, false},
		{"forged", protocol.TagSum, 1, forged, crypto.ErrForged, false},
		{"truncated", protocol.TagSum, 1, sum.SumMessage(t, 1)[:protocol.HeaderSize], protocol.ErrMalformed, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Submit(ctx, tc.tag, tc.roundID, tc.raw)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.isProtocol, IsProtocolError(err))
			require.Equal(t, before, c.Status())
		})
	}

	require.NoError(t, c.Submit(ctx, protocol.TagSum, 1, sum.SumMessage(t, 1)))
	err = c.Submit(ctx, protocol.TagSum, 1, sum.SumMessage(t, 1))
	require.ErrorIs(t, err, aggregator.ErrDuplicateContributor)
	require.Equal(t, "duplicate", ErrorReason(err))
	require.Equal(t, 1, c.Status().Contributors)
	require.Equal(t, protocol.PhaseSum, c.Status().Phase)
}

func TestUpdateSeedDictMustMatchSumDict(t *testing.T) {
	c := startTestCoordinator(t, testutil.NewTestConfig(), store.NewMemoryStore(), nil)
	ctx := context.Background()

	sums := testutil.ParticipantsWithRole(t, c.CurrentRoundParameters(), protocol.RoleSum, 2)
	submitSums(t, c, sums)

	params := c.CurrentRoundParameters()
	sumDict := c.SumDict()
	upd := testutil.ParticipantWithRole(t, params, protocol.RoleUpdate)

	encode := func(p *protocol.UpdatePayload) []byte {
		raw, err := protocol.EncodeMessage(1, p, upd.SK)
		require.NoError(t, err)
		return raw
	}

	missing := upd.UpdatePayload(t, params, testModels[0], sumDict)
	missing.LocalSeedDict = missing.LocalSeedDict[:1]
	require.ErrorIs(t, c.Submit(ctx, protocol.TagUpdate, 1, encode(missing)), ErrInvalidSeedDict)

	stranger := testutil.NewParticipant(t)
	unknown := upd.UpdatePayload(t, params, testModels[0], sumDict)
	unknown.LocalSeedDict[1].SumPK = stranger.PK
	require.ErrorIs(t, c.Submit(ctx, protocol.TagUpdate, 1, encode(unknown)), ErrInvalidSeedDict)

	short := upd.UpdatePayload(t, params, testModels[0][:3], sumDict)
	require.ErrorIs(t, c.Submit(ctx, protocol.TagUpdate, 1, encode(short)), aggregator.ErrDimensionMismatch)

	require.Equal(t, 0, c.Status().Contributors)

	require.NoError(t, c.Submit(ctx, protocol.TagUpdate, 1, upd.UpdateMessage(t, params, testModels[0], sumDict)))
	require.Equal(t, 1, c.Status().Contributors)
	require.Equal(t, protocol.PhaseUpdate, c.Status().Phase)
}

type recordingEvents struct {
	NopEvents

	mu            sync.Mutex
	entered       []protocol.Phase
	aborted       []protocol.Phase
	storeFailures []string

	// onAdmit runs on the state machine goroutine for every admission.
	onAdmit func(contributors int)
}

func (e *recordingEvents) ParticipantAdmitted(_ uint64, _ protocol.Phase, contributors int) {
	if e.onAdmit != nil {
		e.onAdmit(contributors)
	}
}

func (e *recordingEvents) StoreFailed(op string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.storeFailures = append(e.storeFailures, op)
}

func (e *recordingEvents) failedStoreOps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.storeFailures...)
}

func (e *recordingEvents) PhaseEntered(_ uint64, phase protocol.Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entered = append(e.entered, phase)
}

func (e *recordingEvents) RoundAborted(_ uint64, phase protocol.Phase, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = append(e.aborted, phase)
}

func (e *recordingEvents) abortedPhases() []protocol.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Phase(nil), e.aborted...)
}

func TestPhaseWithoutContributorsAborts(t *testing.T) {
	cfg := testutil.NewTestConfig(testutil.WithPhaseDuration(20 * time.Millisecond))
	st := store.NewMemoryStore()
	events := &recordingEvents{}
	c := startTestCoordinator(t, cfg, st, events)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseError }, 5*time.Second, time.Millisecond)
	require.Equal(t, uint64(1), c.Status().RoundID)
	require.Equal(t, []protocol.Phase{protocol.PhaseSum}, events.abortedPhases())

	rec, err := st.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseError, rec.Phase)

	sum := testutil.NewParticipant(t)
	err = c.Submit(context.Background(), protocol.TagSum, 1, sum.SumMessage(t, 1))
	require.ErrorIs(t, err, ErrWrongPhase)
}

func TestNextRoundStartsAfterCooldown(t *testing.T) {
	cfg := testutil.NewTestConfig(
		testutil.WithPhaseDuration(20*time.Millisecond),
		testutil.WithErrorCooldown(20*time.Millisecond),
	)
	st := store.NewMemoryStore()
	c := startTestCoordinator(t, cfg, st, nil)

	require.Eventually(t, func() bool { return c.Status().RoundID >= 2 }, 5*time.Second, time.Millisecond)

	first, err := st.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseError, first.Phase)
}

func TestSumDeadlineAdvancesWithPartialSums(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.SumDuration = 300 * time.Millisecond
	c := startTestCoordinator(t, cfg, store.NewMemoryStore(), nil)

	sum := testutil.ParticipantWithRole(t, c.CurrentRoundParameters(), protocol.RoleSum)
	submitSums(t, c, []*testutil.Participant{sum})
	require.Equal(t, protocol.PhaseSum, c.Status().Phase)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseUpdate }, 5*time.Second, time.Millisecond)
	require.Len(t, c.SumDict(), 1)
	require.Equal(t, uint64(1), c.Status().RoundID)
}

// startUpdatePhase registers both sum participants and returns them with
// the Update parameters.
func startUpdatePhase(t *testing.T, c *testCoordinator) ([]*testutil.Participant, *protocol.RoundParameters) {
	t.Helper()
	sums := testutil.ParticipantsWithRole(t, c.CurrentRoundParameters(), protocol.RoleSum, 2)
	submitSums(t, c, sums)
	params := c.CurrentRoundParameters()
	require.Equal(t, protocol.PhaseUpdate, params.Phase)
	return sums, params
}

func TestUpdateDeadlineWithoutUpdatersAborts(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.UpdateDuration = 100 * time.Millisecond
	events := &recordingEvents{}
	c := startTestCoordinator(t, cfg, store.NewMemoryStore(), events)

	startUpdatePhase(t, c)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseError }, 5*time.Second, time.Millisecond)
	require.Equal(t, []protocol.Phase{protocol.PhaseUpdate}, events.abortedPhases())
	require.Nil(t, c.SumDict())
	model, _ := c.GlobalModel()
	require.Nil(t, model)
}

func TestUpdateDeadlineAveragesPartialUpdates(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.UpdateDuration = 300 * time.Millisecond
	c := startTestCoordinator(t, cfg, store.NewMemoryStore(), nil)

	sums, params := startUpdatePhase(t, c)
	updaters := testutil.ParticipantsWithRole(t, params, protocol.RoleUpdate, 2)
	for i, p := range updaters {
		raw := p.UpdateMessage(t, params, testModels[i], c.SumDict())
		require.NoError(t, c.Submit(context.Background(), protocol.TagUpdate, params.RoundID, raw))
	}
	require.Equal(t, protocol.PhaseUpdate, c.Status().Phase)
	require.Equal(t, 2, c.Status().Contributors)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseSum2 }, 5*time.Second, time.Millisecond)
	col, ok := c.SeedDictFor(sums[0].PK.String())
	require.True(t, ok)
	require.Len(t, col, 2)

	submitShares(t, c, sums)

	require.Equal(t, uint64(2), c.Status().RoundID)
	model, ref := c.GlobalModel()
	require.Equal(t, store.ModelReference(1), ref)
	require.Equal(t, testutil.ExpectedAverage(t, cfg.Mask, testModels[:2]...), model)
	require.InDelta(t, (1-1.5)/2, model[0], 1e-6)
}

func TestSum2DeadlineWithMissingSharesAborts(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.Sum2Duration = 300 * time.Millisecond
	events := &recordingEvents{}
	c := startTestCoordinator(t, cfg, store.NewMemoryStore(), events)

	sums, params := startUpdatePhase(t, c)
	updaters := testutil.ParticipantsWithRole(t, params, protocol.RoleUpdate, len(testModels))
	for i, p := range updaters {
		raw := p.UpdateMessage(t, params, testModels[i], c.SumDict())
		require.NoError(t, c.Submit(context.Background(), protocol.TagUpdate, params.RoundID, raw))
	}
	require.Equal(t, protocol.PhaseSum2, c.Status().Phase)

	submitShares(t, c, sums[:1])
	require.Equal(t, protocol.PhaseSum2, c.Status().Phase)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseError }, 5*time.Second, time.Millisecond)
	require.Equal(t, []protocol.Phase{protocol.PhaseSum2}, events.abortedPhases())
	require.Equal(t, uint64(1), c.Status().RoundID)
	model, ref := c.GlobalModel()
	require.Nil(t, model)
	require.Empty(t, ref)
}

func TestZeroSumRatioSelectsNobody(t *testing.T) {
	cfg := testutil.NewTestConfig(testutil.WithRatios(0, 1))
	cfg.SumDuration = 300 * time.Millisecond
	events := &recordingEvents{}
	c := startTestCoordinator(t, cfg, store.NewMemoryStore(), events)

	params := c.CurrentRoundParameters()
	require.Zero(t, params.SumRatio)
	for range 5 {
		p := testutil.NewParticipant(t)
		require.Equal(t, protocol.RoleUpdate, p.Role(params))
		err := c.Submit(context.Background(), protocol.TagSum, params.RoundID, p.SumMessage(t, params.RoundID))
		require.ErrorIs(t, err, ErrNotEligible)
	}
	require.Zero(t, c.Status().Contributors)

	require.Eventually(t, func() bool { return c.Status().Phase == protocol.PhaseError }, 5*time.Second, time.Millisecond)
	require.Equal(t, []protocol.Phase{protocol.PhaseSum}, events.abortedPhases())
}

// TestTransitionDuringCancellationIsPersisted cancels Run while the message
// that completes the Sum phase is being applied.
func TestTransitionDuringCancellationIsPersisted(t *testing.T) {
	_, signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &recordingEvents{}
	events.onAdmit = func(contributors int) {
		if contributors == 2 {
			cancel()
		}
	}
	c, err := New(&Config{Protocol: testutil.NewTestConfig(), Store: st, Signer: signer, Events: events})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return c.Status().RoundID > 0 }, 5*time.Second, time.Millisecond)

	sums := testutil.ParticipantsWithRole(t, c.CurrentRoundParameters(), protocol.RoleSum, 2)
	for _, p := range sums {
		require.NoError(t, c.Submit(context.Background(), protocol.TagSum, 1, p.SumMessage(t, 1)))
	}
	require.NoError(t, <-errc)

	require.Empty(t, events.failedStoreOps())
	rec, err := st.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, protocol.PhaseUpdate, rec.Phase)
	require.Len(t, rec.SumDict, 2)

	// Submissions arriving after cancellation are refused.
	late := testutil.NewParticipant(t)
	err = c.Submit(context.Background(), protocol.TagSum, 1, late.SumMessage(t, 1))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestRestartResumesRound(t *testing.T) {
	cfg := testutil.NewTestConfig()
	st := store.NewMemoryStore()
	ctx := context.Background()

	a := startTestCoordinator(t, cfg, st, nil)
	sums := testutil.ParticipantsWithRole(t, a.CurrentRoundParameters(), protocol.RoleSum, 2)
	submitSums(t, a, sums)

	params := a.CurrentRoundParameters()
	sumDict := a.SumDict()
	updaters := testutil.ParticipantsWithRole(t, params, protocol.RoleUpdate, len(testModels))
	updates := make([][]byte, len(updaters))
	for i, p := range updaters {
		updates[i] = p.UpdateMessage(t, params, testModels[i], sumDict)
	}
	require.NoError(t, a.Submit(ctx, protocol.TagUpdate, 1, updates[0]))
	require.NoError(t, a.stop())

	// Update is resumed with the frozen sum dictionary and no updates.
	b := startTestCoordinator(t, cfg, st, nil)
	status := b.Status()
	require.Equal(t, uint64(1), status.RoundID)
	require.Equal(t, protocol.PhaseUpdate, status.Phase)
	require.Equal(t, 0, status.Contributors)
	require.Equal(t, sumDict, b.SumDict())
	require.Equal(t, params.Seed, b.CurrentRoundParameters().Seed)

	for _, raw := range updates {
		require.NoError(t, b.Submit(ctx, protocol.TagUpdate, 1, raw))
	}
	require.Equal(t, protocol.PhaseSum2, b.Status().Phase)
	require.NoError(t, b.stop())

	// Sum2 is resumed from the persisted seeds and masked sum.
	c := startTestCoordinator(t, cfg, st, nil)
	require.Equal(t, protocol.PhaseSum2, c.Status().Phase)
	submitShares(t, c, sums)

	require.Equal(t, uint64(2), c.Status().RoundID)
	model, _ := c.GlobalModel()
	require.Equal(t, testutil.ExpectedAverage(t, cfg.Mask, testModels...), model)

	rec, err := st.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, c.InstanceID(), rec.Owner)

	// The next round is resumed together with the new global model.
	require.NoError(t, c.stop())
	d := startTestCoordinator(t, cfg, st, nil)
	require.Equal(t, uint64(2), d.Status().RoundID)
	recovered, ref := d.GlobalModel()
	require.Equal(t, model, recovered)
	require.Equal(t, store.ModelReference(1), ref)
}

func TestOwnershipLost(t *testing.T) {
	cfg := testutil.NewTestConfig(testutil.WithTargets(1, 3))
	st := store.NewMemoryStore()
	ctx := context.Background()

	a := startTestCoordinator(t, cfg, st, nil)
	b := startTestCoordinator(t, cfg, st, nil)
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	sum := testutil.ParticipantWithRole(t, a.CurrentRoundParameters(), protocol.RoleSum)
	raw := sum.SumMessage(t, 1)
	require.NoError(t, a.Submit(ctx, protocol.TagSum, 1, raw))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator kept running after losing the round")
	}
	require.ErrorIs(t, a.stop(), ErrOwnershipLost)
	require.Equal(t, protocol.PhaseShutdown, a.Status().Phase)

	require.NoError(t, b.Submit(ctx, protocol.TagSum, 1, raw))
	require.Equal(t, protocol.PhaseUpdate, b.Status().Phase)

	rec, err := st.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, b.InstanceID(), rec.Owner)
}

func TestShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	c := startTestCoordinator(t, testutil.NewTestConfig(), st, nil)
	ctx := context.Background()

	params := c.CurrentRoundParameters()
	sums := testutil.ParticipantsWithRole(t, params, protocol.RoleSum, 2)
	submitSums(t, c, sums[:1])

	require.NoError(t, c.stop())
	require.Equal(t, protocol.PhaseShutdown, c.Status().Phase)
	require.Nil(t, c.CurrentRoundParameters())
	require.Nil(t, c.SignedRoundParameters())

	err := c.Submit(ctx, protocol.TagSum, 1, sums[1].SumMessage(t, 1))
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)

	rec, err := st.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.ID)
	require.Equal(t, protocol.PhaseSum, rec.Phase)
}

func TestFullQueueIsBusy(t *testing.T) {
	_, signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	c, err := New(&Config{
		Protocol: testutil.NewTestConfig(testutil.WithQueueSize(1)),
		Store:    store.NewMemoryStore(),
		Signer:   signer,
	})
	require.NoError(t, err)

	require.Equal(t, protocol.PhaseIdle, c.Status().Phase)
	require.Nil(t, c.CurrentRoundParameters())

	raw := testutil.NewParticipant(t).SumMessage(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Submit(ctx, protocol.TagSum, 1, raw) }()
	require.Eventually(t, func() bool { return len(c.requests) == 1 }, time.Second, time.Millisecond)

	err = c.Submit(context.Background(), protocol.TagSum, 1, raw)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, "busy", ErrorReason(err))

	// The queued submission waits for a verdict even when its context ends.
	cancel()
	require.Never(t, func() bool { return len(errc) > 0 }, 50*time.Millisecond, time.Millisecond)

	runCtx, stopRun := context.WithCancel(context.Background())
	stopRun()
	require.Error(t, c.Run(runCtx))
	require.ErrorIs(t, <-errc, ErrShutdown)

	// A context that ended before queueing rejects the message.
	require.ErrorIs(t, c.Submit(ctx, protocol.TagSum, 1, raw), context.Canceled)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, signer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(&Config{Protocol: testutil.NewTestConfig(testutil.WithModelLength(0)), Store: store.NewMemoryStore(), Signer: signer})
	require.Error(t, err)

	_, err = New(&Config{Protocol: testutil.NewTestConfig(), Signer: signer})
	require.Error(t, err)

	_, err = New(&Config{Protocol: testutil.NewTestConfig(), Store: store.NewMemoryStore(), Signer: signer, InitialModel: aggregator.Model{1}})
	require.Error(t, err)
}
