package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/store"
)

// recover restores the latest round from the store. Rounds that were in
// Sum, Update or Sum2 are resumed with an empty accumulator and a fresh
// deadline; anything else is followed by a new round.
func (c *Coordinator) recover(ctx context.Context) error {
	latest, err := c.store.Latest(ctx)
	if err != nil {
		return fmt.Errorf("loading latest round: %w", err)
	}
	if latest == nil {
		c.log.Info("No previous round found")
		c.startRound(ctx)
		return nil
	}

	c.restoreModel(ctx, latest)
	c.round = latest
	c.round.Owner = c.instance

	if !latest.Phase.Active() {
		c.log.Info("Starting after finished round", "round", latest.ID, "phase", latest.Phase)
		c.startRound(ctx)
		return nil
	}

	c.log.Info("Resuming round", "round", latest.ID, "phase", latest.Phase, "version", latest.Version)
	switch latest.Phase {
	case protocol.PhaseSum:
		c.enterSum(ctx)
	case protocol.PhaseUpdate:
		c.sumDict = latest.SumDict
		c.enterUpdate(ctx)
	case protocol.PhaseSum2:
		c.sumDict = latest.SumDict
		c.seedDict = latest.SeedDict
		c.enterSum2(ctx, &aggregator.Result{Vector: latest.MaskedModel, Count: latest.MaskedCount})
	}
	return nil
}

func (c *Coordinator) restoreModel(ctx context.Context, r *protocol.Round) {
	ref := r.ResultReference
	if ref == "" {
		ref = r.ModelReference
	}
	if ref == "" {
		return
	}
	m, err := c.store.LoadModel(ctx, ref)
	if err != nil {
		c.log.Error("Failed to load global model", "ref", ref, "err", err)
		c.events.StoreFailed("load_model", err)
		return
	}
	c.model = m
	c.modelRef = ref
}

// startRound is the Idle state: it creates and persists the next round and
// moves on to Sum.
func (c *Coordinator) startRound(ctx context.Context) {
	var seed protocol.RoundSeed
	if _, err := io.ReadFull(c.rand, seed[:]); err != nil {
		c.fatal = fmt.Errorf("generating round seed: %w", err)
		return
	}

	var prevID uint64
	if c.round != nil {
		prevID = c.round.ID
	}
	sumTarget, updateTarget := c.cfg.Targets()

	c.round = &protocol.Round{
		ID:             prevID + 1,
		Phase:          protocol.PhaseIdle,
		Seed:           seed,
		SumRatio:       c.cfg.SumRatio,
		UpdateRatio:    c.cfg.UpdateRatio,
		SumTarget:      sumTarget,
		UpdateTarget:   updateTarget,
		ModelLength:    c.cfg.ModelLength,
		Mask:           c.cfg.Mask,
		ModelReference: c.modelRef,
		Owner:          c.instance,
	}
	c.sumDict, c.seedDict = nil, nil
	c.agg.Reset()

	c.persist(ctx)
	if c.fatal != nil {
		return
	}
	c.log.Info("Round started", "round", c.round.ID, "seed", seed.String(),
		"sumTarget", sumTarget, "updateTarget", updateTarget)
	c.events.PhaseEntered(c.round.ID, protocol.PhaseIdle)

	c.enterSum(ctx)
}

// enterPhase records the new phase and its deadline, persists the round and
// only then announces the phase.
func (c *Coordinator) enterPhase(ctx context.Context, phase protocol.Phase) {
	d := c.cfg.PhaseDuration(phase)
	now := time.Now()
	c.round.Phase = phase
	c.round.Deadlines.Set(phase, now.Add(d).UTC())
	c.phaseStart = now

	c.persist(ctx)
	if c.fatal != nil {
		return
	}

	c.startTimer(d)
	c.log.Info("Phase entered", "round", c.round.ID, "phase", phase, "deadline", c.round.Deadlines.For(phase))
	c.events.PhaseEntered(c.round.ID, phase)
	c.publish()
}

func (c *Coordinator) exitPhase(contributors int) {
	c.stopTimer()
	elapsed := time.Since(c.phaseStart)
	c.log.Info("Phase finished", "round", c.round.ID, "phase", c.round.Phase,
		"contributors", contributors, "elapsed", elapsed)
	c.events.PhaseExited(c.round.ID, c.round.Phase, contributors, elapsed)
}

func (c *Coordinator) enterSum(ctx context.Context) {
	c.sumDict = make(protocol.SumDict, c.round.SumTarget)
	c.enterPhase(ctx, protocol.PhaseSum)
}

// enterUpdate freezes the sum dictionary and prepares the accumulator for
// masked models.
func (c *Coordinator) enterUpdate(ctx context.Context) {
	c.round.SumDict = c.sumDict
	c.seedDict = make(protocol.SeedDict, len(c.sumDict))
	for sumPK := range c.sumDict {
		c.seedDict[sumPK] = make(protocol.SeedColumn)
	}
	c.agg.BeginPhase(int(c.round.ModelLength), int(c.round.UpdateTarget))
	c.enterPhase(ctx, protocol.PhaseUpdate)
}

// enterSum2 freezes the seed dictionary and the masked sum and prepares the
// accumulator for one mask share per sum participant.
func (c *Coordinator) enterSum2(ctx context.Context, masked *aggregator.Result) {
	c.round.SeedDict = c.seedDict
	c.round.MaskedModel = masked.Vector
	c.round.MaskedCount = masked.Count
	c.agg.BeginPhase(int(c.round.ModelLength), len(c.sumDict))
	c.enterPhase(ctx, protocol.PhaseSum2)
}

// advance moves to the next phase once the current one has what it needs.
// At the deadline a phase may also move on short of its target, as long as
// it has at least one contributor.
func (c *Coordinator) advance(ctx context.Context, deadline bool) {
	switch c.round.Phase {
	case protocol.PhaseSum:
		n := len(c.sumDict)
		switch {
		case n >= int(c.round.SumTarget) || (deadline && n > 0):
			c.exitPhase(n)
			c.enterUpdate(ctx)
		case deadline:
			c.abort(ctx, "no sum participants before the deadline")
		}

	case protocol.PhaseUpdate:
		n := c.agg.Count()
		switch {
		case n >= int(c.round.UpdateTarget) || (deadline && n > 0):
			c.exitPhase(n)
			masked, err := c.agg.Finalize()
			if err != nil {
				c.abort(ctx, err.Error())
				return
			}
			c.enterSum2(ctx, masked)
		case deadline:
			c.abort(ctx, "no update participants before the deadline")
		}

	case protocol.PhaseSum2:
		n := c.agg.Count()
		switch {
		case n == len(c.sumDict):
			c.exitPhase(n)
			c.complete(ctx)
		case deadline:
			c.abort(ctx, fmt.Sprintf("%d of %d mask shares before the deadline", n, len(c.sumDict)))
		}
	}
}

// complete unmasks the aggregate, replaces the global model and starts the
// next round.
func (c *Coordinator) complete(ctx context.Context) {
	maskSum, err := c.agg.Finalize()
	if err != nil {
		c.abort(ctx, err.Error())
		return
	}
	masked := &aggregator.Result{Vector: c.round.MaskedModel, Count: c.round.MaskedCount}
	model, err := aggregator.Unmask(masked, maskSum, c.round.Mask)
	if err != nil {
		c.abort(ctx, fmt.Sprintf("unmasking failed: %v", err))
		return
	}

	ref := store.ModelReference(c.round.ID)
	saveCtx, cancel := storeContext(ctx)
	err = c.store.SaveModel(saveCtx, ref, model)
	cancel()
	if err != nil {
		c.degraded = true
		c.log.Error("Failed to save global model", "round", c.round.ID, "err", err)
		c.events.StoreFailed("save_model", err)
	}
	c.model = model
	c.modelRef = ref

	updaters := int(c.round.MaskedCount)
	c.round.Phase = protocol.PhaseIdle
	c.round.ResultReference = ref
	c.clearRoundState()
	c.persist(ctx)
	if c.fatal != nil {
		return
	}

	c.log.Info("Round completed", "round", c.round.ID, "updaters", updaters, "model", ref)
	c.events.RoundCompleted(c.round.ID, updaters)
	c.startRound(ctx)
}

// abort moves the round to Error and schedules the next round after the
// cooldown. Nothing of the round is kept.
func (c *Coordinator) abort(ctx context.Context, reason string) {
	c.stopTimer()
	phase := c.round.Phase
	c.agg.Reset()
	c.round.Phase = protocol.PhaseError
	c.clearRoundState()
	c.persist(ctx)
	if c.fatal != nil {
		return
	}

	c.log.Warn("Round aborted", "round", c.round.ID, "phase", phase, "reason", reason)
	c.events.RoundAborted(c.round.ID, phase, reason)
	c.events.PhaseEntered(c.round.ID, protocol.PhaseError)
	c.startTimer(c.cfg.ErrorCooldown)
	c.publish()
}

func (c *Coordinator) clearRoundState() {
	c.sumDict, c.seedDict = nil, nil
	c.round.SumDict = nil
	c.round.SeedDict = nil
	c.round.MaskedModel = nil
	c.round.MaskedCount = 0
}

func (c *Coordinator) onDeadline(ctx context.Context) {
	c.timer = nil
	if c.round.Phase == protocol.PhaseError {
		c.startRound(ctx)
		return
	}
	c.advance(ctx, true)
}

// handle applies a verified message on the state machine goroutine.
func (c *Coordinator) handle(ctx context.Context, msg *protocol.Message) error {
	phase := msg.Tag.Phase()
	if err := c.admit(msg); err != nil {
		c.log.Debug("Message rejected", "round", msg.RoundID, "phase", phase,
			"participant", msg.Participant.String(), "err", err)
		c.events.ParticipantRejected(msg.RoundID, phase, err)
		return err
	}

	count := c.contributors()
	c.events.ParticipantAdmitted(c.round.ID, phase, count)
	c.advance(ctx, false)
	if c.round.Phase == phase {
		c.publish()
	}
	return nil
}

func (c *Coordinator) contributors() int {
	if c.round.Phase == protocol.PhaseSum {
		return len(c.sumDict)
	}
	return c.agg.Count()
}

// admit checks round, phase and role, then applies the payload. Nothing
// is changed unless it returns nil.
func (c *Coordinator) admit(msg *protocol.Message) error {
	r := c.round
	switch {
	case r == nil:
		return ErrWrongPhase
	case msg.RoundID < r.ID:
		return fmt.Errorf("%w: got %d, current %d", ErrStaleRound, msg.RoundID, r.ID)
	case msg.RoundID > r.ID:
		return fmt.Errorf("%w: got %d, current %d", ErrFutureRound, msg.RoundID, r.ID)
	case msg.Tag.Phase() != r.Phase:
		return fmt.Errorf("%w: got %s, current %s", ErrWrongPhase, msg.Tag.Phase(), r.Phase)
	}
	if !r.Selector().Eligible(msg.Participant, r.Seed, r.Phase) {
		return ErrNotEligible
	}

	switch p := msg.Payload.(type) {
	case *protocol.SumPayload:
		return c.admitSum(msg.Participant, p)
	case *protocol.UpdatePayload:
		return c.admitUpdate(msg.Participant, p)
	case *protocol.Sum2Payload:
		return c.admitSum2(msg.Participant, p)
	default:
		return fmt.Errorf("%w: unexpected payload %T", protocol.ErrMalformed, msg.Payload)
	}
}

func (c *Coordinator) admitSum(participant crypto.PublicKey, p *protocol.SumPayload) error {
	key := participant.String()
	if _, ok := c.sumDict[key]; ok {
		return fmt.Errorf("%w: %s", aggregator.ErrDuplicateContributor, key)
	}
	if len(c.sumDict) >= int(c.round.SumTarget) {
		return aggregator.ErrTooManyContributions
	}
	if p.EphemeralPK.IsZero() {
		return fmt.Errorf("%w: empty ephemeral key", crypto.ErrInvalidKey)
	}
	c.sumDict[key] = p.EphemeralPK
	return nil
}

// admitUpdate accepts a masked model whose seed dictionary addresses
// exactly the frozen sum participants. Seeds are recorded only after the
// masked model was accepted by the aggregator.
func (c *Coordinator) admitUpdate(participant crypto.PublicKey, p *protocol.UpdatePayload) error {
	if p.EphemeralPK.IsZero() {
		return fmt.Errorf("%w: empty ephemeral key", crypto.ErrInvalidKey)
	}
	if len(p.LocalSeedDict) != len(c.sumDict) {
		return fmt.Errorf("%w: %d seeds for %d sum participants", ErrInvalidSeedDict, len(p.LocalSeedDict), len(c.sumDict))
	}
	for _, e := range p.LocalSeedDict {
		if _, ok := c.sumDict[e.SumPK.String()]; !ok {
			return fmt.Errorf("%w: unknown sum participant %s", ErrInvalidSeedDict, e.SumPK)
		}
	}

	err := c.agg.Accept(aggregator.Contribution{Contributor: participant, Vector: p.MaskedModel})
	if err != nil {
		return err
	}

	updater := participant.String()
	for _, e := range p.LocalSeedDict {
		c.seedDict[e.SumPK.String()][updater] = protocol.EncryptedSeed{
			UpdaterEphemeralPK: p.EphemeralPK,
			Ciphertext:         e.Seed,
		}
	}
	return nil
}

func (c *Coordinator) admitSum2(participant crypto.PublicKey, p *protocol.Sum2Payload) error {
	if _, ok := c.sumDict[participant.String()]; !ok {
		return fmt.Errorf("%w: not in the sum dictionary", ErrNotEligible)
	}
	return c.agg.Accept(aggregator.Contribution{Contributor: participant, Vector: p.MaskShare})
}

// ErrorReason maps a submission error to a short label for metrics and
// logs.
func ErrorReason(err error) string {
	for _, e := range []struct {
		target error
		reason string
	}{
		{ErrStaleRound, "stale_round"},
		{ErrFutureRound, "future_round"},
		{ErrWrongPhase, "wrong_phase"},
		{ErrNotEligible, "not_eligible"},
		{ErrInvalidSeedDict, "invalid_seed_dict"},
		{ErrShutdown, "shutdown"},
		{ErrBusy, "busy"},
		{protocol.ErrMalformed, "malformed"},
		{protocol.ErrVersionMismatch, "version_mismatch"},
		{crypto.ErrForged, "forged"},
		{crypto.ErrInvalidKey, "invalid_key"},
		{aggregator.ErrDimensionMismatch, "dimension_mismatch"},
		{aggregator.ErrDuplicateContributor, "duplicate"},
		{aggregator.ErrTooManyContributions, "too_many"},
		{aggregator.ErrInvalidElement, "invalid_element"},
	} {
		if errors.Is(err, e.target) {
			return e.reason
		}
	}
	return "other"
}
