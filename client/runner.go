package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/participant"
	"github.com/flashbots/secagg/protocol"
)

var (
	// ErrNotSelected is returned by RunRound for a participant without a
	// role in the current round.
	ErrNotSelected = errors.New("client: not selected in this round")

	// ErrRoundMissed is returned when the round moved past the phase the
	// participant needed.
	ErrRoundMissed = errors.New("client: round moved on")
)

// Trainer produces the local model of an update participant.
type Trainer func(ctx context.Context, params *protocol.RoundParameters) (aggregator.Model, error)

// Runner takes part in rounds on behalf of one participant.
type Runner struct {
	API          *APIClient
	Participant  *participant.Participant
	Train        Trainer
	PollInterval time.Duration
}

// RunRound joins the round currently announced and performs the task the
// participant is selected for. Sum participants must join during Sum;
// update participants may join during Sum or Update.
func (r *Runner) RunRound(ctx context.Context) (protocol.Role, error) {
	if err := r.Participant.RotateEphemeralKey(); err != nil {
		return protocol.RoleNone, err
	}

	params, err := r.API.Params(ctx)
	if err != nil {
		return protocol.RoleNone, err
	}

	role := r.Participant.Role(params)
	switch role {
	case protocol.RoleSum:
		return role, r.runSum(ctx, params)
	case protocol.RoleUpdate:
		return role, r.runUpdate(ctx, params)
	default:
		return role, ErrNotSelected
	}
}

func (r *Runner) runSum(ctx context.Context, params *protocol.RoundParameters) error {
	if params.Phase != protocol.PhaseSum {
		return fmt.Errorf("%w: round %d is in %s", ErrRoundMissed, params.RoundID, params.Phase)
	}
	raw, err := r.Participant.SumMessage(params.RoundID)
	if err != nil {
		return err
	}
	if err := r.API.Submit(ctx, protocol.TagSum, params.RoundID, raw); err != nil {
		return fmt.Errorf("submitting sum message: %w", err)
	}

	params, err = r.waitForPhase(ctx, params.RoundID, protocol.PhaseSum2)
	if err != nil {
		return err
	}
	seeds, err := r.API.Seeds(ctx, r.Participant.PK)
	if err != nil {
		return fmt.Errorf("fetching seeds: %w", err)
	}
	if seeds.RoundID != params.RoundID {
		return fmt.Errorf("%w: seeds are for round %d", ErrRoundMissed, seeds.RoundID)
	}

	raw, err = r.Participant.Sum2Message(params, seeds.Seeds)
	if err != nil {
		return err
	}
	if err := r.API.Submit(ctx, protocol.TagSum2, params.RoundID, raw); err != nil {
		return fmt.Errorf("submitting mask share: %w", err)
	}
	return nil
}

func (r *Runner) runUpdate(ctx context.Context, params *protocol.RoundParameters) error {
	params, err := r.waitForPhase(ctx, params.RoundID, protocol.PhaseUpdate)
	if err != nil {
		return err
	}

	model, err := r.Train(ctx, params)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	sums, err := r.API.Sums(ctx)
	if err != nil {
		return fmt.Errorf("fetching sum dictionary: %w", err)
	}
	if sums.RoundID != params.RoundID {
		return fmt.Errorf("%w: sum dictionary is for round %d", ErrRoundMissed, sums.RoundID)
	}

	raw, err := r.Participant.UpdateMessage(params, model, sums.Sums)
	if err != nil {
		return err
	}
	if err := r.API.Submit(ctx, protocol.TagUpdate, params.RoundID, raw); err != nil {
		return fmt.Errorf("submitting update: %w", err)
	}
	return nil
}

// waitForPhase polls the round parameters until round roundID reaches
// phase. It fails with ErrRoundMissed once the round is past it.
func (r *Runner) waitForPhase(ctx context.Context, roundID uint64, phase protocol.Phase) (*protocol.RoundParameters, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		params, err := r.API.Params(ctx)
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Temporary():
		case err != nil:
			return nil, err
		case params.RoundID != roundID || params.Phase > phase:
			return nil, fmt.Errorf("%w: round %d is in %s, wanted round %d in %s",
				ErrRoundMissed, params.RoundID, params.Phase, roundID, phase)
		case params.Phase == phase:
			return params, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
