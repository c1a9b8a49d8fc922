package testutil

import (
	"testing"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/participant"
	"github.com/flashbots/secagg/protocol"
	"github.com/stretchr/testify/require"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption modifies a protocol configuration.
type TestConfigOption func(*protocol.Config)

// WithTargets sets explicit sum and update targets.
func WithTargets(sum, update uint32) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.SumTarget = sum
		cfg.UpdateTarget = update
	}
}

// WithRatios sets the selection ratios.
func WithRatios(sum, update float64) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.SumRatio = sum
		cfg.UpdateRatio = update
	}
}

// WithModelLength sets the number of model weights.
func WithModelLength(n uint32) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.ModelLength = n
	}
}

// WithPhaseDuration sets the same deadline for all active phases.
func WithPhaseDuration(d time.Duration) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.SumDuration = d
		cfg.UpdateDuration = d
		cfg.Sum2Duration = d
	}
}

// WithErrorCooldown sets the pause after an aborted round.
func WithErrorCooldown(d time.Duration) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.ErrorCooldown = d
	}
}

// WithQueueSize sets the intake queue capacity.
func WithQueueSize(n int) TestConfigOption {
	return func(cfg *protocol.Config) {
		cfg.IntakeQueueSize = n
	}
}

// NewTestConfig returns a small configuration: two sum participants, three
// updaters and a four-weight model. Every participant not selected for sum
// is an updater, and deadlines are long enough never to fire in a test that
// does not ask for it.
func NewTestConfig(options ...TestConfigOption) protocol.Config {
	cfg := protocol.Config{
		SumRatio:             0.5,
		UpdateRatio:          1,
		ExpectedParticipants: 10,
		SumTarget:            2,
		UpdateTarget:         3,
		ModelLength:          4,
		Mask:                 protocol.MaskConfig{Precision: 6, Bound: 100},
		SumDuration:          time.Minute,
		UpdateDuration:       time.Minute,
		Sum2Duration:         time.Minute,
		ErrorCooldown:        time.Minute,
		IntakeQueueSize:      16,
	}
	for _, option := range options {
		option(&cfg)
	}
	return cfg
}

// =====================================
// Simulated participants
// =====================================

// Participant wraps participant.Participant with helpers that fail the
// test instead of returning errors.
type Participant struct {
	*participant.Participant
}

// NewParticipant generates a participant with fresh keys.
func NewParticipant(t testing.TB) *Participant {
	t.Helper()
	p, err := participant.NewParticipant()
	require.NoError(t, err)
	return &Participant{Participant: p}
}

// ParticipantWithRole generates participants until one holds role in the
// round announced by params.
func ParticipantWithRole(t testing.TB, params *protocol.RoundParameters, role protocol.Role) *Participant {
	t.Helper()
	for range 10000 {
		p := NewParticipant(t)
		if p.Role(params) == role {
			return p
		}
	}
	t.Fatalf("no participant with role %v found", role)
	return nil
}

// ParticipantsWithRole generates n participants holding role.
func ParticipantsWithRole(t testing.TB, params *protocol.RoundParameters, role protocol.Role, n int) []*Participant {
	t.Helper()
	out := make([]*Participant, n)
	for i := range out {
		out[i] = ParticipantWithRole(t, params, role)
	}
	return out
}

// SumMessage registers the participant's ephemeral key.
func (p *Participant) SumMessage(t testing.TB, roundID uint64) []byte {
	t.Helper()
	raw, err := p.Participant.SumMessage(roundID)
	require.NoError(t, err)
	return raw
}

// UpdatePayload masks model and seals one seed per sum participant.
func (p *Participant) UpdatePayload(t testing.TB, params *protocol.RoundParameters, model aggregator.Model, sumDict protocol.SumDict) *protocol.UpdatePayload {
	t.Helper()
	payload, err := p.Participant.UpdatePayload(params, model, sumDict)
	require.NoError(t, err)
	return payload
}

// UpdateMessage encodes and signs UpdatePayload.
func (p *Participant) UpdateMessage(t testing.TB, params *protocol.RoundParameters, model aggregator.Model, sumDict protocol.SumDict) []byte {
	t.Helper()
	raw, err := p.Participant.UpdateMessage(params, model, sumDict)
	require.NoError(t, err)
	return raw
}

// Sum2Message submits the mask share derived from column.
func (p *Participant) Sum2Message(t testing.TB, params *protocol.RoundParameters, column protocol.SeedColumn) []byte {
	t.Helper()
	raw, err := p.Participant.Sum2Message(params, column)
	require.NoError(t, err)
	return raw
}

// ExpectedAverage returns the average the coordinator computes from the
// unmasked sum of models.
func ExpectedAverage(t testing.TB, cfg protocol.MaskConfig, models ...aggregator.Model) aggregator.Model {
	t.Helper()
	require.NotEmpty(t, models)
	sum := make([]uint64, len(models[0]))
	for _, m := range models {
		enc, err := aggregator.Encode(m, cfg)
		require.NoError(t, err)
		crypto.FieldAddInplace(sum, enc)
	}
	avg, err := aggregator.Decode(sum, uint32(len(models)), cfg)
	require.NoError(t, err)
	return avg
}
