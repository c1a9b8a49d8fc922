package participant

import (
	"testing"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/stretchr/testify/require"
)

func testParams() *protocol.RoundParameters {
	return &protocol.RoundParameters{
		RoundID:     7,
		Phase:       protocol.PhaseUpdate,
		SumRatio:    0.5,
		UpdateRatio: 1,
		ModelLength: 3,
		Mask:        protocol.MaskConfig{Precision: 3, Bound: 10},
	}
}

func newParticipants(t *testing.T, n int) []*Participant {
	t.Helper()
	out := make([]*Participant, n)
	for i := range out {
		p, err := NewParticipant()
		require.NoError(t, err)
		out[i] = p
	}
	return out
}

func TestMasksCancelOut(t *testing.T) {
	params := testParams()
	sums := newParticipants(t, 2)
	updaters := newParticipants(t, 3)
	models := []aggregator.Model{{1, 2, 3}, {-4, 0.5, 9.999}, {0, 0, -10}}

	sumDict := protocol.SumDict{}
	for _, s := range sums {
		sumDict[s.PK.String()] = s.EphemeralPK
	}

	maskedSum := make([]uint64, params.ModelLength)
	plainSum := make([]uint64, params.ModelLength)
	seedDict := protocol.SeedDict{}
	for i, u := range updaters {
		payload, err := u.UpdatePayload(params, models[i], sumDict)
		require.NoError(t, err)
		require.Len(t, payload.LocalSeedDict, len(sums))

		enc, err := aggregator.Encode(models[i], params.Mask)
		require.NoError(t, err)
		require.NotEqual(t, enc, payload.MaskedModel)
		crypto.FieldAddInplace(plainSum, enc)
		crypto.FieldAddInplace(maskedSum, payload.MaskedModel)

		for _, e := range payload.LocalSeedDict {
			require.Len(t, e.Seed, crypto.SealedSeedSize)
			col := seedDict[e.SumPK.String()]
			if col == nil {
				col = protocol.SeedColumn{}
				seedDict[e.SumPK.String()] = col
			}
			col[u.PK.String()] = protocol.EncryptedSeed{UpdaterEphemeralPK: u.EphemeralPK, Ciphertext: e.Seed}
		}
	}

	for _, s := range sums {
		share, err := s.MaskShare(seedDict[s.PK.String()], int(params.ModelLength))
		require.NoError(t, err)
		crypto.FieldSubInplace(maskedSum, share)
	}
	require.Equal(t, plainSum, maskedSum)
}

func TestMessagesVerify(t *testing.T) {
	params := testParams()
	ps := newParticipants(t, 2)
	sum, upd := ps[0], ps[1]
	sumDict := protocol.SumDict{sum.PK.String(): sum.EphemeralPK}

	raw, err := sum.SumMessage(params.RoundID)
	require.NoError(t, err)
	msg, err := protocol.DecodeMessage(raw)
	require.NoError(t, err)
	require.NoError(t, msg.Verify())
	require.Equal(t, protocol.TagSum, msg.Tag)
	require.Equal(t, sum.EphemeralPK, msg.Payload.(*protocol.SumPayload).EphemeralPK)

	raw, err = upd.UpdateMessage(params, aggregator.Model{1, 2, 3}, sumDict)
	require.NoError(t, err)
	msg, err = protocol.DecodeMessage(raw)
	require.NoError(t, err)
	require.NoError(t, msg.Verify())
	require.True(t, msg.Participant.Equal(upd.PK))

	payload := msg.Payload.(*protocol.UpdatePayload)
	col := protocol.SeedColumn{upd.PK.String(): {UpdaterEphemeralPK: upd.EphemeralPK, Ciphertext: payload.LocalSeedDict[0].Seed}}
	raw, err = sum.Sum2Message(params, col)
	require.NoError(t, err)
	msg, err = protocol.DecodeMessage(raw)
	require.NoError(t, err)
	require.Len(t, msg.Payload.(*protocol.Sum2Payload).MaskShare, int(params.ModelLength))
}

func TestMaskShareRejectsForeignSeeds(t *testing.T) {
	params := testParams()
	ps := newParticipants(t, 3)
	sum, other, upd := ps[0], ps[1], ps[2]

	payload, err := upd.UpdatePayload(params, aggregator.Model{1, 2, 3}, protocol.SumDict{other.PK.String(): other.EphemeralPK})
	require.NoError(t, err)

	col := protocol.SeedColumn{upd.PK.String(): {UpdaterEphemeralPK: upd.EphemeralPK, Ciphertext: payload.LocalSeedDict[0].Seed}}
	_, err = sum.MaskShare(col, int(params.ModelLength))
	require.ErrorIs(t, err, crypto.ErrForged)
}

func TestUpdateRequiresSumParticipants(t *testing.T) {
	p, err := NewParticipant()
	require.NoError(t, err)
	_, err = p.UpdatePayload(testParams(), aggregator.Model{1, 2, 3}, nil)
	require.Error(t, err)
}

func TestRotateEphemeralKey(t *testing.T) {
	p, err := NewParticipant()
	require.NoError(t, err)
	before := p.EphemeralPK
	require.NoError(t, p.RotateEphemeralKey())
	require.NotEqual(t, before, p.EphemeralPK)
}
