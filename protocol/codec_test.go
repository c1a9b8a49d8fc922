package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/stretchr/testify/require"
)

func setupTestUpdatePayload(t *testing.T, nSums int) *UpdatePayload {
	t.Helper()

	ephmPK, ephmSK, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)

	p := &UpdatePayload{
		EphemeralPK: ephmPK,
		MaskedModel: []uint64{1, 2, 3, crypto.MaskFieldOrder - 1},
	}
	for i := 0; i < nSums; i++ {
		sumPK, _, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		recipient, _, err := crypto.GenerateEncryptKeyPair()
		require.NoError(t, err)
		seed, err := crypto.GenerateMaskSeed()
		require.NoError(t, err)
		ct, err := seed.Seal(recipient, &ephmSK)
		require.NoError(t, err)
		p.LocalSeedDict = append(p.LocalSeedDict, SeedEntry{SumPK: sumPK, Seed: ct})
	}
	return p
}

func TestEncodeDecodeMessages(t *testing.T) {
	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ephmPK, _, err := crypto.GenerateEncryptKeyPair()
	require.NoError(t, err)

	payloads := []Payload{
		&SumPayload{EphemeralPK: ephmPK},
		setupTestUpdatePayload(t, 3),
		&Sum2Payload{MaskShare: []uint64{7, 8, 9}},
		&Sum2Payload{MaskShare: []uint64{}},
	}

	for _, payload := range payloads {
		t.Run(payload.Tag().String(), func(t *testing.T) {
			raw, err := EncodeMessage(42, payload, sk)
			require.NoError(t, err)

			msg, err := DecodeMessage(raw)
			require.NoError(t, err)
			require.NoError(t, msg.Verify())

			require.Equal(t, ProtocolVersion, msg.Version)
			require.Equal(t, payload.Tag(), msg.Tag)
			require.Equal(t, uint64(42), msg.RoundID)
			require.True(t, msg.Participant.Equal(pk))
			require.Equal(t, payload, msg.Payload)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	raw, err := EncodeMessage(1, setupTestUpdatePayload(t, 2), sk)
	require.NoError(t, err)

	// Every strict prefix is rejected as malformed.
	for n := 1; n < len(raw); n++ {
		_, err := DecodeMessage(raw[:n])
		require.ErrorIs(t, err, ErrMalformed, "prefix of length %d", n)
	}

	_, err = DecodeMessage(nil)
	require.ErrorIs(t, err, ErrMalformed)

	trailing := append(append([]byte(nil), raw...), 0)
	_, err = DecodeMessage(trailing)
	require.ErrorIs(t, err, ErrMalformed)

	unknownTag := append([]byte(nil), raw...)
	unknownTag[1] = 99
	_, err = DecodeMessage(unknownTag)
	require.ErrorIs(t, err, ErrMalformed)

	flags := append([]byte(nil), raw...)
	flags[3] = 1
	_, err = DecodeMessage(flags)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsVersion(t *testing.T) {
	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	raw, err := EncodeMessage(1, &Sum2Payload{MaskShare: []uint64{1}}, sk)
	require.NoError(t, err)

	raw[0] = ProtocolVersion + 1
	_, err = DecodeMessage(raw)
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.False(t, errors.Is(err, ErrMalformed))
}

func TestDecodeRejectsPayloadTagMismatch(t *testing.T) {
	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// A sum payload relabelled as sum2 no longer parses.
	raw, err := EncodeMessage(1, &SumPayload{}, sk)
	require.NoError(t, err)
	raw[1] = byte(TagSum2)
	_, err = DecodeMessage(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsDuplicateSeedEntries(t *testing.T) {
	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := setupTestUpdatePayload(t, 2)
	p.LocalSeedDict[1].SumPK = p.LocalSeedDict[0].SumPK
	raw, err := EncodeMessage(1, p, sk)
	require.NoError(t, err)

	_, err = DecodeMessage(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyDetectsForgery(t *testing.T) {
	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherPK, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	raw, err := EncodeMessage(5, &Sum2Payload{MaskShare: []uint64{1, 2}}, sk)
	require.NoError(t, err)

	// Tampered payload still decodes but fails verification.
	tampered := append([]byte(nil), raw...)
	tampered[HeaderSize+4+7] ^= 1
	msg, err := DecodeMessage(tampered)
	require.NoError(t, err)
	require.ErrorIs(t, msg.Verify(), crypto.ErrForged)

	// Claiming another participant's key fails verification.
	substituted := append([]byte(nil), raw...)
	copy(substituted[12:12+crypto.PublicKeySize], otherPK)
	msg, err = DecodeMessage(substituted)
	require.NoError(t, err)
	require.ErrorIs(t, msg.Verify(), crypto.ErrForged)

	// A hand-built message was never signed.
	require.ErrorIs(t, (&Message{}).Verify(), crypto.ErrForged)
}

func TestRoundParametersCodec(t *testing.T) {
	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	params := &RoundParameters{
		RoundID:      9,
		Phase:        PhaseUpdate,
		Seed:         RoundSeed{1, 2, 3},
		SumRatio:     0.25,
		UpdateRatio:  0.5,
		SumTarget:    3,
		UpdateTarget: 10,
		ModelLength:  128,
		Mask:         MaskConfig{Precision: 6, Bound: 10},
		Deadline:     time.UnixMilli(1_700_000_000_123).UTC(),
	}

	raw, err := EncodeRoundParameters(params, sk)
	require.NoError(t, err)

	decoded, err := DecodeRoundParameters(raw)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	require.True(t, decoded.CoordinatorPK.Equal(pk))
	require.Equal(t, params.Seed, decoded.Seed)
	require.Equal(t, params.Phase, decoded.Phase)
	require.Equal(t, params.Mask, decoded.Mask)
	require.Equal(t, params.UpdateTarget, decoded.UpdateTarget)
	require.True(t, params.Deadline.Equal(decoded.Deadline))

	// Participant decoders do not accept the announcement and vice versa.
	_, err = DecodeMessage(raw)
	require.ErrorIs(t, err, ErrMalformed)

	msg, err := EncodeMessage(9, &SumPayload{}, sk)
	require.NoError(t, err)
	_, err = DecodeRoundParameters(msg)
	require.ErrorIs(t, err, ErrMalformed)

	raw[HeaderSize+5] ^= 0xff
	forged, err := DecodeRoundParameters(raw)
	require.NoError(t, err)
	require.ErrorIs(t, forged.Verify(), crypto.ErrForged)
}

func FuzzDecodeMessage(f *testing.F) {
	_, sk, _ := crypto.GenerateKeyPair()
	sum, _ := EncodeMessage(1, &SumPayload{}, sk)
	sum2, _ := EncodeMessage(1, &Sum2Payload{MaskShare: []uint64{1, 2, 3}}, sk)
	f.Add(sum)
	f.Add(sum2)
	f.Add([]byte{ProtocolVersion})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, raw []byte) {
		msg, err := DecodeMessage(raw)
		if err != nil {
			// Invariant 1: Failures are always typed
			if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrVersionMismatch) {
				t.Fatalf("untyped decode error: %v", err)
			}
			return
		}

		// Invariant 2: Decoded tag and payload agree
		if msg.Payload.Tag() != msg.Tag {
			t.Fatalf("payload %s under tag %s", msg.Payload.Tag(), msg.Tag)
		}
	})
}
