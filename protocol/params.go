package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/flashbots/secagg/crypto"
)

// RoundSeedSize is the size of the public per-round seed.
const RoundSeedSize = 32

// RoundSeed is the public randomness of a round. Role selection is derived
// from it, so it is generated once per round and persisted with it.
type RoundSeed [RoundSeedSize]byte

func (s RoundSeed) String() string {
	return hex.EncodeToString(s[:])
}

func (s RoundSeed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoundSeed) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != RoundSeedSize {
		return fmt.Errorf("round seed must be %d bytes, got %d", RoundSeedSize, len(b))
	}
	copy(s[:], b)
	return nil
}

// RoundParameters is the announcement participants need to take part in the
// current phase of a round.
type RoundParameters struct {
	RoundID       uint64           `json:"round_id"`
	Phase         Phase            `json:"phase"`
	Seed          RoundSeed        `json:"seed"`
	SumRatio      float64          `json:"sum_ratio"`
	UpdateRatio   float64          `json:"update_ratio"`
	SumTarget     uint32           `json:"sum_target"`
	UpdateTarget  uint32           `json:"update_target"`
	ModelLength   uint32           `json:"model_length"`
	Mask          MaskConfig       `json:"mask"`
	Deadline      time.Time        `json:"deadline"`
	CoordinatorPK crypto.PublicKey `json:"coordinator_pk"`

	signed    []byte
	signature crypto.Signature
}

const paramsPayloadSize = 1 + RoundSeedSize + 8 + 8 + 4 + 4 + 4 + 1 + 8 + 8

// Selector returns the role selector of these parameters.
func (p *RoundParameters) Selector() Selector {
	return Selector{SumRatio: p.SumRatio, UpdateRatio: p.UpdateRatio}
}

// EncodeRoundParameters encodes p and signs it with the coordinator key. The
// coordinator key is written into the header in place of a participant key.
func EncodeRoundParameters(p *RoundParameters, sk crypto.PrivateKey) ([]byte, error) {
	return encodeFrame(TagRoundParameters, p.RoundID, paramsPayloadSize, func(b []byte) []byte {
		b = append(b, byte(p.Phase))
		b = append(b, p.Seed[:]...)
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(p.SumRatio))
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(p.UpdateRatio))
		b = binary.BigEndian.AppendUint32(b, p.SumTarget)
		b = binary.BigEndian.AppendUint32(b, p.UpdateTarget)
		b = binary.BigEndian.AppendUint32(b, p.ModelLength)
		b = append(b, p.Mask.Precision)
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(p.Mask.Bound))
		b = binary.BigEndian.AppendUint64(b, uint64(p.Deadline.UnixMilli()))
		return b
	}, sk)
}

// DecodeRoundParameters parses an encoded announcement. As with messages,
// decoding does not authenticate: call Verify.
func DecodeRoundParameters(raw []byte) (*RoundParameters, error) {
	hdr, body, sig, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Tag != TagRoundParameters {
		return nil, fmt.Errorf("%w: unexpected tag %s", ErrMalformed, hdr.Tag)
	}

	r := &reader{b: body}
	p := &RoundParameters{
		RoundID:       hdr.RoundID,
		Phase:         Phase(r.u8()),
		CoordinatorPK: hdr.Participant,
	}
	copy(p.Seed[:], r.take(RoundSeedSize))
	p.SumRatio = r.f64()
	p.UpdateRatio = r.f64()
	p.SumTarget = r.u32()
	p.UpdateTarget = r.u32()
	p.ModelLength = r.u32()
	p.Mask.Precision = r.u8()
	p.Mask.Bound = r.f64()
	p.Deadline = time.UnixMilli(int64(r.u64())).UTC()
	if err := r.finish(); err != nil {
		return nil, err
	}
	if !p.Phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %d", ErrMalformed, p.Phase)
	}

	p.signed = append([]byte(nil), raw[:len(raw)-crypto.SignatureSize]...)
	p.signature = sig
	return p, nil
}

// Verify checks the coordinator signature of decoded parameters.
func (p *RoundParameters) Verify() error {
	if len(p.signed) == 0 || !p.signature.Verify(p.CoordinatorPK, p.signed) {
		return crypto.ErrForged
	}
	return nil
}
