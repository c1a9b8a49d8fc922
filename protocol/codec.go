package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/flashbots/secagg/crypto"
)

// ProtocolVersion is the only wire version this package reads and writes.
// Any incompatible layout change must bump it.
const ProtocolVersion uint8 = 1

// HeaderSize is the size of the fixed message header:
// version, tag, flags, round id, participant key, payload length.
const HeaderSize = 1 + 1 + 2 + 8 + crypto.PublicKeySize + 4

var (
	// ErrMalformed reports truncated input, trailing bytes, an unknown tag
	// or a payload that does not match its tag.
	ErrMalformed = errors.New("codec: malformed message")

	// ErrVersionMismatch reports a message with an unsupported version byte.
	ErrVersionMismatch = errors.New("codec: unsupported protocol version")
)

// Header is the fixed prefix shared by every encoded message.
type Header struct {
	Version     uint8
	Tag         Tag
	RoundID     uint64
	Participant crypto.PublicKey
}

// Payload is the tag-specific body of a participant message. It is
// implemented only by SumPayload, UpdatePayload and Sum2Payload.
type Payload interface {
	Tag() Tag
	size() int
	appendTo(b []byte) []byte
}

// SumPayload announces the key a sum participant receives mask seeds on.
type SumPayload struct {
	EphemeralPK crypto.EncryptPublicKey
}

// SeedEntry is one encrypted mask seed of an update participant, addressed
// to the sum participant SumPK.
type SeedEntry struct {
	SumPK crypto.PublicKey
	Seed  crypto.Ciphertext
}

// UpdatePayload carries a masked model and the seeds of its mask, one per
// sum participant.
type UpdatePayload struct {
	EphemeralPK   crypto.EncryptPublicKey
	MaskedModel   []uint64
	LocalSeedDict []SeedEntry
}

// Sum2Payload carries a sum participant's share of the aggregate mask.
type Sum2Payload struct {
	MaskShare []uint64
}

func (*SumPayload) Tag() Tag    { return TagSum }
func (*UpdatePayload) Tag() Tag { return TagUpdate }
func (*Sum2Payload) Tag() Tag   { return TagSum2 }

func (p *SumPayload) size() int { return crypto.EncryptKeySize }

func (p *SumPayload) appendTo(b []byte) []byte {
	return append(b, p.EphemeralPK[:]...)
}

func (p *UpdatePayload) size() int {
	return crypto.EncryptKeySize + vectorSize(p.MaskedModel) + 4 +
		len(p.LocalSeedDict)*(crypto.PublicKeySize+crypto.SealedSeedSize)
}

func (p *UpdatePayload) appendTo(b []byte) []byte {
	b = append(b, p.EphemeralPK[:]...)
	b = appendVector(b, p.MaskedModel)
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.LocalSeedDict)))
	for _, e := range p.LocalSeedDict {
		b = append(b, e.SumPK...)
		b = append(b, e.Seed...)
	}
	return b
}

func (p *Sum2Payload) size() int { return vectorSize(p.MaskShare) }

func (p *Sum2Payload) appendTo(b []byte) []byte {
	return appendVector(b, p.MaskShare)
}

// Message is a decoded participant message. Decoding does not authenticate
// it: callers must call Verify before acting on the content.
type Message struct {
	Header
	Payload   Payload
	Signature crypto.Signature

	signed []byte
}

// Verify checks the signature over the encoded header and payload against
// the declared participant key.
func (m *Message) Verify() error {
	if len(m.signed) == 0 || !m.Signature.Verify(m.Participant, m.signed) {
		return crypto.ErrForged
	}
	return nil
}

// EncodeMessage encodes and signs a participant message for round roundID.
func EncodeMessage(roundID uint64, payload Payload, sk crypto.PrivateKey) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("nil payload")
	}
	if err := checkPayload(payload); err != nil {
		return nil, err
	}
	return encodeFrame(payload.Tag(), roundID, payload.size(), payload.appendTo, sk)
}

func checkPayload(payload Payload) error {
	if up, ok := payload.(*UpdatePayload); ok {
		for _, e := range up.LocalSeedDict {
			if len(e.SumPK) != crypto.PublicKeySize || len(e.Seed) != crypto.SealedSeedSize {
				return fmt.Errorf("%w: seed entry has wrong size", ErrMalformed)
			}
		}
	}
	if payload.size() > math.MaxUint32 {
		return fmt.Errorf("%w: payload too large", ErrMalformed)
	}
	return nil
}

func encodeFrame(tag Tag, roundID uint64, payloadSize int, appendPayload func([]byte) []byte, sk crypto.PrivateKey) ([]byte, error) {
	pk, err := sk.PublicKey()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, HeaderSize+payloadSize+crypto.SignatureSize)
	buf = append(buf, ProtocolVersion, byte(tag), 0, 0)
	buf = binary.BigEndian.AppendUint64(buf, roundID)
	buf = append(buf, pk...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(payloadSize))
	buf = appendPayload(buf)
	if len(buf) != HeaderSize+payloadSize {
		return nil, fmt.Errorf("%w: payload size mismatch", ErrMalformed)
	}

	sig, err := crypto.Sign(sk, buf)
	if err != nil {
		return nil, err
	}
	return append(buf, sig...), nil
}

// DecodeMessage parses a participant message. It fails with
// ErrVersionMismatch on an unknown version and ErrMalformed on anything else
// that does not match the layout.
func DecodeMessage(raw []byte) (*Message, error) {
	hdr, body, sig, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}

	var payload Payload
	r := &reader{b: body}
	switch hdr.Tag {
	case TagSum:
		payload = decodeSum(r)
	case TagUpdate:
		payload = decodeUpdate(r)
	case TagSum2:
		payload = &Sum2Payload{MaskShare: r.vector()}
	default:
		return nil, fmt.Errorf("%w: unexpected tag %s", ErrMalformed, hdr.Tag)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}

	return &Message{
		Header:    hdr,
		Payload:   payload,
		Signature: sig,
		signed:    append([]byte(nil), raw[:len(raw)-crypto.SignatureSize]...),
	}, nil
}

// splitFrame validates the header and returns it with the payload bytes and
// the trailing signature.
func splitFrame(raw []byte) (Header, []byte, crypto.Signature, error) {
	if len(raw) == 0 {
		return Header{}, nil, nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if raw[0] != ProtocolVersion {
		return Header{}, nil, nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, raw[0], ProtocolVersion)
	}
	if len(raw) < HeaderSize+crypto.SignatureSize {
		return Header{}, nil, nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	r := &reader{b: raw[:HeaderSize]}
	hdr := Header{Version: r.u8(), Tag: Tag(r.u8())}
	if flags := r.u16(); flags != 0 {
		return Header{}, nil, nil, fmt.Errorf("%w: reserved flags set", ErrMalformed)
	}
	hdr.RoundID = r.u64()
	hdr.Participant = crypto.NewPublicKeyFromBytes(r.take(crypto.PublicKeySize))
	payloadLen := r.u32()

	if int64(payloadLen) != int64(len(raw)-HeaderSize-crypto.SignatureSize) {
		return Header{}, nil, nil, fmt.Errorf("%w: payload length %d does not match frame", ErrMalformed, payloadLen)
	}

	body := raw[HeaderSize : HeaderSize+int(payloadLen)]
	sig := crypto.NewSignature(raw[len(raw)-crypto.SignatureSize:])
	return hdr, body, sig, nil
}

func decodeSum(r *reader) *SumPayload {
	p := &SumPayload{}
	copy(p.EphemeralPK[:], r.take(crypto.EncryptKeySize))
	return p
}

func decodeUpdate(r *reader) *UpdatePayload {
	p := &UpdatePayload{}
	copy(p.EphemeralPK[:], r.take(crypto.EncryptKeySize))
	p.MaskedModel = r.vector()

	n := r.u32()
	entrySize := crypto.PublicKeySize + crypto.SealedSeedSize
	if r.err == nil && int64(n)*int64(entrySize) > int64(len(r.b)) {
		r.fail("seed dictionary truncated")
		return p
	}
	seen := make(map[string]struct{}, n)
	p.LocalSeedDict = make([]SeedEntry, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		e := SeedEntry{
			SumPK: crypto.NewPublicKeyFromBytes(r.take(crypto.PublicKeySize)),
			Seed:  crypto.Ciphertext(append([]byte(nil), r.take(crypto.SealedSeedSize)...)),
		}
		if _, dup := seen[e.SumPK.String()]; dup {
			r.fail("duplicate seed dictionary key")
			break
		}
		seen[e.SumPK.String()] = struct{}{}
		p.LocalSeedDict = append(p.LocalSeedDict, e)
	}
	return p
}

func vectorSize(v []uint64) int {
	return 4 + 8*len(v)
}

func appendVector(b []byte, v []uint64) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	for _, x := range v {
		b = binary.BigEndian.AppendUint64(b, x)
	}
	return b
}

// reader consumes big endian fields and records the first failure.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformed, reason)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.fail("truncated")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) vector() []uint64 {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int64(n)*8 > int64(len(r.b)) {
		r.fail("vector truncated")
		return nil
	}
	v := make([]uint64, n)
	for i := range v {
		v[i] = r.u64()
	}
	return v
}

// finish reports the first decoding failure, or trailing bytes.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	return nil
}
