// Package participant composes the messages of a secure aggregation
// participant: registering as sum participant, submitting a masked model
// with sealed mask seeds, and returning the mask share.
package participant

import (
	"errors"
	"fmt"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// Participant holds the keys of a participant and composes its messages.
// The signing key identifies the participant across rounds; the encryption
// key is ephemeral and should be replaced for every round.
type Participant struct {
	PK crypto.PublicKey
	SK crypto.PrivateKey

	EphemeralPK crypto.EncryptPublicKey
	EphemeralSK crypto.EncryptPrivateKey
}

// NewParticipant generates a participant with fresh keys.
func NewParticipant() (*Participant, error) {
	pk, sk, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	p := &Participant{PK: pk, SK: sk}
	if err := p.RotateEphemeralKey(); err != nil {
		return nil, err
	}
	return p, nil
}

// RotateEphemeralKey replaces the encryption key pair.
func (p *Participant) RotateEphemeralKey() error {
	epk, esk, err := crypto.GenerateEncryptKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate encryption key: %w", err)
	}
	p.EphemeralSK.Wipe()
	p.EphemeralPK, p.EphemeralSK = epk, esk
	return nil
}

// Role returns the role of the participant in the announced round.
func (p *Participant) Role(params *protocol.RoundParameters) protocol.Role {
	return params.Selector().Role(p.PK, params.Seed)
}

// SumMessage registers the participant's ephemeral key for round roundID.
func (p *Participant) SumMessage(roundID uint64) ([]byte, error) {
	return protocol.EncodeMessage(roundID, &protocol.SumPayload{EphemeralPK: p.EphemeralPK}, p.SK)
}

// UpdatePayload encodes model, masks it with one fresh seed per sum
// participant and seals every seed for its recipient.
func (p *Participant) UpdatePayload(params *protocol.RoundParameters, model aggregator.Model, sumDict protocol.SumDict) (*protocol.UpdatePayload, error) {
	if len(sumDict) == 0 {
		return nil, errors.New("empty sum dictionary")
	}
	masked, err := aggregator.Encode(model, params.Mask)
	if err != nil {
		return nil, err
	}

	payload := &protocol.UpdatePayload{
		EphemeralPK:   p.EphemeralPK,
		MaskedModel:   masked,
		LocalSeedDict: make([]protocol.SeedEntry, 0, len(sumDict)),
	}
	for _, key := range sumDict.Keys() {
		sumPK, err := crypto.NewPublicKeyFromString(key)
		if err != nil {
			return nil, fmt.Errorf("sum dictionary key %q: %w", key, err)
		}

		seed, err := crypto.GenerateMaskSeed()
		if err != nil {
			return nil, err
		}
		crypto.FieldAddInplace(masked, crypto.DeriveMask(seed, len(masked)))
		ct, err := seed.Seal(sumDict[key], &p.EphemeralSK)
		seed.Wipe()
		if err != nil {
			return nil, fmt.Errorf("sealing seed for %s: %w", key, err)
		}

		payload.LocalSeedDict = append(payload.LocalSeedDict, protocol.SeedEntry{SumPK: sumPK, Seed: ct})
	}
	return payload, nil
}

// UpdateMessage encodes and signs the payload of UpdatePayload.
func (p *Participant) UpdateMessage(params *protocol.RoundParameters, model aggregator.Model, sumDict protocol.SumDict) ([]byte, error) {
	payload, err := p.UpdatePayload(params, model, sumDict)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeMessage(params.RoundID, payload, p.SK)
}

// MaskShare opens every seed of column and sums the masks they expand to.
func (p *Participant) MaskShare(column protocol.SeedColumn, length int) ([]uint64, error) {
	share := make([]uint64, length)
	for updater, entry := range column {
		seed, err := crypto.OpenMaskSeed(entry.Ciphertext, entry.UpdaterEphemeralPK, &p.EphemeralSK)
		if err != nil {
			return nil, fmt.Errorf("opening seed of %s: %w", updater, err)
		}
		crypto.FieldAddInplace(share, crypto.DeriveMask(seed, length))
		seed.Wipe()
	}
	return share, nil
}

// Sum2Message submits the mask share derived from column.
func (p *Participant) Sum2Message(params *protocol.RoundParameters, column protocol.SeedColumn) ([]byte, error) {
	share, err := p.MaskShare(column, int(params.ModelLength))
	if err != nil {
		return nil, err
	}
	return protocol.EncodeMessage(params.RoundID, &protocol.Sum2Payload{MaskShare: share}, p.SK)
}
