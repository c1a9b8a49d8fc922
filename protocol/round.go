package protocol

import (
	"maps"
	"slices"
	"time"

	"github.com/flashbots/secagg/crypto"
)

// SumDict maps sum participant keys (hex) to the encryption key they
// receive mask seeds on.
type SumDict map[string]crypto.EncryptPublicKey

// EncryptedSeed is a mask seed sealed by an update participant for one sum
// participant.
type EncryptedSeed struct {
	UpdaterEphemeralPK crypto.EncryptPublicKey `json:"updater_ephm_pk"`
	Ciphertext         crypto.Ciphertext       `json:"ciphertext"`
}

// SeedColumn maps update participant keys (hex) to the seed they sealed for
// a single sum participant.
type SeedColumn map[string]EncryptedSeed

// SeedDict maps sum participant keys (hex) to their seed column.
type SeedDict map[string]SeedColumn

// Clone returns a deep copy.
func (d SumDict) Clone() SumDict {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Keys returns the sum participant keys in sorted order.
func (d SumDict) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Clone returns a deep copy.
func (d SeedDict) Clone() SeedDict {
	if d == nil {
		return nil
	}
	out := make(SeedDict, len(d))
	for sumPK, col := range d {
		out[sumPK] = col.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (c SeedColumn) Clone() SeedColumn {
	if c == nil {
		return nil
	}
	out := make(SeedColumn, len(c))
	for k, v := range c {
		out[k] = EncryptedSeed{
			UpdaterEphemeralPK: v.UpdaterEphemeralPK,
			Ciphertext:         slices.Clone(v.Ciphertext),
		}
	}
	return out
}

// Deadlines are the per-phase deadlines of a round. Only the deadline of
// the phase in progress is meaningful; later ones are set on phase entry.
type Deadlines struct {
	Sum    time.Time `json:"sum,omitzero"`
	Update time.Time `json:"update,omitzero"`
	Sum2   time.Time `json:"sum2,omitzero"`
}

// For returns the deadline of phase p.
func (d Deadlines) For(p Phase) time.Time {
	switch p {
	case PhaseSum:
		return d.Sum
	case PhaseUpdate:
		return d.Update
	case PhaseSum2:
		return d.Sum2
	}
	return time.Time{}
}

// Set records the deadline of phase p.
func (d *Deadlines) Set(p Phase, t time.Time) {
	switch p {
	case PhaseSum:
		d.Sum = t
	case PhaseUpdate:
		d.Update = t
	case PhaseSum2:
		d.Sum2 = t
	}
}

// Round is the durable record of a round. It is written on every phase
// transition, before the new phase is announced.
type Round struct {
	ID    uint64    `json:"id"`
	Phase Phase     `json:"phase"`
	Seed  RoundSeed `json:"seed"`

	SumRatio     float64    `json:"sum_ratio"`
	UpdateRatio  float64    `json:"update_ratio"`
	SumTarget    uint32     `json:"sum_target"`
	UpdateTarget uint32     `json:"update_target"`
	ModelLength  uint32     `json:"model_length"`
	Mask         MaskConfig `json:"mask"`
	Deadlines    Deadlines  `json:"deadlines"`

	// ModelReference names the global model the round started from,
	// ResultReference the model it produced once completed.
	ModelReference  string `json:"model_reference,omitempty"`
	ResultReference string `json:"result_reference,omitempty"`

	// SumDict is frozen when Sum ends.
	SumDict SumDict `json:"sum_dict,omitempty"`

	// SeedDict and the masked aggregate are frozen when Update ends.
	SeedDict    SeedDict `json:"seed_dict,omitempty"`
	MaskedModel []uint64 `json:"masked_model,omitempty"`
	MaskedCount uint32   `json:"masked_count,omitempty"`

	// Owner is the instance that wrote the record.
	Owner string `json:"owner"`

	// Version is bumped by every successful save and checked by the next.
	Version uint64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	c.SumDict = r.SumDict.Clone()
	c.SeedDict = r.SeedDict.Clone()
	c.MaskedModel = slices.Clone(r.MaskedModel)
	return &c
}

// Selector returns the role selector of the round.
func (r *Round) Selector() Selector {
	return Selector{SumRatio: r.SumRatio, UpdateRatio: r.UpdateRatio}
}

// Parameters returns the announcement for the round's current phase.
func (r *Round) Parameters(coordinator crypto.PublicKey) *RoundParameters {
	return &RoundParameters{
		RoundID:       r.ID,
		Phase:         r.Phase,
		Seed:          r.Seed,
		SumRatio:      r.SumRatio,
		UpdateRatio:   r.UpdateRatio,
		SumTarget:     r.SumTarget,
		UpdateTarget:  r.UpdateTarget,
		ModelLength:   r.ModelLength,
		Mask:          r.Mask,
		Deadline:      r.Deadlines.For(r.Phase),
		CoordinatorPK: coordinator,
	}
}
