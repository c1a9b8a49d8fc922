package aggregator

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// Model is the global model: a flat vector of weights.
type Model []float64

// Clone returns a copy of the model.
func (m Model) Clone() Model {
	return slices.Clone(m)
}

// Encode maps weights into the mask field using the fixed-point
// representation of cfg. Weights outside [-Bound, Bound] are clamped.
func Encode(m Model, cfg protocol.MaskConfig) ([]uint64, error) {
	scale := cfg.Scale()
	out := make([]uint64, len(m))
	for i, x := range m {
		if math.IsNaN(x) {
			return nil, fmt.Errorf("weight %d is NaN", i)
		}
		x = min(max(x, -cfg.Bound), cfg.Bound)
		out[i] = uint64(math.Round((x + cfg.Bound) * scale))
	}
	return out, nil
}

// Decode maps the sum of count encoded models back to their average.
func Decode(sum []uint64, count uint32, cfg protocol.MaskConfig) (Model, error) {
	if count == 0 {
		return nil, ErrEmptyAggregate
	}
	if uint64(count) > cfg.Capacity() {
		return nil, fmt.Errorf("%d contributions exceed mask capacity %d", count, cfg.Capacity())
	}

	div := float64(count) * cfg.Scale()
	limit := uint64(count) * cfg.MaxEncoded()
	out := make(Model, len(sum))
	for i, v := range sum {
		if v > limit {
			return nil, fmt.Errorf("%w: index %d out of range after unmasking", ErrInvalidElement, i)
		}
		out[i] = float64(v)/div - cfg.Bound
	}
	return out, nil
}

// Unmask removes the aggregate mask from the masked sum and averages over
// the actual number of masked contributions.
func Unmask(masked, mask *Result, cfg protocol.MaskConfig) (Model, error) {
	if masked == nil || masked.Count == 0 {
		return nil, ErrEmptyAggregate
	}
	if mask == nil {
		return nil, errors.New("missing aggregate mask")
	}
	if len(masked.Vector) != len(mask.Vector) {
		return nil, fmt.Errorf("%w: masked %d, mask %d", ErrDimensionMismatch, len(masked.Vector), len(mask.Vector))
	}

	sum := slices.Clone(masked.Vector)
	crypto.FieldSubInplace(sum, mask.Vector)
	return Decode(sum, masked.Count, cfg)
}
