package protocol

import (
	"encoding/binary"

	"github.com/flashbots/secagg/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	selectDomain = []byte("secagg-select")
	sumTask      = []byte("sum")
	updateTask   = []byte("update")
)

// SelectionValue maps (seed, task, participant) to a value in [0, 1). It is a
// SHA3-256 based PRF and unrelated to the mask generator.
func SelectionValue(participant crypto.PublicKey, seed RoundSeed, task []byte) float64 {
	h := sha3.New256()
	h.Write(selectDomain)
	h.Write(seed[:])
	h.Write(task)
	h.Write(participant)
	digest := h.Sum(nil)

	// The top 53 bits are exactly representable, so the result is < 1.
	return float64(binary.BigEndian.Uint64(digest[:8])>>11) / (1 << 53)
}

// SelectRole reports the role participant is admitted to in phase, given the
// round seed and the ratio configured for that role. Sum and Sum2 use the sum
// task, Update the update task. Other phases admit nobody.
func SelectRole(participant crypto.PublicKey, seed RoundSeed, phase Phase, ratio float64) Role {
	var task []byte
	var role Role
	switch phase {
	case PhaseSum, PhaseSum2:
		task, role = sumTask, RoleSum
	case PhaseUpdate:
		task, role = updateTask, RoleUpdate
	default:
		return RoleNone
	}
	if ratio <= 0 {
		return RoleNone
	}
	if SelectionValue(participant, seed, task) < ratio {
		return role
	}
	return RoleNone
}

// Selector holds the selection ratios of a round.
type Selector struct {
	SumRatio    float64
	UpdateRatio float64
}

// Role returns the single role of participant in the round. Sum selection
// takes precedence: a participant selected for sum is never an updater.
func (s Selector) Role(participant crypto.PublicKey, seed RoundSeed) Role {
	if SelectRole(participant, seed, PhaseSum, s.SumRatio) == RoleSum {
		return RoleSum
	}
	return SelectRole(participant, seed, PhaseUpdate, s.UpdateRatio)
}

// Eligible reports whether participant may submit in phase.
func (s Selector) Eligible(participant crypto.PublicKey, seed RoundSeed, phase Phase) bool {
	switch phase {
	case PhaseSum, PhaseSum2:
		return s.Role(participant, seed) == RoleSum
	case PhaseUpdate:
		return s.Role(participant, seed) == RoleUpdate
	}
	return false
}
