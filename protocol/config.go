package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/flashbots/secagg/crypto"
)

// MaskConfig describes the fixed-point representation model weights are
// encoded in before masking. A weight x in [-Bound, Bound] is encoded as
// round((x + Bound) * 10^Precision).
type MaskConfig struct {
	// Precision is the number of decimal digits kept.
	Precision uint8 `json:"precision" yaml:"precision"`

	// Bound clamps every weight to [-Bound, Bound].
	Bound float64 `json:"bound" yaml:"bound"`
}

// maxPrecision keeps 10^Precision exactly representable as a float64.
const maxPrecision = 15

// Scale returns 10^Precision.
func (c MaskConfig) Scale() float64 {
	return math.Pow10(int(c.Precision))
}

// MaxEncoded is the largest value a single encoded weight can take.
func (c MaskConfig) MaxEncoded() uint64 {
	return uint64(math.Round(2 * c.Bound * c.Scale()))
}

// Capacity is the number of encoded vectors that can be summed without
// wrapping around the mask field.
func (c MaskConfig) Capacity() uint64 {
	maxEncoded := c.MaxEncoded()
	if maxEncoded == 0 {
		return 0
	}
	return (crypto.MaskFieldOrder - 1) / maxEncoded
}

// Validate checks that the representation fits into the mask field.
func (c MaskConfig) Validate() error {
	if c.Precision > maxPrecision {
		return fmt.Errorf("mask precision %d exceeds %d", c.Precision, maxPrecision)
	}
	if !(c.Bound > 0) || math.IsInf(c.Bound, 0) {
		return fmt.Errorf("mask bound must be positive and finite, got %v", c.Bound)
	}
	if 2*c.Bound*c.Scale() >= float64(crypto.MaskFieldOrder) {
		return errors.New("mask bound and precision overflow the mask field")
	}
	if c.MaxEncoded() == 0 {
		return errors.New("mask bound is below the precision")
	}
	return nil
}

// Config holds the protocol parameters of a coordinator.
type Config struct {
	// SumRatio is the probability of a participant being selected for sum.
	SumRatio float64 `json:"sum_ratio" yaml:"sum_ratio"`

	// UpdateRatio is the probability of a participant not selected for sum
	// being selected for update.
	UpdateRatio float64 `json:"update_ratio" yaml:"update_ratio"`

	// ExpectedParticipants estimates the eligible population and is used to
	// derive the phase targets.
	ExpectedParticipants uint32 `json:"expected_participants" yaml:"expected_participants"`

	// SumTarget and UpdateTarget override the derived targets when non-zero.
	SumTarget    uint32 `json:"sum_target" yaml:"sum_target"`
	UpdateTarget uint32 `json:"update_target" yaml:"update_target"`

	// ModelLength is the number of weights in the global model.
	ModelLength uint32 `json:"model_length" yaml:"model_length"`

	Mask MaskConfig `json:"mask" yaml:"mask"`

	SumDuration    time.Duration `json:"sum_duration,string" yaml:"sum_duration"`
	UpdateDuration time.Duration `json:"update_duration,string" yaml:"update_duration"`
	Sum2Duration   time.Duration `json:"sum2_duration,string" yaml:"sum2_duration"`

	// ErrorCooldown is the pause between an aborted round and the next one.
	ErrorCooldown time.Duration `json:"error_cooldown,string" yaml:"error_cooldown"`

	// IntakeQueueSize bounds the number of submissions waiting for the
	// state machine.
	IntakeQueueSize int `json:"intake_queue_size" yaml:"intake_queue_size"`
}

// DefaultConfig returns a configuration suitable for local runs.
func DefaultConfig() Config {
	return Config{
		SumRatio:             0.01,
		UpdateRatio:          0.1,
		ExpectedParticipants: 10000,
		ModelLength:          1024,
		Mask:                 MaskConfig{Precision: 6, Bound: 100},
		SumDuration:          30 * time.Second,
		UpdateDuration:       60 * time.Second,
		Sum2Duration:         30 * time.Second,
		ErrorCooldown:        5 * time.Second,
		IntakeQueueSize:      1024,
	}
}

// Targets returns the sum and update participant targets:
// max(1, round(s*N)) and max(1, round(u*(1-s)*N)), unless overridden.
func (c Config) Targets() (sumTarget, updateTarget uint32) {
	n := float64(c.ExpectedParticipants)
	sumTarget = c.SumTarget
	if sumTarget == 0 {
		sumTarget = uint32(max(1, math.Round(c.SumRatio*n)))
	}
	updateTarget = c.UpdateTarget
	if updateTarget == 0 {
		updateTarget = uint32(max(1, math.Round(c.UpdateRatio*(1-c.SumRatio)*n)))
	}
	return sumTarget, updateTarget
}

// PhaseDuration returns the deadline duration of an active phase.
func (c Config) PhaseDuration(p Phase) time.Duration {
	switch p {
	case PhaseSum:
		return c.SumDuration
	case PhaseUpdate:
		return c.UpdateDuration
	case PhaseSum2:
		return c.Sum2Duration
	}
	return 0
}

// Validate rejects configurations the state machine cannot run with.
func (c Config) Validate() error {
	if math.IsNaN(c.SumRatio) || c.SumRatio < 0 || c.SumRatio > 1 {
		return fmt.Errorf("sum_ratio must be in [0, 1], got %v", c.SumRatio)
	}
	if math.IsNaN(c.UpdateRatio) || c.UpdateRatio < 0 || c.UpdateRatio > 1 {
		return fmt.Errorf("update_ratio must be in [0, 1], got %v", c.UpdateRatio)
	}
	if c.ExpectedParticipants == 0 && (c.SumTarget == 0 || c.UpdateTarget == 0) {
		return errors.New("expected_participants is required unless both targets are set")
	}
	if c.ModelLength == 0 {
		return errors.New("model_length must be positive")
	}
	if err := c.Mask.Validate(); err != nil {
		return err
	}
	if c.SumDuration <= 0 || c.UpdateDuration <= 0 || c.Sum2Duration <= 0 {
		return errors.New("phase durations must be positive")
	}
	if c.ErrorCooldown < 0 {
		return errors.New("error_cooldown must not be negative")
	}
	if c.IntakeQueueSize <= 0 {
		return errors.New("intake_queue_size must be positive")
	}
	if _, updateTarget := c.Targets(); uint64(updateTarget) > c.Mask.Capacity() {
		return fmt.Errorf("update target %d exceeds mask capacity %d", updateTarget, c.Mask.Capacity())
	}
	return nil
}
