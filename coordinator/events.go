package coordinator

import (
	"time"

	"github.com/flashbots/secagg/protocol"
)

// Events receives the discrete events of the state machine. Implementations
// must be safe for concurrent use: rejections of undecodable messages are
// reported from the submitting goroutine.
type Events interface {
	PhaseEntered(roundID uint64, phase protocol.Phase)
	PhaseExited(roundID uint64, phase protocol.Phase, contributors int, elapsed time.Duration)
	ParticipantAdmitted(roundID uint64, phase protocol.Phase, contributors int)
	ParticipantRejected(roundID uint64, phase protocol.Phase, err error)
	RoundCompleted(roundID uint64, updaters int)
	RoundAborted(roundID uint64, phase protocol.Phase, reason string)
	StoreFailed(op string, err error)
}

// NopEvents discards all events.
type NopEvents struct{}

// PhaseEntered does nothing.
func (NopEvents) PhaseEntered(uint64, protocol.Phase) {}

// PhaseExited does nothing.
func (NopEvents) PhaseExited(uint64, protocol.Phase, int, time.Duration) {}

// ParticipantAdmitted does nothing.
func (NopEvents) ParticipantAdmitted(uint64, protocol.Phase, int) {}

// ParticipantRejected does nothing.
func (NopEvents) ParticipantRejected(uint64, protocol.Phase, error) {}

// RoundCompleted does nothing.
func (NopEvents) RoundCompleted(uint64, int) {}

// RoundAborted does nothing.
func (NopEvents) RoundAborted(uint64, protocol.Phase, string) {}

// StoreFailed does nothing.
func (NopEvents) StoreFailed(string, error) {}
