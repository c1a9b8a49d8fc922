package coordinator

import "errors"

// Protocol errors reject a single message. The participant may retry in a
// later round.
var (
	ErrStaleRound      = errors.New("protocol: message for a past round")
	ErrFutureRound     = errors.New("protocol: message for a future round")
	ErrWrongPhase      = errors.New("protocol: message for another phase")
	ErrNotEligible     = errors.New("protocol: participant not selected for this phase")
	ErrInvalidSeedDict = errors.New("protocol: seed dictionary does not match the sum dictionary")
)

var (
	// ErrShutdown is returned for submissions after shutdown began.
	ErrShutdown = errors.New("coordinator: shutting down")

	// ErrBusy is returned when the intake queue is full.
	ErrBusy = errors.New("coordinator: intake queue full")

	// ErrOwnershipLost stops Run when another instance wrote the round.
	ErrOwnershipLost = errors.New("coordinator: round ownership lost")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)

// IsProtocolError reports whether err rejects a message for its round,
// phase or role rather than its encoding or content.
func IsProtocolError(err error) bool {
	for _, target := range []error{ErrStaleRound, ErrFutureRound, ErrWrongPhase, ErrNotEligible, ErrInvalidSeedDict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
