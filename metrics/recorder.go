package metrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/secagg/coordinator"
	"github.com/flashbots/secagg/protocol"
)

// Recorder turns state machine events into metrics. It implements
// coordinator.Events.
type Recorder struct {
	set *metrics.Set

	roundID      *metrics.Gauge
	phase        *metrics.Gauge
	contributors *metrics.Gauge
	completed    *metrics.Counter
	updaters     *metrics.Gauge
}

var _ coordinator.Events = (*Recorder)(nil)

// NewRecorder registers the coordinator metrics in set. Use
// metrics.RegisterSet to serve them from the MetricsServer.
func NewRecorder(set *metrics.Set) *Recorder {
	return &Recorder{
		set:          set,
		roundID:      set.NewGauge("secagg_round_id", nil),
		phase:        set.NewGauge("secagg_phase", nil),
		contributors: set.NewGauge("secagg_phase_contributors", nil),
		completed:    set.NewCounter("secagg_rounds_completed_total"),
		updaters:     set.NewGauge("secagg_round_updaters", nil),
	}
}

// PhaseEntered sets the current round and phase gauges.
func (r *Recorder) PhaseEntered(roundID uint64, phase protocol.Phase) {
	r.roundID.Set(float64(roundID))
	r.phase.Set(float64(phase))
	r.contributors.Set(0)
	r.set.GetOrCreateCounter(fmt.Sprintf(`secagg_phase_entered_total{phase=%q}`, phase)).Inc()
}

// PhaseExited records the duration and contributor count of a phase.
func (r *Recorder) PhaseExited(_ uint64, phase protocol.Phase, contributors int, elapsed time.Duration) {
	r.set.GetOrCreateHistogram(fmt.Sprintf(`secagg_phase_duration_seconds{phase=%q}`, phase)).Update(elapsed.Seconds())
	r.set.GetOrCreateGauge(fmt.Sprintf(`secagg_phase_last_contributors{phase=%q}`, phase), nil).Set(float64(contributors))
}

// ParticipantAdmitted counts an accepted message.
func (r *Recorder) ParticipantAdmitted(_ uint64, phase protocol.Phase, contributors int) {
	r.contributors.Set(float64(contributors))
	r.set.GetOrCreateCounter(fmt.Sprintf(`secagg_messages_accepted_total{phase=%q}`, phase)).Inc()
}

// ParticipantRejected counts a rejected message by phase and reason.
func (r *Recorder) ParticipantRejected(_ uint64, phase protocol.Phase, err error) {
	r.set.GetOrCreateCounter(fmt.Sprintf(`secagg_messages_rejected_total{phase=%q,reason=%q}`,
		phase, coordinator.ErrorReason(err))).Inc()
}

// RoundCompleted counts a completed round.
func (r *Recorder) RoundCompleted(_ uint64, updaters int) {
	r.completed.Inc()
	r.updaters.Set(float64(updaters))
}

// RoundAborted counts an aborted round by the phase it failed in.
func (r *Recorder) RoundAborted(_ uint64, phase protocol.Phase, _ string) {
	r.set.GetOrCreateCounter(fmt.Sprintf(`secagg_rounds_aborted_total{phase=%q}`, phase)).Inc()
}

// StoreFailed counts a failed store operation.
func (r *Recorder) StoreFailed(op string, _ error) {
	r.set.GetOrCreateCounter(fmt.Sprintf(`secagg_store_errors_total{op=%q}`, op)).Inc()
}
