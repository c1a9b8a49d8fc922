package coordinator

import (
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
)

// Status is a point-in-time view of the state machine.
type Status struct {
	RoundID        uint64         `json:"round_id"`
	Phase          protocol.Phase `json:"phase"`
	Deadline       time.Time      `json:"deadline,omitzero"`
	Contributors   int            `json:"contributors"`
	SumTarget      uint32         `json:"sum_target"`
	UpdateTarget   uint32         `json:"update_target"`
	ModelReference string         `json:"model_reference,omitempty"`
	Degraded       bool           `json:"degraded"`
	Instance       string         `json:"instance"`
}

// snapshot is published by the state machine after every change. Maps and
// slices in it are never written after publication.
type snapshot struct {
	status       Status
	params       *protocol.RoundParameters
	signedParams []byte
	sumDict      protocol.SumDict
	seedDict     protocol.SeedDict
	model        aggregator.Model
}

func (c *Coordinator) publish() {
	s := &snapshot{
		status: Status{
			Degraded:       c.degraded,
			Instance:       c.instance,
			ModelReference: c.modelRef,
		},
		model: c.model,
	}

	if r := c.round; r != nil {
		s.status.RoundID = r.ID
		s.status.Phase = r.Phase
		s.status.Deadline = r.Deadlines.For(r.Phase)
		s.status.SumTarget = r.SumTarget
		s.status.UpdateTarget = r.UpdateTarget
		if r.Phase.Active() {
			s.status.Contributors = c.contributors()
		}

		// Parameters only change on phase entry.
		prev := c.snap.Load()
		if prev != nil && prev.params != nil && prev.params.RoundID == r.ID && prev.params.Phase == r.Phase {
			s.params, s.signedParams = prev.params, prev.signedParams
		} else {
			s.params = r.Parameters(c.pubKey)
			signed, err := protocol.EncodeRoundParameters(s.params, c.signer)
			if err != nil {
				c.log.Error("Failed to sign round parameters", "round", r.ID, "err", err)
			}
			s.signedParams = signed
		}

		switch r.Phase {
		case protocol.PhaseUpdate:
			s.sumDict = r.SumDict
		case protocol.PhaseSum2:
			s.sumDict = r.SumDict
			s.seedDict = r.SeedDict
		}
	}

	c.snap.Store(s)
}

func (c *Coordinator) publishShutdown() {
	prev := c.snap.Load()
	s := &snapshot{}
	if prev != nil {
		*s = *prev
	}
	s.status.Phase = protocol.PhaseShutdown
	s.status.Deadline = time.Time{}
	s.status.Degraded = c.degraded
	s.params, s.signedParams = nil, nil
	s.sumDict, s.seedDict = nil, nil
	c.snap.Store(s)
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return c.snap.Load().status
}

// CurrentRoundParameters returns the announcement of the current phase, or
// nil before the first round started and after shutdown.
func (c *Coordinator) CurrentRoundParameters() *protocol.RoundParameters {
	p := c.snap.Load().params
	if p == nil {
		return nil
	}
	cp := *p
	cp.CoordinatorPK = crypto.NewPublicKeyFromBytes(p.CoordinatorPK)
	return &cp
}

// SignedRoundParameters returns the encoded and signed announcement of the
// current phase, or nil if there is none.
func (c *Coordinator) SignedRoundParameters() []byte {
	signed := c.snap.Load().signedParams
	if signed == nil {
		return nil
	}
	return append([]byte(nil), signed...)
}

// SumDict returns a copy of the frozen sum dictionary. It is available
// from Update on and nil during Sum.
func (c *Coordinator) SumDict() protocol.SumDict {
	return c.snap.Load().sumDict.Clone()
}

// SeedDictFor returns a copy of the seeds addressed to one sum
// participant (hex key). It is available during Sum2.
func (c *Coordinator) SeedDictFor(sumPK string) (protocol.SeedColumn, bool) {
	col, ok := c.snap.Load().seedDict[sumPK]
	if !ok {
		return nil, false
	}
	return col.Clone(), true
}

// GlobalModel returns a copy of the current global model and the reference
// it is stored under. The model is nil until one is available.
func (c *Coordinator) GlobalModel() (aggregator.Model, string) {
	s := c.snap.Load()
	return s.model.Clone(), s.status.ModelReference
}
