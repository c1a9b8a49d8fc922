// Package aggregator accumulates masked vectors over the mask field and
// turns the masked sum of a round into the averaged global model.
//
// One Aggregation serves one phase at a time: BeginPhase resets it,
// Accept adds a contribution, Finalize hands out the sum exactly once.
// During Update it sums masked models, during Sum2 it sums mask shares;
// Unmask combines both results.
package aggregator

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/flashbots/secagg/crypto"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDimensionMismatch    = errors.New("aggregation: vector length does not match the model")
	ErrDuplicateContributor = errors.New("aggregation: duplicate contributor")
	ErrEmptyAggregate       = errors.New("aggregation: no contributions")
	ErrTooManyContributions = errors.New("aggregation: contributor limit reached")
	ErrInvalidElement       = errors.New("aggregation: element outside the mask field")
	ErrNoPhase              = errors.New("aggregation: no phase in progress")
)

// parallelChunk is the chunk size above which vector additions are split
// across goroutines.
const parallelChunk = 1 << 14

// Contribution is a vector submitted by one participant.
type Contribution struct {
	Contributor crypto.PublicKey
	Vector      []uint64
}

// Result is the sum of the vectors accepted during a phase.
type Result struct {
	Vector []uint64 `json:"vector"`
	Count  uint32   `json:"count"`
}

// Aggregation is the accumulator of a single phase. It is not safe for
// concurrent use; the round state machine owns it.
type Aggregation struct {
	active          bool
	length          int
	maxContributors int

	sum          []uint64
	contributors map[string]struct{}
}

// New returns an idle aggregation. Call BeginPhase before Accept.
func New() *Aggregation {
	return &Aggregation{}
}

// BeginPhase discards any previous state and prepares to sum vectors of
// length elements from at most maxContributors participants. A
// maxContributors of zero means no limit.
func (a *Aggregation) BeginPhase(length, maxContributors int) {
	a.active = true
	a.length = length
	a.maxContributors = maxContributors
	a.sum = make([]uint64, length)
	a.contributors = make(map[string]struct{})
}

// Active reports whether a phase is in progress.
func (a *Aggregation) Active() bool {
	return a.active
}

// Count returns the number of accepted contributions of the current phase.
func (a *Aggregation) Count() int {
	return len(a.contributors)
}

// Has reports whether contributor was already accepted in this phase.
func (a *Aggregation) Has(contributor crypto.PublicKey) bool {
	_, ok := a.contributors[contributor.String()]
	return ok
}

// Validate checks c against the current phase without changing it.
func (a *Aggregation) Validate(c Contribution) error {
	if !a.active {
		return ErrNoPhase
	}
	if len(c.Vector) != a.length {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(c.Vector), a.length)
	}
	if a.Has(c.Contributor) {
		return fmt.Errorf("%w: %s", ErrDuplicateContributor, c.Contributor)
	}
	if a.maxContributors > 0 && len(a.contributors) >= a.maxContributors {
		return ErrTooManyContributions
	}
	for i, v := range c.Vector {
		if !crypto.IsFieldElement(v) {
			return fmt.Errorf("%w: index %d", ErrInvalidElement, i)
		}
	}
	return nil
}

// Accept validates c and adds it to the running sum.
func (a *Aggregation) Accept(c Contribution) error {
	if err := a.Validate(c); err != nil {
		return err
	}
	addInto(a.sum, c.Vector)
	a.contributors[c.Contributor.String()] = struct{}{}
	return nil
}

// Finalize returns the sum of the phase and ends it. The accumulator is not
// readable afterwards. It fails with ErrEmptyAggregate if nothing was
// accepted.
func (a *Aggregation) Finalize() (*Result, error) {
	if !a.active {
		return nil, ErrNoPhase
	}
	count := len(a.contributors)
	sum := a.sum
	a.Reset()

	if count == 0 {
		return nil, ErrEmptyAggregate
	}
	return &Result{Vector: sum, Count: uint32(count)}, nil
}

// Reset drops the current phase without producing a result.
func (a *Aggregation) Reset() {
	a.active = false
	a.sum = nil
	a.contributors = nil
}

// Sum adds up results of the same length, for example when combining the
// mask shares of several sum participants.
func Sum(results ...*Result) (*Result, error) {
	if len(results) == 0 {
		return nil, ErrEmptyAggregate
	}
	out := &Result{Vector: make([]uint64, len(results[0].Vector))}
	for _, r := range results {
		if len(r.Vector) != len(out.Vector) {
			return nil, ErrDimensionMismatch
		}
		addInto(out.Vector, r.Vector)
		out.Count += r.Count
	}
	return out, nil
}

// addInto performs dst += src over the mask field. Long vectors are split
// into chunks summed concurrently; the call returns once all are done.
func addInto(dst, src []uint64) {
	if len(dst) < 2*parallelChunk {
		crypto.FieldAddInplace(dst, src)
		return
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(dst); start += parallelChunk {
		end := min(start+parallelChunk, len(dst))
		g.Go(func() error {
			crypto.FieldAddInplace(dst[start:end], src[start:end])
			return nil
		})
	}
	_ = g.Wait()
}
