package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flashbots/secagg/aggregator"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/store"
	"github.com/google/uuid"
)

// storeTimeout bounds every write of the state machine.
const storeTimeout = 5 * time.Second

// Config wires a Coordinator to its collaborators.
type Config struct {
	Protocol protocol.Config

	Store store.Store

	// Signer signs round parameters and read-side documents.
	Signer crypto.PrivateKey

	// Log defaults to slog.Default().
	Log *slog.Logger

	// Events defaults to NopEvents.
	Events Events

	// Rand is the entropy source of round seeds; crypto/rand by default.
	Rand io.Reader

	// InstanceID is written as the owner of every saved record. A random
	// UUID is used when empty.
	InstanceID string

	// InitialModel is served until the first round completes, unless a
	// model is recovered from the store.
	InitialModel aggregator.Model
}

// Coordinator runs the round state machine. All mutation of round state
// happens on the goroutine executing Run; Submit hands messages to it over
// a bounded channel and the read accessors serve immutable snapshots.
type Coordinator struct {
	cfg      protocol.Config
	store    store.Store
	signer   crypto.PrivateKey
	pubKey   crypto.PublicKey
	log      *slog.Logger
	events   Events
	rand     io.Reader
	instance string

	requests chan *request
	done     chan struct{}
	running  atomic.Bool

	snap atomic.Pointer[snapshot]

	// Owned by the Run goroutine.
	round      *protocol.Round
	agg        *aggregator.Aggregation
	sumDict    protocol.SumDict
	seedDict   protocol.SeedDict
	model      aggregator.Model
	modelRef   string
	timer      *time.Timer
	phaseStart time.Time
	degraded   bool
	fatal      error
}

type request struct {
	msg    *protocol.Message
	result chan error
}

// New validates the configuration and creates a coordinator. It does not
// touch the store until Run.
func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.Protocol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol config: %w", err)
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	pubKey, err := cfg.Signer.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid signer: %w", err)
	}
	if cfg.InitialModel != nil && len(cfg.InitialModel) != int(cfg.Protocol.ModelLength) {
		return nil, fmt.Errorf("initial model has %d weights, want %d", len(cfg.InitialModel), cfg.Protocol.ModelLength)
	}

	c := &Coordinator{
		cfg:      cfg.Protocol,
		store:    cfg.Store,
		signer:   cfg.Signer,
		pubKey:   pubKey,
		log:      cfg.Log,
		events:   cfg.Events,
		rand:     cfg.Rand,
		instance: cfg.InstanceID,
		requests: make(chan *request, cfg.Protocol.IntakeQueueSize),
		done:     make(chan struct{}),
		agg:      aggregator.New(),
		model:    cfg.InitialModel.Clone(),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.events == nil {
		c.events = NopEvents{}
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	if c.instance == "" {
		c.instance = uuid.NewString()
	}
	c.log = c.log.With("instance", c.instance)
	c.publish()
	return c, nil
}

// PublicKey returns the key round parameters are signed with.
func (c *Coordinator) PublicKey() crypto.PublicKey {
	return c.pubKey
}

// InstanceID returns the owner id written into round records.
func (c *Coordinator) InstanceID() string {
	return c.instance
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run recovers the latest round from the store and drives the state
// machine until ctx is cancelled. On cancellation the current round is
// persisted as is, so a restarted coordinator resumes it. Run returns nil
// after a clean shutdown, ErrOwnershipLost if another instance took over
// the round, or the error that prevented startup.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	if err := c.recover(ctx); err != nil {
		c.shutdown()
		return err
	}

	for c.fatal == nil {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case req := <-c.requests:
			if ctx.Err() != nil {
				req.result <- ErrShutdown
				continue
			}
			req.result <- c.handle(ctx, req.msg)
		case <-c.deadline():
			if ctx.Err() != nil {
				continue
			}
			c.onDeadline(ctx)
		}
	}

	c.log.Error("Stopping state machine", "err", c.fatal)
	c.shutdown()
	return c.fatal
}

// Submit decodes, authenticates and applies a participant message. tag and
// roundID are the labels the transport received the message under and must
// match its header. Decoding and signature checks run on the caller's
// goroutine; the phase, role and aggregation checks run atomically on the
// state machine. A cancelled ctx is honoured only before the message is
// queued; after that Submit returns the state machine's verdict.
func (c *Coordinator) Submit(ctx context.Context, tag protocol.Tag, roundID uint64, raw []byte) error {
	msg, err := protocol.DecodeMessage(raw)
	if err == nil && (msg.Tag != tag || msg.RoundID != roundID) {
		err = fmt.Errorf("%w: message is %s for round %d, submitted as %s for round %d",
			protocol.ErrMalformed, msg.Tag, msg.RoundID, tag, roundID)
	}
	if err == nil {
		err = msg.Verify()
	}
	if err != nil {
		c.events.ParticipantRejected(roundID, tag.Phase(), err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	req := &request{msg: msg, result: make(chan error, 1)}
	select {
	case <-c.done:
		return ErrShutdown
	default:
	}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrShutdown
	default:
		c.events.ParticipantRejected(roundID, tag.Phase(), ErrBusy)
		return ErrBusy
	}

	// Once queued the message is applied regardless of ctx, so only the
	// verdict or shutdown ends the wait.
	select {
	case err := <-req.result:
		return err
	case <-c.done:
		// The verdict may have been sent just before Run returned.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrShutdown
		}
	}
}

func (c *Coordinator) deadline() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

func (c *Coordinator) startTimer(d time.Duration) {
	c.stopTimer()
	c.timer = time.NewTimer(d)
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// storeContext detaches store writes from the cancellation of Run, so a
// transition in progress during shutdown is still written.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// persist writes the current round. A version conflict means another
// instance owns the round and stops the state machine; any other failure
// degrades durability but the round continues in memory.
func (c *Coordinator) persist(ctx context.Context) {
	ctx, cancel := storeContext(ctx)
	defer cancel()
	err := c.store.Save(ctx, c.round)
	switch {
	case err == nil:
		if c.degraded {
			c.log.Info("Store recovered", "round", c.round.ID)
		}
		c.degraded = false
	case errors.Is(err, store.ErrVersionConflict):
		c.fatal = fmt.Errorf("%w: %v", ErrOwnershipLost, err)
	default:
		c.degraded = true
		c.log.Error("Failed to save round", "round", c.round.ID, "phase", c.round.Phase, "err", err)
		c.events.StoreFailed("save_round", err)
	}
}

// shutdown stops the timer, persists the current round unchanged and
// rejects whatever is still queued.
func (c *Coordinator) shutdown() {
	c.stopTimer()

	if c.round != nil && c.fatal == nil {
		c.persist(context.Background())
	}

	roundID := uint64(0)
	if c.round != nil {
		roundID = c.round.ID
	}
	c.log.Info("Coordinator shut down", "round", roundID)
	c.events.PhaseEntered(roundID, protocol.PhaseShutdown)
	c.publishShutdown()

	for {
		select {
		case req := <-c.requests:
			req.result <- ErrShutdown
		default:
			return
		}
	}
}
