/*
Package coordinator runs the round state machine of secure aggregation.

A round moves through Idle, Sum, Update and Sum2 and back to Idle with a new
global model, or to Error when a phase cannot finish. Sum participants
register an encryption key, update participants submit a masked model
together with one sealed mask seed per sum participant, and sum
participants finally return the sum of the masks addressed to them, which
the coordinator subtracts from the masked sum.

All state changes happen on the goroutine executing Run. Submit decodes
and authenticates a message on the caller's goroutine and hands it to the
state machine over a bounded queue; the read accessors (Status,
CurrentRoundParameters, SumDict, SeedDictFor, GlobalModel) serve snapshots
published after every change and never block on it.

Every phase change is persisted before it is announced. Records are saved
with optimistic versioning, so a coordinator that finds its round written
by another instance stops with ErrOwnershipLost instead of announcing
conflicting state.
*/
package coordinator
