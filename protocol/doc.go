// Package protocol defines the wire format and the shared vocabulary of the
// secure aggregation protocol.
//
// # Rounds and phases
//
// Every round runs through Idle, Sum, Update and Sum2. Participants are
// assigned a role per round by a public pseudo-random function of the round
// seed and their signing key (see Selector), so anyone holding the seed can
// check who is entitled to submit what:
//
//  1. Sum: sum participants publish an ephemeral X25519 key.
//  2. Update: update participants mask their model with the sum of masks
//     derived from one fresh seed per sum participant, and send the masked
//     model together with each seed encrypted to its sum participant.
//  3. Sum2: every sum participant decrypts the seeds addressed to it,
//     re-derives the masks and sends their sum. Adding up all shares gives
//     the aggregate mask, which unmasks the sum of the models.
//
// # Wire format
//
// Messages are fixed binary records:
//
//	version u8 | tag u8 | flags u16 | round_id u64 | participant_pk [32] | payload_len u32
//	payload
//	signature [64]
//
// All integers are big endian. The signature is Ed25519 over everything
// before it. DecodeMessage only checks structure; Verify checks the
// signature. RoundParameters use the same frame with the coordinator key in
// the participant field.
package protocol
