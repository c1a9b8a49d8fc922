// Package crypto provides the cryptographic primitives of the secure
// aggregation protocol.
//
//   - Ed25519 signing keys identify participants and authenticate messages
//   - X25519 NaCl box encryption carries mask seeds from update participants
//     to sum participants
//   - ChaCha20 expands a mask seed into a mask vector (DeriveMask)
//   - Arithmetic over the prime field of order 2^61 - 1 (MaskFieldOrder)
//
// All functions are stateless. Secret keys and seeds expose Wipe so callers
// can zero them as soon as they are no longer needed.
//
// # Masks
//
// A mask is a vector of field elements derived deterministically from a
// 32 byte seed. Masking is additive: masked = value + mask mod q. The sum of
// masked vectors minus the sum of their masks is the sum of the values.
//
// # Errors
//
// ErrInvalidKey reports malformed or degenerate keys. ErrForged reports
// ciphertexts or signatures that fail authentication. Neither is fatal to a
// round; the offending message is rejected.
package crypto
