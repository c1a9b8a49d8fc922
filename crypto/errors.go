package crypto

import "errors"

var (
	// ErrInvalidKey is returned for keys of the wrong size or keys that
	// produce a degenerate shared secret.
	ErrInvalidKey = errors.New("crypto: invalid key")

	// ErrForged is returned when authentication of a ciphertext or a
	// signature fails.
	ErrForged = errors.New("crypto: forged or corrupted data")
)
