package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// EncryptKeySize is the size of X25519 keys.
	EncryptKeySize = 32

	nonceSize = 24

	// SealedSeedSize is the size of an encrypted MaskSeed: nonce, seed and
	// the Poly1305 tag.
	SealedSeedSize = nonceSize + MaskSeedSize + box.Overhead
)

// EncryptPublicKey is an X25519 public key used to receive encrypted mask seeds.
type EncryptPublicKey [EncryptKeySize]byte

// EncryptPrivateKey is the X25519 secret half of an encryption key pair.
type EncryptPrivateKey [EncryptKeySize]byte

// Ciphertext is a random nonce followed by a NaCl box.
type Ciphertext []byte

// String returns the hex encoding of the key.
func (pk EncryptPublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

func (pk EncryptPublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *EncryptPublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != EncryptKeySize {
		return fmt.Errorf("%w: encryption key must be %d bytes", ErrInvalidKey, EncryptKeySize)
	}
	copy(pk[:], b)
	return nil
}

// IsZero reports whether the key is unset.
func (pk EncryptPublicKey) IsZero() bool {
	return pk == EncryptPublicKey{}
}

// Wipe zeroes the secret key in place.
func (sk *EncryptPrivateKey) Wipe() {
	clear(sk[:])
}

// GenerateEncryptKeyPair generates an X25519 key pair for authenticated
// public-key encryption.
func GenerateEncryptKeyPair() (EncryptPublicKey, EncryptPrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptPublicKey{}, EncryptPrivateKey{}, err
	}
	defer clear(priv[:])
	return EncryptPublicKey(*pub), EncryptPrivateKey(*priv), nil
}

// checkKeys rejects all-zero and low-order inputs, which would otherwise
// give an all-zero shared secret.
func checkKeys(peer EncryptPublicKey, own *EncryptPrivateKey) error {
	if own == nil || *own == (EncryptPrivateKey{}) {
		return fmt.Errorf("%w: empty secret key", ErrInvalidKey)
	}
	shared, err := curve25519.X25519(own[:], peer[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	clear(shared)
	return nil
}

// Encrypt seals plaintext for recipientPK, authenticated as the owner of
// senderSK.
func Encrypt(plaintext []byte, recipientPK EncryptPublicKey, senderSK *EncryptPrivateKey) (Ciphertext, error) {
	if err := checkKeys(recipientPK, senderSK); err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	peer := [EncryptKeySize]byte(recipientPK)
	own := [EncryptKeySize]byte(*senderSK)
	defer clear(own[:])

	out := make([]byte, nonceSize, nonceSize+len(plaintext)+box.Overhead)
	copy(out, nonce[:])
	return box.Seal(out, plaintext, &nonce, &peer, &own), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It returns ErrForged when
// the ciphertext is truncated or fails authentication.
func Decrypt(ciphertext Ciphertext, senderPK EncryptPublicKey, recipientSK *EncryptPrivateKey) ([]byte, error) {
	if err := checkKeys(senderPK, recipientSK); err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize+box.Overhead {
		return nil, ErrForged
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	peer := [EncryptKeySize]byte(senderPK)
	own := [EncryptKeySize]byte(*recipientSK)
	defer clear(own[:])

	plaintext, ok := box.Open(nil, ciphertext[nonceSize:], &nonce, &peer, &own)
	if !ok {
		return nil, ErrForged
	}
	return plaintext, nil
}
