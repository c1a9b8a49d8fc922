package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// MaskSeedSize is the size of a mask seed.
const MaskSeedSize = 32

// MaskSeed keys the stream cipher a mask is derived from.
type MaskSeed [MaskSeedSize]byte

// GenerateMaskSeed returns a fresh random seed.
func GenerateMaskSeed() (MaskSeed, error) {
	var seed MaskSeed
	if _, err := rand.Read(seed[:]); err != nil {
		return MaskSeed{}, fmt.Errorf("generate mask seed: %w", err)
	}
	return seed, nil
}

// Wipe zeroes the seed in place.
func (s *MaskSeed) Wipe() {
	clear(s[:])
}

// Seal encrypts the seed for a sum participant.
func (s *MaskSeed) Seal(recipientPK EncryptPublicKey, senderSK *EncryptPrivateKey) (Ciphertext, error) {
	return Encrypt(s[:], recipientPK, senderSK)
}

// OpenMaskSeed decrypts a seed sealed with MaskSeed.Seal.
func OpenMaskSeed(ct Ciphertext, senderPK EncryptPublicKey, recipientSK *EncryptPrivateKey) (MaskSeed, error) {
	plain, err := Decrypt(ct, senderPK, recipientSK)
	if err != nil {
		return MaskSeed{}, err
	}
	defer clear(plain)
	if len(plain) != MaskSeedSize {
		return MaskSeed{}, ErrForged
	}
	return MaskSeed(plain), nil
}

// DeriveMask expands seed into length field elements. The ChaCha20 keystream
// (zero nonce, the seed is never reused for anything else) is read eight
// bytes at a time, truncated to 61 bits and rejection-sampled, so every
// element is uniform in [0, MaskFieldOrder).
func DeriveMask(seed MaskSeed, length int) []uint64 {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed by the types above.
		panic(err)
	}

	mask := make([]uint64, 0, length)
	buf := make([]byte, 8*256)
	for len(mask) < length {
		clear(buf)
		c.XORKeyStream(buf, buf)
		for off := 0; off+8 <= len(buf) && len(mask) < length; off += 8 {
			v := binary.LittleEndian.Uint64(buf[off:]) & MaskFieldOrder
			if v == MaskFieldOrder {
				continue
			}
			mask = append(mask, v)
		}
	}
	clear(buf)
	return mask
}
