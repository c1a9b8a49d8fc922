package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/flashbots/secagg/crypto"
)

// Signed is a JSON envelope the coordinator uses for its read-side
// documents (sum dictionary, seed columns, global model). The signature
// covers the serialized object followed by the public key, so a document
// cannot be re-attributed to another key.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned serializes obj and signs it with privkey.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("serialize object: %w", err)
	}

	signature, err := crypto.Sign(privkey, append(data, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// Recover verifies the signature and returns the object and signer's key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	data, err := json.Marshal(s.Object)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize object: %w", err)
	}

	if !s.Signature.Verify(s.PublicKey, append(data, s.PublicKey...)) {
		return nil, nil, crypto.ErrForged
	}

	return s.Object, s.PublicKey, nil
}

// DecodeSigned reads a JSON envelope from r. The result is not verified.
func DecodeSigned[T any](r io.Reader) (*Signed[T], error) {
	var s Signed[T]
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}
