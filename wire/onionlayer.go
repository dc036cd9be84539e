package wire

import (
	"fmt"

	"github.com/MagicCactus42/susurri/crypto"
)

const maxOnionLayerCiphertext = 96 * 1024

// EncodeSealedLayer serializes a sealed onion layer for wire transfer:
// `ephemeral_pk_len (1) | ephemeral_pk (32) | nonce_len (1) | nonce (12) |
// ciphertext_len (i32) | ciphertext`.
func EncodeSealedLayer(layer *crypto.SealedLayer) []byte {
	w := NewWriter()
	w.LenBytes(layer.EphemeralPublic[:])
	w.LenBytes(layer.Nonce[:])
	w.I32LenBytes(layer.Ciphertext)
	return w.Bytes()
}

// DecodeSealedLayer parses a layer previously produced by EncodeSealedLayer.
func DecodeSealedLayer(buf []byte) (*crypto.SealedLayer, error) {
	r := NewReader(buf)

	ephPub, err := r.LenBytes(32)
	if err != nil {
		return nil, fmt.Errorf("wire: decode onion layer ephemeral key: %w", err)
	}
	if len(ephPub) != 32 {
		return nil, fmt.Errorf("wire: onion layer ephemeral key has wrong length %d", len(ephPub))
	}

	nonce, err := r.LenBytes(crypto.EphemeralNonceSize)
	if err != nil {
		return nil, fmt.Errorf("wire: decode onion layer nonce: %w", err)
	}
	if len(nonce) != crypto.EphemeralNonceSize {
		return nil, fmt.Errorf("wire: onion layer nonce has wrong length %d", len(nonce))
	}

	ciphertext, err := r.I32LenBytes(maxOnionLayerCiphertext)
	if err != nil {
		return nil, fmt.Errorf("wire: decode onion layer ciphertext: %w", err)
	}

	layer := &crypto.SealedLayer{Ciphertext: ciphertext}
	copy(layer.EphemeralPublic[:], ephPub)
	copy(layer.Nonce[:], nonce)
	return layer, nil
}
