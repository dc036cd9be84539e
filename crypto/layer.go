package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// EphemeralNonceSize is the size of the AEAD nonce used for layer encryption.
const EphemeralNonceSize = chacha20poly1305.NonceSize

// SealedLayer is one onion-routed AEAD envelope: an ephemeral public key
// plus a ChaCha20-Poly1305 ciphertext. The recipient derives the same
// symmetric key via X25519 ECDH against their own static private key.
type SealedLayer struct {
	EphemeralPublic [32]byte
	Nonce           [EphemeralNonceSize]byte
	Ciphertext      []byte
}

// deriveLayerKey runs HKDF-SHA256 over an X25519 shared secret with an
// empty salt and empty info, producing the 32-byte ChaCha20-Poly1305 key.
// This is the one key-derivation shape used everywhere a layer is sealed
// or opened, so onion layers, reply tokens, and recipient payloads all
// derive keys identically.
func deriveLayerKey(sharedSecret [32]byte) ([32]byte, error) {
	var key [32]byte
	reader := hkdf.New(sha256.New, sharedSecret[:], nil, nil)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}

// SealLayer encrypts plaintext for recipientPublic, generating a fresh
// ephemeral X25519 keypair for this layer alone (each onion hop uses an
// ephemeral key; long-term identity keys are never used for layer
// encryption, matching the onion suite's no-cross-session-PFS tradeoff).
func SealLayer(plaintext []byte, recipientPublic [32]byte) (*SealedLayer, error) {
	logger := NewLogger("SealLayer")

	eph, err := GenerateKeyPair()
	if err != nil {
		logger.WithError(err, "ephemeral_keypair_failed", "GenerateKeyPair").Error("failed to generate ephemeral layer keypair")
		return nil, err
	}

	sharedSecret, err := curve25519.X25519(eph.Private[:], recipientPublic[:])
	if err != nil {
		return nil, err
	}
	var shared [32]byte
	copy(shared[:], sharedSecret)

	key, err := deriveLayerKey(shared)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	var nonce [EphemeralNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)

	return &SealedLayer{
		EphemeralPublic: eph.Public,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// OpenLayer decrypts a SealedLayer addressed to localPrivate. An AEAD
// authentication failure is a crypto failure per the error-handling
// design: the caller must treat it as adversarial input, never as a
// retryable transient error.
func OpenLayer(layer *SealedLayer, localPrivate [32]byte) ([]byte, error) {
	if layer == nil {
		return nil, errors.New("nil sealed layer")
	}

	sharedSecret, err := curve25519.X25519(localPrivate[:], layer.EphemeralPublic[:])
	if err != nil {
		return nil, err
	}
	var shared [32]byte
	copy(shared[:], sharedSecret)

	key, err := deriveLayerKey(shared)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, layer.Nonce[:], layer.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("layer authentication failed")
	}

	return plaintext, nil
}

// GenerateEphemeral generates a fresh, freestanding 32-byte random session
// key (used for reply-token session keys, distinct from an X25519 keypair).
func GenerateEphemeral() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}
