// Package crypto implements the cryptographic primitives of the messaging
// substrate: X25519 key agreement, Ed25519 identity signatures, and the
// onion layer AEAD. Credential-cache encryption lives in package identity.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair used for node-to-node key agreement.
//
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
//
func GenerateKeyPair() (*KeyPair, error) {
	logger := NewLogger("GenerateKeyPair")
	logger.Entry("generating new cryptographic key pair")
	defer logger.Exit()

	logger.WithFields(OperationFields("nacl_box_generate_key", "started")).Debug("generating NaCl box key pair with secure random entropy")

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err, "key_generation_failed", "box.GenerateKey").Error("failed to generate cryptographic key pair")
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	logger.WithFields(SecureFieldHash(keyPair.Public[:], "public_key")).
		WithFields(OperationFields("key_generation", "success")).
		Info("cryptographic key pair generated successfully")

	return keyPair, nil
}

// FromSecretKey creates a key pair from an existing private key.
//
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	logger := NewLogger("FromSecretKey")
	logger.Entry("creating key pair from existing secret key")
	defer logger.Exit()

	if isZeroKey(secretKey) {
		logger.WithFields(OperationFields("secret_key_validation", "failed")).Error("secret key validation failed: key cannot be all zeros")
		return nil, errors.New("invalid secret key: all zeros")
	}
	logger.WithFields(OperationFields("secret_key_validation", "passed")).Debug("secret key validation passed")

	// Create a copy of the secret key to avoid modifying the original
	var privateKey [32]byte
	copy(privateKey[:], secretKey[:])

	// In NaCl/libsodium, the private key needs to be "clamped" before use.
	// This ensures it meets the requirements for curve25519.
	privateKey[0] &= 248  // Clear the bottom 3 bits
	privateKey[31] &= 127 // Clear the top bit
	privateKey[31] |= 64  // Set the second-to-top bit

	logger.WithFields(OperationFields("curve25519_key_clamping", "done")).Debug("applied curve25519 key clamping to private key")

	// Derive public key from private key using curve25519
	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	logger.WithFields(OperationFields("scalar_base_mult", "done")).Debug("derived public key from private key using curve25519")

	keyPair := &KeyPair{
		Public:  publicKey,
		Private: secretKey, // Return the original unclamped key as per NaCl convention
	}

	logger.WithFields(OperationFields("secure_memory_wipe", "done")).Debug("securely wiping temporary key material")
	ZeroBytes(privateKey[:])

	logger.WithFields(SecureFieldHash(keyPair.Public[:], "public_key")).
		WithFields(OperationFields("key_derivation", "success")).
		Info("key pair created successfully from secret key")

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	logger := NewLogger("isZeroKey")
	logger.Entry("validating key is not all zeros")
	defer logger.Exit()

	for i, b := range key {
		if b != 0 {
			logger.WithField("first_nonzero", i).WithFields(OperationFields("zero_key_check", "valid_key")).Debug("key validation: found non-zero byte, key is valid")
			return false
		}
	}

	logger.WithFields(OperationFields("zero_key_check", "invalid_key")).Warn("key validation: key consists of all zero bytes")
	return true
}
