// Package identity derives a user's long-term signing and key-agreement
// keypairs deterministically from a BIP39 mnemonic passphrase, and provides
// the passphrase-protected at-rest encryption contract the credential cache
// consumes (the disk format itself lives outside this module).
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"github.com/MagicCactus42/susurri/crypto"
)

// ErrInvalidWordCount is returned when a mnemonic does not have a BIP39-valid
// word count (12, 15, 18, 21, or 24 words).
var ErrInvalidWordCount = errors.New("identity: mnemonic must have 12, 15, 18, 21, or 24 words")

// ErrPassphraseTooShort is returned when a storage passphrase is too weak to
// be worth deriving a key from.
var ErrPassphraseTooShort = errors.New("identity: passphrase must be at least 8 characters")

// PBKDF2Iterations is the fixed iteration count for passphrase-protected
// storage keys, per the crypto suite.
const PBKDF2Iterations = 600_000

// SaltSize is the size, in bytes, of the PBKDF2 salt stored alongside
// encrypted credential material.
const SaltSize = 16

// Identity is a user's derived long-term keypairs: an Ed25519 signing key
// and an X25519 key-agreement key, plus the mnemonic they came from.
type Identity struct {
	Mnemonic   string
	SigningKey ed25519.PrivateKey
	SigningPub ed25519.PublicKey
	KeyPair    *crypto.KeyPair
}

// GenerateMnemonic creates a fresh random BIP39 mnemonic with the given
// entropy strength in bits (128 => 12 words, 256 => 24 words).
func GenerateMnemonic(entropyBits int) (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", fmt.Errorf("identity: generating entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives an Identity from a BIP39 mnemonic passphrase.
//
// The BIP39 seed (64 bytes) is produced with an empty BIP39 passphrase
// extension; the first 32 bytes become the Ed25519 signing seed, and bytes
// 32..64 become the X25519 key-agreement seed, as fixed by the crypto
// suite.
func FromMnemonic(mnemonic string) (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "FromMnemonic",
		"package":  "identity",
	})

	if !bip39.IsMnemonicValid(mnemonic) {
		logger.WithFields(logrus.Fields{
			"error_type": "validation_failed",
			"operation":  "bip39.IsMnemonicValid",
		}).Error("mnemonic failed BIP39 validation")
		return nil, ErrInvalidWordCount
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer crypto.ZeroBytes(seed)

	if len(seed) != 64 {
		// bip39.NewSeed always returns 64 bytes via PBKDF2-HMAC-SHA512;
		// this guards against a future library change silently shrinking it.
		return nil, fmt.Errorf("identity: unexpected seed length %d", len(seed))
	}

	signingSeed := make([]byte, ed25519.SeedSize)
	copy(signingSeed, seed[:32])
	signingKey := ed25519.NewKeyFromSeed(signingSeed)
	crypto.ZeroBytes(signingSeed)

	var agreementSeed [32]byte
	copy(agreementSeed[:], seed[32:64])

	keyPair, err := crypto.FromSecretKey(agreementSeed)
	crypto.ZeroBytes(agreementSeed[:])
	if err != nil {
		return nil, fmt.Errorf("identity: deriving key-agreement pair: %w", err)
	}

	return &Identity{
		Mnemonic:   mnemonic,
		SigningKey: signingKey,
		SigningPub: signingKey.Public().(ed25519.PublicKey),
		KeyPair:    keyPair,
	}, nil
}

// EncryptionPublicKey is a convenience accessor for the X25519 public key
// used both as the NodeId seed (spec §4.1) and as the onion-layer recipient
// key.
func (id *Identity) EncryptionPublicKey() [32]byte {
	return id.KeyPair.Public
}

// SigningPublicKey32 returns the Ed25519 public key as a fixed-size array
// for wire encoding.
func (id *Identity) SigningPublicKey32() [32]byte {
	var pk [32]byte
	copy(pk[:], id.SigningPub)
	return pk
}

// SigningSeed returns the 32-byte Ed25519 seed backing SigningKey, the
// form crypto.Sign expects.
func (id *Identity) SigningSeed() [32]byte {
	var seed [32]byte
	copy(seed[:], id.SigningKey.Seed())
	return seed
}


// EncryptCredentials seals arbitrary credential-cache bytes (e.g. a
// serialized Identity) under a human passphrase using PBKDF2-HMAC-SHA256
// (600,000 iterations) to derive an AES-256 key, then AES-GCM for
// authenticated encryption. This is the contract the external
// credential-cache disk format consumes; this package does not perform any
// file I/O itself.
func EncryptCredentials(plaintext []byte, passphrase string) (ciphertext, salt, nonce []byte, err error) {
	if len(passphrase) < 8 {
		return nil, nil, nil, ErrPassphraseTooShort
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, nil, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, 32, sha256.New)
	defer crypto.ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, salt, nonce, nil
}

// DecryptCredentials reverses EncryptCredentials. An authentication
// failure here is a crypto failure: it means either a wrong passphrase or
// tampered storage, and the caller must not distinguish the two in any
// user-visible way (avoids a passphrase oracle).
func DecryptCredentials(ciphertext, salt, nonce []byte, passphrase string) ([]byte, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, 32, sha256.New)
	defer crypto.ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("identity: decryption failed (wrong passphrase or corrupted data)")
	}
	return plaintext, nil
}
