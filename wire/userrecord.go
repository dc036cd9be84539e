package wire

import (
	"fmt"

	"github.com/MagicCactus42/susurri/crypto"
)

// UserPublicKeyRecord is the signed record a node publishes into the DHT
// under its identity key so other nodes can look up its current onion
// encryption key and network address. The signature covers every other
// field, so a stored record cannot be forged by a relaying or storing node.
type UserPublicKeyRecord struct {
	SigningPublicKey    [32]byte
	EncryptionPublicKey [32]byte
	Address             string
	Port                uint16
	Timestamp           int64
	Signature           crypto.Signature
}

func (u *UserPublicKeyRecord) signedFields() []byte {
	w := NewWriter()
	w.Fixed(u.SigningPublicKey[:])
	w.Fixed(u.EncryptionPublicKey[:])
	w.String(u.Address)
	w.U16(u.Port)
	w.I64(u.Timestamp)
	return w.Bytes()
}

// Sign computes the record's signature over every field but the signature
// itself, using the Ed25519 signing seed.
func (u *UserPublicKeyRecord) Sign(signingPrivateKey [32]byte) error {
	sig, err := crypto.Sign(u.signedFields(), signingPrivateKey)
	if err != nil {
		return fmt.Errorf("wire: sign user public key record: %w", err)
	}
	u.Signature = sig
	return nil
}

// Verify reports whether the record's signature is valid for its claimed
// signing public key.
func (u *UserPublicKeyRecord) Verify() (bool, error) {
	return crypto.Verify(u.signedFields(), u.Signature, u.SigningPublicKey)
}

// Encode serializes the record for DHT storage or wire transfer.
func (u *UserPublicKeyRecord) Encode() []byte {
	w := NewWriter()
	w.Raw(u.signedFields())
	w.Fixed(u.Signature[:])
	return w.Bytes()
}

// DecodeUserPublicKeyRecord parses a record previously produced by Encode.
// It does not verify the signature; callers must call Verify explicitly,
// since an unverified record is sometimes useful for diagnostics.
func DecodeUserPublicKeyRecord(payload []byte) (*UserPublicKeyRecord, error) {
	r := NewReader(payload)
	u := &UserPublicKeyRecord{}
	var err error
	if u.SigningPublicKey, err = r.Fixed32(); err != nil {
		return nil, err
	}
	if u.EncryptionPublicKey, err = r.Fixed32(); err != nil {
		return nil, err
	}
	if u.Address, err = r.String(1024); err != nil {
		return nil, err
	}
	if u.Port, err = r.U16(); err != nil {
		return nil, err
	}
	if u.Timestamp, err = r.I64(); err != nil {
		return nil, err
	}
	sigBytes, err := r.Bytes(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(u.Signature[:], sigBytes)
	return u, nil
}
