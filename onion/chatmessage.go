package onion

import (
	"fmt"

	"github.com/MagicCactus42/susurri/crypto"
	"github.com/MagicCactus42/susurri/wire"
)

const maxChatMessageContent = 32 * 1024

// ChatMessage is the plaintext a sender hands to Builder.BuildPacket and a
// recipient recovers from Router.HandleInbound: a random message
// identifier (used to correlate the eventual ACK), the sender's signing
// public key, the message body, and an optional Ed25519 signature over
// MessageID||SenderPublicKey||Content for recipients that want to verify
// authorship independent of the onion envelope's own hop-by-hop
// encryption.
type ChatMessage struct {
	MessageID       [16]byte
	SenderPublicKey [32]byte
	Content         []byte
	Signature       crypto.Signature
	Signed          bool
}

func (m ChatMessage) signedFields() []byte {
	w := wire.NewWriter()
	w.Fixed(m.MessageID[:])
	w.Fixed(m.SenderPublicKey[:])
	w.I32LenBytes(m.Content)
	return w.Bytes()
}

// Sign computes and attaches an Ed25519 signature over the message using
// signingPrivateKey.
func (m *ChatMessage) Sign(signingPrivateKey [32]byte) error {
	sig, err := crypto.Sign(m.signedFields(), signingPrivateKey)
	if err != nil {
		return fmt.Errorf("onion: sign chat message: %w", err)
	}
	m.Signature = sig
	m.Signed = true
	return nil
}

// Verify reports whether the attached signature is valid for
// SenderPublicKey. Unsigned messages verify as false with no error.
func (m ChatMessage) Verify() (bool, error) {
	if !m.Signed {
		return false, nil
	}
	return crypto.Verify(m.signedFields(), m.Signature, m.SenderPublicKey)
}

// Encode serializes the chat message for onion transport.
func (m ChatMessage) Encode() []byte {
	w := wire.NewWriter()
	w.Fixed(m.MessageID[:])
	w.Fixed(m.SenderPublicKey[:])
	w.I32LenBytes(m.Content)
	w.Bool(m.Signed)
	if m.Signed {
		w.LenBytes(m.Signature[:])
	}
	return w.Bytes()
}

// DecodeChatMessage parses bytes produced by ChatMessage.Encode.
func DecodeChatMessage(buf []byte) (ChatMessage, error) {
	r := wire.NewReader(buf)
	var m ChatMessage

	id, err := r.Bytes(16)
	if err != nil {
		return m, fmt.Errorf("onion: decode message id: %w", err)
	}
	copy(m.MessageID[:], id)

	key, err := r.Bytes(32)
	if err != nil {
		return m, fmt.Errorf("onion: decode sender public key: %w", err)
	}
	copy(m.SenderPublicKey[:], key)

	if m.Content, err = r.I32LenBytes(maxChatMessageContent); err != nil {
		return m, fmt.Errorf("onion: decode content: %w", err)
	}

	if m.Signed, err = r.Bool(); err != nil {
		return m, fmt.Errorf("onion: decode signed flag: %w", err)
	}
	if m.Signed {
		sig, err := r.LenBytes(len(m.Signature))
		if err != nil {
			return m, fmt.Errorf("onion: decode signature: %w", err)
		}
		copy(m.Signature[:], sig)
	}
	return m, nil
}
