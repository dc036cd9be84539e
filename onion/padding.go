// Package onion implements the layered onion-encryption scheme that
// conceals sender/recipient correspondence across a multi-hop relay path:
// fixed-size padded blocks, per-hop AEAD layers (via crypto.SealLayer),
// reply tokens for anonymous ACKs, and the outward-build / inward-unwrap
// algorithms. It generalizes the teacher's multi-layer forward-secrecy
// envelope in async/forward_secrecy.go and async/obfs.go (which pad and
// wrap messages for a single hop) into the spec's full multi-hop path.
package onion

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// BlockSize is the fixed padded message size: a 4-byte big-endian length
// prefix followed by payload and random-byte tail.
const BlockSize = 16384

// ErrMessageTooLarge is returned by Pad when the message cannot fit in a
// single padded block.
var ErrMessageTooLarge = errors.New("onion: message exceeds padded block capacity")

// ErrCorruptPadding is returned by Unpad when the embedded length prefix
// does not describe a valid prefix of the block.
var ErrCorruptPadding = errors.New("onion: corrupt padding length prefix")

// Pad returns a BlockSize-byte block containing message prefixed by its
// big-endian length, with the remaining tail filled with random bytes.
func Pad(message []byte) ([]byte, error) {
	if len(message) > BlockSize-4 {
		return nil, ErrMessageTooLarge
	}

	block := make([]byte, BlockSize)
	binary.BigEndian.PutUint32(block[:4], uint32(len(message)))
	copy(block[4:], message)

	tail := block[4+len(message):]
	if _, err := rand.Read(tail); err != nil {
		return nil, err
	}
	return block, nil
}

// Unpad recovers the original message from a block produced by Pad.
func Unpad(block []byte) ([]byte, error) {
	if len(block) != BlockSize {
		return nil, ErrCorruptPadding
	}
	n := binary.BigEndian.Uint32(block[:4])
	if int(n) > BlockSize-4 {
		return nil, ErrCorruptPadding
	}
	out := make([]byte, n)
	copy(out, block[4:4+n])
	return out, nil
}
