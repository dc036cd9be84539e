package onion

import (
	"fmt"

	"github.com/MagicCactus42/susurri/wire"
)

const maxReplyTokensPerPath = 16

// recipientPayload is the innermost onion content, visible only to the
// final message recipient: the padded chat message plus the reply path
// (one sealed reply token per hop, outermost first) and the sender's
// public key so the recipient can address a response.
type recipientPayload struct {
	PaddedMessage   []byte
	ReplyTokens     [][]byte
	SenderPublicKey [32]byte
}

func (p recipientPayload) encode() []byte {
	w := wire.NewWriter()
	w.I32LenBytes(p.PaddedMessage)
	w.U8(uint8(len(p.ReplyTokens)))
	for _, tok := range p.ReplyTokens {
		w.I32LenBytes(tok)
	}
	w.Fixed(p.SenderPublicKey[:])
	return w.Bytes()
}

func decodeRecipientPayload(buf []byte) (recipientPayload, error) {
	r := wire.NewReader(buf)
	var p recipientPayload
	var err error

	if p.PaddedMessage, err = r.I32LenBytes(BlockSize); err != nil {
		return p, fmt.Errorf("onion: decode padded message: %w", err)
	}
	count, err := r.U8()
	if err != nil {
		return p, fmt.Errorf("onion: decode reply token count: %w", err)
	}
	if int(count) > maxReplyTokensPerPath {
		return p, fmt.Errorf("onion: reply token count %d exceeds maximum", count)
	}
	p.ReplyTokens = make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		tok, err := r.I32LenBytes(maxReplyTokenSize)
		if err != nil {
			return p, fmt.Errorf("onion: decode reply token %d: %w", i, err)
		}
		p.ReplyTokens = append(p.ReplyTokens, tok)
	}
	key, err := r.Bytes(32)
	if err != nil {
		return p, fmt.Errorf("onion: decode sender public key: %w", err)
	}
	copy(p.SenderPublicKey[:], key)
	return p, nil
}
