package onion

import (
	"fmt"

	"github.com/MagicCactus42/susurri/wire"
)

// ackInner is the payload carried inside an Ack LayerContent: the message
// being acknowledged, plus the reply tokens still needed to reach the
// remaining hops back to the sender. Each forwarding hop pops the token
// addressed to whichever hop sits before it and shrinks the list by one;
// the trade-off of carrying MessageID unencrypted between hops is
// accepted here, matching this system's best-effort approach to
// metadata privacy against an on-path observer.
type ackInner struct {
	MessageID       [16]byte
	RemainingTokens [][]byte
}

func (a ackInner) encode() []byte {
	w := wire.NewWriter()
	w.Fixed(a.MessageID[:])
	w.U8(uint8(len(a.RemainingTokens)))
	for _, tok := range a.RemainingTokens {
		w.I32LenBytes(tok)
	}
	return w.Bytes()
}

func decodeAckInner(buf []byte) (ackInner, error) {
	r := wire.NewReader(buf)
	var a ackInner

	id, err := r.Bytes(16)
	if err != nil {
		return a, fmt.Errorf("onion: decode ack message id: %w", err)
	}
	copy(a.MessageID[:], id)

	count, err := r.U8()
	if err != nil {
		return a, fmt.Errorf("onion: decode ack token count: %w", err)
	}
	if int(count) > maxReplyTokensPerPath {
		return a, fmt.Errorf("onion: ack token count %d exceeds maximum", count)
	}
	a.RemainingTokens = make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		tok, err := r.I32LenBytes(maxReplyTokenSize)
		if err != nil {
			return a, fmt.Errorf("onion: decode ack token %d: %w", i, err)
		}
		a.RemainingTokens = append(a.RemainingTokens, tok)
	}
	return a, nil
}
